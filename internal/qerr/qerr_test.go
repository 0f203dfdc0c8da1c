package qerr

import "testing"

func TestTransportErrorCodeStringsMatchRFC9000Names(t *testing.T) {
	cases := map[TransportErrorCode]string{
		NoError:              "NO_ERROR",
		FlowControlError:     "FLOW_CONTROL_ERROR",
		ProtocolViolation:    "PROTOCOL_VIOLATION",
		CryptoBufferExceeded: "CRYPTO_BUFFER_EXCEEDED",
		AEADLimitReached:     "AEAD_LIMIT_REACHED",
	}
	for code, want := range cases {
		if got := code.String(); got != want {
			t.Errorf("%#x.String() = %q, want %q", uint64(code), got, want)
		}
	}
}

func TestCryptoErrorEncodesTLSAlert(t *testing.T) {
	err := NewTransportError(CryptoError(42), "bad certificate")
	if got, want := err.Code.String(), "CRYPTO_ERROR(0x2a)"; got != want {
		t.Errorf("Code.String() = %q, want %q", got, want)
	}
	if got, want := err.Error(), "CRYPTO_ERROR(0x2a): bad certificate"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestNewTransportErrorWithoutReasonUsesCodeName(t *testing.T) {
	err := NewTransportError(InternalError, "")
	if got, want := err.Error(), "INTERNAL_ERROR"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}

func TestAsTransportError(t *testing.T) {
	var err error = NewTransportError(ProtocolViolation, "malformed frame")
	te, ok := AsTransportError(err)
	if !ok || te.Code != ProtocolViolation {
		t.Fatalf("AsTransportError failed to extract the *TransportError: %v, %v", te, ok)
	}
	if _, ok := AsTransportError(&ApplicationError{Code: 1}); ok {
		t.Fatalf("AsTransportError should not match an *ApplicationError")
	}
}

func TestLocalFatalErrorUnwrapsCause(t *testing.T) {
	cause := LocalNonFatal("dropped: AEAD decryption failure")
	err := &LocalFatalError{Reason: "cid collision exhausted", Cause: cause}
	if got := err.Error(); got == "" {
		t.Fatalf("expected a non-empty error string")
	}
	if unwrapped := err.Unwrap(); unwrapped != cause {
		t.Fatalf("Unwrap() = %v, want %v", unwrapped, cause)
	}
}

func TestApplicationErrorFormatting(t *testing.T) {
	withReason := &ApplicationError{Code: 0x2a, Reason: "client gave up"}
	if got, want := withReason.Error(), "application error 0x2a: client gave up"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	withoutReason := &ApplicationError{Code: 0x2a}
	if got, want := withoutReason.Error(), "application error 0x2a"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
