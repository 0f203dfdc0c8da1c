// Package qerr implements the error taxonomy of the transport engine:
// transport errors (carry a wire error code and close the connection with
// CONNECTION_CLOSE), application errors (opaque peer-visible codes), local
// fatal errors (close silently, no CONNECTION_CLOSE), and local non-fatal
// errors (logged/counted, recovered from locally).
package qerr

import (
	"errors"
	"fmt"
)

// TransportErrorCode is a QUIC transport error code (RFC 9000 section 20.1).
type TransportErrorCode uint64

const (
	NoError                  TransportErrorCode = 0x0
	InternalError            TransportErrorCode = 0x1
	ConnectionRefused        TransportErrorCode = 0x2
	FlowControlError         TransportErrorCode = 0x3
	StreamLimitError         TransportErrorCode = 0x4
	StreamStateError         TransportErrorCode = 0x5
	FinalSizeError           TransportErrorCode = 0x6
	FrameEncodingError       TransportErrorCode = 0x7
	TransportParameterError TransportErrorCode = 0x8
	ConnectionIDLimitError   TransportErrorCode = 0x9
	ProtocolViolation        TransportErrorCode = 0xa
	InvalidToken             TransportErrorCode = 0xb
	ApplicationErrorCode     TransportErrorCode = 0xc
	CryptoBufferExceeded     TransportErrorCode = 0xd
	KeyUpdateError           TransportErrorCode = 0xe
	AEADLimitReached         TransportErrorCode = 0xf
	NoViablePath             TransportErrorCode = 0x10
	// CryptoError is a range, 0x0100-0x01ff, carrying a TLS alert in the low byte.
	CryptoErrorBase TransportErrorCode = 0x100
)

// CryptoError builds the transport error code for a TLS alert.
func CryptoError(alert uint8) TransportErrorCode {
	return CryptoErrorBase + TransportErrorCode(alert)
}

func (c TransportErrorCode) String() string {
	switch {
	case c >= CryptoErrorBase && c <= CryptoErrorBase+0xff:
		return fmt.Sprintf("CRYPTO_ERROR(%#x)", uint64(c-CryptoErrorBase))
	}
	switch c {
	case NoError:
		return "NO_ERROR"
	case InternalError:
		return "INTERNAL_ERROR"
	case ConnectionRefused:
		return "CONNECTION_REFUSED"
	case FlowControlError:
		return "FLOW_CONTROL_ERROR"
	case StreamLimitError:
		return "STREAM_LIMIT_ERROR"
	case StreamStateError:
		return "STREAM_STATE_ERROR"
	case FinalSizeError:
		return "FINAL_SIZE_ERROR"
	case FrameEncodingError:
		return "FRAME_ENCODING_ERROR"
	case TransportParameterError:
		return "TRANSPORT_PARAMETER_ERROR"
	case ConnectionIDLimitError:
		return "CONNECTION_ID_LIMIT_ERROR"
	case ProtocolViolation:
		return "PROTOCOL_VIOLATION"
	case InvalidToken:
		return "INVALID_TOKEN"
	case ApplicationErrorCode:
		return "APPLICATION_ERROR"
	case CryptoBufferExceeded:
		return "CRYPTO_BUFFER_EXCEEDED"
	case KeyUpdateError:
		return "KEY_UPDATE_ERROR"
	case AEADLimitReached:
		return "AEAD_LIMIT_REACHED"
	case NoViablePath:
		return "NO_VIABLE_PATH"
	default:
		return fmt.Sprintf("UNKNOWN_ERROR(%#x)", uint64(c))
	}
}

// TransportError is category 1 of spec section 7: a protocol-level failure
// that closes the connection with a CONNECTION_CLOSE frame carrying Code.
type TransportError struct {
	Code   TransportErrorCode
	Frame  uint64 // frame type that triggered the error, 0 if not frame-specific
	Reason string
}

func (e *TransportError) Error() string {
	if e.Reason == "" {
		return e.Code.String()
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Reason)
}

func NewTransportError(code TransportErrorCode, reason string) *TransportError {
	return &TransportError{Code: code, Reason: reason}
}

// ApplicationError is category 2: an opaque 62-bit code surfaced to the peer
// via CONNECTION_CLOSE (frame type 0x1d) or RESET_STREAM.
type ApplicationError struct {
	Code   uint64
	Reason string
}

func (e *ApplicationError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("application error %#x", e.Code)
	}
	return fmt.Sprintf("application error %#x: %s", e.Code, e.Reason)
}

// LocalFatalError is category 3: out-of-memory, TLS-library failure, CID
// collision exhaustion, invalid internal state. The connection is dropped
// without sending CONNECTION_CLOSE and without a closing/draining period.
type LocalFatalError struct {
	Reason string
	Cause  error
}

func (e *LocalFatalError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("local fatal error: %s: %v", e.Reason, e.Cause)
	}
	return "local fatal error: " + e.Reason
}

func (e *LocalFatalError) Unwrap() error { return e.Cause }

// LocalNonFatal is category 4: dropped packets, momentary flow-control
// stalls, pacing stalls. These are recorded and do not alter connection
// state beyond counters; they are represented as a plain reason string so
// call sites can log-and-continue without allocating a typed error for the
// hot drop path.
type LocalNonFatal string

func (e LocalNonFatal) Error() string { return string(e) }

const (
	DropBadKey             LocalNonFatal = "dropped: key not yet available"
	DropWrongEncryptLevel  LocalNonFatal = "dropped: wrong encryption level"
	DropDuplicate          LocalNonFatal = "dropped: duplicate packet"
	DropDecryptionFailure  LocalNonFatal = "dropped: AEAD decryption failure"
	StallFlowControlZero   LocalNonFatal = "stall: flow control window momentarily zero"
	StallPacing            LocalNonFatal = "stall: paced send budget exhausted"
)

// AsTransportError extracts a *TransportError via errors.As-equivalent
// unwrapping without importing errors package repeatedly at call sites.
func AsTransportError(err error) (*TransportError, bool) {
	var te *TransportError
	ok := errors.As(err, &te)
	return te, ok
}
