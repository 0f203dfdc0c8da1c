package packet

import "testing"

func TestTransportParametersRoundTrip(t *testing.T) {
	tp := DefaultTransportParameters()
	tp.OriginalDestConnID = []byte{1, 2, 3}
	tp.InitialSrcConnID = []byte{4, 5, 6}
	tp.InitialMaxData = 1 << 20
	tp.InitialMaxStreamsBidi = 10
	tp.DisableActiveMigration = true
	tp.ActiveConnectionIDLimit = 4

	buf := EncodeTransportParameters(tp)
	got, err := DecodeTransportParameters(buf)
	if err != nil {
		t.Fatalf("DecodeTransportParameters: %v", err)
	}
	if string(got.OriginalDestConnID) != string(tp.OriginalDestConnID) {
		t.Fatalf("OriginalDestConnID mismatch")
	}
	if got.InitialMaxData != tp.InitialMaxData {
		t.Fatalf("InitialMaxData = %d, want %d", got.InitialMaxData, tp.InitialMaxData)
	}
	if !got.DisableActiveMigration {
		t.Fatalf("expected DisableActiveMigration set")
	}
	if got.ActiveConnectionIDLimit != 4 {
		t.Fatalf("ActiveConnectionIDLimit = %d, want 4", got.ActiveConnectionIDLimit)
	}
}

func TestDecodeTransportParametersRejectsDuplicate(t *testing.T) {
	var buf []byte
	buf = appendTLV(buf, TPInitialMaxData, AppendVarint(nil, 100))
	buf = appendTLV(buf, TPInitialMaxData, AppendVarint(nil, 200))
	if _, err := DecodeTransportParameters(buf); err == nil {
		t.Fatalf("expected duplicate transport parameter to be rejected")
	}
}

func TestDecodeTransportParametersSkipsGrease(t *testing.T) {
	var buf []byte
	buf = appendTLV(buf, TransportParamID(27), []byte{0xff, 0xff, 0xff})
	buf = appendTLV(buf, TPInitialMaxData, AppendVarint(nil, 42))
	got, err := DecodeTransportParameters(buf)
	if err != nil {
		t.Fatalf("DecodeTransportParameters: %v", err)
	}
	if got.InitialMaxData != 42 {
		t.Fatalf("InitialMaxData = %d, want 42", got.InitialMaxData)
	}
}

func TestDecodeTransportParametersRangeChecksAckDelayExponent(t *testing.T) {
	var buf []byte
	buf = appendTLV(buf, TPAckDelayExponent, AppendVarint(nil, maxAckDelayExponent+1))
	if _, err := DecodeTransportParameters(buf); err == nil {
		t.Fatalf("expected ack_delay_exponent range violation")
	}
}

func TestDecodeTransportParametersRejectsShortStatelessResetToken(t *testing.T) {
	var buf []byte
	buf = appendTLV(buf, TPStatelessResetToken, []byte{1, 2, 3})
	if _, err := DecodeTransportParameters(buf); err == nil {
		t.Fatalf("expected stateless_reset_token length violation")
	}
}

func TestPreferredAddressTransportParamRoundTrip(t *testing.T) {
	tp := DefaultTransportParameters()
	tp.PreferredAddress = &PreferredAddress{
		IPv4:         []byte{127, 0, 0, 1},
		IPv4Port:     443,
		ConnectionID: []byte{9, 9, 9},
	}
	buf := EncodeTransportParameters(tp)
	got, err := DecodeTransportParameters(buf)
	if err != nil {
		t.Fatalf("DecodeTransportParameters: %v", err)
	}
	if got.PreferredAddress == nil {
		t.Fatalf("expected preferred_address to be present")
	}
	if !got.PreferredAddress.HasIPv4() {
		t.Fatalf("expected HasIPv4 true")
	}
	if got.PreferredAddress.HasIPv6() {
		t.Fatalf("expected HasIPv6 false")
	}
}
