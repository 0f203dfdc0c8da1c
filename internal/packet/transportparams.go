package packet

import (
	"fmt"
)

// TransportParamID is the 16-bit TP id carried in the TLS extension's
// length-prefixed (id, length, value) list.
type TransportParamID uint16

const (
	TPOriginalDestConnID      TransportParamID = 0x00
	TPMaxIdleTimeout          TransportParamID = 0x01
	TPStatelessResetToken     TransportParamID = 0x02
	TPMaxUDPPayloadSize       TransportParamID = 0x03
	TPInitialMaxData          TransportParamID = 0x04
	TPInitialMaxStreamDataBidiLocal  TransportParamID = 0x05
	TPInitialMaxStreamDataBidiRemote TransportParamID = 0x06
	TPInitialMaxStreamDataUni TransportParamID = 0x07
	TPInitialMaxStreamsBidi   TransportParamID = 0x08
	TPInitialMaxStreamsUni    TransportParamID = 0x09
	TPAckDelayExponent        TransportParamID = 0x0a
	TPMaxAckDelay             TransportParamID = 0x0b
	TPDisableActiveMigration  TransportParamID = 0x0c
	TPPreferredAddress        TransportParamID = 0x0d
	TPActiveConnectionIDLimit TransportParamID = 0x0e
	TPInitialSrcConnID        TransportParamID = 0x0f
	TPRetrySrcConnID          TransportParamID = 0x10
	// TPTestLargeParam is msquic's private id 77 used to exercise
	// large-transport-parameter-packet handling.
	TPTestLargeParam TransportParamID = 77
)

// IsReservedGrease reports whether id is one of the RFC 9000 section 18.1
// "31*N+27" grease values, which MUST be ignored on receive.
func IsReservedGrease(id TransportParamID) bool {
	return id >= 27 && (uint64(id)-27)%31 == 0
}

// TransportParameters holds the subset of RFC 9000 section 18.2 parameters
// the core reads.
type TransportParameters struct {
	OriginalDestConnID  []byte
	InitialSrcConnID    []byte
	RetrySrcConnID      []byte
	StatelessResetToken []byte // 16 bytes when present

	MaxIdleTimeout    uint64 // milliseconds
	MaxUDPPayloadSize uint64
	InitialMaxData    uint64

	InitialMaxStreamDataBidiLocal  uint64
	InitialMaxStreamDataBidiRemote uint64
	InitialMaxStreamDataUni        uint64
	InitialMaxStreamsBidi          uint64
	InitialMaxStreamsUni           uint64

	AckDelayExponent uint64
	MaxAckDelay      uint64

	DisableActiveMigration  bool
	ActiveConnectionIDLimit uint64

	PreferredAddress *PreferredAddress

	TestLargeParam []byte // raw bytes of private id 77, if present
}

// defaultAckDelayExponent / defaultMaxAckDelay are RFC 9000 section 18.2's
// defaults, used when the peer omits the parameter.
const (
	defaultAckDelayExponent = 3
	defaultMaxAckDelay      = 25
	defaultActiveConnIDLimit = 2
)

// DefaultTransportParameters returns the RFC 9000 defaults for parameters
// that have one, before any peer value is applied.
func DefaultTransportParameters() TransportParameters {
	return TransportParameters{
		AckDelayExponent:        defaultAckDelayExponent,
		MaxAckDelay:             defaultMaxAckDelay,
		ActiveConnectionIDLimit: defaultActiveConnIDLimit,
	}
}

// EncodeTransportParameters serializes tp into the id/length/value TLV list
// the TLS transport-parameters extension carries.
func EncodeTransportParameters(tp TransportParameters) []byte {
	var buf []byte
	appendBytes := func(id TransportParamID, v []byte) {
		if v == nil {
			return
		}
		buf = appendTLV(buf, id, v)
	}
	appendVarint := func(id TransportParamID, v uint64, present bool) {
		if !present {
			return
		}
		buf = appendTLV(buf, id, AppendVarint(nil, v))
	}

	appendBytes(TPOriginalDestConnID, tp.OriginalDestConnID)
	appendBytes(TPInitialSrcConnID, tp.InitialSrcConnID)
	appendBytes(TPRetrySrcConnID, tp.RetrySrcConnID)
	appendBytes(TPStatelessResetToken, tp.StatelessResetToken)

	appendVarint(TPMaxIdleTimeout, tp.MaxIdleTimeout, tp.MaxIdleTimeout != 0)
	appendVarint(TPMaxUDPPayloadSize, tp.MaxUDPPayloadSize, tp.MaxUDPPayloadSize != 0)
	appendVarint(TPInitialMaxData, tp.InitialMaxData, true)
	appendVarint(TPInitialMaxStreamDataBidiLocal, tp.InitialMaxStreamDataBidiLocal, true)
	appendVarint(TPInitialMaxStreamDataBidiRemote, tp.InitialMaxStreamDataBidiRemote, true)
	appendVarint(TPInitialMaxStreamDataUni, tp.InitialMaxStreamDataUni, true)
	appendVarint(TPInitialMaxStreamsBidi, tp.InitialMaxStreamsBidi, true)
	appendVarint(TPInitialMaxStreamsUni, tp.InitialMaxStreamsUni, true)
	appendVarint(TPAckDelayExponent, tp.AckDelayExponent, tp.AckDelayExponent != defaultAckDelayExponent)
	appendVarint(TPMaxAckDelay, tp.MaxAckDelay, tp.MaxAckDelay != defaultMaxAckDelay)
	appendVarint(TPActiveConnectionIDLimit, tp.ActiveConnectionIDLimit, true)

	if tp.DisableActiveMigration {
		buf = appendTLV(buf, TPDisableActiveMigration, nil)
	}
	if tp.PreferredAddress != nil {
		buf = appendTLV(buf, TPPreferredAddress, EncodePreferredAddress(*tp.PreferredAddress))
	}
	if tp.TestLargeParam != nil {
		buf = appendTLV(buf, TPTestLargeParam, tp.TestLargeParam)
	}
	return buf
}

func appendTLV(buf []byte, id TransportParamID, value []byte) []byte {
	buf = AppendVarint(buf, uint64(id))
	buf = AppendVarint(buf, uint64(len(value)))
	buf = append(buf, value...)
	return buf
}

// Range ceilings from spec section 6: "Varint TP values MUST be
// range-checked".
const (
	minMaxUDPPayloadSize = 1200
	maxMaxUDPPayloadSize = 65527
	maxAckDelayExponent  = 20
	maxMaxAckDelay       = 1<<14 - 1
	maxStreamDataLimit   = 1<<60 - 1
)

// DecodeTransportParameters parses the TLV list, range-checking varint
// values and rejecting duplicate known IDs with PROTOCOL_VIOLATION-shaped
// errors; reserved grease IDs (31*N+27) are decoded and
// discarded unconditionally.
func DecodeTransportParameters(buf []byte) (TransportParameters, error) {
	tp := DefaultTransportParameters()
	seen := map[TransportParamID]bool{}

	for len(buf) > 0 {
		idVal, rest, ok := ConsumeVarint(buf)
		if !ok {
			return tp, fmt.Errorf("packet: transport parameter id truncated")
		}
		id := TransportParamID(idVal)
		length, rest2, ok := ConsumeVarint(rest)
		if !ok {
			return tp, fmt.Errorf("packet: transport parameter length truncated")
		}
		if uint64(len(rest2)) < length {
			return tp, fmt.Errorf("packet: transport parameter value truncated")
		}
		value := rest2[:length]
		buf = rest2[length:]

		if IsReservedGrease(id) {
			continue
		}
		if seen[id] {
			return tp, fmt.Errorf("packet: duplicate transport parameter id %#x", idVal)
		}
		seen[id] = true

		if err := applyTransportParam(&tp, id, value); err != nil {
			return tp, err
		}
	}
	return tp, nil
}

func applyTransportParam(tp *TransportParameters, id TransportParamID, value []byte) error {
	readVarint := func() (uint64, error) {
		v, rest, ok := ConsumeVarint(value)
		if !ok || len(rest) != 0 {
			return 0, fmt.Errorf("packet: transport parameter %#x malformed varint", uint16(id))
		}
		return v, nil
	}

	switch id {
	case TPOriginalDestConnID:
		tp.OriginalDestConnID = cloneBytes(value)
	case TPInitialSrcConnID:
		tp.InitialSrcConnID = cloneBytes(value)
	case TPRetrySrcConnID:
		tp.RetrySrcConnID = cloneBytes(value)
	case TPStatelessResetToken:
		if len(value) != 16 {
			return fmt.Errorf("packet: stateless_reset_token must be 16 bytes, got %d", len(value))
		}
		tp.StatelessResetToken = cloneBytes(value)
	case TPMaxIdleTimeout:
		v, err := readVarint()
		if err != nil {
			return err
		}
		tp.MaxIdleTimeout = v
	case TPMaxUDPPayloadSize:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v < minMaxUDPPayloadSize || v > maxMaxUDPPayloadSize {
			return fmt.Errorf("packet: max_udp_payload_size %d out of range", v)
		}
		tp.MaxUDPPayloadSize = v
	case TPInitialMaxData:
		v, err := readVarint()
		if err != nil {
			return err
		}
		tp.InitialMaxData = v
	case TPInitialMaxStreamDataBidiLocal:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > maxStreamDataLimit {
			return fmt.Errorf("packet: initial_max_stream_data_bidi_local out of range")
		}
		tp.InitialMaxStreamDataBidiLocal = v
	case TPInitialMaxStreamDataBidiRemote:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > maxStreamDataLimit {
			return fmt.Errorf("packet: initial_max_stream_data_bidi_remote out of range")
		}
		tp.InitialMaxStreamDataBidiRemote = v
	case TPInitialMaxStreamDataUni:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > maxStreamDataLimit {
			return fmt.Errorf("packet: initial_max_stream_data_uni out of range")
		}
		tp.InitialMaxStreamDataUni = v
	case TPInitialMaxStreamsBidi:
		v, err := readVarint()
		if err != nil {
			return err
		}
		tp.InitialMaxStreamsBidi = v
	case TPInitialMaxStreamsUni:
		v, err := readVarint()
		if err != nil {
			return err
		}
		tp.InitialMaxStreamsUni = v
	case TPAckDelayExponent:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > maxAckDelayExponent {
			return fmt.Errorf("packet: ack_delay_exponent %d exceeds %d", v, maxAckDelayExponent)
		}
		tp.AckDelayExponent = v
	case TPMaxAckDelay:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v > maxMaxAckDelay {
			return fmt.Errorf("packet: max_ack_delay %d exceeds %d", v, maxMaxAckDelay)
		}
		tp.MaxAckDelay = v
	case TPDisableActiveMigration:
		if len(value) != 0 {
			return fmt.Errorf("packet: disable_active_migration must be empty")
		}
		tp.DisableActiveMigration = true
	case TPActiveConnectionIDLimit:
		v, err := readVarint()
		if err != nil {
			return err
		}
		if v < 2 {
			return fmt.Errorf("packet: active_connection_id_limit must be >= 2")
		}
		tp.ActiveConnectionIDLimit = v
	case TPPreferredAddress:
		pa, err := DecodePreferredAddress(value)
		if err != nil {
			return err
		}
		tp.PreferredAddress = &pa
	case TPTestLargeParam:
		tp.TestLargeParam = cloneBytes(value)
	}
	return nil
}

func cloneBytes(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}
