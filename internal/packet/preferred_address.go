package packet

import (
	"encoding/binary"
	"fmt"
	"net"
)

// PreferredAddress is RFC 9000 section 18.2's preferred_address transport
// parameter. Spec section 9 notes msquic stubs this with
// FRE_ASSERT(FALSE); this module implements it fully rather than refusing
// to advertise it.
type PreferredAddress struct {
	IPv4               net.IP // 4 bytes, zero value if absent
	IPv4Port           uint16
	IPv6               net.IP // 16 bytes, zero value if absent
	IPv6Port           uint16
	ConnectionID       []byte
	StatelessResetToken [16]byte
}

// EncodePreferredAddress serializes the structure per RFC 9000 section
// 18.2: IPv4Address(4) + IPv4Port(2) + IPv6Address(16) + IPv6Port(2) +
// length-prefixed CID + 16-byte stateless reset token.
func EncodePreferredAddress(pa PreferredAddress) []byte {
	buf := make([]byte, 0, 4+2+16+2+1+len(pa.ConnectionID)+16)

	var v4 [4]byte
	copy(v4[:], pa.IPv4.To4())
	buf = append(buf, v4[:]...)
	buf = binary.BigEndian.AppendUint16(buf, pa.IPv4Port)

	var v6 [16]byte
	copy(v6[:], pa.IPv6.To16())
	buf = append(buf, v6[:]...)
	buf = binary.BigEndian.AppendUint16(buf, pa.IPv6Port)

	buf = append(buf, byte(len(pa.ConnectionID)))
	buf = append(buf, pa.ConnectionID...)
	buf = append(buf, pa.StatelessResetToken[:]...)
	return buf
}

// DecodePreferredAddress parses the wire format EncodePreferredAddress
// produces.
func DecodePreferredAddress(buf []byte) (PreferredAddress, error) {
	var pa PreferredAddress
	const fixedLen = 4 + 2 + 16 + 2 + 1 + 16
	if len(buf) < fixedLen {
		return pa, fmt.Errorf("packet: preferred_address too short: %d bytes", len(buf))
	}
	off := 0
	pa.IPv4 = append(net.IP{}, buf[off:off+4]...)
	off += 4
	pa.IPv4Port = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	pa.IPv6 = append(net.IP{}, buf[off:off+16]...)
	off += 16
	pa.IPv6Port = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2

	cidLen := int(buf[off])
	off++
	if off+cidLen+16 > len(buf) {
		return pa, fmt.Errorf("packet: preferred_address CID/token truncated")
	}
	pa.ConnectionID = append([]byte{}, buf[off:off+cidLen]...)
	off += cidLen
	copy(pa.StatelessResetToken[:], buf[off:off+16])
	off += 16

	if off != len(buf) {
		return pa, fmt.Errorf("packet: preferred_address has %d trailing bytes", len(buf)-off)
	}
	return pa, nil
}

// HasIPv4 / HasIPv6 report whether the respective address family was set
// (an all-zero address means "none", per RFC 9000 section 18.2).
func (pa PreferredAddress) HasIPv4() bool { return pa.IPv4 != nil && !pa.IPv4.Equal(net.IPv4zero) }
func (pa PreferredAddress) HasIPv6() bool { return pa.IPv6 != nil && !pa.IPv6.Equal(net.IPv6zero) }
