package packet

import (
	"encoding/binary"
	"fmt"
)

// LongHeaderType is the packet type carried in bits 4-5 of a long header's
// first byte.
type LongHeaderType byte

const (
	TypeInitial   LongHeaderType = 0x0
	TypeZeroRTT   LongHeaderType = 0x1
	TypeHandshake LongHeaderType = 0x2
	TypeRetry     LongHeaderType = 0x3
)

const (
	longHeaderForm  = 0x80
	fixedBit        = 0x40
	versionNegotiation uint32 = 0
)

// LongHeader is the decoded form of a long-header packet before AEAD
// removal: type, version, both CIDs, and (Initial only) the retry token.
// PacketNumberLen/PacketNumber are valid only after header protection has
// been removed.
type LongHeader struct {
	Type            LongHeaderType
	Version         uint32
	DestConnID      []byte
	SrcConnID       []byte
	Token           []byte // Initial only
	Length          uint64 // remaining bytes: packet number + payload + tag
	PacketNumberLen int    // 1-4, decoded from the protected first byte's low 2 bits
	PacketNumber    uint64
}

// EncodeLongHeaderPrefix writes the long-header fields that precede the
// Length field: type byte + 4-byte version + length-prefixed dest/src CIDs +
// (Initial) token length + token. The caller appends the varint Length
// field and the packet number itself. pnLenMinusOne is the 0-based packet-number-length field
// folded into the first byte's low two bits (caller fills those in after
// header protection is applied; here they are left as the unprotected
// placeholder "pnLenMinusOne").
func EncodeLongHeaderPrefix(buf []byte, typ LongHeaderType, version uint32, destCID, srcCID, token []byte, pnLenMinusOne int) []byte {
	firstByte := longHeaderForm | fixedBit | (byte(typ) << 4) | byte(pnLenMinusOne&0x3)
	buf = append(buf, firstByte)
	var versionBytes [4]byte
	binary.BigEndian.PutUint32(versionBytes[:], version)
	buf = append(buf, versionBytes[:]...)

	buf = append(buf, byte(len(destCID)))
	buf = append(buf, destCID...)
	buf = append(buf, byte(len(srcCID)))
	buf = append(buf, srcCID...)

	if typ == TypeInitial {
		buf = AppendVarint(buf, uint64(len(token)))
		buf = append(buf, token...)
	}
	return buf
}

// DecodeLongHeader parses a long-header packet's unprotected fields (type,
// version, CIDs, token, length), leaving the packet number for the caller
// to decode once header protection is removed (its length is not known
// until then). It returns the number of bytes consumed by the parsed
// prefix, i.e. the offset at which the (still-protected) packet number
// field begins.
func DecodeLongHeader(buf []byte) (h LongHeader, prefixLen int, err error) {
	if len(buf) < 6 {
		return h, 0, fmt.Errorf("packet: long header too short")
	}
	if buf[0]&longHeaderForm == 0 {
		return h, 0, fmt.Errorf("packet: not a long header")
	}
	h.Type = LongHeaderType((buf[0] >> 4) & 0x3)
	h.Version = binary.BigEndian.Uint32(buf[1:5])
	off := 5

	destLen := int(buf[off])
	off++
	if off+destLen > len(buf) {
		return h, 0, fmt.Errorf("packet: dest CID truncated")
	}
	h.DestConnID = buf[off : off+destLen]
	off += destLen

	if off >= len(buf) {
		return h, 0, fmt.Errorf("packet: src CID length truncated")
	}
	srcLen := int(buf[off])
	off++
	if off+srcLen > len(buf) {
		return h, 0, fmt.Errorf("packet: src CID truncated")
	}
	h.SrcConnID = buf[off : off+srcLen]
	off += srcLen

	if h.Version == versionNegotiation {
		return h, off, nil // version negotiation packets have no further fields
	}

	if h.Type == TypeInitial {
		tokenLen, rest, ok := ConsumeVarint(buf[off:])
		if !ok {
			return h, 0, fmt.Errorf("packet: token length truncated")
		}
		off = len(buf) - len(rest)
		if off+int(tokenLen) > len(buf) {
			return h, 0, fmt.Errorf("packet: token truncated")
		}
		h.Token = buf[off : off+int(tokenLen)]
		off += int(tokenLen)
	}

	length, rest, ok := ConsumeVarint(buf[off:])
	if !ok {
		return h, 0, fmt.Errorf("packet: length field truncated")
	}
	h.Length = length
	off = len(buf) - len(rest)

	return h, off, nil
}

// ShortHeader is the decoded form of a 1-RTT short-header packet.
type ShortHeader struct {
	DestConnID      []byte
	KeyPhase        bool // valid only after header protection is removed
	PacketNumberLen int
	PacketNumber    uint64
	SpinBit         bool
}

// EncodeShortHeaderFirstByte builds the unprotected first byte of a
// short-header packet: form bit 0, fixed bit 1, spin bit, key phase bit,
// and the packet-number-length field (RFC 9000 section 17.3.1).
func EncodeShortHeaderFirstByte(spinBit, keyPhase bool, pnLenMinusOne int, greaseQuicBit bool) byte {
	var b byte = fixedBit
	if greaseQuicBit {
		// The "grease QUIC bit" extension randomizes the fixed bit on a
		// fraction of packets to keep middleboxes from hardening on it;
		// the caller decides per-packet whether to grease, we just accept
		// the override here.
		b = 0
	}
	if spinBit {
		b |= 0x20
	}
	if keyPhase {
		b |= 0x04
	}
	b |= byte(pnLenMinusOne & 0x3)
	return b
}

// PacketNumberLenFromFirstByte extracts the 2-bit packet-number-length
// field (already unprotected) and converts it to a byte count (1-4).
func PacketNumberLenFromFirstByte(first byte) int {
	return int(first&0x3) + 1
}

// DecodeShortHeaderDestCID extracts the destination CID from a short-header
// packet. Unlike a long header, a short header carries no CID length field:
// the receiver is expected to know it (every CID it has issued is of a
// fixed, locally-chosen length). cidLen is that length, supplied by the
// caller (internal/binding's demux table, keyed on the lengths this
// endpoint itself generates).
func DecodeShortHeaderDestCID(buf []byte, cidLen int) ([]byte, error) {
	if buf[0]&longHeaderForm != 0 {
		return nil, fmt.Errorf("packet: not a short header")
	}
	if cidLen < 0 || 1+cidLen > len(buf) {
		return nil, fmt.Errorf("packet: short header too short for CID length %d", cidLen)
	}
	return buf[1 : 1+cidLen], nil
}

// EncodePacketNumber writes pn in the given length (1-4 bytes), the
// truncated form RFC 9000 section 17.1 describes.
func EncodePacketNumber(buf []byte, pn uint64, length int) []byte {
	for i := length - 1; i >= 0; i-- {
		buf = append(buf, byte(pn>>(8*i)))
	}
	return buf
}

// DecodePacketNumber reconstructs the full packet number from its truncated
// wire form, given the largest packet number acknowledged so far in this
// space (RFC 9000 appendix A).
func DecodePacketNumber(truncated uint64, length int, largestAcked int64) uint64 {
	pnNumBits := uint(length * 8)
	expected := uint64(largestAcked + 1)
	win := uint64(1) << pnNumBits
	halfWin := win / 2
	candidate := (expected &^ (win - 1)) | truncated

	switch {
	case candidate+halfWin <= expected && candidate < (1<<62)-win:
		return candidate + win
	case candidate > expected+halfWin && candidate >= win:
		return candidate - win
	default:
		return candidate
	}
}
