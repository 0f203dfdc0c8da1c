package packet

// FrameType is a QUIC frame type byte (RFC 9000 section 19), restricted to
// the subset the builder schedules.
type FrameType uint64

const (
	FramePadding           FrameType = 0x00
	FramePing              FrameType = 0x01
	FrameAck               FrameType = 0x02
	FrameAckECN            FrameType = 0x03
	FrameResetStream       FrameType = 0x04
	FrameStopSending       FrameType = 0x05
	FrameCrypto            FrameType = 0x06
	FrameNewToken          FrameType = 0x07
	FrameStreamBase        FrameType = 0x08 // 0x08-0x0f, low 3 bits are OFF/LEN/FIN flags
	FrameMaxData           FrameType = 0x10
	FrameMaxStreamData     FrameType = 0x11
	FrameMaxStreamsBidi    FrameType = 0x12
	FrameMaxStreamsUni     FrameType = 0x13
	FrameDataBlocked       FrameType = 0x14
	FrameStreamDataBlocked FrameType = 0x15
	FrameStreamsBlockedBidi FrameType = 0x16
	FrameStreamsBlockedUni  FrameType = 0x17
	FrameNewConnectionID   FrameType = 0x18
	FrameRetireConnectionID FrameType = 0x19
	FramePathChallenge     FrameType = 0x1a
	FramePathResponse      FrameType = 0x1b
	FrameConnectionClose   FrameType = 0x1c // transport error
	FrameConnectionCloseApp FrameType = 0x1d // application error
	FrameHandshakeDone     FrameType = 0x1e
	FrameDatagram          FrameType = 0x30 // 0x30-0x31, low bit is LEN flag
)

// MaxFramesPerPacket caps the number of frames one packet may carry (spec
// section 4.11 "MAX_FRAMES_PER_PACKET caps frame count").
const MaxFramesPerPacket = 32

// StreamSendBatchCount is the number of STREAM frames one stream may add to
// a packet before the send scheduler moves on to the next stream. No
// round-robin position is kept between packets: streams of equal priority
// are always visited in stream-ID order.
const StreamSendBatchCount = 4

// Builder accumulates frame bytes for one packet, tracking the remaining
// budget and the frame count so callers can stop once either is exhausted.
type Builder struct {
	buf       []byte
	remaining int
	frames    int
}

// NewBuilder starts a packet body with maxPayload bytes available (already
// reduced for the header and AEAD expansion by the caller).
func NewBuilder(maxPayload int) *Builder {
	return &Builder{remaining: maxPayload}
}

// Len returns the number of payload bytes written so far.
func (b *Builder) Len() int { return len(b.buf) }

// Remaining returns how many more payload bytes may be written.
func (b *Builder) Remaining() int { return b.remaining }

// Full reports whether the builder cannot accept another frame, either
// because space or the frame-count cap is exhausted.
func (b *Builder) Full() bool { return b.remaining <= 0 || b.frames >= MaxFramesPerPacket }

// Bytes returns the accumulated packet payload.
func (b *Builder) Bytes() []byte { return b.buf }

// tryAppend appends encoded, a fully-built frame's wire bytes, if it fits
// within the remaining budget and the frame-count cap; it reports whether
// the frame was written.
func (b *Builder) tryAppend(encoded []byte) bool {
	if b.Full() || len(encoded) > b.remaining {
		return false
	}
	b.buf = append(b.buf, encoded...)
	b.remaining -= len(encoded)
	b.frames++
	return true
}

// AppendPing writes a 1-byte PING frame.
func (b *Builder) AppendPing() bool { return b.tryAppend([]byte{byte(FramePing)}) }

// AppendHandshakeDone writes a 1-byte HANDSHAKE_DONE frame.
func (b *Builder) AppendHandshakeDone() bool { return b.tryAppend([]byte{byte(FrameHandshakeDone)}) }

// AckRangeSet is the content of one ACK frame. Its Ranges are plain
// [Low, High) packet-number ranges; AppendAck turns them into the wire's
// gap-encoded form (first range + alternating gap/range).
type AckRangeSet struct {
	LargestAcked uint64
	AckDelay     uint64
	// Ranges are ascending, non-overlapping, half-open [Low, High).
	Ranges []struct{ Low, High uint64 }
	ECT0, ECT1, ECNCE uint64
	ECNPresent        bool
}

// AppendAck encodes an ACK (or ACK_ECN) frame per RFC 9000 section 19.3.
func (b *Builder) AppendAck(a AckRangeSet) bool {
	if len(a.Ranges) == 0 {
		return false
	}
	typ := FrameAck
	if a.ECNPresent {
		typ = FrameAckECN
	}
	var buf []byte
	buf = AppendVarint(buf, uint64(typ))
	buf = AppendVarint(buf, a.LargestAcked)
	buf = AppendVarint(buf, a.AckDelay)
	buf = AppendVarint(buf, uint64(len(a.Ranges)-1))

	last := a.Ranges[len(a.Ranges)-1]
	buf = AppendVarint(buf, last.High-last.Low-1) // first ACK range

	prevLow := last.Low
	for i := len(a.Ranges) - 2; i >= 0; i-- {
		r := a.Ranges[i]
		gap := prevLow - r.High - 1
		buf = AppendVarint(buf, gap)
		buf = AppendVarint(buf, r.High-r.Low-1)
		prevLow = r.Low
	}
	if a.ECNPresent {
		buf = AppendVarint(buf, a.ECT0)
		buf = AppendVarint(buf, a.ECT1)
		buf = AppendVarint(buf, a.ECNCE)
	}
	return b.tryAppend(buf)
}

// AppendCrypto writes a CRYPTO frame (type 0x06).
func (b *Builder) AppendCrypto(offset uint64, data []byte) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameCrypto))
	buf = AppendVarint(buf, offset)
	buf = AppendVarint(buf, uint64(len(data)))
	buf = append(buf, data...)
	return b.tryAppend(buf)
}

// AppendStream writes a STREAM frame (type 0x08-0x0f): OFF bit set only
// when offset != 0, LEN bit always set so frame
// boundaries stay explicit, FIN bit per fin.
func (b *Builder) AppendStream(id uint64, offset uint64, data []byte, fin bool) bool {
	typ := FrameStreamBase | 0x04 // LEN bit
	if offset != 0 {
		typ |= 0x02 // OFF bit
	}
	if fin {
		typ |= 0x01 // FIN bit
	}
	var buf []byte
	buf = AppendVarint(buf, uint64(typ))
	buf = AppendVarint(buf, id)
	if offset != 0 {
		buf = AppendVarint(buf, offset)
	}
	buf = AppendVarint(buf, uint64(len(data)))
	buf = append(buf, data...)
	return b.tryAppend(buf)
}

// AppendMaxData writes a MAX_DATA frame (type 0x10).
func (b *Builder) AppendMaxData(max uint64) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameMaxData))
	buf = AppendVarint(buf, max)
	return b.tryAppend(buf)
}

// AppendMaxStreamData writes a MAX_STREAM_DATA frame (type 0x11).
func (b *Builder) AppendMaxStreamData(id, max uint64) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameMaxStreamData))
	buf = AppendVarint(buf, id)
	buf = AppendVarint(buf, max)
	return b.tryAppend(buf)
}

// AppendMaxStreams writes a MAX_STREAMS frame, bidi selecting 0x12 vs 0x13.
func (b *Builder) AppendMaxStreams(bidi bool, max uint64) bool {
	typ := FrameMaxStreamsUni
	if bidi {
		typ = FrameMaxStreamsBidi
	}
	var buf []byte
	buf = AppendVarint(buf, uint64(typ))
	buf = AppendVarint(buf, max)
	return b.tryAppend(buf)
}

// AppendDataBlocked writes a DATA_BLOCKED frame (type 0x14).
func (b *Builder) AppendDataBlocked(limit uint64) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameDataBlocked))
	buf = AppendVarint(buf, limit)
	return b.tryAppend(buf)
}

// AppendStreamDataBlocked writes a STREAM_DATA_BLOCKED frame (type 0x15).
func (b *Builder) AppendStreamDataBlocked(id, limit uint64) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameStreamDataBlocked))
	buf = AppendVarint(buf, id)
	buf = AppendVarint(buf, limit)
	return b.tryAppend(buf)
}

// AppendNewConnectionID writes a NEW_CONNECTION_ID frame (type 0x18).
func (b *Builder) AppendNewConnectionID(seq, retirePriorTo uint64, cid []byte, resetToken [16]byte) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameNewConnectionID))
	buf = AppendVarint(buf, seq)
	buf = AppendVarint(buf, retirePriorTo)
	buf = append(buf, byte(len(cid)))
	buf = append(buf, cid...)
	buf = append(buf, resetToken[:]...)
	return b.tryAppend(buf)
}

// AppendRetireConnectionID writes a RETIRE_CONNECTION_ID frame (type 0x19).
func (b *Builder) AppendRetireConnectionID(seq uint64) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameRetireConnectionID))
	buf = AppendVarint(buf, seq)
	return b.tryAppend(buf)
}

// AppendPathChallenge writes a PATH_CHALLENGE frame (type 0x1a, 8-byte data).
func (b *Builder) AppendPathChallenge(data [8]byte) bool {
	buf := append([]byte{byte(FramePathChallenge)}, data[:]...)
	return b.tryAppend(buf)
}

// AppendPathResponse writes a PATH_RESPONSE frame (type 0x1b, 8-byte data).
func (b *Builder) AppendPathResponse(data [8]byte) bool {
	buf := append([]byte{byte(FramePathResponse)}, data[:]...)
	return b.tryAppend(buf)
}

// AppendConnectionClose writes a CONNECTION_CLOSE frame, transport (app=false)
// or application (app=true) flavor.
func (b *Builder) AppendConnectionClose(app bool, errorCode, frameType uint64, reason string) bool {
	typ := FrameConnectionClose
	if app {
		typ = FrameConnectionCloseApp
	}
	var buf []byte
	buf = AppendVarint(buf, uint64(typ))
	buf = AppendVarint(buf, errorCode)
	if !app {
		buf = AppendVarint(buf, frameType)
	}
	buf = AppendVarint(buf, uint64(len(reason)))
	buf = append(buf, reason...)
	return b.tryAppend(buf)
}

// AppendDatagram writes a DATAGRAM frame (type 0x30/0x31) with the LEN bit
// always set, per spec's use for unreliable application messages.
func (b *Builder) AppendDatagram(data []byte) bool {
	var buf []byte
	buf = AppendVarint(buf, uint64(FrameDatagram|0x01))
	buf = AppendVarint(buf, uint64(len(data)))
	buf = append(buf, data...)
	return b.tryAppend(buf)
}

// PadTo pads the packet body with zero bytes (PADDING, type 0x00) up to
// target total length, or to the remaining budget if target exceeds it; it
// does not count against MaxFramesPerPacket since PADDING bytes are each
// their own trivial frame by RFC definition but the builder treats the run
// as one scheduling slot.
func (b *Builder) PadTo(target int) {
	need := target - len(b.buf)
	if need <= 0 {
		return
	}
	if need > b.remaining {
		need = b.remaining
	}
	if need <= 0 {
		return
	}
	b.buf = append(b.buf, make([]byte, need)...)
	b.remaining -= need
}
