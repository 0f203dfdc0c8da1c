package conn

import (
	"sort"
	"time"

	"github.com/cppla/quicengine/internal/cryptostream"
	"github.com/cppla/quicengine/internal/keys"
	"github.com/cppla/quicengine/internal/lossdetection"
	"github.com/cppla/quicengine/internal/packet"
	"github.com/cppla/quicengine/internal/stream"
)

// quicVersion1 is the IETF QUIC v1 wire version (RFC 9000).
const quicVersion1 uint32 = 1

// fixedPacketNumberLen is the packet-number encoding width this scheduler
// always uses. RFC 9000 section 17.1 allows 1-4 bytes chosen adaptively from
// the in-flight window; this engine fixes it at 2 bytes, wide enough for any
// realistic send window without the adaptive-width bookkeeping a production
// stack needs.
const fixedPacketNumberLen = 2

// offsetLen is one [offset, offset+length) span of a CRYPTO or STREAM frame
// this connection has sent, recorded so a later ACK or loss declaration can
// be replayed back into the right send-side tracker.
type offsetLen struct{ offset, length uint64 }

// sentFrames is the per-SentPacket payload lossdetection.SentPacket.Data
// carries: which crypto-stream and stream spans this packet's frames
// covered, so applyAckAndLoss can call Crypto/Stream OnAck or OnLoss for
// exactly the right ranges once the packet's fate is known.
type sentFrames struct {
	crypto []offsetLen
	stream map[stream.ID][]offsetLen
}

func spaceToKeyLevel(sp lossdetection.Space) keys.Level {
	switch sp {
	case lossdetection.Initial:
		return keys.Initial
	case lossdetection.Handshake:
		return keys.Handshake
	default:
		return keys.OneRTT
	}
}

func spaceToCryptoLevel(sp lossdetection.Space) cryptostream.Level {
	switch sp {
	case lossdetection.Initial:
		return cryptostream.Initial
	case lossdetection.Handshake:
		return cryptostream.Handshake
	default:
		return cryptostream.OneRTT
	}
}

func spaceToLongHeaderType(sp lossdetection.Space) packet.LongHeaderType {
	switch sp {
	case lossdetection.Initial:
		return packet.TypeInitial
	default:
		return packet.TypeHandshake
	}
}

func longHeaderTypeToSpace(t packet.LongHeaderType) lossdetection.Space {
	switch t {
	case packet.TypeInitial:
		return lossdetection.Initial
	case packet.TypeHandshake:
		return lossdetection.Handshake
	default:
		return lossdetection.ApplicationData
	}
}

// BuildDatagram assembles, seals, and header-protects one outgoing datagram
// for packet-number space sp, following spec section 4.11's frame-assembly
// priority order: PING (PTO probe) -> ACK -> CRYPTO -> HANDSHAKE_DONE ->
// NEW_CONNECTION_ID/RETIRE_CONNECTION_ID -> PATH_CHALLENGE/PATH_RESPONSE ->
// MAX_DATA/MAX_STREAM_DATA -> DATA_BLOCKED/STREAM_DATA_BLOCKED -> STREAM
// frames by priority, up to StreamSendBatchCount per stream -> DATAGRAM ->
// PADDING. It returns ok=false if there is nothing worth sending and pto is
// false.
func (c *Connection) BuildDatagram(now time.Time, sp lossdetection.Space, maxDatagram int, pto bool) ([]byte, bool) {
	level := spaceToKeyLevel(sp)
	slot := c.Keys.Level(level)
	if slot.Write == nil {
		return nil, false
	}

	longHeader := sp != lossdetection.ApplicationData
	pn := c.nextPN[sp]

	var destCID []byte
	if d, ok := c.DestCIDs.Active(); ok {
		destCID = d.Bytes
	}

	var headerPrefix []byte
	if longHeader {
		var srcCID []byte
		if active := c.SourceCIDs.Active(); len(active) > 0 {
			srcCID = active[0].Bytes
		}
		headerPrefix = packet.EncodeLongHeaderPrefix(nil, spaceToLongHeaderType(sp), quicVersion1, destCID, srcCID, nil, fixedPacketNumberLen-1)
	} else {
		headerPrefix = []byte{packet.EncodeShortHeaderFirstByte(false, c.Keys.KeyPhase(), fixedPacketNumberLen-1, c.cfg.GreaseQuicBit)}
		headerPrefix = append(headerPrefix, destCID...)
	}

	overhead := len(headerPrefix) + fixedPacketNumberLen + keys.TagSize
	if longHeader {
		overhead += 2 // reserved varint width for the long header's Length field
	}
	maxPayload := maxDatagram - overhead
	if maxPayload <= 0 {
		return nil, false
	}

	b := packet.NewBuilder(maxPayload)
	ackEliciting := false
	frames := &sentFrames{stream: make(map[stream.ID][]offsetLen)}

	if pto && b.AppendPing() {
		ackEliciting = true
	}

	ack := c.acks[sp]
	if ack.Pending() && !b.Full() {
		if ranges, ok := ack.BuildAckRangeSet(0); ok {
			if b.AppendAck(ranges) {
				ack.OnAckSent()
			}
		}
	}

	cryptoLevel := spaceToCryptoLevel(sp)
	for !b.Full() {
		frame, ok := c.Crypto.NextFrame(cryptoLevel, b.Remaining())
		if !ok {
			break
		}
		if !b.AppendCrypto(frame.Offset, frame.Data) {
			break
		}
		frames.crypto = append(frames.crypto, offsetLen{frame.Offset, uint64(len(frame.Data))})
		ackEliciting = true
	}

	if sp == lossdetection.ApplicationData && c.Perspective == Server && !c.handshakeDoneSent && !b.Full() {
		if b.AppendHandshakeDone() {
			c.handshakeDoneSent = true
			ackEliciting = true
		}
	}

	for _, id := range c.SourceCIDs.All() {
		if b.Full() {
			break
		}
		if !id.NeedsToSend {
			continue
		}
		if b.AppendNewConnectionID(id.Sequence, 0, id.Bytes, id.ResetToken) {
			id.NeedsToSend = false
			ackEliciting = true
		}
	}
	if c.DestCIDs != nil {
		for _, id := range c.DestCIDs.All() {
			if b.Full() {
				break
			}
			if !id.NeedsToSend {
				continue
			}
			if b.AppendRetireConnectionID(id.Sequence) {
				id.NeedsToSend = false
				ackEliciting = true
			}
		}
	}

	if c.pendingPathChallenge != nil && !b.Full() {
		if b.AppendPathChallenge(*c.pendingPathChallenge) {
			c.pendingPathChallenge = nil
			ackEliciting = true
		}
	}
	if c.pendingPathResponse != nil && !b.Full() {
		if b.AppendPathResponse(*c.pendingPathResponse) {
			c.pendingPathResponse = nil
			ackEliciting = true
		}
	}

	if c.pendingMaxData != nil && !b.Full() {
		if b.AppendMaxData(*c.pendingMaxData) {
			c.pendingMaxData = nil
			ackEliciting = true
		}
	}
	for id, max := range c.pendingMaxStreamData {
		if b.Full() {
			break
		}
		if b.AppendMaxStreamData(uint64(id), max) {
			delete(c.pendingMaxStreamData, id)
			ackEliciting = true
		}
	}

	if c.dataBlockedPending != nil && !b.Full() {
		if b.AppendDataBlocked(*c.dataBlockedPending) {
			c.dataBlockedPending = nil
			ackEliciting = true
		}
	}
	for id, limit := range c.streamDataBlockedPending {
		if b.Full() {
			break
		}
		if b.AppendStreamDataBlocked(uint64(id), limit) {
			delete(c.streamDataBlockedPending, id)
			ackEliciting = true
		}
	}

	if sp == lossdetection.ApplicationData {
		c.fillStreamFrames(b, frames, &ackEliciting)
		for !b.Full() && len(c.pendingDatagrams) > 0 {
			d := c.pendingDatagrams[0]
			if !b.AppendDatagram(d) {
				break
			}
			c.pendingDatagrams = c.pendingDatagrams[1:]
			ackEliciting = true
		}
	}

	if sp == lossdetection.Initial && ackEliciting {
		// RFC 9000 section 14.1: Initial datagrams carrying the client's
		// first flight (or the server's answering flight) must fill to the
		// anti-amplification floor.
		b.PadTo(maxPayload)
	}

	if b.Len() == 0 {
		return nil, false
	}

	c.nextPN[sp]++
	datagram := c.sealDatagram(longHeader, sp, destCID, headerPrefix, pn, b.Bytes(), slot.Write)

	c.Loss.PacketSent(sp, &lossdetection.SentPacket{
		Number:       pn,
		SentTime:     now,
		Size:         len(datagram),
		AckEliciting: ackEliciting,
		InFlight:     true,
		Data:         frames,
	})
	c.CC.OnDataSent(c.bytesInFlight, uint64(len(datagram)))
	c.bytesInFlight += uint64(len(datagram))
	c.OnBytesSent(uint64(len(datagram)))
	c.OnPacketSent(uint64(len(datagram)), ackEliciting)
	return datagram, true
}

// fillStreamFrames implements the STREAM-frame half of the priority order:
// streams are visited lowest-priority-value-first (RFC 9000's convention,
// lower means more urgent) and then by ascending stream ID, each adding up
// to packet.StreamSendBatchCount frames to this packet before the next
// stream is tried. No round-robin position is kept between packets, so
// within a priority tier the lowest stream ID is always served first.
func (c *Connection) fillStreamFrames(b *packet.Builder, frames *sentFrames, ackEliciting *bool) {
	ids := make([]stream.ID, 0, len(c.Streams))
	for id := range c.Streams {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := c.Streams[ids[i]], c.Streams[ids[j]]
		if si.Priority() != sj.Priority() {
			return si.Priority() < sj.Priority()
		}
		return ids[i] < ids[j]
	})

	for _, id := range ids {
		if b.Full() {
			return
		}
		s := c.Streams[id]
		for batch := 0; batch < packet.StreamSendBatchCount && !b.Full(); batch++ {
			if c.connBytesSent >= c.connSendLimit {
				limit := c.connSendLimit
				c.dataBlockedPending = &limit
				return
			}
			if s.FlowControlAvailable() == 0 {
				limit := s.SendWindow()
				c.streamDataBlockedPending[id] = limit
				break
			}
			frame, ok := s.NextFrame(b.Remaining())
			if !ok {
				break
			}
			if !b.AppendStream(uint64(id), frame.Offset, frame.Data, frame.Fin) {
				break
			}
			frames.stream[id] = append(frames.stream[id], offsetLen{frame.Offset, uint64(len(frame.Data))})
			*ackEliciting = true
			c.connBytesSent += uint64(len(frame.Data))
		}
	}
}

// sealDatagram applies AEAD protection and then header protection to a
// built packet body, per RFC 9001 sections 5.3 and 5.4. headerPrefix is
// everything before the packet-number field; for a long header the Length
// field (packet number + payload + tag) is written here since its value
// wasn't known until the body and seal were complete.
func (c *Connection) sealDatagram(longHeader bool, sp lossdetection.Space, destCID, headerPrefix []byte, pn uint64, payload []byte, aead *keys.AEAD) []byte {
	var header []byte
	if longHeader {
		header = append([]byte{}, headerPrefix...)
		length := uint64(fixedPacketNumberLen + len(payload) + keys.TagSize)
		header = packet.AppendVarint(header, length)
	} else {
		header = append([]byte{}, headerPrefix...)
	}
	pnOffset := len(header)
	header = packet.EncodePacketNumber(header, pn, fixedPacketNumberLen)

	sealed := aead.Seal(pn, header, payload)
	packetBytes := append(header, sealed...)

	sampleOffset := pnOffset + packet.HeaderProtectionSampleOffset
	if sampleOffset+packet.HeaderProtectionSampleLen <= len(packetBytes) {
		sample := packetBytes[sampleOffset : sampleOffset+packet.HeaderProtectionSampleLen]
		mask := aead.HeaderProtectionMask(sample)
		packet.ApplyHeaderProtection(packetBytes, pnOffset, fixedPacketNumberLen, mask, longHeader)
	}
	return packetBytes
}
