// Package cryptostream implements the serial, per-connection TLS byte
// stream: a single outbound buffer concatenating the
// handshake messages for every encryption level, with SACK-tracked
// acknowledgment, a retransmit recovery window, and a receive side that
// reassembles CRYPTO frames per level into the level's portion of the TLS
// input stream.
package cryptostream

import (
	"fmt"

	"github.com/cppla/quicengine/internal/packet"
	"github.com/cppla/quicengine/internal/rangeset"
	"github.com/cppla/quicengine/internal/recvbuffer"
)

// Level mirrors the packet type a CRYPTO frame belongs to; kept distinct
// from keys.Level to avoid a dependency on the key-schedule package
// (CryptoStream only needs level boundaries, not key material).
type Level int

const (
	Initial Level = iota
	Handshake
	OneRTT
)

// SendState is the [0, BufferTotalLength) outbound byte accounting
// described in spec section 4.5.
type SendState struct {
	buffer []byte // bytes [UnAckedOffset, BufferTotalLength) of the stream; acked prefix is compacted away

	unAckedOffset  uint64
	nextSendOffset uint64
	maxSentLength  uint64
	totalLength    uint64

	sparseAckRanges *rangeset.Set // acked holes strictly above unAckedOffset

	recoveryNext uint64
	recoveryEnd  uint64 // recovery window active iff recoveryNext < recoveryEnd

	// level boundaries within the contiguous outbound buffer.
	boundaryHandshake uint64
	boundary1RTT      uint64
	boundariesSet     [2]bool // handshake, 1-RTT
}

// Stream is the full CryptoStream: send-side state plus one RecvBuffer per
// currently-active read key, joined by RecvEncryptLevelStartOffset.
type Stream struct {
	send SendState

	recv                       *recvbuffer.Buffer
	recvEncryptLevelStartOffset uint64 // translates a CRYPTO frame's level offset to absolute buffer position
	recvTotalConsumed           uint64

	tlsCallPending bool
	tlsDataPending bool
}

// New builds an empty CryptoStream. maxRecv bounds CRYPTO receive buffering
// (a write beyond it is CRYPTO_BUFFER_EXCEEDED, spec section 4.3).
func New(maxRecv uint64) *Stream {
	return &Stream{
		send: SendState{
			sparseAckRanges: rangeset.New(rangeset.AckPackets),
		},
		recv: recvbuffer.New(recvbuffer.Circular, maxRecv, maxRecv),
	}
}

// Write appends TLS output bytes to the outbound buffer and records the
// boundary for the level the bytes belong to, if not already recorded
// (boundaries are set the first time a level's bytes are appended, per
// spec section 4.5's BufferOffsetHandshake/BufferOffset1Rtt).
func (s *Stream) Write(level Level, data []byte) {
	if level == Handshake && !s.send.boundariesSet[0] {
		s.send.boundaryHandshake = s.send.totalLength
		s.send.boundariesSet[0] = true
	}
	if level == OneRTT && !s.send.boundariesSet[1] {
		s.send.boundary1RTT = s.send.totalLength
		s.send.boundariesSet[1] = true
	}
	s.send.buffer = append(s.send.buffer, data...)
	s.send.totalLength += uint64(len(data))
}

// levelEnd returns the end-of-encryption-level boundary a frame for
// packetType must not cross, : "Right is further
// clamped by ... the end-of-encryption-level boundary corresponding to the
// packet type being built".
func (s *Stream) levelEnd(packetType Level) uint64 {
	switch packetType {
	case Initial:
		if s.send.boundariesSet[0] {
			return s.send.boundaryHandshake
		}
		return s.send.totalLength
	case Handshake:
		if s.send.boundariesSet[1] {
			return s.send.boundary1RTT
		}
		return s.send.totalLength
	default: // OneRTT
		return s.send.totalLength
	}
}

// Frame is a CRYPTO frame ready to serialize: Offset/Data plus the exact
// wire length of type byte + varint offset + varint length.
type Frame struct {
	Offset   uint64
	Data     []byte
	WireSize int
}

// NextFrame determines the next CRYPTO frame to send for packetType,
// clamped to at most maxPayload bytes of frame (header + data), following
// spec section 4.5's "Writing CRYPTO frames" algorithm exactly: prefer the
// open recovery window; otherwise advance from NextSendOffset; clamp Right
// to the next SACK hole and to the encryption-level boundary; compute the
// exact frame header size and deduce the payload length from maxPayload.
func (s *Stream) NextFrame(packetType Level, maxPayload int) (Frame, bool) {
	var left, right uint64
	inRecovery := s.send.recoveryNext < s.send.recoveryEnd
	if inRecovery {
		left = s.send.recoveryNext
		right = s.send.recoveryEnd
	} else {
		left = s.send.nextSendOffset
		right = s.send.totalLength
	}
	if left >= right {
		return Frame{}, false
	}

	if gapLow, ok := s.send.sparseAckRanges.FirstGapAbove(left); ok && gapLow < right {
		right = gapLow
	}
	if lvlEnd := s.levelEnd(packetType); lvlEnd < right {
		right = lvlEnd
	}
	if left >= right {
		return Frame{}, false
	}

	headerSize := 1 + packet.VarintLen(left) + packet.VarintLen(right-left)
	if headerSize >= maxPayload {
		return Frame{}, false
	}
	avail := maxPayload - headerSize
	if uint64(avail) < right-left {
		right = left + uint64(avail)
	}
	length := right - left

	bufStart := left - s.send.unAckedOffset
	data := s.send.buffer[bufStart : bufStart+length]

	s.advanceAfterSend(left, right, inRecovery)

	return Frame{
		Offset:   left,
		Data:     data,
		WireSize: 1 + packet.VarintLen(left) + packet.VarintLen(length) + int(length),
	}, true
}

// advanceAfterSend advances NextSendOffset/RecoveryNextOffset past the just
// -sent [left, right) span, skipping over any SACK range whose low end is
// now touched.
func (s *Stream) advanceAfterSend(left, right uint64, wasRecovery bool) {
	if right > s.send.maxSentLength {
		s.send.maxSentLength = right
	}
	advanced := right
	for advanced > 0 {
		gapLow, ok := s.send.sparseAckRanges.FirstGapAbove(advanced - 1)
		if !ok || gapLow != advanced {
			break
		}
		// advanced sits exactly at a SACK's low edge: hop to its end.
		for _, r := range s.send.sparseAckRanges.Ranges() {
			if r.Low == advanced {
				advanced = r.End()
				break
			}
		}
	}
	if wasRecovery {
		s.send.recoveryNext = advanced
	} else {
		s.send.nextSendOffset = advanced
	}
}

// OnAck processes an acknowledgment of [low, low+count). If it starts at or
// below UnAckedOffset, the unacked prefix advances and the buffer is
// compacted; any trailing SACK now contiguous with the new UnAckedOffset is
// absorbed. Otherwise a new SACK hole is recorded and NextSendOffset /
// RecoveryNextOffset jump past it if they sat inside the newly-acked range.
// Acking the same range twice is idempotent (testable property 6).
func (s *Stream) OnAck(low, count uint64) {
	if count == 0 {
		return
	}
	high := low + count
	if high <= s.send.unAckedOffset {
		return // fully below UnAckedOffset already: no-op, idempotent
	}

	if low <= s.send.unAckedOffset {
		newUnacked := high
		// Absorb any SACK ranges now contiguous with (or below) newUnacked.
		s.send.sparseAckRanges.RemovePrefixBelow(newUnacked)
		if r, ok := s.send.sparseAckRanges.Min(); ok && r.Low == newUnacked {
			newUnacked = r.End()
			s.send.sparseAckRanges.RemovePrefixBelow(newUnacked)
		}
		advance := newUnacked - s.send.unAckedOffset
		if advance > uint64(len(s.send.buffer)) {
			advance = uint64(len(s.send.buffer))
		}
		s.send.buffer = s.send.buffer[advance:]
		s.send.unAckedOffset = newUnacked
		if s.send.nextSendOffset < newUnacked {
			s.send.nextSendOffset = newUnacked
		}
		if s.send.recoveryNext < newUnacked {
			s.send.recoveryNext = newUnacked
		}
		if s.send.recoveryNext >= s.send.recoveryEnd {
			s.send.recoveryEnd = 0
			s.send.recoveryNext = 0
		}
		return
	}

	s.send.sparseAckRanges.Insert(low, count)
	if s.send.nextSendOffset >= low && s.send.nextSendOffset < high {
		s.send.nextSendOffset = high
	}
	if s.send.recoveryNext >= low && s.send.recoveryNext < high {
		s.send.recoveryNext = high
	}
}

// OnLoss declares [low, low+count) lost: the range is trimmed against
// UnAckedOffset and existing SACKs, and any surviving remainder reopens (or
// extends) the recovery window.
func (s *Stream) OnLoss(low, count uint64) {
	if count == 0 {
		return
	}
	high := low + count
	if low < s.send.unAckedOffset {
		low = s.send.unAckedOffset
	}
	if low >= high {
		return
	}
	for _, r := range s.send.sparseAckRanges.Ranges() {
		if r.Low <= low && high <= r.End() {
			return // the entire lost span was actually acked
		}
	}
	if low < s.send.recoveryNext || s.send.recoveryNext >= s.send.recoveryEnd {
		s.send.recoveryNext = low
	}
	if high > s.send.recoveryEnd {
		s.send.recoveryEnd = high
	}
}

// InRecovery reports whether a retransmit window is currently open.
func (s *Stream) InRecovery() bool { return s.send.recoveryNext < s.send.recoveryEnd }

// UnAckedOffset, NextSendOffset, MaxSentLength, TotalLength expose the
// send-side accounting invariant (testable property 1):
// UnAckedOffset <= NextSendOffset <= MaxSentLength <= BufferTotalLength.
func (s *Stream) UnAckedOffset() uint64  { return s.send.unAckedOffset }
func (s *Stream) NextSendOffset() uint64 { return s.send.nextSendOffset }
func (s *Stream) MaxSentLength() uint64  { return s.send.maxSentLength }
func (s *Stream) TotalLength() uint64    { return s.send.totalLength }

// CheckInvariant validates property 1 plus "no SACK range lies at or below
// UnAckedOffset"; returns a descriptive error on violation, for use from
// property-based tests.
func (s *Stream) CheckInvariant() error {
	if !(s.send.unAckedOffset <= s.send.nextSendOffset &&
		s.send.nextSendOffset <= s.send.maxSentLength &&
		s.send.maxSentLength <= s.send.totalLength) {
		return fmt.Errorf("offset invariant violated: unacked=%d next=%d maxSent=%d total=%d",
			s.send.unAckedOffset, s.send.nextSendOffset, s.send.maxSentLength, s.send.totalLength)
	}
	for _, r := range s.send.sparseAckRanges.Ranges() {
		if r.Low < s.send.unAckedOffset {
			return fmt.Errorf("sparse ack range [%d,%d) lies below unacked offset %d", r.Low, r.End(), s.send.unAckedOffset)
		}
	}
	return nil
}

// TLSCallPending reports whether a TLS call is currently outstanding;
// spec section 4.5 requires at most one at a time. While pending, incoming
// CRYPTO data sets TLSDataPending instead of re-entering TLS.
func (s *Stream) TLSCallPending() bool { return s.tlsCallPending }

// BeginTLSCall marks a TLS call as outstanding; returns false (and does not
// mark) if one is already pending, enforcing the reentrancy invariant.
func (s *Stream) BeginTLSCall() bool {
	if s.tlsCallPending {
		return false
	}
	s.tlsCallPending = true
	return true
}

// EndTLSCall clears the pending call and reports whether CRYPTO data
// arrived in the meantime and should now be drained into TLS.
func (s *Stream) EndTLSCall() (dataPending bool) {
	s.tlsCallPending = false
	dataPending = s.tlsDataPending
	s.tlsDataPending = false
	return dataPending
}

// OnCryptoFrame feeds an incoming CRYPTO frame (level-relative offset) into
// the receive buffer, translating via RecvEncryptLevelStartOffset, and
// returns the newly-contiguous bytes ready for TLS, or nil if the frame
// only filled a gap. If a TLS call is already pending, data is buffered and
// TLSDataPending is set rather than returned for immediate processing.
func (s *Stream) OnCryptoFrame(levelOffset uint64, data []byte) ([]byte, error) {
	absOffset := s.recvEncryptLevelStartOffset + levelOffset
	ready, _, err := s.recv.Write(absOffset, data)
	if err != nil {
		return nil, err
	}
	if !ready {
		return nil, nil
	}
	if s.tlsCallPending {
		s.tlsDataPending = true
		return nil, nil
	}
	n := s.recv.ReadableLen()
	buf := make([]byte, n)
	s.recv.Read(buf)
	s.recv.Drain(uint64(n), 0, 0)
	s.recvTotalConsumed += uint64(n)
	return buf, nil
}

// OnReadKeyUpdated implements the READ_KEY_UPDATED callback transition:
// RecvEncryptLevelStartOffset <- RecvTotalConsumed.
func (s *Stream) OnReadKeyUpdated() {
	s.recvEncryptLevelStartOffset = s.recvTotalConsumed
}
