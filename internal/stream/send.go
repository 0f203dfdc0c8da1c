package stream

import "github.com/cppla/quicengine/internal/packet"

// Frame is a STREAM frame ready to serialize.
type Frame struct {
	Offset   uint64
	Data     []byte
	Fin      bool
	WireSize int
}

// NextFrame mirrors cryptostream.Stream.NextFrame, but additionally clamps
// Right to the peer's flow-control ceiling and may set Fin when the frame
// reaches BufferTotalLength and a FIN has been queued.
func (s *Stream) NextFrame(maxPayload int) (Frame, bool) {
	var left, right uint64
	inRecovery := s.recoveryNext < s.recoveryEnd
	if inRecovery {
		left = s.recoveryNext
		right = s.recoveryEnd
	} else {
		left = s.nextSendOffset
		right = s.sendBufferTotal
	}
	if left > right {
		return Frame{}, false
	}
	if left == right && !(s.finQueued && !inRecovery && right == s.sendBufferTotal) {
		return Frame{}, false
	}

	if gapLow, ok := s.sparseAckRanges.FirstGapAbove(left); ok && gapLow < right {
		right = gapLow
	}
	if s.maxAllowedSendOffset < right {
		right = s.maxAllowedSendOffset
	}
	if left > right {
		return Frame{}, false
	}

	headerSize := 1 + packet.VarintLen(left) + packet.VarintLen(right-left)
	avail := maxPayload - headerSize
	if avail < 0 {
		return Frame{}, false
	}
	if uint64(avail) < right-left {
		right = left + uint64(avail)
	}
	length := right - left

	bufStart := left - s.unAckedOffset
	data := s.sendBuffer[bufStart : bufStart+length]

	fin := s.finQueued && right == s.sendBufferTotal && length == right-left && !inRecovery

	s.advanceAfterSend(right, inRecovery)

	return Frame{
		Offset:   left,
		Data:     data,
		Fin:      fin,
		WireSize: 1 + packet.VarintLen(left) + packet.VarintLen(length) + int(length),
	}, true
}

func (s *Stream) advanceAfterSend(right uint64, wasRecovery bool) {
	if right > s.maxSentLength {
		s.maxSentLength = right
	}
	advanced := right
	for advanced > 0 {
		gapLow, ok := s.sparseAckRanges.FirstGapAbove(advanced - 1)
		if !ok || gapLow != advanced {
			break
		}
		for _, r := range s.sparseAckRanges.Ranges() {
			if r.Low == advanced {
				advanced = r.End()
				break
			}
		}
	}
	if wasRecovery {
		s.recoveryNext = advanced
	} else {
		s.nextSendOffset = advanced
	}
	if s.sendState == SendSending && s.finQueued && advanced == s.sendBufferTotal {
		s.sendState = SendDataSent
	}
}

// OnAck processes acknowledgment of [low, low+count) on the send side,
// identical in shape to cryptostream's OnAck.
func (s *Stream) OnAck(low, count uint64) {
	if count == 0 {
		return
	}
	high := low + count
	if high <= s.unAckedOffset {
		return
	}
	if low <= s.unAckedOffset {
		newUnacked := high
		s.sparseAckRanges.RemovePrefixBelow(newUnacked)
		if r, ok := s.sparseAckRanges.Min(); ok && r.Low == newUnacked {
			newUnacked = r.End()
			s.sparseAckRanges.RemovePrefixBelow(newUnacked)
		}
		advance := newUnacked - s.unAckedOffset
		if advance > uint64(len(s.sendBuffer)) {
			advance = uint64(len(s.sendBuffer))
		}
		s.sendBuffer = s.sendBuffer[advance:]
		s.unAckedOffset = newUnacked
		if s.nextSendOffset < newUnacked {
			s.nextSendOffset = newUnacked
		}
		if s.recoveryNext < newUnacked {
			s.recoveryNext = newUnacked
		}
		if s.recoveryNext >= s.recoveryEnd {
			s.recoveryEnd, s.recoveryNext = 0, 0
		}
	} else {
		s.sparseAckRanges.Insert(low, count)
		if s.nextSendOffset >= low && s.nextSendOffset < high {
			s.nextSendOffset = high
		}
		if s.recoveryNext >= low && s.recoveryNext < high {
			s.recoveryNext = high
		}
	}
	if s.finQueued && s.unAckedOffset == s.sendBufferTotal {
		s.finAcked = true
		s.sendState = SendDataRecvd
	}
	s.maybeShutdownComplete()
}

// OnLoss declares [low, low+count) lost, reopening the recovery window over
// whatever portion was not in fact already acked.
func (s *Stream) OnLoss(low, count uint64) {
	if count == 0 {
		return
	}
	high := low + count
	if low < s.unAckedOffset {
		low = s.unAckedOffset
	}
	if low >= high {
		return
	}
	for _, r := range s.sparseAckRanges.Ranges() {
		if r.Low <= low && high <= r.End() {
			return
		}
	}
	if low < s.recoveryNext || s.recoveryNext >= s.recoveryEnd {
		s.recoveryNext = low
	}
	if high > s.recoveryEnd {
		s.recoveryEnd = high
	}
}

// InRecovery reports whether a retransmit window is open.
func (s *Stream) InRecovery() bool { return s.recoveryNext < s.recoveryEnd }

// Reset aborts the send half (application RESET_STREAM). ReliableOffsetSend
// (if set by the RELIABLE_RESET extension) bounds what still must be
// delivered: a reset only discards bytes at or above that offset.
func (s *Stream) Reset(appErrorCode uint64) {
	if s.reliableResetEnabled && s.reliableOffsetSend > s.nextSendOffset {
		// Bytes below ReliableOffsetSend remain in flight; only truncate above it.
		if uint64(len(s.sendBuffer)) > s.reliableOffsetSend-s.unAckedOffset {
			s.sendBuffer = s.sendBuffer[:s.reliableOffsetSend-s.unAckedOffset]
		}
		s.sendBufferTotal = s.reliableOffsetSend
	}
	s.sendState = SendResetSent
	s.recoveryNext, s.recoveryEnd = 0, 0
}

// SetReliableOffsetSend installs the RELIABLE_RESET extension's minimum
// delivery offset. It may only decrease, and only before a reset is sent.
func (s *Stream) SetReliableOffsetSend(offset uint64) {
	if s.sendState == SendResetSent {
		return
	}
	s.reliableResetEnabled = true
	if offset < s.reliableOffsetSend || s.reliableOffsetSend == 0 {
		s.reliableOffsetSend = offset
	}
}

// OnResetAcked marks the send half fully terminated once the peer has
// acknowledged the RESET_STREAM frame itself.
func (s *Stream) OnResetAcked() {
	if s.sendState == SendResetSent {
		s.sendState = SendResetRecvd
		s.maybeShutdownComplete()
	}
}
