package stream

import "github.com/cppla/quicengine/internal/qerr"

// OnStreamFrame feeds an incoming STREAM frame into the receive buffer,
// enforcing MaxAllowedRecvOffset (FLOW_CONTROL_ERROR on violation) and
// recording the final size once a FIN arrives.
func (s *Stream) OnStreamFrame(offset uint64, data []byte, fin bool) (readyToRead bool, err error) {
	end := offset + uint64(len(data))
	if end > s.maxAllowedRecvOffset {
		return false, qerr.NewTransportError(qerr.FlowControlError, "stream data exceeds advertised window")
	}
	if fin {
		if s.finalSizeKnown && s.finalSize != end {
			return false, qerr.NewTransportError(qerr.FinalSizeError, "conflicting final size")
		}
		s.finalSize = end
		s.finalSizeKnown = true
		if s.recvState == RecvOpen || s.recvState == RecvReceiving {
			s.recvState = RecvSizeKnown
		}
	} else if s.finalSizeKnown && end > s.finalSize {
		return false, qerr.NewTransportError(qerr.FinalSizeError, "data received beyond known final size")
	}
	if s.recvState == RecvOpen {
		s.recvState = RecvReceiving
	}
	ready, _, werr := s.recv.Write(offset, data)
	if werr != nil {
		return false, qerr.NewTransportError(qerr.FlowControlError, werr.Error())
	}
	if ready && s.finalSizeKnown && s.recv.BaseOffset()+uint64(s.recv.ReadableLen()) == s.finalSize {
		s.recvState = RecvDataRecvd
	}
	s.maybeShutdownComplete()
	return ready, nil
}

// Read copies up to len(p) contiguous bytes from the front of the receive
// buffer without draining them.
func (s *Stream) Read(p []byte) int { return s.recv.Read(p) }

// Drain advances the receive base offset by n, applying the window-reopen
// policy and returning the new MaxAllowedRecvOffset (a MAX_STREAM_DATA
// update should be queued if it grew).
func (s *Stream) Drain(n, now, rtt uint64) uint64 {
	s.recv.Drain(n, now, rtt)
	s.maxAllowedRecvOffset = s.recv.VirtualLength()
	return s.maxAllowedRecvOffset
}

// OnResetStream processes an incoming RESET_STREAM frame: the receive half
// moves to ResetRecvd immediately. Bytes already in the receive buffer are
// not discarded; Read still returns them.
func (s *Stream) OnResetStream(finalSize uint64, appErrorCode uint64) error {
	if s.finalSizeKnown && s.finalSize != finalSize {
		return qerr.NewTransportError(qerr.FinalSizeError, "RESET_STREAM final size conflicts with prior data")
	}
	s.finalSize = finalSize
	s.finalSizeKnown = true
	s.recvState = RecvResetRecvd
	s.maybeShutdownComplete()
	return nil
}

// ShutdownComplete reports whether both halves have reached a terminal
// state with no data pending.
func (s *Stream) ShutdownComplete() bool {
	sendDone := s.sendState == SendDataRecvd || s.sendState == SendResetRecvd || !s.sendEnabled
	recvDone := s.recvState == RecvDataRecvd || s.recvState == RecvResetRecvd || !s.recvEnabled
	return sendDone && recvDone
}

func (s *Stream) maybeShutdownComplete() {
	// Hook point for the owning connection to observe the ShutdownComplete
	// transition (e.g. to deliver SHUTDOWN_COMPLETE and release the id slot);
	// left as a pure predicate here so Stream stays free of upward callback
	// references. Connection.PruneShutdownCompleteStreams checks
	// ShutdownComplete() whenever its owner calls it.
}

// SetBlocked starts or stops the blocked-time clock for reason at time now
// (a caller-supplied monotonic tick, e.g. nanoseconds).
func (s *Stream) SetBlocked(reason BlockedReason, now uint64, blocked bool) {
	bt := &s.blocked[reason]
	if blocked && !bt.active {
		bt.active = true
		bt.lastStart = timeFromTick(now)
	} else if !blocked && bt.active {
		bt.active = false
		bt.cumulative += timeFromTick(now).Sub(bt.lastStart)
	}
}

// BlockedTime returns the cumulative time spent blocked for reason.
func (s *Stream) BlockedTime(reason BlockedReason) (cumulative uint64, active bool) {
	bt := &s.blocked[reason]
	return uint64(bt.cumulative), bt.active
}
