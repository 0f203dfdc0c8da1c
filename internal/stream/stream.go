// Package stream implements the application-level byte stream: send/receive
// buffers sharing CryptoStream's UnAcked/NextSend/MaxSent/SparseAckRanges/
// Recovery shape, augmented with peer flow control, priority, reliable-reset
// offsets, and the send/receive state machines.
package stream

import (
	"fmt"
	"time"

	"github.com/cppla/quicengine/internal/rangeset"
	"github.com/cppla/quicengine/internal/recvbuffer"
)

// ID is a 62-bit QUIC stream id; direction and initiator are encoded in the
// low two bits (RFC 9000 section 2.1).
type ID uint64

const (
	bitInitiator = 0x1 // 0 = client-initiated, 1 = server-initiated
	bitDirection = 0x2 // 0 = bidirectional, 1 = unidirectional
)

func (id ID) IsClientInitiated() bool { return id&bitInitiator == 0 }
func (id ID) IsUnidirectional() bool  { return id&bitDirection != 0 }

// SendState enumerates the send-half state machine: Open -> Send ->
// {DataSent | ResetSent} -> {DataRecvd | ResetRecvd}.
type SendState int

const (
	SendOpen SendState = iota
	SendSending
	SendDataSent
	SendResetSent
	SendDataRecvd
	SendResetRecvd
)

// RecvState enumerates the receive-half state machine: Open -> Recv ->
// {SizeKnown -> DataRecvd} or ResetRecvd.
type RecvState int

const (
	RecvOpen RecvState = iota
	RecvReceiving
	RecvSizeKnown
	RecvDataRecvd
	RecvResetRecvd
)

// BlockedReason enumerates the eight categories of flow-control blocking
// tracked per stream.
type BlockedReason int

const (
	BlockedScheduling BlockedReason = iota
	BlockedPacing
	BlockedAmplificationProtection
	BlockedCongestionControl
	BlockedConnFlowControl
	BlockedStreamIDFlowControl
	BlockedStreamFlowControl
	BlockedApp
	numBlockedReasons
)

type blockedTiming struct {
	cumulative time.Duration
	lastStart  time.Time
	active     bool
}

// Stream is one application byte channel.
type Stream struct {
	ID ID

	sendEnabled, recvEnabled bool
	sendState                SendState
	recvState                RecvState

	sendPriority uint16

	// Send-side accounting, same shape as cryptostream.SendState.
	sendBuffer      []byte
	unAckedOffset   uint64
	nextSendOffset  uint64
	maxSentLength   uint64
	sendBufferTotal uint64
	sparseAckRanges *rangeset.Set
	recoveryNext    uint64
	recoveryEnd     uint64
	finQueued       bool
	finAcked        bool

	maxAllowedSendOffset uint64 // peer-granted flow control ceiling
	reliableOffsetSend   uint64
	reliableResetEnabled bool

	recv                 *recvbuffer.Buffer
	maxAllowedRecvOffset uint64
	recvMaxLength        uint64 // cap for reliable-reset
	finalSize            uint64
	finalSizeKnown       bool

	blocked [numBlockedReasons]blockedTiming
}

// New allocates a Stream with the given id and initial flow-control
// windows.
func New(id ID, sendWindow, recvWindow uint64) *Stream {
	return &Stream{
		ID:                   id,
		sendEnabled:          true,
		recvEnabled:          true,
		sparseAckRanges:      rangeset.New(rangeset.AckPackets),
		maxAllowedSendOffset: sendWindow,
		recv:                 recvbuffer.New(recvbuffer.Multiple, recvWindow, recvWindow),
		maxAllowedRecvOffset: recvWindow,
	}
}

// SetPriority updates SendPriority; the connection's send scheduler is
// responsible for re-sorting its priority-ordered queue when this changes.
func (s *Stream) SetPriority(p uint16) { s.sendPriority = p }

func (s *Stream) Priority() uint16 { return s.sendPriority }

// SendWindow is min(MaxAllowedSendOffset, a uint32 paced budget); the
// uint32 ceiling is enforced by the caller (PacketBuilder) via maxPayload,
// so this just returns the flow-control ceiling.
func (s *Stream) SendWindow() uint64 { return s.maxAllowedSendOffset }

// Write appends application bytes to the outbound buffer. If fin is true,
// this is the last Write the application will make on this stream.
func (s *Stream) Write(data []byte, fin bool) error {
	if s.sendState != SendOpen && s.sendState != SendSending {
		return fmt.Errorf("stream %d: write after send half closed", s.ID)
	}
	if s.sendState == SendOpen {
		s.sendState = SendSending
	}
	s.sendBuffer = append(s.sendBuffer, data...)
	s.sendBufferTotal += uint64(len(data))
	if fin {
		s.finQueued = true
	}
	return nil
}

// SetMaxAllowedSendOffset installs a MAX_STREAM_DATA update from the peer.
// QUIC requires these be monotonic; a lower value is ignored.
func (s *Stream) SetMaxAllowedSendOffset(v uint64) {
	if v > s.maxAllowedSendOffset {
		s.maxAllowedSendOffset = v
	}
}

// FlowControlAvailable reports how many bytes remain sendable under peer flow control
// from NextSendOffset.
func (s *Stream) FlowControlAvailable() uint64 {
	if s.nextSendOffset >= s.maxAllowedSendOffset {
		return 0
	}
	return s.maxAllowedSendOffset - s.nextSendOffset
}

// UnAckedOffset, NextSendOffset, MaxSentLength, BufferTotalLength expose the
// send accounting invariant (testable property 1).
func (s *Stream) UnAckedOffset() uint64     { return s.unAckedOffset }
func (s *Stream) NextSendOffset() uint64    { return s.nextSendOffset }
func (s *Stream) MaxSentLength() uint64     { return s.maxSentLength }
func (s *Stream) BufferTotalLength() uint64 { return s.sendBufferTotal }

// CheckInvariant validates testable property 1 for this stream.
func (s *Stream) CheckInvariant() error {
	if !(s.unAckedOffset <= s.nextSendOffset &&
		s.nextSendOffset <= s.maxSentLength &&
		s.maxSentLength <= s.sendBufferTotal) {
		return fmt.Errorf("stream %d offset invariant violated: unacked=%d next=%d maxSent=%d total=%d",
			s.ID, s.unAckedOffset, s.nextSendOffset, s.maxSentLength, s.sendBufferTotal)
	}
	for _, r := range s.sparseAckRanges.Ranges() {
		if r.Low < s.unAckedOffset {
			return fmt.Errorf("stream %d sparse ack range [%d,%d) below unacked offset %d", s.ID, r.Low, r.End(), s.unAckedOffset)
		}
	}
	return nil
}
