package conn

import (
	"github.com/cppla/quicengine/internal/packet"
	"github.com/cppla/quicengine/internal/rangeset"
)

// ackState tracks one packet-number space's receive side for ACK
// generation: which packet numbers have arrived (for the gap-encoded ACK
// frame body) and whether an ack-eliciting packet has arrived since the
// last ACK was sent.
type ackState struct {
	received        *rangeset.Set
	ackElicited     bool
	maxAckDelay     uint64 // microseconds, peer's advertised max_ack_delay
	highestReceived int64  // -1 until the first packet in this space arrives
}

func newAckState() *ackState {
	return &ackState{received: rangeset.New(rangeset.AckPackets), highestReceived: -1}
}

// Contains reports whether pn has already been recorded received, for
// duplicate-packet detection ahead of AEAD processing.
func (a *ackState) Contains(pn uint64) bool { return a.received.Contains(pn) }

// Highest returns the largest packet number seen so far in this space (or
// -1 if none), the reference point truncated packet numbers are expanded
// against (RFC 9000 appendix A).
func (a *ackState) Highest() int64 { return a.highestReceived }

// OnPacketReceived records pn as received for this space, and notes whether
// an ACK is now owed (spec/RFC 9000 section 13.2.1: every ack-eliciting
// packet must eventually be acknowledged).
func (a *ackState) OnPacketReceived(pn uint64, ackEliciting bool) {
	a.received.Insert(pn, 1)
	if int64(pn) > a.highestReceived {
		a.highestReceived = int64(pn)
	}
	if ackEliciting {
		a.ackElicited = true
	}
}

// Pending reports whether an ACK frame should be scheduled for this space.
func (a *ackState) Pending() bool { return a.ackElicited }

// BuildAckRangeSet converts the received set into the gap-encoded form
// Builder.AppendAck wants, reporting false if nothing has been received
// yet.
func (a *ackState) BuildAckRangeSet(ackDelay uint64) (packet.AckRangeSet, bool) {
	ranges := a.received.Ranges()
	if len(ranges) == 0 {
		return packet.AckRangeSet{}, false
	}
	highest := ranges[len(ranges)-1]
	out := packet.AckRangeSet{
		LargestAcked: highest.End() - 1,
		AckDelay:     ackDelay,
	}
	for _, r := range ranges {
		out.Ranges = append(out.Ranges, struct{ Low, High uint64 }{Low: r.Low, High: r.End()})
	}
	return out, true
}

// OnAckSent clears the ack-elicited flag once an ACK frame covering the
// currently-received set has actually gone out.
func (a *ackState) OnAckSent() { a.ackElicited = false }
