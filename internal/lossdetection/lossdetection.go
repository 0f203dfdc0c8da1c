// Package lossdetection implements spec section 4.8: per packet-number-space
// sent-packet tracking, RACK/FACK loss declaration, PTO backoff, and
// persistent-congestion detection. Grounded on golang.org/x/net's
// internal/quic loss.go (vendored into the distribution-distribution
// example), restructured around the spec's three fixed packet-number
// spaces and its own naming (Space, SentPacket, Detector) rather than the
// original's generic numberSpace/sentPacketList types.
package lossdetection

import (
	"time"
)

// Space is a QUIC packet-number space; each has independent packet numbers
// and ACKs.
type Space int

const (
	Initial Space = iota
	Handshake
	ApplicationData
	numSpaces
)

func (s Space) String() string {
	switch s {
	case Initial:
		return "Initial"
	case Handshake:
		return "Handshake"
	case ApplicationData:
		return "ApplicationData"
	default:
		return "?"
	}
}

// SentPacket is one entry in a space's sent-packet metadata list: a packet
// number plus enough bookkeeping to declare it lost or acked and retransmit
// its frames. Data is an opaque reference to the frame list the caller
// needs to requeue on loss (spec: "sent-packet metadata list (number ->
// frame list for retransmit)"); lossdetection never inspects it.
type SentPacket struct {
	Number       uint64
	SentTime     time.Time
	Size         int
	AckEliciting bool
	InFlight     bool
	Data         any

	acked bool
	lost  bool
}

type spaceState struct {
	sent             []*SentPacket // ascending by Number, oldest first
	maxAcked         int64         // -1 if none acked yet
	lastAckEliciting int64         // packet number of the last ack-eliciting packet sent, -1 if none
}

func newSpaceState() spaceState {
	return spaceState{maxAcked: -1, lastAckEliciting: -1}
}

// clean drops acked/lost entries from the front of the list; the list stays
// ordered so the oldest unresolved packet is always sent[0].
func (sp *spaceState) clean() {
	i := 0
	for i < len(sp.sent) && (sp.sent[i].acked || sp.sent[i].lost) {
		i++
	}
	sp.sent = sp.sent[i:]
}

// Detector owns loss-detection state for all three packet-number spaces of
// one connection, plus the shared RTT estimator and PTO backoff counter
//.
type Detector struct {
	isClient           bool
	handshakeConfirmed bool
	maxAckDelay        time.Duration

	spaces [numSpaces]spaceState

	smoothedRTT time.Duration
	rttVar      time.Duration
	minRTT      time.Duration
	latestRTT   time.Duration
	rttSampled  bool

	ptoBackoffCount int
	ptoExpired      bool
	timer           time.Time
	timerArmed      bool
}

// timerGranularity is the minimum PTO/loss-window granularity (RFC 9002
// section 6.1.2's "kGranularity").
const timerGranularity = time.Millisecond

// New builds a Detector seeded with the configured initial RTT (spec
// section 6 InitialRttMs) before any real sample has been taken.
func New(isClient bool, initialRTT time.Duration) *Detector {
	d := &Detector{
		isClient:    isClient,
		maxAckDelay: 25 * time.Millisecond,
		smoothedRTT: initialRTT,
		rttVar:      initialRTT / 2,
		minRTT:      initialRTT,
	}
	for i := range d.spaces {
		d.spaces[i] = newSpaceState()
	}
	return d
}

// SetMaxAckDelay installs the peer's max_ack_delay transport parameter.
func (d *Detector) SetMaxAckDelay(delay time.Duration) {
	if delay < (1<<14)*time.Millisecond {
		d.maxAckDelay = delay
	}
}

// ConfirmHandshake marks HandshakeConfirmed: the PTO timer stops
// considering the Initial/Handshake spaces and max_ack_delay applies.
func (d *Detector) ConfirmHandshake() { d.handshakeConfirmed = true }

// SmoothedRTT, RTTVar, MinRTT, LatestRTT expose the standard RTT estimators.
func (d *Detector) SmoothedRTT() time.Duration { return d.smoothedRTT }
func (d *Detector) RTTVar() time.Duration      { return d.rttVar }
func (d *Detector) MinRTT() time.Duration      { return d.minRTT }
func (d *Detector) LatestRTT() time.Duration   { return d.latestRTT }
func (d *Detector) PTOCount() int              { return d.ptoBackoffCount }

// updateRTTSample folds in a new RTT observation (RFC 9002 section 5.3).
func (d *Detector) updateRTTSample(space Space, sample, ackDelay time.Duration) {
	d.latestRTT = sample
	if !d.rttSampled {
		d.rttSampled = true
		d.smoothedRTT = sample
		d.rttVar = sample / 2
		d.minRTT = sample
		return
	}
	if sample < d.minRTT {
		d.minRTT = sample
	}
	adjusted := sample
	if space == ApplicationData || d.handshakeConfirmed {
		if ackDelay > d.maxAckDelay {
			ackDelay = d.maxAckDelay
		}
	}
	if adjusted > d.minRTT+ackDelay {
		adjusted -= ackDelay
	}
	rttVarSample := d.smoothedRTT - adjusted
	if rttVarSample < 0 {
		rttVarSample = -rttVarSample
	}
	d.rttVar = (3*d.rttVar + rttVarSample) / 4
	d.smoothedRTT = (7*d.smoothedRTT + adjusted) / 8
}

// PacketSent records a newly-sent packet's metadata.
func (d *Detector) PacketSent(space Space, sp *SentPacket) {
	st := &d.spaces[space]
	st.sent = append(st.sent, sp)
	if sp.AckEliciting {
		st.lastAckEliciting = int64(sp.Number)
		d.ptoExpired = false
	}
}

// AckResult summarizes the outcome of processing one ACK frame.
type AckResult struct {
	Acked      []*SentPacket
	Lost       []*SentPacket
	RTTUpdated bool
	// PersistentCongestion is true if the newly-declared losses span a
	// contiguous run whose duration exceeds the persistent-congestion
	// threshold.
	PersistentCongestion bool
}

// OnAckRanges processes the ranges of an incoming ACK frame (ascending,
// non-overlapping half-open [low, high) pairs covering acked packet numbers) and
// runs loss detection afterward, per RFC 9002 section 5/6.1.
func (d *Detector) OnAckRanges(space Space, ranges [][2]uint64, ackDelay time.Duration, now time.Time) AckResult {
	st := &d.spaces[space]
	var res AckResult
	var largestNewlyAckedSentTime time.Time
	var sawNewAckEliciting bool

	for _, r := range ranges {
		low, high := r[0], r[1]
		for _, sp := range st.sent {
			if sp.Number < low || sp.Number >= high || sp.acked || sp.lost {
				continue
			}
			sp.acked = true
			if int64(sp.Number) > st.maxAcked {
				st.maxAcked = int64(sp.Number)
			}
			if sp.SentTime.After(largestNewlyAckedSentTime) {
				largestNewlyAckedSentTime = sp.SentTime
			}
			if sp.AckEliciting {
				sawNewAckEliciting = true
			}
			res.Acked = append(res.Acked, sp)
		}
	}

	if !largestNewlyAckedSentTime.IsZero() && sawNewAckEliciting {
		d.updateRTTSample(space, now.Sub(largestNewlyAckedSentTime), ackDelay)
		res.RTTUpdated = true
	}

	if !(d.isClient && space == Initial) {
		d.ptoBackoffCount = 0
	}
	d.timer = time.Time{}

	res.Lost, res.PersistentCongestion = d.detectLoss(now)
	st.clean()
	return res
}

// lossDuration is RFC 9002 section 6.1.2's time-reorder threshold:
// max(9/8 * max(smoothed_rtt, latest_rtt), kGranularity).
func (d *Detector) lossDuration() time.Duration {
	base := d.smoothedRTT
	if d.latestRTT > base {
		base = d.latestRTT
	}
	dur := base + base/8
	if dur < timerGranularity {
		dur = timerGranularity
	}
	return dur
}

// persistentCongestionDuration is spec section 4.8: a contiguous span of
// lost packets whose send-time gap exceeds this, twice.
func (d *Detector) persistentCongestionDuration() time.Duration {
	pto := d.smoothedRTT + 4*d.rttVar
	if d.handshakeConfirmed {
		pto += d.maxAckDelay
	}
	return 2 * pto
}

const packetReorderThreshold = 3

// detectLoss declares losses across every space using the packet- and
// time-reorder thresholds, and reports whether the newly lost packets in
// any one space form a persistent-congestion span.
func (d *Detector) detectLoss(now time.Time) (lost []*SentPacket, persistentCongestion bool) {
	lossTime := now.Add(-d.lossDuration())
	pcDuration := d.persistentCongestionDuration()

	for space := Space(0); space < numSpaces; space++ {
		st := &d.spaces[space]
		var spaceLost []*SentPacket
		for _, sp := range st.sent {
			if sp.acked || sp.lost {
				continue
			}
			packetThreshold := st.maxAcked-int64(sp.Number) >= packetReorderThreshold
			timeThreshold := int64(sp.Number) <= st.maxAcked && !sp.SentTime.After(lossTime)
			if packetThreshold || timeThreshold {
				sp.lost = true
				spaceLost = append(spaceLost, sp)
			}
		}
		lost = append(lost, spaceLost...)
		if hasPersistentCongestionSpan(spaceLost, pcDuration) {
			persistentCongestion = true
		}
	}
	d.scheduleTimer(now)
	return lost, persistentCongestion
}

// hasPersistentCongestionSpan reports whether consecutive lost packets
// (by send order) have a send-time gap exceeding dur.
func hasPersistentCongestionSpan(lost []*SentPacket, dur time.Duration) bool {
	for i := 1; i < len(lost); i++ {
		if lost[i].SentTime.Sub(lost[i-1].SentTime) > dur {
			return true
		}
	}
	return len(lost) >= 2 && dur <= 0
}

// DiscardSpace drops all sent-packet metadata for a space (spec: "Discarding
// a key-level discards all sent-packet metadata in that space and re-arms
// the timer").
func (d *Detector) DiscardSpace(now time.Time, space Space) {
	d.spaces[space] = newSpaceState()
	d.scheduleTimer(now)
}

// scheduleTimer sets the loss-or-PTO deadline, per RFC 9002 section 6.2.2.
func (d *Detector) scheduleTimer(now time.Time) {
	d.timerArmed = false

	var oldestPotentiallyLost time.Time
	for space := Space(0); space < numSpaces; space++ {
		st := &d.spaces[space]
		if len(st.sent) == 0 {
			continue
		}
		if int64(st.sent[0].Number) <= st.maxAcked {
			t := st.sent[0].SentTime
			if oldestPotentiallyLost.IsZero() || t.Before(oldestPotentiallyLost) {
				oldestPotentiallyLost = t
			}
		}
	}
	if !oldestPotentiallyLost.IsZero() {
		d.timer = oldestPotentiallyLost.Add(d.lossDuration())
		return
	}

	if d.ptoExpired {
		d.timer = time.Time{}
		return
	}

	var last time.Time
	if !d.handshakeConfirmed {
		for _, space := range [...]Space{Initial, Handshake} {
			st := &d.spaces[space]
			if st.lastAckEliciting < 0 {
				continue
			}
			sp := findByNumber(st.sent, uint64(st.lastAckEliciting))
			if sp == nil {
				continue
			}
			if last.IsZero() || sp.SentTime.Before(last) {
				last = sp.SentTime
			}
		}
	} else {
		st := &d.spaces[ApplicationData]
		if st.lastAckEliciting >= 0 {
			if sp := findByNumber(st.sent, uint64(st.lastAckEliciting)); sp != nil {
				last = sp.SentTime
			}
		}
	}
	if last.IsZero() {
		if d.isClient && d.spaces[Handshake].maxAcked < 0 && !d.handshakeConfirmed {
			if !d.timer.IsZero() {
				d.timerArmed = true
				return
			}
			last = now
		} else {
			d.timer = time.Time{}
			return
		}
	}
	d.timer = last.Add(d.ptoPeriod())
	d.timerArmed = true
}

func findByNumber(sent []*SentPacket, num uint64) *SentPacket {
	for _, sp := range sent {
		if sp.Number == num {
			return sp
		}
	}
	return nil
}

// ptoPeriod is RFC 9002 section 6.2.1's PTO duration, doubled once per
// backoff.
func (d *Detector) ptoPeriod() time.Duration {
	return d.ptoBasePeriod() << d.ptoBackoffCount
}

func (d *Detector) ptoBasePeriod() time.Duration {
	rttVar4 := 4 * d.rttVar
	if rttVar4 < timerGranularity {
		rttVar4 = timerGranularity
	}
	pto := d.smoothedRTT + rttVar4
	if d.handshakeConfirmed {
		pto += d.maxAckDelay
	}
	return pto
}

// NextTimer returns the next scheduled loss/PTO deadline, and whether one
// is armed at all.
func (d *Detector) NextTimer() (time.Time, bool) {
	if d.timer.IsZero() {
		return time.Time{}, false
	}
	return d.timer, true
}

// OnTimerFired is called when the wall clock reaches NextTimer(): it either
// declares losses (loss timer) or arms a PTO probe (PTO timer) depending on
// which fired.
func (d *Detector) OnTimerFired(now time.Time) (lost []*SentPacket, ptoFired bool) {
	if d.timerArmed {
		d.ptoExpired = true
		d.ptoBackoffCount++
		d.timer = time.Time{}
		d.timerArmed = false
		return nil, true
	}
	lost, _ = d.detectLoss(now)
	return lost, false
}
