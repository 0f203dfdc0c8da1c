package congestion

import (
	"crypto/rand"
	"fmt"
	"time"

	"github.com/cppla/quicengine/internal/windowedfilter"
)

// bbrState is the four-state BBR machine.
type bbrState int

const (
	bbrStartup bbrState = iota
	bbrDrain
	bbrProbeBw
	bbrProbeRtt
)

func (s bbrState) String() string {
	switch s {
	case bbrStartup:
		return "Startup"
	case bbrDrain:
		return "Drain"
	case bbrProbeBw:
		return "ProbeBw"
	case bbrProbeRtt:
		return "ProbeRtt"
	default:
		return "?"
	}
}

type recoveryState int

const (
	recoveryNotRecovery recoveryState = iota
	recoveryConservative
	recoveryGrowth
)

// Fixed-point gain unit: a gain of bbrUnit represents 1.0.
const bbrUnit = 256

const (
	startupGain           = bbrUnit*2885/1000 + 1 // 2/ln(2)
	drainGain             = bbrUnit * 1000 / 2885  // 1/startupGain
	probeBwGain           = bbrUnit * 2
	expectedStartupGrowth = bbrUnit * 5 / 4
	startupSlowGrowRounds = 3
	numCycles             = 8
	quantaFactor          = 3
	minCwndInMSSForBbr    = 4
	defaultRecoveryCwndInMSS = 2000
	sendQuantumCap        = 64 * 1024

	lowPacingRateForSendQuantum  = 1200 * 1000 // bytes/sec
	highPacingRateForSendQuantum = 24 * 1000 * 1000
)

var pacingGainCycles = [numCycles]uint64{
	bbrUnit * 5 / 4, bbrUnit * 3 / 4, bbrUnit, bbrUnit,
	bbrUnit, bbrUnit, bbrUnit, bbrUnit,
}

const (
	probeRttDuration      = 200 * time.Millisecond
	bandwidthWindowLength = numCycles + 2
	rttSamplerExpiration  = 10 * time.Second
)

// BBR implements bottleneck-bandwidth-and-RTT congestion control, grounded
// on the BBR profile in the original listener/connection's congestion
// controller (bbr.c): four states, a windowed bandwidth/min-RTT sampler, and
// a bounded recovery window on loss.
type BBR struct {
	mtu uint64

	state         bbrState
	recoveryState recoveryState

	pacingGain uint64
	cwndGain   uint64

	congestionWindow        uint64
	initialCongestionWindow uint64
	recoveryWindow          uint64

	bytesInFlight    uint64
	bytesInFlightMax uint64

	totalBytesSent     uint64
	totalBytesAcked    uint64
	endOfRoundTripSent uint64
	roundTripCounter   uint64

	btlbwFound               bool
	previousStartupBandwidth uint64
	slowStartupRounds        uint8

	bandwidth     *windowedfilter.Filter
	maxAckHeight  *windowedfilter.Filter
	minRtt        time.Duration
	minRttAt      time.Time
	minRttValid   bool

	aggregatedAckBytes           uint64
	ackAggregationStartTime      time.Time
	ackAggregationStartTimeValid bool

	pacingCycleIndex int
	cycleStart       time.Time

	earliestTimeToExitProbeRtt time.Time
	earliestTimeValid          bool
	probeRttRound              uint64
	probeRttRoundValid         bool

	appLimited           bool
	appLimitedExitBytes  uint64

	sendQuantum uint64
	exemptions  int
}

// NewBBR constructs a BBR controller with the given path MTU and initial
// congestion window (in bytes).
func NewBBR(mtu, initialWindow uint64) *BBR {
	b := &BBR{
		mtu:                     mtu,
		initialCongestionWindow: initialWindow,
		congestionWindow:        initialWindow,
		pacingGain:              startupGain,
		cwndGain:                startupGain,
		bandwidth:               windowedfilter.New(bandwidthWindowLength, 0, 0),
		maxAckHeight:            windowedfilter.New(bandwidthWindowLength, 0, 0),
		sendQuantum:             mtu,
	}
	return b
}

func (b *BBR) CanSend(bytesInFlight uint64) bool {
	return bytesInFlight < b.CongestionWindow()
}

func (b *BBR) SetExemption(n int) { b.exemptions = n }
func (b *BBR) Exemptions() int    { return b.exemptions }

func (b *BBR) Reset(fullReset bool) {
	b.state = bbrStartup
	b.recoveryState = recoveryNotRecovery
	b.pacingGain = startupGain
	b.cwndGain = startupGain
	b.btlbwFound = false
	b.roundTripCounter = 0
	b.slowStartupRounds = 0
	if fullReset {
		b.congestionWindow = b.initialCongestionWindow
		b.bandwidth = windowedfilter.New(bandwidthWindowLength, 0, 0)
		b.minRttValid = false
	}
}

func (b *BBR) bandwidthEstimate() uint64 { return b.bandwidth.GetBest() }

// calculateTargetCwnd mirrors BbrCongestionControlCalculateTargetCwnd: with
// no bandwidth/RTT estimate yet it falls back to Gain*InitialCongestionWindow.
func (b *BBR) calculateTargetCwnd(gain uint64) uint64 {
	bw := b.bandwidthEstimate()
	if bw == 0 || !b.minRttValid {
		return gain * b.initialCongestionWindow / bbrUnit
	}
	bdp := bw * uint64(b.minRtt.Microseconds()) / 1_000_000
	return bdp*gain/bbrUnit + quantaFactor*b.sendQuantum
}

func (b *BBR) CongestionWindow() uint64 {
	if b.state == bbrProbeRtt {
		return minCwndInMSSForBbr * b.mtu
	}
	if b.recoveryState != recoveryNotRecovery {
		return min64(b.congestionWindow, b.recoveryWindow)
	}
	return b.congestionWindow
}

func (b *BBR) BytesInFlightMax() uint64 { return b.bytesInFlightMax }
func (b *BBR) IsAppLimited() bool       { return b.appLimited }
func (b *BBR) SetAppLimited() {
	b.appLimited = true
	b.appLimitedExitBytes = b.totalBytesSent
}

func (b *BBR) GetSendAllowance(timeSinceLastSend time.Duration, pacingEnabled bool) uint64 {
	cwnd := b.CongestionWindow()
	if b.bytesInFlight >= cwnd {
		return 0
	}
	if !pacingEnabled || !b.minRttValid || b.minRtt < time.Millisecond {
		return cwnd - b.bytesInFlight
	}

	bw := b.bandwidthEstimate()
	var allowance uint64
	if b.state == bbrStartup {
		a := bw * b.pacingGain * uint64(timeSinceLastSend.Microseconds()) / bbrUnit / 1_000_000
		b2 := cwnd*b.pacingGain/bbrUnit - b.bytesInFlight
		allowance = max64(a, b2)
	} else {
		allowance = bw * b.pacingGain * uint64(timeSinceLastSend.Microseconds()) / bbrUnit / 1_000_000
	}
	if allowance > cwnd-b.bytesInFlight {
		allowance = cwnd - b.bytesInFlight
	}
	if allowance > cwnd/4 {
		allowance = cwnd / 4
	}
	return allowance
}

func (b *BBR) OnDataSent(bytesInFlight, bytesSent uint64) {
	b.bytesInFlight = bytesInFlight
	b.totalBytesSent += bytesSent
	if bytesInFlight > b.bytesInFlightMax {
		b.bytesInFlightMax = bytesInFlight
	}
	if bytesInFlight == 0 {
		b.endOfRoundTripSent = b.totalBytesSent
	}
}

func (b *BBR) OnDataInvalidated(bytes uint64) {
	if bytes > b.bytesInFlight {
		bytes = b.bytesInFlight
	}
	b.bytesInFlight -= bytes
}

// updateRoundTripCounter reports whether the acked packet's send sequence
// crossed EndOfRoundTripSent, i.e. a new round has begun.
func (b *BBR) updateRoundTripCounter(ackedSentBytesMark uint64) bool {
	if ackedSentBytesMark < b.endOfRoundTripSent {
		return false
	}
	b.roundTripCounter++
	b.endOfRoundTripSent = b.totalBytesSent
	return true
}

func (b *BBR) updateMinRtt(rtt time.Duration, now time.Time) {
	if rtt <= 0 {
		return
	}
	if !b.minRttValid || rtt < b.minRtt || now.Sub(b.minRttAt) > rttSamplerExpiration {
		b.minRtt = rtt
		b.minRttAt = now
		b.minRttValid = true
	}
}

func (b *BBR) rttSampleExpired(now time.Time) bool {
	return !b.minRttValid || now.Sub(b.minRttAt) > rttSamplerExpiration
}

func (b *BBR) updateBandwidthSample(ev AckEvent) {
	if ev.RTT <= 0 {
		return
	}
	rateBps := ev.NumRetransmittableAcked * uint64(time.Second) / uint64(ev.RTT)
	if rateBps >= b.bandwidth.GetBest() || !ev.IsAppLimited {
		b.bandwidth.Update(rateBps, b.roundTripCounter)
	}
}

func (b *BBR) detectBottleneckBandwidth(appLimited bool) {
	if b.btlbwFound || appLimited {
		return
	}
	target := b.previousStartupBandwidth * expectedStartupGrowth / bbrUnit
	real := b.bandwidthEstimate()
	if real >= target {
		b.previousStartupBandwidth = real
		b.slowStartupRounds = 0
		return
	}
	b.slowStartupRounds++
	if b.slowStartupRounds >= startupSlowGrowRounds {
		b.btlbwFound = true
	}
}

func (b *BBR) pickRandomCycle() int {
	// msquic's PickRandomCycle: a random index in [2,7], skipping indices 0
	// and 1 (the above-unit and below-unit gain phases get fixed positions
	// at the start of the cycle instead of being drawn at random).
	var buf [1]byte
	if _, err := rand.Read(buf[:]); err != nil {
		b.pacingCycleIndex = 2
		return b.pacingCycleIndex
	}
	b.pacingCycleIndex = 2 + int(buf[0])%(len(pacingGainCycles)-2)
	return b.pacingCycleIndex
}

func (b *BBR) transitToStartup() {
	b.state = bbrStartup
	b.pacingGain = startupGain
	b.cwndGain = startupGain
}

func (b *BBR) transitToDrain() {
	b.state = bbrDrain
	b.pacingGain = drainGain
	b.cwndGain = startupGain
}

func (b *BBR) transitToProbeBw(now time.Time) {
	b.state = bbrProbeBw
	b.cwndGain = probeBwGain
	b.pacingGain = pacingGainCycles[b.pickRandomCycle()]
	b.cycleStart = now
}

func (b *BBR) transitToProbeRtt() {
	b.state = bbrProbeRtt
	b.pacingGain = bbrUnit
	b.earliestTimeValid = false
	b.probeRttRoundValid = false
	b.appLimited = true
	b.appLimitedExitBytes = b.totalBytesSent
}

func (b *BBR) shouldExitDrain() bool {
	return b.state == bbrDrain && b.bytesInFlight <= b.calculateTargetCwnd(bbrUnit)
}

func (b *BBR) shouldProbeRtt(now time.Time) bool {
	return b.state != bbrProbeRtt && b.rttSampleExpired(now)
}

func (b *BBR) handleAckInProbeBw(now time.Time, prevInflight uint64, hasLoss bool) {
	shouldAdvance := now.Sub(b.cycleStart) > b.minRtt
	if b.pacingGain > bbrUnit && !hasLoss && prevInflight < b.calculateTargetCwnd(b.pacingGain) {
		shouldAdvance = false
	}
	if b.pacingGain < bbrUnit {
		target := b.calculateTargetCwnd(bbrUnit)
		if b.bytesInFlight <= target {
			shouldAdvance = true
		}
	}
	if shouldAdvance {
		b.pacingCycleIndex = (b.pacingCycleIndex + 1) % numCycles
		b.cycleStart = now
		b.pacingGain = pacingGainCycles[b.pacingCycleIndex]
	}
}

func (b *BBR) updateAckAggregation(ev AckEvent) uint64 {
	if !b.ackAggregationStartTimeValid {
		b.ackAggregationStartTimeValid = true
		b.ackAggregationStartTime = ev.Now
		b.aggregatedAckBytes = ev.NumRetransmittableAcked
		return 0
	}
	expected := b.bandwidthEstimate() * uint64(ev.Now.Sub(b.ackAggregationStartTime).Microseconds()) / 1_000_000
	if b.aggregatedAckBytes <= expected {
		b.aggregatedAckBytes = ev.NumRetransmittableAcked
		b.ackAggregationStartTime = ev.Now
		return 0
	}
	b.aggregatedAckBytes += ev.NumRetransmittableAcked
	excess := b.aggregatedAckBytes - expected
	b.maxAckHeight.Update(excess, b.roundTripCounter)
	return excess
}

func (b *BBR) updateCongestionWindow(totalBytesAcked, ackedBytes uint64) {
	if b.state == bbrProbeRtt {
		return
	}
	bw := b.bandwidthEstimate()
	pacingRate := bw * b.pacingGain / bbrUnit
	switch {
	case pacingRate < lowPacingRateForSendQuantum:
		b.sendQuantum = b.mtu
	case pacingRate < highPacingRateForSendQuantum:
		b.sendQuantum = b.mtu * 2
	default:
		b.sendQuantum = min64(pacingRate/1000, sendQuantumCap)
	}

	target := b.calculateTargetCwnd(b.cwndGain)
	if b.btlbwFound {
		target += b.maxAckHeight.GetBest()
	}

	switch {
	case b.btlbwFound:
		b.congestionWindow = min64(target, b.congestionWindow+ackedBytes)
	case b.congestionWindow < target || totalBytesAcked < b.initialCongestionWindow:
		b.congestionWindow += ackedBytes
	}
	b.congestionWindow = boundedCongestionWindow(b.congestionWindow, b.mtu, minCwndInMSSForBbr)
}

func (b *BBR) OnDataAcknowledged(ev AckEvent) bool {
	prevCanSend := b.CanSend(b.bytesInFlight)
	if ev.IsImplicit {
		b.updateCongestionWindow(ev.TotalBytesAcked, ev.NumRetransmittableAcked)
		return prevCanSend != b.CanSend(b.bytesInFlight)
	}

	b.totalBytesAcked = ev.TotalBytesAcked
	b.updateMinRtt(ev.RTT, ev.Now)
	b.updateBandwidthSample(ev)

	newRound := b.updateRoundTripCounter(ev.TotalBytesAcked)
	if b.recoveryState != recoveryNotRecovery {
		if newRound && b.recoveryState != recoveryGrowth {
			b.recoveryState = recoveryGrowth
		}
		if b.bytesInFlight == 0 {
			b.recoveryState = recoveryNotRecovery
		} else if b.recoveryState == recoveryGrowth {
			b.recoveryWindow += ev.NumRetransmittableAcked
		} else {
			b.recoveryWindow = max64(b.recoveryWindow, b.bytesInFlight+ev.NumRetransmittableAcked)
		}
	}

	b.updateAckAggregation(ev)

	prevInflight := b.bytesInFlight
	if newRound {
		b.detectBottleneckBandwidth(ev.IsAppLimited)
	}

	switch b.state {
	case bbrStartup:
		if b.btlbwFound {
			b.transitToDrain()
		}
	case bbrDrain:
		if b.shouldExitDrain() {
			b.transitToProbeBw(ev.Now)
		}
	case bbrProbeBw:
		b.handleAckInProbeBw(ev.Now, prevInflight, false)
	case bbrProbeRtt:
		if !b.earliestTimeValid {
			b.earliestTimeToExitProbeRtt = ev.Now.Add(probeRttDuration)
			b.earliestTimeValid = true
		}
		if ev.Now.After(b.earliestTimeToExitProbeRtt) {
			b.transitToProbeBw(ev.Now)
		}
	}

	if b.shouldProbeRtt(ev.Now) {
		b.transitToProbeRtt()
	}

	b.updateCongestionWindow(ev.TotalBytesAcked, ev.NumRetransmittableAcked)
	return prevCanSend != b.CanSend(b.bytesInFlight)
}

func (b *BBR) OnDataLost(ev LossEvent) {
	prevCanSend := b.CanSend(b.bytesInFlight)
	if b.recoveryState == recoveryNotRecovery {
		b.recoveryState = recoveryConservative
		b.recoveryWindow = boundedCongestionWindow(b.bytesInFlight, b.mtu, defaultRecoveryCwndInMSS/minCwndInMSSForBbr)
	} else {
		b.recoveryState = recoveryConservative
	}
	if ev.NumRetransmittableLost <= b.recoveryWindow {
		b.recoveryWindow -= ev.NumRetransmittableLost
	} else {
		b.recoveryWindow = 0
	}
	b.recoveryWindow = boundedCongestionWindow(b.recoveryWindow, b.mtu, minCwndInMSSForBbr)
	if ev.PersistentCongestion {
		b.congestionWindow = minCwndInMSSForBbr * b.mtu
		b.Reset(false)
	}
	_ = prevCanSend
}

func (b *BBR) OnSpuriousCongestionEvent() {
	b.recoveryState = recoveryNotRecovery
}

func (b *BBR) LogOutFlowStatus() string {
	return fmt.Sprintf("bbr state=%s recovery=%d cwnd=%d inflight=%d bw=%dB/s minrtt=%s",
		b.state, b.recoveryState, b.CongestionWindow(), b.bytesInFlight, b.bandwidthEstimate(), b.minRtt)
}

func min64(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

func max64(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
