package congestion

import (
	"fmt"
	"math"
	"time"
)

// Cubic implements the loss-based CUBIC congestion control algorithm
// (RFC 8312), the engine's fallback variant when
// config.CongestionControlAlgorithm is "cubic" instead of "bbr" (spec
// section 6). Unlike BBR, Cubic has no pacing model of its own: its
// GetSendAllowance simply bursts up to the window, same as msquic's
// non-paced unpaced send path.
type Cubic struct {
	mtu                      uint64
	initialCongestionWindow  uint64
	congestionWindow         uint64
	slowStartThreshold       uint64
	bytesInFlight            uint64
	bytesInFlightMax         uint64

	// CUBIC state (RFC 8312 section 4).
	wMax          float64 // window size just before the last reduction
	k             float64 // time period to grow back to wMax
	epochStart    time.Time
	epochValid    bool
	originPoint   float64

	lastCutTime  time.Time
	hasLastCut   bool

	appLimited bool
	exemptions int
}

const cubicBeta = 0.7   // multiplicative decrease factor
const cubicC = 0.4       // RFC 8312's scaling constant

// NewCubic constructs a Cubic controller with the given path MTU and
// initial congestion window (in bytes).
func NewCubic(mtu, initialWindow uint64) *Cubic {
	return &Cubic{
		mtu:                     mtu,
		initialCongestionWindow: initialWindow,
		congestionWindow:        initialWindow,
		slowStartThreshold:      math.MaxUint64,
	}
}

func (c *Cubic) CanSend(bytesInFlight uint64) bool { return bytesInFlight < c.CongestionWindow() }
func (c *Cubic) SetExemption(n int)                { c.exemptions = n }
func (c *Cubic) Exemptions() int                   { return c.exemptions }

func (c *Cubic) Reset(fullReset bool) {
	c.epochValid = false
	c.hasLastCut = false
	c.wMax = 0
	if fullReset {
		c.congestionWindow = c.initialCongestionWindow
		c.slowStartThreshold = math.MaxUint64
	}
}

func (c *Cubic) CongestionWindow() uint64 { return c.congestionWindow }
func (c *Cubic) BytesInFlightMax() uint64 { return c.bytesInFlightMax }
func (c *Cubic) IsAppLimited() bool       { return c.appLimited }
func (c *Cubic) SetAppLimited()           { c.appLimited = true }

// GetSendAllowance is unpaced: Cubic bursts up to the congestion window
// regardless of pacingEnabled, matching msquic's non-BBR controllers which
// leave pacing to the separate send-scheduler smoothing rather than the
// congestion controller itself.
func (c *Cubic) GetSendAllowance(_ time.Duration, _ bool) uint64 {
	cwnd := c.CongestionWindow()
	if c.bytesInFlight >= cwnd {
		return 0
	}
	return cwnd - c.bytesInFlight
}

func (c *Cubic) OnDataSent(bytesInFlight, _ uint64) {
	c.bytesInFlight = bytesInFlight
	if bytesInFlight > c.bytesInFlightMax {
		c.bytesInFlightMax = bytesInFlight
	}
}

func (c *Cubic) OnDataInvalidated(bytes uint64) {
	if bytes > c.bytesInFlight {
		bytes = c.bytesInFlight
	}
	c.bytesInFlight -= bytes
}

// cubicWindow computes RFC 8312's W_cubic(t) in bytes, t seconds since the
// start of the current congestion-avoidance epoch.
func (c *Cubic) cubicWindow(t float64) float64 {
	mtuF := float64(c.mtu)
	return cubicC*(t-c.k)*(t-c.k)*(t-c.k)*mtuF + c.wMax
}

func (c *Cubic) OnDataAcknowledged(ev AckEvent) bool {
	prevCanSend := c.CanSend(c.bytesInFlight)
	if ev.IsImplicit {
		return prevCanSend != c.CanSend(c.bytesInFlight)
	}

	cwnd := c.congestionWindow
	if cwnd < c.slowStartThreshold {
		// Slow start: one MTU of growth per acked byte-equivalent MSS.
		c.congestionWindow += ev.NumRetransmittableAcked
	} else {
		if !c.epochValid {
			c.epochValid = true
			c.epochStart = ev.Now
			if c.wMax <= float64(cwnd) {
				c.k = 0
				c.originPoint = float64(cwnd)
			} else {
				c.k = math.Cbrt((c.wMax - float64(cwnd)) / cubicC / float64(c.mtu))
				c.originPoint = c.wMax
			}
		}
		t := ev.Now.Sub(c.epochStart).Seconds()
		target := c.cubicWindow(t)
		if target < float64(cwnd) {
			target = float64(cwnd)
		}
		c.congestionWindow = uint64(target)
	}
	c.congestionWindow = boundedCongestionWindow(c.congestionWindow, c.mtu, minCwndInMSS)
	return prevCanSend != c.CanSend(c.bytesInFlight)
}

func (c *Cubic) OnDataLost(ev LossEvent) {
	c.epochValid = false
	c.wMax = float64(c.congestionWindow)
	c.slowStartThreshold = uint64(float64(c.congestionWindow) * cubicBeta)
	c.congestionWindow = c.slowStartThreshold
	c.congestionWindow = boundedCongestionWindow(c.congestionWindow, c.mtu, minCwndInMSS)
	c.lastCutTime = ev.Now
	c.hasLastCut = true
	if ev.PersistentCongestion {
		c.congestionWindow = minCwndInMSS * c.mtu
		c.Reset(false)
	}
}

func (c *Cubic) OnSpuriousCongestionEvent() {
	// Undo the last multiplicative-decrease cut if it turns out to have
	// been spurious (the "lost" packet was in fact delivered late).
	if c.hasLastCut {
		c.congestionWindow = uint64(c.wMax)
		c.epochValid = false
	}
}

func (c *Cubic) LogOutFlowStatus() string {
	return fmt.Sprintf("cubic cwnd=%d ssthresh=%d inflight=%d wmax=%.0f",
		c.congestionWindow, c.slowStartThreshold, c.bytesInFlight, c.wMax)
}
