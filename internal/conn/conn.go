// Package conn implements the connection state machine of spec section
// 4.10: the Initialized -> ... -> Freed lifecycle, two-phase shutdown
// (Closing then Draining), and amplification protection for an unvalidated
// server path. It owns exactly one of each per-connection subsystem
// (loss detection, congestion control, the crypto stream, the stream table,
// and the CID sets) the way the teacher's controller package owns one
// tunnel's worth of proxied-connection state per accepted client.
package conn

import (
	"fmt"
	"time"

	"github.com/cppla/quicengine/internal/cid"
	"github.com/cppla/quicengine/internal/config"
	"github.com/cppla/quicengine/internal/congestion"
	"github.com/cppla/quicengine/internal/cryptostream"
	"github.com/cppla/quicengine/internal/keys"
	"github.com/cppla/quicengine/internal/lossdetection"
	"github.com/cppla/quicengine/internal/qerr"
	"github.com/cppla/quicengine/internal/qlog"
	"github.com/cppla/quicengine/internal/stream"
)

// State is one of Connection.State's spec section 4.10 values.
type State int

const (
	Initialized State = iota
	Started
	HandshakeConfirmed
	Connected
	ClosedLocally
	ClosedRemotely
	HandleClosed
	Freed
)

func (s State) String() string {
	switch s {
	case Initialized:
		return "Initialized"
	case Started:
		return "Started"
	case HandshakeConfirmed:
		return "HandshakeConfirmed"
	case Connected:
		return "Connected"
	case ClosedLocally:
		return "ClosedLocally"
	case ClosedRemotely:
		return "ClosedRemotely"
	case HandleClosed:
		return "HandleClosed"
	case Freed:
		return "Freed"
	default:
		return "?"
	}
}

// ShutdownPhase tracks spec section 4.10's two-phase shutdown.
type ShutdownPhase int

const (
	NotShuttingDown ShutdownPhase = iota
	Closing
	Draining
)

// ClosePTOCount is the Draining-phase length in PTOs (spec glossary
// "Drain phase").
const ClosePTOCount = 3

// minCloseResendInterval rate-limits CONNECTION_CLOSE retransmission during
// the Closing phase.
const minCloseResendInterval = 5 * time.Millisecond

// Perspective distinguishes client and server connection roles; several
// behaviors (amplification protection, who sends HANDSHAKE_DONE, retire
// prior to ordering) are role-specific.
type Perspective int

const (
	Client Perspective = iota
	Server
)

// ShutdownInfo is the terminal cause delivered with a SHUTDOWN_COMPLETE-
// shaped event.
type ShutdownInfo struct {
	ByApp          bool
	ClosedRemotely bool
	ErrorCode      uint64
}

// Connection is one QUIC connection's state machine plus the subsystems it
// owns outright: loss detection, a congestion controller, the crypto
// stream, the application stream table, and both CID sets.
type Connection struct {
	Perspective Perspective
	cfg         *config.Config

	state         State
	shutdown      ShutdownPhase
	lastCloseSent time.Time
	drainDeadline time.Time
	shutdownInfo  *ShutdownInfo

	Loss       *lossdetection.Detector
	CC         congestion.Controller
	Crypto     *cryptostream.Stream
	Keys       *keys.Schedule
	Streams    map[stream.ID]*stream.Stream
	SourceCIDs *cid.SourceSet
	DestCIDs   *cid.DestSet

	tracer *qlog.Tracer

	// Amplification protection: until the peer's
	// address is validated, bytes sent must stay within 3x bytes received.
	addressValidated bool
	bytesSent        uint64
	bytesReceived    uint64

	aeadFailures        uint64
	bytesSinceKeyUpdate uint64

	stats Statistics

	// Send-scheduler state (spec section 4.11): one receive-side ACK
	// tracker and one packet-number counter per space, plus the
	// pending-frame slots a BuildDatagram pass drains in priority order.
	acks              [3]*ackState
	nextPN            [3]uint64
	handshakeDoneSent bool

	pendingPathChallenge *[8]byte
	pendingPathResponse  *[8]byte
	pendingDatagrams     [][]byte

	pendingMaxStreamData     map[stream.ID]uint64
	streamDataBlockedPending map[stream.ID]uint64
	pendingMaxData           *uint64
	dataBlockedPending       *uint64

	// Connection-level (not per-stream) flow control, spec section 4.6's
	// DATA_BLOCKED/MAX_DATA accounting: connSendLimit is the peer's
	// advertised ceiling on bytes of stream data this endpoint may send;
	// connRecvLimit is what this endpoint has told the peer in its own
	// MAX_DATA frames.
	connBytesSent  uint64
	connSendLimit  uint64
	connBytesRecvd uint64
	connRecvLimit  uint64

	// bytesInFlight is the connection's own in-flight byte count, passed as
	// the congestion controller's bytesInFlight parameter (lossdetection's
	// Detector flags packets as InFlight but keeps no byte total).
	bytesInFlight uint64
}

// amplificationFactor is RFC 9001 section 8.1's anti-amplification limit.
const amplificationFactor = 3

// New builds a freshly Initialized connection for the given perspective,
// wiring the congestion controller per cfg.CongestionControlAlgorithm (spec
// section 4.7's "tagged variant" design note).
func New(perspective Perspective, cfg *config.Config, maxCryptoRecv uint64) *Connection {
	c := &Connection{
		Perspective:              perspective,
		cfg:                      cfg,
		state:                    Initialized,
		Loss:                     lossdetection.New(perspective == Client, cfg.InitialRtt()),
		Crypto:                   cryptostream.New(maxCryptoRecv),
		Keys:                     keys.NewSchedule(),
		Streams:                  make(map[stream.ID]*stream.Stream),
		SourceCIDs:               cid.NewSourceSet(),
		pendingMaxStreamData:     make(map[stream.ID]uint64),
		streamDataBlockedPending: make(map[stream.ID]uint64),
		connSendLimit:            cfg.ConnFlowControlWindow,
		connRecvLimit:            cfg.ConnFlowControlWindow,
	}
	for i := range c.acks {
		c.acks[i] = newAckState()
	}
	mtu := uint64(cfg.MinimumMtu)
	initialWindow := uint64(cfg.InitialWindowPackets) * mtu
	if perspective == Server {
		// Servers validate the client's address once a Handshake-level
		// packet is received; clients validate the server implicitly by
		// virtue of initiating.
		c.addressValidated = false
	} else {
		c.addressValidated = true
	}
	switch cfg.CongestionControlAlgorithm {
	case config.Cubic:
		c.CC = congestion.NewCubic(mtu, initialWindow)
	default:
		c.CC = congestion.NewBBR(mtu, initialWindow)
	}
	return c
}

// SetTracer attaches a qlog tracer; nil disables tracing (Tracer.Emit is a
// nil-safe no-op, matching the teacher's own "a trace sink failure must
// never affect the data path" stance).
func (c *Connection) SetTracer(t *qlog.Tracer) { c.tracer = t }

// SetInitialDestCID seeds the destination-CID set from the peer's first
// observed connection ID (the server's source CID in its first reply, for
// a client; the client's self-chosen source CID, for a server) once it
// becomes known — this is not available at New time, unlike SourceCIDs,
// since it comes from the peer rather than this endpoint.
func (c *Connection) SetInitialDestCID(first []byte, activeConnectionIDLimit uint64) {
	c.DestCIDs = cid.NewDestSet(&cid.ID{Bytes: first, Sequence: 0, Initial: true}, activeConnectionIDLimit)
}

// OnNewConnectionID processes an incoming NEW_CONNECTION_ID frame against
// the destination-CID set, re-homing the active path via AssignReplacement
// when the frame's retire_prior_to value retires the CID currently in use
// (spec section 4.9). If no replacement is available the caller must treat
// this as a silent connection abort, per spec section 4.9's "If the active
// path has no replacement, the connection aborts silently."
func (c *Connection) OnNewConnectionID(seq, retirePriorTo uint64, cidBytes []byte) (toRetire []uint64, replacement *cid.ID, err error) {
	toRetire, needsReplace, err := c.DestCIDs.HandleNewConnectionID(seq, retirePriorTo, cidBytes)
	if err != nil {
		return toRetire, nil, err
	}
	if needsReplace {
		if next, ok := c.DestCIDs.AssignReplacement(); ok {
			replacement = next
		}
	}
	return toRetire, replacement, nil
}

// InstallInitialKeys derives and installs the Initial-level AEAD key pair
// from the client's chosen destination CID (RFC 9001 section 5.2), the
// first key material either role needs before any packet can be sealed or
// opened.
func (c *Connection) InstallInitialKeys(clientDstConnID []byte) error {
	clientSecret, serverSecret := keys.DeriveInitialSecrets(clientDstConnID)
	readSecret, writeSecret := serverSecret, clientSecret
	if c.Perspective == Server {
		readSecret, writeSecret = clientSecret, serverSecret
	}
	read, err := keys.DeriveAEAD(readSecret)
	if err != nil {
		return fmt.Errorf("conn: derive initial read key: %w", err)
	}
	write, err := keys.DeriveAEAD(writeSecret)
	if err != nil {
		return fmt.Errorf("conn: derive initial write key: %w", err)
	}
	slot := c.Keys.Level(keys.Initial)
	slot.Read, slot.Write = read, write
	return nil
}

// InstallOneRTTKeys installs the 1-RTT key pair once TLS has exported the
// application traffic secrets, per spec section 4.4.
func (c *Connection) InstallOneRTTKeys(readSecret, writeSecret []byte) error {
	if err := c.Keys.InstallOneRTT(readSecret, writeSecret); err != nil {
		return err
	}
	c.Crypto.OnReadKeyUpdated()
	return nil
}

// OnMaxData raises the peer-advertised connection-level send limit (spec
// section 4.6); MAX_DATA values are monotonic, a lower one is ignored.
func (c *Connection) OnMaxData(limit uint64) {
	if limit > c.connSendLimit {
		c.connSendLimit = limit
	}
}

// applyAckAndLoss replays an ACK/loss result against the crypto-stream and
// app-stream send state for every frame the affected packets carried, using
// the *sentFrames reference BuildDatagram attached to each SentPacket at
// send time (lossdetection treats it as opaque, per its own doc comment).
func (c *Connection) applyAckAndLoss(now time.Time, res lossdetection.AckResult) {
	for _, sp := range res.Acked {
		if sp.InFlight && c.bytesInFlight >= uint64(sp.Size) {
			c.bytesInFlight -= uint64(sp.Size)
		}
		if fr, ok := sp.Data.(*sentFrames); ok {
			c.replayFrames(fr, false)
		}
	}
	for _, sp := range res.Lost {
		if sp.InFlight && c.bytesInFlight >= uint64(sp.Size) {
			c.bytesInFlight -= uint64(sp.Size)
		}
		if fr, ok := sp.Data.(*sentFrames); ok {
			c.replayFrames(fr, true)
		}
		c.CC.OnDataLost(congestion.LossEvent{Now: now, NumRetransmittableLost: 1})
	}
	if res.PersistentCongestion {
		c.CC.Reset(false)
	}
}

func (c *Connection) replayFrames(fr *sentFrames, lost bool) {
	for _, r := range fr.crypto {
		if lost {
			c.Crypto.OnLoss(r.offset, r.length)
		} else {
			c.Crypto.OnAck(r.offset, r.length)
		}
	}
	for id, ranges := range fr.stream {
		s, ok := c.Streams[id]
		if !ok {
			continue
		}
		for _, r := range ranges {
			if lost {
				s.OnLoss(r.offset, r.length)
			} else {
				s.OnAck(r.offset, r.length)
			}
		}
	}
}

// OnAppDataSent accounts nBytes of 1-RTT payload toward MaxBytesPerKey
// (spec section 6); once the configured ceiling is crossed it stages and
// activates a key update (spec section 4.4's "WRITE_KEY_UPDATED" phase
// flip), recording the transition in Statistics.Misc.KeyUpdateCount.
func (c *Connection) OnAppDataSent(nBytes uint64) error {
	c.bytesSinceKeyUpdate += nBytes
	if c.cfg.MaxBytesPerKey == 0 || c.bytesSinceKeyUpdate < c.cfg.MaxBytesPerKey {
		return nil
	}
	if err := c.Keys.PrepareKeyUpdate(); err != nil {
		return fmt.Errorf("conn: prepare key update: %w", err)
	}
	c.Keys.RotatePhase()
	c.bytesSinceKeyUpdate = 0
	c.OnKeyUpdate()
	return nil
}

// State returns the current lifecycle state.
func (c *Connection) State() State { return c.state }

// ShutdownPhase returns the current two-phase-shutdown phase.
func (c *Connection) ShutdownPhase() ShutdownPhase { return c.shutdown }

// Start transitions Initialized -> Started: TLS is initialized and the
// first flight is queued.
func (c *Connection) Start() error {
	if c.state != Initialized {
		return fmt.Errorf("conn: Start called in state %s", c.state)
	}
	c.state = Started
	return nil
}

// EmitStarted traces a connectivity:connection_started event once the
// caller (typically internal/binding's accept path, which owns the
// 4-tuple and CID values) knows the identifying addresses. Separate from
// Start so unit tests exercising the state machine in isolation don't need
// to fabricate addresses.
func (c *Connection) EmitStarted(now time.Time, localAddr, remoteAddr, srcConnID, destConnID string) {
	c.tracer.ConnectionStarted(now, localAddr, remoteAddr, srcConnID, destConnID)
}

// ConfirmHandshake transitions Started -> HandshakeConfirmed: 1-RTT keys
// are installed in both directions.
func (c *Connection) ConfirmHandshake(now time.Time) error {
	if c.state != Started {
		return fmt.Errorf("conn: ConfirmHandshake called in state %s", c.state)
	}
	c.state = HandshakeConfirmed
	c.Loss.ConfirmHandshake()
	c.Loss.DiscardSpace(now, lossdetection.Initial)
	c.Keys.DiscardLevel(keys.Initial)
	c.Crypto.OnReadKeyUpdated()
	return nil
}

// MarkConnected transitions HandshakeConfirmed -> Connected: the server
// has confirmed and the app-visible CONNECTED event has been delivered.
func (c *Connection) MarkConnected() error {
	if c.state != HandshakeConfirmed {
		return fmt.Errorf("conn: MarkConnected called in state %s", c.state)
	}
	c.state = Connected
	return nil
}

// ValidateAddress marks the peer's address validated (a Handshake-level
// packet was received, or a Retry token was presented and accepted),
// lifting the amplification-protection cap.
func (c *Connection) ValidateAddress() { c.addressValidated = true }

// AddressValidated reports whether sends are still capped by
// amplification protection.
func (c *Connection) AddressValidated() bool { return c.addressValidated }

// CanSend reports whether nBytes more may be sent under amplification
// protection: bytes-sent must
// stay <= 3x bytes-received until the address is validated.
func (c *Connection) CanSend(nBytes uint64) bool {
	if c.addressValidated {
		return true
	}
	return c.bytesSent+nBytes <= amplificationFactor*c.bytesReceived
}

// OnBytesSent records nBytes sent on the path, for amplification-protection
// accounting.
func (c *Connection) OnBytesSent(nBytes uint64) { c.bytesSent += nBytes }

// OnBytesReceived records nBytes received on the path.
func (c *Connection) OnBytesReceived(nBytes uint64) { c.bytesReceived += nBytes }

// OnAEADFailure increments the accumulated AEAD decryption-failure counter
// and reports a *qerr.TransportError once it reaches the RFC 9001 ceiling
//.
const aeadFailureLimit = 11863283

func (c *Connection) OnAEADFailure() error {
	c.aeadFailures++
	if c.aeadFailures >= aeadFailureLimit {
		return qerr.NewTransportError(qerr.AEADLimitReached, "accumulated AEAD decryption failures exceeded limit")
	}
	return nil
}

// InitiateShutdown begins the two-phase shutdown from any non-terminal
// state (explicit app shutdown, a transport error, or a peer
// CONNECTION_CLOSE). byApp distinguishes an application-requested close
// from a protocol-driven one; remote is true if the peer initiated it.
func (c *Connection) InitiateShutdown(now time.Time, byApp, remote bool, errorCode uint64) {
	if c.shutdown != NotShuttingDown {
		return
	}
	c.shutdown = Closing
	if remote {
		c.state = ClosedRemotely
	} else {
		c.state = ClosedLocally
	}
	c.shutdownInfo = &ShutdownInfo{ByApp: byApp, ClosedRemotely: remote, ErrorCode: errorCode}
	c.lastCloseSent = now
	c.tracer.ConnectionClosed(now, byApp, remote, errorCode)
}

// EmitCongestionStatus traces the congestion controller's current
// human-readable status line (LogOutFlowStatus) under the recovery
// category, the way a worker tick or ACK-processing step would sample it.
func (c *Connection) EmitCongestionStatus(now time.Time) {
	if c.tracer == nil || c.CC == nil {
		return
	}
	c.tracer.Emit(now, qlog.CategoryRecovery, "congestion_state_updated", map[string]any{
		"status": c.CC.LogOutFlowStatus(),
	})
}

// ShouldResendClose reports whether, while Closing, a freshly arrived
// packet warrants re-sending CONNECTION_CLOSE, honoring the rate limit of
// at most one retransmission per minCloseResendInterval.
func (c *Connection) ShouldResendClose(now time.Time) bool {
	if c.shutdown != Closing {
		return false
	}
	if now.Sub(c.lastCloseSent) < minCloseResendInterval {
		return false
	}
	c.lastCloseSent = now
	return true
}

// EnterDraining transitions Closing -> Draining, arming the
// ClosePTOCount x PTO drain deadline during which no frames are sent.
func (c *Connection) EnterDraining(now time.Time, pto time.Duration) {
	if c.shutdown != Closing {
		return
	}
	c.shutdown = Draining
	c.drainDeadline = now.Add(ClosePTOCount * pto)
}

// DrainComplete reports whether the Draining period has elapsed, at which
// point the connection is ready to free.
func (c *Connection) DrainComplete(now time.Time) bool {
	return c.shutdown == Draining && !now.Before(c.drainDeadline)
}

// MarkHandleClosed transitions to HandleClosed once the app handle is
// released; MarkFreed is the final terminal transition.
func (c *Connection) MarkHandleClosed() { c.state = HandleClosed }
func (c *Connection) MarkFreed()        { c.state = Freed }

// ShutdownInfo returns the terminal cause recorded by InitiateShutdown, or
// nil if shutdown has not begun.
func (c *Connection) ShutdownInfo() *ShutdownInfo { return c.shutdownInfo }

// AddStream registers a newly created or newly referenced stream.
func (c *Connection) AddStream(s *stream.Stream) { c.Streams[s.ID] = s }

// Stream looks up a stream by id.
func (c *Connection) Stream(id stream.ID) (*stream.Stream, bool) {
	s, ok := c.Streams[id]
	return s, ok
}

// PruneShutdownCompleteStreams removes streams whose ShutdownComplete is
// true, releasing their id slot.
func (c *Connection) PruneShutdownCompleteStreams() {
	for id, s := range c.Streams {
		if s.ShutdownComplete() {
			delete(c.Streams, id)
		}
	}
}
