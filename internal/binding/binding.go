// Package binding implements a UDP endpoint shared by zero or more
// listeners/connections, demultiplexing inbound datagrams by
// destination CID (long header) or 4-tuple (short header, pre-migration),
// matching ALPN/SNI for listener dispatch, and synthesizing a stateless
// reset when no match is found. Grounded on the teacher's controller/
// server.go accept loop (net.Listen + per-connection dispatch goroutine),
// restructured around a single shared net.PacketConn the way a real QUIC
// binding must be (one UDP socket serves many connections, unlike TCP's
// one-socket-per-accept).
package binding

import (
	"fmt"
	"net"
	"sync"

	"github.com/cppla/quicengine/internal/packet"
	"github.com/cppla/quicengine/internal/qerr"
	"github.com/cppla/quicengine/internal/retry"
)

// Handler receives demultiplexed datagrams for one connection. It is
// implemented by whatever owns the connection's receive queue (typically a
// thin adapter around a worker.Runnable); kept as an interface here so this
// package has no import-cycle dependency on internal/conn or internal/worker.
type Handler interface {
	HandleDatagram(data []byte, from net.Addr)
}

// AcceptFunc is invoked when a long-header Initial packet matches no
// existing source CID but does match a registered Listener's ALPN/SNI. It
// must register the new connection's source CIDs with the Binding (via
// AddRoute) before returning, or subsequent packets for it will be
// misrouted as unmatched.
type AcceptFunc func(info packet.ClientHelloInfo, initial packet.LongHeader, from net.Addr) (Handler, error)

// Listener is one registered ALPN/SNI match set a Binding dispatches new
// connections to.
type Listener struct {
	ALPN    []string
	SNI     string // empty matches any SNI
	Accept  AcceptFunc
}

// Binding demultiplexes one net.PacketConn across every connection and
// listener registered on it: a path's binding, holding the lock-protected
// source-CID hash table shared by every connection on it.
type Binding struct {
	pc net.PacketConn

	mu          sync.RWMutex
	byCID       map[string]Handler // keyed by raw connection-ID bytes
	byFourTuple map[string]Handler // keyed by remote address string, pre-migration short-header fallback
	listeners   []*Listener
	onUnmatchedInitial func(data []byte, hdr packet.LongHeader, from net.Addr)

	retry *retry.Cache

	readBufSize int
}

// DefaultReadBufSize is large enough for the configured maximum UDP
// payload size with headroom
// for a jumbo-frame path.
const DefaultReadBufSize = 65536

// New builds a Binding over an already-listening net.PacketConn.
func New(pc net.PacketConn) (*Binding, error) {
	rc, err := retry.New()
	if err != nil {
		return nil, fmt.Errorf("binding: %w", err)
	}
	return &Binding{
		pc:          pc,
		byCID:       make(map[string]Handler),
		byFourTuple: make(map[string]Handler),
		retry:       rc,
		readBufSize: DefaultReadBufSize,
	}, nil
}

// RegisterListener adds a Listener this Binding will offer new connections
// to when an Initial packet's ClientHello ALPN/SNI matches.
func (b *Binding) RegisterListener(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

// AddRoute registers cidBytes (and, for the initial handoff, the observed
// 4-tuple as a short-header fallback) so future datagrams for this
// connection are delivered to h. insert/collision semantics for random
// source-CID generation live in internal/cid; this is just the table write
// once a CID has been chosen.
func (b *Binding) AddRoute(cidBytes []byte, h Handler) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := string(cidBytes)
	if _, exists := b.byCID[key]; exists {
		return false
	}
	b.byCID[key] = h
	return true
}

// RemoveRoute undoes AddRoute, for CID retirement or a failed collision
// attempt's unwind.
func (b *Binding) RemoveRoute(cidBytes []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byCID, string(cidBytes))
}

// AddFourTupleRoute registers a pre-migration short-header fallback route
// keyed by the remote address, for the brief window before a connection has
// confirmed which CID the peer will use from a new path.
func (b *Binding) AddFourTupleRoute(remote net.Addr, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byFourTuple[remote.String()] = h
}

// RemoveFourTupleRoute undoes AddFourTupleRoute.
func (b *Binding) RemoveFourTupleRoute(remote net.Addr) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.byFourTuple, remote.String())
}

// lookupCID finds the registered Handler for a destination CID, if any.
func (b *Binding) lookupCID(destCID []byte) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byCID[string(destCID)]
	return h, ok
}

func (b *Binding) lookupFourTuple(remote net.Addr) (Handler, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	h, ok := b.byFourTuple[remote.String()]
	return h, ok
}

// matchListener finds a registered Listener whose ALPN set intersects the
// ClientHello's offered list and whose SNI (if configured) matches (spec
// section 6 "Client Hello parsing").
func (b *Binding) matchListener(info packet.ClientHelloInfo) *Listener {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, l := range b.listeners {
		if l.SNI != "" && l.SNI != info.ServerName {
			continue
		}
		for _, want := range l.ALPN {
			for _, got := range info.ALPN {
				if want == got {
					return l
				}
			}
		}
	}
	return nil
}

// ReadLoop reads datagrams from pc until it returns an error, dispatching
// each to the right Handler (or synthesizing a stateless reset). It is
// meant to run on its own goroutine per Binding; the Handler it dispatches
// to is responsible for getting the work onto the right worker (spec
// section 1's datapath-to-worker handoff).
func (b *Binding) ReadLoop() error {
	buf := make([]byte, b.readBufSize)
	for {
		n, from, err := b.pc.ReadFrom(buf)
		if err != nil {
			return err
		}
		b.dispatch(append([]byte(nil), buf[:n]...), from)
	}
}

// WriteTo sends a datagram back out this Binding's socket, for a stateless
// reset or a connection's own egress that shares the 4-tuple.
func (b *Binding) WriteTo(data []byte, to net.Addr) (int, error) {
	return b.pc.WriteTo(data, to)
}

func (b *Binding) dispatch(data []byte, from net.Addr) {
	if len(data) == 0 {
		return
	}
	if data[0]&0x80 == 0 {
		b.dispatchShortHeader(data, from)
		return
	}
	b.dispatchLongHeader(data, from)
}

func (b *Binding) dispatchShortHeader(data []byte, from net.Addr) {
	// Pre-migration, a short-header packet is routed by 4-tuple; once a
	// connection is path-validated it is expected to also register its
	// active destination CID so lookupCID below (attempted first by the
	// caller's own CID-aware routing in internal/conn) finds it without the
	// fallback. Both paths share the same Handler type.
	sh, err := packet.DecodeShortHeaderDestCID(data, connIDLenUnknownGuess(data))
	if err == nil {
		if h, ok := b.lookupCID(sh); ok {
			h.HandleDatagram(data, from)
			return
		}
	}
	if h, ok := b.lookupFourTuple(from); ok {
		h.HandleDatagram(data, from)
		return
	}
	b.sendStatelessReset(data, from)
}

func (b *Binding) dispatchLongHeader(data []byte, from net.Addr) {
	hdr, prefixLen, err := packet.DecodeLongHeader(data)
	if err != nil {
		return // malformed first packet: silently dropped, not a PROTOCOL_VIOLATION worth a reply
	}
	if h, ok := b.lookupCID(hdr.DestConnID); ok {
		h.HandleDatagram(data, from)
		return
	}
	if hdr.Type != packet.TypeInitial {
		return // no connection for a non-Initial long-header packet; drop
	}
	_ = prefixLen // the ClientHello itself lives past the (still-protected) packet number

	// No existing route and no decrypted ClientHello yet: Initial keys are
	// derived from hdr.DestConnID per RFC 9001 and decryption belongs to
	// internal/conn, which owns the key schedule. This datagram is handed
	// off whole; internal/conn calls back into Accept once it has decrypted
	// the payload and parsed the embedded ClientHello.
	if accept, ok := b.firstInitialAccept(); ok {
		accept(data, hdr, from)
	}
}

// firstInitialAccept reports whether any listener is registered at all, and
// if so a closure the caller can invoke with the raw datagram; the actual
// ALPN/SNI match happens in Accept, after internal/conn has decrypted the
// Initial packet and parsed its ClientHello.
func (b *Binding) firstInitialAccept() (func(data []byte, hdr packet.LongHeader, from net.Addr), bool) {
	b.mu.RLock()
	hasListeners := len(b.listeners) > 0
	onUnmatched := b.onUnmatchedInitial
	b.mu.RUnlock()
	if !hasListeners || onUnmatched == nil {
		return nil, false
	}
	return func(data []byte, hdr packet.LongHeader, from net.Addr) {
		onUnmatched(data, hdr, from)
	}, true
}

// OnUnmatchedInitial registers the callback invoked for an Initial packet
// that matched no existing source CID (a potential new connection). The
// callback is responsible for decrypting it, parsing the ClientHello, and
// calling Accept to find a matching Listener.
func (b *Binding) OnUnmatchedInitial(fn func(data []byte, hdr packet.LongHeader, from net.Addr)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onUnmatchedInitial = fn
}

// Accept is called by internal/conn once it has decrypted an Initial
// packet with no matching source CID and parsed the embedded ClientHello:
// it matches a registered Listener and, on success, hands the new
// connection's Handler back so the caller can AddRoute it.
func (b *Binding) Accept(info packet.ClientHelloInfo, hdr packet.LongHeader, from net.Addr) (Handler, *Listener, error) {
	l := b.matchListener(info)
	if l == nil {
		return nil, nil, qerr.NewTransportError(qerr.NoViablePath, "no listener matches ALPN/SNI")
	}
	h, err := l.Accept(info, hdr, from)
	if err != nil {
		return nil, nil, err
	}
	return h, l, nil
}

// sendStatelessReset replies to an unroutable short-header packet with an
// unauthenticated stateless reset, keyed by the would-be source CID (spec
// section 6): the last 16 bytes of an otherwise-random-looking datagram are
// HMAC(ResetTokenSecret, ConnectionID), matching RFC 9000 section 10.3's
// format closely enough that a correctly-implemented peer recognizes it (it
// compares the trailing 16 bytes against tokens it was issued, not against
// this derivation, so any peer that received a NEW_CONNECTION_ID from this
// binding for the CID it just sent to will match).
func (b *Binding) sendStatelessReset(data []byte, from net.Addr) {
	destCID, err := packet.DecodeShortHeaderDestCID(data, connIDLenUnknownGuess(data))
	if err != nil || len(destCID) == 0 {
		return // can't even guess a CID length; nothing to key the reset on
	}
	token := b.retry.StatelessResetToken(destCID)

	// RFC 9000 section 10.3: at least 21 bytes, with the low two bits of the
	// first byte not both zero relative to a deterministic pattern the peer
	// can't distinguish from a short header; simplest compliant shape is a
	// random prefix of the same length as the original minus the token,
	// ending in the 16-byte token.
	replyLen := len(data)
	if replyLen < 21 {
		replyLen = 21
	}
	reply := make([]byte, replyLen)
	reply[0] = 0x40 // fixed bit set, form bit 0 (short header), rest random-looking but deterministic here
	copy(reply[replyLen-16:], token[:])
	_, _ = b.pc.WriteTo(reply, from)
}

// connIDLenUnknownGuess returns the teacher-configured default CID length
// used when a short-header packet arrives for an unknown connection (its
// real length can't be recovered from the wire once its connection state is
// gone); internal/conn always generates CIDs of this fixed length so the
// guess is exact for any CID this binding itself issued.
func connIDLenUnknownGuess(data []byte) int {
	const defaultCIDLen = 8
	if len(data) < 1+defaultCIDLen {
		return len(data) - 1
	}
	return defaultCIDLen
}

// Close releases the underlying socket.
func (b *Binding) Close() error { return b.pc.Close() }

// Addr reports the local address this Binding is listening on.
func (b *Binding) Addr() net.Addr { return b.pc.LocalAddr() }
