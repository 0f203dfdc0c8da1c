package conn

import (
	"fmt"
	"net"
	"time"

	"github.com/cppla/quicengine/internal/binding"
	"github.com/cppla/quicengine/internal/keys"
	"github.com/cppla/quicengine/internal/lossdetection"
	"github.com/cppla/quicengine/internal/packet"
	"github.com/cppla/quicengine/internal/qerr"
	"github.com/cppla/quicengine/internal/stream"
)

// Endpoint adapts one Connection to binding.Handler: the receive half of
// spec section 2's data flow that dispatchLongHeader/dispatchShortHeader
// hand datagrams to once a route exists. It owns the bits a Connection
// itself doesn't need to know about (the shared socket, the stream-window
// defaults for a peer-initiated stream) but has no state of its own beyond
// that.
type Endpoint struct {
	Conn *Connection
	B    *binding.Binding

	// NewRecvWindow/NewSendWindow size a stream this endpoint didn't create
	// itself (the peer opened it), mirroring cfg's per-stream flow-control
	// defaults the way the local stream table is sized in cmd/quicengine-loop.
	NewRecvWindow uint64
	NewSendWindow uint64
}

// NewEndpoint wraps c for ingress dispatch via b.
func NewEndpoint(c *Connection, b *binding.Binding, recvWindow, sendWindow uint64) *Endpoint {
	return &Endpoint{Conn: c, B: b, NewRecvWindow: recvWindow, NewSendWindow: sendWindow}
}

// HandleDatagram implements binding.Handler: it removes header protection,
// opens the AEAD payload, decodes the frame list, and dispatches each frame
// against the owned Connection, exactly the "decrypt -> frame-dispatch"
// half of spec section 2 that Binding's own doc comment promises but does
// not itself implement.
func (e *Endpoint) HandleDatagram(data []byte, from net.Addr) {
	now := time.Now()
	e.Conn.OnBytesReceived(uint64(len(data)))

	for len(data) > 0 {
		n, err := e.handleOnePacket(data, from, now)
		if err != nil || n <= 0 {
			return
		}
		data = data[n:]
	}
}

// handleOnePacket processes the single (possibly coalesced) packet at the
// front of data, returning the number of bytes it consumed.
func (e *Endpoint) handleOnePacket(data []byte, from net.Addr, now time.Time) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if data[0]&0x80 == 0 {
		return e.handleShortHeader(data, now)
	}
	return e.handleLongHeader(data, now)
}

func (e *Endpoint) handleLongHeader(data []byte, now time.Time) (int, error) {
	hdr, prefixLen, err := packet.DecodeLongHeader(data)
	if err != nil {
		return 0, err
	}
	sp := longHeaderTypeToSpace(hdr.Type)
	total := prefixLen + int(hdr.Length)
	if total > len(data) {
		return 0, fmt.Errorf("conn: long header packet truncated")
	}
	pkt := append([]byte(nil), data[:total]...)

	level := spaceToKeyLevel(sp)
	slot := e.Conn.Keys.Level(level)
	if slot.Read == nil {
		return total, fmt.Errorf("conn: no read key installed for level %d", level)
	}
	if err := e.openAndDispatch(pkt, prefixLen, sp, slot.Read, now); err != nil {
		return total, err
	}
	return total, nil
}

func (e *Endpoint) handleShortHeader(data []byte, now time.Time) (int, error) {
	slot := e.Conn.Keys.Level(keys.OneRTT)
	if slot.Read == nil {
		return len(data), fmt.Errorf("conn: no 1-RTT read key installed")
	}
	pnOffset := 1 + cidLenFromActiveSource(e.Conn)
	if err := e.openAndDispatch(data, pnOffset, lossdetection.ApplicationData, slot.Read, now); err != nil {
		return len(data), err
	}
	return len(data), nil
}

// cidLenFromActiveSource recovers the destination-CID length a short-header
// packet addressed to this connection must carry: every CID this endpoint
// has issued is of the fixed length it generates, per internal/cid.
func cidLenFromActiveSource(c *Connection) int {
	if active := c.SourceCIDs.Active(); len(active) > 0 {
		return len(active[0].Bytes)
	}
	return 8
}

// openAndDispatch removes header protection from pkt (whose packet number
// field begins at pnOffset), opens the AEAD payload, and dispatches every
// decoded frame. For long- and short-header packets alike, the associated
// data is the whole unprotected header up to the packet number's end.
func (e *Endpoint) openAndDispatch(pkt []byte, pnOffset int, sp lossdetection.Space, aead *keys.AEAD, now time.Time) error {
	sampleOffset := pnOffset + packet.HeaderProtectionSampleOffset
	if sampleOffset+packet.HeaderProtectionSampleLen > len(pkt) {
		return fmt.Errorf("conn: packet too short for header protection sample")
	}
	sample := pkt[sampleOffset : sampleOffset+packet.HeaderProtectionSampleLen]
	mask := aead.HeaderProtectionMask(sample)
	longHeader := pkt[0]&0x80 != 0
	pnLen := packet.RemoveHeaderProtection(pkt, pnOffset, mask, longHeader)

	truncated := uint64(0)
	for i := 0; i < pnLen; i++ {
		truncated = truncated<<8 | uint64(pkt[pnOffset+i])
	}
	pn := packet.DecodePacketNumber(truncated, pnLen, e.Conn.acks[sp].Highest())
	if e.Conn.acks[sp].Contains(pn) {
		return nil // duplicate; RFC 9000 section 12.3 says drop silently
	}

	headerEnd := pnOffset + pnLen
	ad := pkt[:headerEnd]
	payload, err := aead.Open(pn, ad, pkt[headerEnd:])
	if err != nil {
		if aeadErr := e.Conn.OnAEADFailure(); aeadErr != nil {
			return aeadErr
		}
		return fmt.Errorf("conn: aead open failed: %w", err)
	}

	frames, err := packet.DecodeFrames(payload)
	if err != nil {
		return qerr.NewTransportError(qerr.FrameEncodingError, err.Error())
	}

	ackEliciting := false
	for _, f := range frames {
		if f.Type != packet.FrameAck && f.Type != packet.FramePadding {
			ackEliciting = true
		}
		e.dispatchFrame(sp, f, now)
	}
	e.Conn.acks[sp].OnPacketReceived(pn, ackEliciting)
	return nil
}

// dispatchFrame applies one decoded frame's effect to the owned Connection,
// spec section 2's per-frame state transitions.
func (e *Endpoint) dispatchFrame(sp lossdetection.Space, f packet.Frame, now time.Time) {
	if f.Type >= packet.FrameStreamBase && f.Type <= packet.FrameStreamBase+0x07 {
		e.dispatchStreamFrame(f)
		return
	}

	switch f.Type {
	case packet.FramePing, packet.FramePadding:
		// no state change; presence alone made the packet ack-eliciting.

	case packet.FrameAck, packet.FrameAckECN:
		ranges := make([][2]uint64, 0, len(f.Ack.Ranges))
		for _, r := range f.Ack.Ranges {
			ranges = append(ranges, [2]uint64{r.Low, r.High})
		}
		ackDelay := time.Duration(f.Ack.AckDelay) * time.Microsecond
		res := e.Conn.Loss.OnAckRanges(sp, ranges, ackDelay, now)
		e.Conn.applyAckAndLoss(now, res)

	case packet.FrameCrypto:
		if _, err := e.Conn.Crypto.OnCryptoFrame(f.CryptoOffset, f.CryptoData); err != nil {
			_ = err // a malformed or overflowing crypto offset; drop this frame's effect
		}

	case packet.FrameMaxData:
		e.Conn.OnMaxData(f.MaxData)

	case packet.FrameMaxStreamData:
		if s, ok := e.Conn.Stream(stream.ID(f.StreamID)); ok {
			s.SetMaxAllowedSendOffset(f.MaxData)
		}

	case packet.FrameDataBlocked, packet.FrameStreamDataBlocked:
		// peer-side signal only; this engine doesn't proactively raise
		// limits in response, it relies on its own MAX_DATA/MAX_STREAM_DATA
		// schedule (spec section 4.6).

	case packet.FrameNewConnectionID:
		toRetire, _, err := e.Conn.OnNewConnectionID(f.NewCIDSeq, f.NewCIDRetirePriorTo, f.NewCIDBytes)
		if err == nil {
			for _, seq := range toRetire {
				_ = seq // retirement of the old path's route happens once RETIRE_CONNECTION_ID is sent, not here
			}
		}

	case packet.FrameRetireConnectionID:
		for _, id := range e.Conn.SourceCIDs.All() {
			if id.Sequence == f.RetireSeq {
				id.Retired = true
				if e.B != nil {
					e.B.RemoveRoute(id.Bytes)
				}
			}
		}

	case packet.FramePathChallenge:
		resp := f.PathData
		e.Conn.pendingPathResponse = &resp

	case packet.FramePathResponse:
		// path validation bookkeeping is out of scope here; receipt alone
		// is enough to let a future BuildDatagram stop challenging this path.

	case packet.FrameHandshakeDone:
		// client-only: servers never receive this frame type meaningfully.

	case packet.FrameConnectionClose, packet.FrameConnectionCloseApp:
		e.Conn.InitiateShutdown(now, f.Type == packet.FrameConnectionCloseApp, true, f.CloseErrorCode)

	case packet.FrameDatagram:
		// unreliable datagram delivery has no connection-level state to
		// update; an embedder would read this off a delivery channel this
		// engine doesn't yet expose.
	}
}

func (e *Endpoint) dispatchStreamFrame(f packet.Frame) {
	id := stream.ID(f.StreamID)
	s, ok := e.Conn.Stream(id)
	if !ok {
		s = stream.New(id, e.NewSendWindow, e.NewRecvWindow)
		e.Conn.AddStream(s)
	}
	if _, err := s.OnStreamFrame(f.StreamOffset, f.StreamData, f.StreamFin); err != nil {
		return
	}
	e.Conn.connBytesRecvd += uint64(len(f.StreamData))
	if e.Conn.connBytesRecvd+e.Conn.connRecvLimit/2 >= e.Conn.connRecvLimit {
		limit := e.Conn.connRecvLimit * 2
		e.Conn.connRecvLimit = limit
		e.Conn.pendingMaxData = &limit
	}
}
