package conn

import (
	"net"
	"testing"
	"time"

	"github.com/cppla/quicengine/internal/lossdetection"
	"github.com/cppla/quicengine/internal/packet"
)

// A server's BuildDatagram emits HANDSHAKE_DONE exactly once; the client's
// Endpoint must dispatch it without erroring even though this module's
// dispatchFrame treats receipt as a no-op (spec/RFC 9000 section 19.20 only
// obliges the client to stop sending PING-based confirmation probes, state
// this package doesn't otherwise track).
func TestEndpointDispatchesHandshakeDoneFromServer(t *testing.T) {
	client, server := handshakedPair(t)
	clientEndpoint := NewEndpoint(client, nil, 1<<20, 1<<20)

	datagram, ok := server.BuildDatagram(time.Unix(0, 0), lossdetection.ApplicationData, 1280, false)
	if !ok {
		t.Fatalf("expected server BuildDatagram to produce a datagram")
	}
	if !server.handshakeDoneSent {
		t.Fatalf("expected server to have sent HANDSHAKE_DONE")
	}

	clientEndpoint.HandleDatagram(datagram, &net.UDPAddr{})
	// No observable client-side state change is expected; reaching here
	// without panicking/erroring is the assertion (FrameHandshakeDone must
	// be a recognized dispatch case, not an unhandled frame type).
}

// A received CONNECTION_CLOSE must drive the receiver's own shutdown state
// machine via Endpoint.dispatchFrame, the same transition
// Connection.InitiateShutdown performs for a locally-initiated close.
// BuildDatagram has no path of its own to emit CONNECTION_CLOSE (spec
// section 4.11's priority order, quoted in sendscheduler.go, does not list
// it), so this exercises dispatchFrame directly against a hand-built frame
// rather than round-tripping through BuildDatagram.
func TestEndpointDispatchesConnectionClose(t *testing.T) {
	_, server := handshakedPair(t)
	serverEndpoint := NewEndpoint(server, nil, 1<<20, 1<<20)

	frame := packet.Frame{Type: packet.FrameConnectionClose, CloseErrorCode: 42}
	serverEndpoint.dispatchFrame(lossdetection.ApplicationData, frame, time.Unix(0, 0))

	if server.ShutdownPhase() == NotShuttingDown {
		t.Fatalf("expected server to begin shutdown on receiving the client's close frame")
	}
	info := server.ShutdownInfo()
	if info == nil || info.ErrorCode != 42 {
		t.Fatalf("expected server shutdown info with error code 42, got %+v", info)
	}
}
