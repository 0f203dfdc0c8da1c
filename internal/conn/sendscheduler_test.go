package conn

import (
	"bytes"
	"net"
	"testing"
	"time"

	"github.com/cppla/quicengine/internal/cryptostream"
	"github.com/cppla/quicengine/internal/keys"
	"github.com/cppla/quicengine/internal/lossdetection"
	"github.com/cppla/quicengine/internal/packet"
	"github.com/cppla/quicengine/internal/stream"
)

func handshakedPair(t *testing.T) (client, server *Connection) {
	t.Helper()
	client = New(Client, testConfig(), 1<<16)
	server = New(Server, testConfig(), 1<<16)

	dstCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	client.SetInitialDestCID(dstCID, 4)
	server.SetInitialDestCID(dstCID, 4)
	if err := client.InstallInitialKeys(dstCID); err != nil {
		t.Fatalf("client InstallInitialKeys: %v", err)
	}
	if err := server.InstallInitialKeys(dstCID); err != nil {
		t.Fatalf("server InstallInitialKeys: %v", err)
	}
	clientSecret := bytes.Repeat([]byte{0xaa}, 32)
	serverSecret := bytes.Repeat([]byte{0xbb}, 32)
	if err := client.InstallOneRTTKeys(serverSecret, clientSecret); err != nil {
		t.Fatalf("client InstallOneRTTKeys: %v", err)
	}
	if err := server.InstallOneRTTKeys(clientSecret, serverSecret); err != nil {
		t.Fatalf("server InstallOneRTTKeys: %v", err)
	}

	now := time.Unix(0, 0)
	for _, c := range []*Connection{client, server} {
		if err := c.Start(); err != nil {
			t.Fatalf("Start: %v", err)
		}
		if err := c.ConfirmHandshake(now); err != nil {
			t.Fatalf("ConfirmHandshake: %v", err)
		}
		if err := c.MarkConnected(); err != nil {
			t.Fatalf("MarkConnected: %v", err)
		}
	}
	return client, server
}

// BuildDatagram seals a STREAM frame; Endpoint.HandleDatagram on the other
// side must open it and deliver the same bytes to the matching stream, the
// round trip spec section 2's ingress/egress halves are supposed to form.
func TestBuildDatagramRoundTrip(t *testing.T) {
	client, server := handshakedPair(t)

	cs := stream.New(0, 1<<20, 1<<20)
	client.AddStream(cs)
	if err := cs.Write([]byte("hello"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	serverEndpoint := NewEndpoint(server, nil, 1<<20, 1<<20)

	datagram, ok := client.BuildDatagram(time.Unix(0, 0), lossdetection.ApplicationData, 1280, false)
	if !ok {
		t.Fatalf("expected BuildDatagram to produce a datagram")
	}

	serverEndpoint.HandleDatagram(datagram, &net.UDPAddr{})

	ss, ok := server.Stream(0)
	if !ok {
		t.Fatalf("expected server to have materialized stream 0 from the STREAM frame")
	}
	buf := make([]byte, 5)
	if n := ss.Read(buf); n != 5 || string(buf) != "hello" {
		t.Fatalf("Read = %q (n=%d), want %q", buf[:n], n, "hello")
	}
}

// decodeOneRTTFrames undoes header protection and AEAD sealing on a
// short-header datagram addressed to dst, returning the frame list, the
// same work Endpoint.openAndDispatch does internally.
func decodeOneRTTFrames(t *testing.T, dst *Connection, datagram []byte) []packet.Frame {
	t.Helper()
	pnOffset := 1 + cidLenFromActiveSource(dst)
	slot := dst.Keys.Level(keys.OneRTT)
	sampleOffset := pnOffset + packet.HeaderProtectionSampleOffset
	sample := append([]byte(nil), datagram[sampleOffset:sampleOffset+packet.HeaderProtectionSampleLen]...)
	mask := slot.Read.HeaderProtectionMask(sample)
	pkt := append([]byte(nil), datagram...)
	pnLen := packet.RemoveHeaderProtection(pkt, pnOffset, mask, false)
	truncated := uint64(0)
	for i := 0; i < pnLen; i++ {
		truncated = truncated<<8 | uint64(pkt[pnOffset+i])
	}
	pn := packet.DecodePacketNumber(truncated, pnLen, -1)
	payload, err := slot.Read.Open(pn, pkt[:pnOffset+pnLen], pkt[pnOffset+pnLen:])
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	frames, err := packet.DecodeFrames(payload)
	if err != nil {
		t.Fatalf("DecodeFrames: %v", err)
	}
	return frames
}

// BuildDatagram must assemble frames in spec section 4.11's priority order:
// ACK before CRYPTO before STREAM.
func TestBuildDatagramPriorityOrder(t *testing.T) {
	client, server := handshakedPair(t)

	client.acks[lossdetection.ApplicationData].OnPacketReceived(0, true)
	client.Crypto = cryptostream.New(1 << 16)
	client.Crypto.Write(cryptostream.OneRTT, []byte("clienthello-ish bytes"))

	cs := stream.New(0, 1<<20, 1<<20)
	client.AddStream(cs)
	if err := cs.Write([]byte("payload"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	datagram, ok := client.BuildDatagram(time.Unix(0, 0), lossdetection.ApplicationData, 1280, false)
	if !ok {
		t.Fatalf("expected BuildDatagram to produce a datagram")
	}

	frames := decodeOneRTTFrames(t, server, datagram)
	var order []packet.FrameType
	for _, f := range frames {
		order = append(order, f.Type)
	}
	if len(order) < 3 {
		t.Fatalf("expected at least ACK, CRYPTO, STREAM frames, got %d frames", len(order))
	}
	if order[0] != packet.FrameAck {
		t.Fatalf("first frame = %v, want FrameAck", order[0])
	}
	if order[1] != packet.FrameCrypto {
		t.Fatalf("second frame = %v, want FrameCrypto", order[1])
	}
	last := order[len(order)-1]
	if last < packet.FrameStreamBase || last > packet.FrameStreamBase+0x07 {
		t.Fatalf("last frame = %v, want a STREAM frame", last)
	}
}

// applyAckAndLoss must replay sent STREAM spans into the owning stream's
// OnLoss so a packet declared lost re-arms its data for resend.
func TestApplyAckAndLossReplaysSentFrames(t *testing.T) {
	client, _ := handshakedPair(t)

	cs := stream.New(0, 1<<20, 1<<20)
	client.AddStream(cs)
	if err := cs.Write([]byte("retransmit-me"), false); err != nil {
		t.Fatalf("Write: %v", err)
	}

	sendTime := time.Unix(0, 0)
	if _, ok := client.BuildDatagram(sendTime, lossdetection.ApplicationData, 1280, false); !ok {
		t.Fatalf("expected BuildDatagram to produce a datagram")
	}
	if cs.InRecovery() {
		t.Fatalf("stream should not be in recovery before loss is declared")
	}

	client.applyAckAndLoss(sendTime, lossdetection.AckResult{
		Lost: []*lossdetection.SentPacket{
			{Number: 0, SentTime: sendTime, Size: 40, AckEliciting: true, InFlight: true, Data: &sentFrames{
				stream: map[stream.ID][]offsetLen{0: {{offset: 0, length: uint64(len("retransmit-me"))}}},
			}},
		},
	})
	if !cs.InRecovery() {
		t.Fatalf("expected stream to re-enter recovery after its packet was declared lost")
	}
}
