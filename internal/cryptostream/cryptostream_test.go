package cryptostream

import "testing"

func TestWriteAndSendFrame(t *testing.T) {
	s := New(1 << 16)
	s.Write(Initial, []byte("client hello"))

	f, ok := s.NextFrame(Initial, 1500)
	if !ok {
		t.Fatalf("expected a frame")
	}
	if f.Offset != 0 || string(f.Data) != "client hello" {
		t.Fatalf("unexpected frame: offset=%d data=%q", f.Offset, f.Data)
	}
	if err := s.CheckInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
	if s.NextSendOffset() != uint64(len("client hello")) {
		t.Fatalf("expected NextSendOffset advanced, got %d", s.NextSendOffset())
	}
}

func TestAckIdempotent(t *testing.T) {
	s := New(1 << 16)
	s.Write(Initial, []byte("0123456789"))
	s.NextFrame(Initial, 1500)

	s.OnAck(0, 10)
	unacked1, next1 := s.UnAckedOffset(), s.NextSendOffset()
	s.OnAck(0, 10) // repeat the same ack
	unacked2, next2 := s.UnAckedOffset(), s.NextSendOffset()

	if unacked1 != unacked2 || next1 != next2 {
		t.Fatalf("ack not idempotent: (%d,%d) vs (%d,%d)", unacked1, next1, unacked2, next2)
	}
	if err := s.CheckInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
}

func TestLossReopensRecoveryWindow(t *testing.T) {
	s := New(1 << 16)
	s.Write(Initial, []byte("0123456789"))
	s.NextFrame(Initial, 1500) // sends [0,10), NextSendOffset=10

	s.OnLoss(0, 10)
	if !s.InRecovery() {
		t.Fatalf("expected recovery window open after loss")
	}

	f, ok := s.NextFrame(Initial, 1500)
	if !ok || f.Offset != 0 {
		t.Fatalf("expected retransmit frame at offset 0, got ok=%v offset=%d", ok, f.Offset)
	}
}

func TestSackGapClampsFrame(t *testing.T) {
	s := New(1 << 16)
	s.Write(Initial, []byte("0123456789")) // total 10 bytes
	s.NextFrame(Initial, 1500)             // sends all 10 bytes as one frame

	// Peer acks [5,10) out of order, leaving a SACK hole above unacked=0.
	s.OnAck(5, 5)
	if err := s.CheckInvariant(); err != nil {
		t.Fatalf("invariant violated: %v", err)
	}
	// Declare [0,10) lost; only [0,5) should actually need retransmit.
	s.OnLoss(0, 10)
	f, ok := s.NextFrame(Initial, 1500)
	if !ok {
		t.Fatalf("expected a retransmit frame")
	}
	if f.Offset != 0 || len(f.Data) != 5 {
		t.Fatalf("expected retransmit of [0,5) only, got offset=%d len=%d", f.Offset, len(f.Data))
	}
}

func TestLevelBoundaryClampsFrame(t *testing.T) {
	s := New(1 << 16)
	s.Write(Initial, []byte("initial-bytes"))
	s.Write(Handshake, []byte("handshake-bytes"))

	f, ok := s.NextFrame(Initial, 1500)
	if !ok {
		t.Fatalf("expected an Initial frame")
	}
	if string(f.Data) != "initial-bytes" {
		t.Fatalf("Initial packet frame must not cross into Handshake bytes, got %q", f.Data)
	}
}

func TestTLSCallReentrancyGuard(t *testing.T) {
	s := New(1 << 16)
	if !s.BeginTLSCall() {
		t.Fatalf("expected first BeginTLSCall to succeed")
	}
	if s.BeginTLSCall() {
		t.Fatalf("expected reentrant BeginTLSCall to fail while pending")
	}
	if _, err := s.OnCryptoFrame(0, []byte("x")); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending := s.EndTLSCall(); !pending {
		t.Fatalf("expected TLS data pending after frame arrived mid-call")
	}
}
