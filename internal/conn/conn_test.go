package conn

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/quic-go/quic-go/logging"

	"github.com/cppla/quicengine/internal/config"
	"github.com/cppla/quicengine/internal/keys"
	"github.com/cppla/quicengine/internal/qlog"
)

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.CongestionControlAlgorithm = config.Cubic
	return cfg
}

func TestLifecycleTransitionsInOrder(t *testing.T) {
	c := New(Client, testConfig(), 1<<16)
	if c.State() != Initialized {
		t.Fatalf("initial state = %s, want Initialized", c.State())
	}
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	now := time.Unix(1000, 0)
	if err := c.ConfirmHandshake(now); err != nil {
		t.Fatalf("ConfirmHandshake: %v", err)
	}
	if err := c.MarkConnected(); err != nil {
		t.Fatalf("MarkConnected: %v", err)
	}
	if c.State() != Connected {
		t.Fatalf("state = %s, want Connected", c.State())
	}
}

func TestConfirmHandshakeRejectsWrongState(t *testing.T) {
	c := New(Server, testConfig(), 1<<16)
	if err := c.ConfirmHandshake(time.Now()); err == nil {
		t.Fatalf("expected error confirming handshake before Start")
	}
}

func TestServerAmplificationProtectionCapsSend(t *testing.T) {
	c := New(Server, testConfig(), 1<<16)
	if c.AddressValidated() {
		t.Fatalf("server should start unvalidated")
	}
	c.OnBytesReceived(100)
	if !c.CanSend(300) {
		t.Fatalf("expected send of 3x received bytes to be allowed")
	}
	if c.CanSend(301) {
		t.Fatalf("expected send exceeding 3x received bytes to be blocked")
	}
	c.ValidateAddress()
	if !c.CanSend(1 << 20) {
		t.Fatalf("expected cap lifted once address validated")
	}
}

func TestClientStartsAddressValidated(t *testing.T) {
	c := New(Client, testConfig(), 1<<16)
	if !c.AddressValidated() {
		t.Fatalf("client should start address-validated")
	}
	if !c.CanSend(1 << 20) {
		t.Fatalf("client sends should never be amplification-capped")
	}
}

func TestShutdownTwoPhase(t *testing.T) {
	c := New(Client, testConfig(), 1<<16)
	now := time.Unix(2000, 0)
	c.InitiateShutdown(now, true, false, 0)
	if c.ShutdownPhase() != Closing {
		t.Fatalf("phase = %v, want Closing", c.ShutdownPhase())
	}
	if c.State() != ClosedLocally {
		t.Fatalf("state = %s, want ClosedLocally", c.State())
	}

	// Rate limit: a second packet arriving immediately should not trigger
	// another CONNECTION_CLOSE.
	if c.ShouldResendClose(now) {
		t.Fatalf("expected close resend to be rate-limited")
	}
	later := now.Add(10 * time.Millisecond)
	if !c.ShouldResendClose(later) {
		t.Fatalf("expected close resend to be allowed after the rate-limit window")
	}

	pto := 50 * time.Millisecond
	c.EnterDraining(later, pto)
	if c.ShutdownPhase() != Draining {
		t.Fatalf("phase = %v, want Draining", c.ShutdownPhase())
	}
	if c.DrainComplete(later) {
		t.Fatalf("drain should not be complete immediately")
	}
	if !c.DrainComplete(later.Add(3 * pto)) {
		t.Fatalf("expected drain complete after 3xPTO")
	}
}

func TestShutdownInfoRecordsCause(t *testing.T) {
	c := New(Client, testConfig(), 1<<16)
	c.InitiateShutdown(time.Now(), false, true, 42)
	info := c.ShutdownInfo()
	if info == nil {
		t.Fatalf("expected shutdown info to be recorded")
	}
	if !info.ClosedRemotely || info.ErrorCode != 42 || info.ByApp {
		t.Fatalf("unexpected shutdown info: %+v", info)
	}
}

func TestInstallInitialKeysAreDirectionallyComplementary(t *testing.T) {
	dstCID := []byte{1, 2, 3, 4, 5, 6, 7, 8}
	client := New(Client, testConfig(), 1<<16)
	server := New(Server, testConfig(), 1<<16)
	if err := client.InstallInitialKeys(dstCID); err != nil {
		t.Fatalf("client InstallInitialKeys: %v", err)
	}
	if err := server.InstallInitialKeys(dstCID); err != nil {
		t.Fatalf("server InstallInitialKeys: %v", err)
	}
	// A packet the client seals should be openable by the server, and vice
	// versa: each side's Write key derives from the same secret as the
	// other's Read key (RFC 9001 section 5.2's "client in"/"server in"
	// labels swapped by role).
	plaintext := []byte("initial packet body")
	ad := []byte("associated data")
	sealed := client.Keys.Level(keys.Initial).Write.Seal(1, ad, append([]byte(nil), plaintext...))
	opened, err := server.Keys.Level(keys.Initial).Read.Open(1, ad, sealed)
	if err != nil {
		t.Fatalf("server failed to open client's sealed Initial packet: %v", err)
	}
	if !bytes.Equal(opened, plaintext) {
		t.Fatalf("roundtrip mismatch: got %q, want %q", opened, plaintext)
	}
}

func TestOnAppDataSentTriggersKeyUpdateAtConfiguredLimit(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBytesPerKey = 100
	c := New(Client, cfg, 1<<16)
	if err := c.InstallOneRTTKeys(make([]byte, 32), make([]byte, 32)); err != nil {
		t.Fatalf("InstallOneRTTKeys: %v", err)
	}
	phaseBefore := c.Keys.KeyPhase()
	if err := c.OnAppDataSent(40); err != nil {
		t.Fatalf("OnAppDataSent: %v", err)
	}
	if c.Stats().Misc.KeyUpdateCount != 0 {
		t.Fatalf("expected no key update below the limit")
	}
	if err := c.OnAppDataSent(61); err != nil {
		t.Fatalf("OnAppDataSent: %v", err)
	}
	if c.Stats().Misc.KeyUpdateCount != 1 {
		t.Fatalf("expected exactly one key update once the limit is crossed, got %d", c.Stats().Misc.KeyUpdateCount)
	}
	if c.Keys.KeyPhase() == phaseBefore {
		t.Fatalf("expected the key phase bit to flip after a key update")
	}
}

func TestTracerEmitsConnectionLifecycleEvents(t *testing.T) {
	var buf bytes.Buffer
	c := New(Server, testConfig(), 1<<16)
	c.SetTracer(qlog.NewTracer(&buf, logging.PerspectiveServer))

	now := time.Unix(3000, 0)
	if err := c.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	c.EmitStarted(now, "127.0.0.1:4433", "127.0.0.1:9000", "aa", "bb")
	c.InitiateShutdown(now.Add(time.Second), true, false, 7)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	if len(lines) != 2 {
		t.Fatalf("expected 2 traced events, got %d: %s", len(lines), buf.String())
	}
	var started, closed qlog.Event
	if err := json.Unmarshal(lines[0], &started); err != nil {
		t.Fatalf("unmarshal started event: %v", err)
	}
	if started.Name != "connection_started" || started.Data["dst_cid"] != "bb" {
		t.Fatalf("unexpected started event: %+v", started)
	}
	if err := json.Unmarshal(lines[1], &closed); err != nil {
		t.Fatalf("unmarshal closed event: %v", err)
	}
	if closed.Name != "connection_closed" || closed.Data["error_code"].(float64) != 7 {
		t.Fatalf("unexpected closed event: %+v", closed)
	}
}

func TestOnNewConnectionIDReplacesRetiredActivePath(t *testing.T) {
	c := New(Client, testConfig(), 1<<16)
	c.SetInitialDestCID([]byte{1, 1, 1, 1}, 4)

	toRetire, replacement, err := c.OnNewConnectionID(1, 1, []byte{2, 2, 2, 2})
	if err != nil {
		t.Fatalf("OnNewConnectionID: %v", err)
	}
	if len(toRetire) != 1 || toRetire[0] != 0 {
		t.Fatalf("expected sequence 0 to be retired, got %v", toRetire)
	}
	if replacement == nil || replacement.Sequence != 1 {
		t.Fatalf("expected the active path to be replaced by sequence 1, got %+v", replacement)
	}
}

func TestAEADFailureLimit(t *testing.T) {
	c := New(Client, testConfig(), 1<<16)
	var lastErr error
	for i := 0; i < aeadFailureLimit; i++ {
		lastErr = c.OnAEADFailure()
	}
	if lastErr == nil {
		t.Fatalf("expected AEAD_LIMIT_REACHED once the failure count is hit")
	}
}
