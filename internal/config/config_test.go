package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultsPassVerify(t *testing.T) {
	cfg := Defaults()
	if err := cfg.verify(); err != nil {
		t.Fatalf("Defaults() failed its own verify(): %v", err)
	}
	if cfg.ActiveConnectionIDLimit != 4 {
		t.Fatalf("ActiveConnectionIDLimit = %d, want 4", cfg.ActiveConnectionIDLimit)
	}
}

func TestVerifyRejectsMtuBelowFloor(t *testing.T) {
	cfg := Defaults()
	cfg.MinimumMtu = 1199
	if err := cfg.verify(); err == nil {
		t.Fatalf("expected verify to reject a minimum MTU below 1200")
	}
}

func TestVerifyRejectsMaximumBelowMinimum(t *testing.T) {
	cfg := Defaults()
	cfg.MaximumMtu = cfg.MinimumMtu - 1
	if err := cfg.verify(); err == nil {
		t.Fatalf("expected verify to reject maximum MTU below minimum")
	}
}

func TestVerifyFillsZeroValueDefaults(t *testing.T) {
	cfg := Defaults()
	cfg.ActiveConnectionIDLimit = 0
	cfg.InitialWindowPackets = 0
	if err := cfg.verify(); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if cfg.ActiveConnectionIDLimit != 4 {
		t.Fatalf("expected ActiveConnectionIDLimit to be filled to 4, got %d", cfg.ActiveConnectionIDLimit)
	}
	if cfg.InitialWindowPackets != 10 {
		t.Fatalf("expected InitialWindowPackets to be filled to 10, got %d", cfg.InitialWindowPackets)
	}
}

func TestReloadOverridesDefaultsFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "quicengine.json")
	const body = `{"maxBytesPerKey": 1024, "congestionControlAlgorithm": "cubic"}`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	prev := GlobalCfg
	defer func() { GlobalCfg = prev }()

	if err := Reload(path); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if GlobalCfg.MaxBytesPerKey != 1024 {
		t.Fatalf("MaxBytesPerKey = %d, want 1024", GlobalCfg.MaxBytesPerKey)
	}
	if GlobalCfg.CongestionControlAlgorithm != Cubic {
		t.Fatalf("CongestionControlAlgorithm = %q, want cubic", GlobalCfg.CongestionControlAlgorithm)
	}
	// Fields absent from the file fall back to Defaults(), not zero values.
	if GlobalCfg.MinimumMtu != Defaults().MinimumMtu {
		t.Fatalf("MinimumMtu = %d, want default %d", GlobalCfg.MinimumMtu, Defaults().MinimumMtu)
	}
}

func TestReloadRejectsInvalidConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.json")
	if err := os.WriteFile(path, []byte(`{"minimumMtu": 100}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	if err := Reload(path); err == nil {
		t.Fatalf("expected Reload to reject an MTU below the QUIC floor")
	}
}
