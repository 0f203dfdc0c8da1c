// Package config loads the engine's public configuration knobs (spec
// section 6). It keeps the teacher's config/setting.go shape: a JSON file
// is read at init (path overridable by an environment variable), defaults
// are filled in and the result is validated by verify(); Reload re-reads a
// path and atomically replaces the global config.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

// CongestionAlgorithm selects the congestion controller implementation.
type CongestionAlgorithm string

const (
	Cubic CongestionAlgorithm = "cubic"
	BBR   CongestionAlgorithm = "bbr"
)

// Config holds every knob spec section 6 calls out as one the core reads.
type Config struct {
	Log Log `json:"log"`

	InitialRttMs            uint32              `json:"initialRttMs"`
	InitialWindowPackets     uint32              `json:"initialWindowPackets"`
	IdleTimeoutMs            uint64              `json:"idleTimeoutMs"`
	HandshakeIdleTimeoutMs   uint64              `json:"handshakeIdleTimeoutMs"`
	DisconnectTimeoutMs      uint64              `json:"disconnectTimeoutMs"`
	KeepAliveIntervalMs      uint64              `json:"keepAliveIntervalMs"`
	MaxBytesPerKey           uint64              `json:"maxBytesPerKey"`
	MinimumMtu               uint16              `json:"minimumMtu"`
	MaximumMtu               uint16              `json:"maximumMtu"`
	StreamRecvWindowDefault  uint64              `json:"streamRecvWindowDefault"`
	ConnFlowControlWindow    uint64              `json:"connFlowControlWindow"`
	CongestionControlAlgorithm CongestionAlgorithm `json:"congestionControlAlgorithm"`
	ECN                      bool                `json:"ecn"`
	HyStart                  bool                `json:"hyStart"`
	GreaseQuicBit            bool                `json:"greaseQuicBit"`
	ReliableReset            bool                `json:"reliableReset"`
	OneWayDelay              bool                `json:"oneWayDelay"`
	StreamMultiReceiveEnabled bool               `json:"streamMultiReceiveEnabled"`
	ActiveConnectionIDLimit  uint32              `json:"activeConnectionIdLimit"`
}

type Log struct {
	Level   string `json:"level"`
	Path    string `json:"path"`
	Version string `json:"version"`
	Date    string `json:"date"`
}

// Defaults returns the spec section 6 default configuration.
func Defaults() *Config {
	return &Config{
		Log:                       Log{Level: "info"},
		InitialRttMs:              333,
		InitialWindowPackets:      10,
		IdleTimeoutMs:             30000,
		HandshakeIdleTimeoutMs:    10000,
		DisconnectTimeoutMs:       16000,
		KeepAliveIntervalMs:       0,
		MaxBytesPerKey:            274877906944, // ~274 GB
		MinimumMtu:                1248,
		MaximumMtu:                1500,
		StreamRecvWindowDefault:   65536,
		ConnFlowControlWindow:     16 << 20,
		CongestionControlAlgorithm: BBR,
		GreaseQuicBit:             true,
		ActiveConnectionIDLimit:   4,
	}
}

// GlobalCfg is the process-wide effective configuration.
var GlobalCfg = Defaults()

func init() {
	path := os.Getenv("QUICENGINE_CONFIG")
	if path == "" {
		return // defaults stand; no file is mandatory for library use
	}
	if err := Reload(path); err != nil {
		fmt.Printf("failed to load config: %s\n", err.Error())
	}
}

// Reload reads a JSON config file, fills defaults for anything left at the
// zero value, validates it, and swaps it in as GlobalCfg.
func Reload(path string) error {
	buf, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	cfg := Defaults()
	if err := json.Unmarshal(buf, cfg); err != nil {
		return err
	}
	if err := cfg.verify(); err != nil {
		return fmt.Errorf("verify config: %w", err)
	}
	GlobalCfg = cfg
	return nil
}

// verify range-checks the knobs the way the teacher's Rule.verify() fills
// in defaults and rejects impossible configurations.
func (c *Config) verify() error {
	if c.MinimumMtu < 1200 {
		return fmt.Errorf("minimum MTU %d below QUIC floor of 1200", c.MinimumMtu)
	}
	if c.MaximumMtu < c.MinimumMtu {
		return fmt.Errorf("maximum MTU %d below minimum MTU %d", c.MaximumMtu, c.MinimumMtu)
	}
	if c.MaximumMtu > 65527 {
		return fmt.Errorf("maximum MTU %d exceeds UDP payload ceiling", c.MaximumMtu)
	}
	if c.DisconnectTimeoutMs > 600000 {
		return fmt.Errorf("disconnect timeout %dms exceeds 600000ms ceiling", c.DisconnectTimeoutMs)
	}
	if c.CongestionControlAlgorithm != Cubic && c.CongestionControlAlgorithm != BBR {
		return fmt.Errorf("unknown congestion control algorithm %q", c.CongestionControlAlgorithm)
	}
	if c.InitialWindowPackets == 0 {
		c.InitialWindowPackets = 10
	}
	if c.ActiveConnectionIDLimit == 0 {
		c.ActiveConnectionIDLimit = 4
	}
	return nil
}

// InitialRtt returns InitialRttMs as a time.Duration.
func (c *Config) InitialRtt() time.Duration {
	return time.Duration(c.InitialRttMs) * time.Millisecond
}

// IdleTimeout returns IdleTimeoutMs as a time.Duration.
func (c *Config) IdleTimeout() time.Duration {
	return time.Duration(c.IdleTimeoutMs) * time.Millisecond
}

// DisconnectTimeout returns DisconnectTimeoutMs as a time.Duration.
func (c *Config) DisconnectTimeout() time.Duration {
	return time.Duration(c.DisconnectTimeoutMs) * time.Millisecond
}
