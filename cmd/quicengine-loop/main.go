// Command quicengine-loop is a local smoke-test binary: it mirrors the
// teacher's run.go shape (flag-parse, config.Reload, background
// goroutines, WaitGroup shutdown) but drives a worker pool through a
// loopback client/server handshake and a tiny stream exchange instead of
// TCP proxy rules.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/quic-go/quic-go/logging"

	"github.com/cppla/quicengine/internal/conn"
	"github.com/cppla/quicengine/internal/config"
	"github.com/cppla/quicengine/internal/lossdetection"
	"github.com/cppla/quicengine/internal/qlog"
	"github.com/cppla/quicengine/internal/stream"
	"github.com/cppla/quicengine/internal/telemetry"
	"github.com/cppla/quicengine/internal/worker"
)

func main() {
	confPath := flag.String("config", "", "path to a JSON config file")
	workers := flag.Int("workers", 2, "worker pool size")
	flag.Parse()

	if *confPath != "" {
		if err := config.Reload(*confPath); err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}
	}
	cfg := config.GlobalCfg

	logger := telemetry.New(telemetry.Options{
		Level:   cfg.Log.Level,
		Path:    cfg.Log.Path,
		Console: true,
	})
	defer logger.Sync()

	logger.Info("quicengine-loop starting", zap.Int("workers", *workers))

	pool := worker.NewPool(*workers)
	var wg sync.WaitGroup
	for _, w := range pool.Workers() {
		wg.Add(1)
		go func(w *worker.Worker) {
			defer wg.Done()
			runWorker(w)
		}(w)
	}

	runLoopbackHandshake(logger, cfg, pool)

	// A real deployment's workers run until signaled; the demo's workers
	// exit once the loopback exchange above has queued its one pass of
	// work, so runWorker below drains it and returns rather than blocking
	// forever.
	wg.Wait()
	logger.Info("quicengine-loop done")
}

// runWorker drives one Worker's cooperative loop until it has gone idle
// for a few consecutive iterations in a row — enough for the demo's single
// handshake-and-exchange pass to drain, without spinning forever.
func runWorker(w *worker.Worker) {
	idle := 0
	for idle < 5 {
		if w.RunOnce(time.Now()) {
			idle = 0
			continue
		}
		w.Idle()
		idle++
		time.Sleep(time.Millisecond)
	}
}

// runLoopbackHandshake builds a client and a server Connection, drives both
// through the lifecycle to Connected, exchanges one tiny message each way
// over a stream, and shuts both down cleanly — the same shape as the
// scenario tests' S1, run here as a manual demonstration rather than an
// assertion.
func runLoopbackHandshake(logger *zap.Logger, cfg *config.Config, pool *worker.Pool) {
	client := conn.New(conn.Client, cfg, 1<<16)
	server := conn.New(conn.Server, cfg, 1<<16)

	clientTrace := qlog.NewTracer(logTraceWriter{logger, "client"}, logging.PerspectiveClient)
	serverTrace := qlog.NewTracer(logTraceWriter{logger, "server"}, logging.PerspectiveServer)
	client.SetTracer(clientTrace)
	server.SetTracer(serverTrace)

	clientDstCID := []byte{0xc1, 0xd0, 0xc1, 0xd0, 0xc1, 0xd0, 0xc1, 0xd0}
	client.SetInitialDestCID(clientDstCID, uint64(cfg.ActiveConnectionIDLimit))
	server.SetInitialDestCID(clientDstCID, uint64(cfg.ActiveConnectionIDLimit))
	if err := client.InstallInitialKeys(clientDstCID); err != nil {
		logger.Error("client initial keys failed", zap.Error(err))
		return
	}
	if err := server.InstallInitialKeys(clientDstCID); err != nil {
		logger.Error("server initial keys failed", zap.Error(err))
		return
	}

	// In a real handshake these come out of the TLS exporter once the
	// ClientHello/ServerHello exchange completes; the loopback demo fixes
	// them so BuildDatagram/HandleDatagram have real 1-RTT keys to seal and
	// open against, the same client/server secret-swap InstallInitialKeys
	// itself already does above.
	clientAppSecret := bytes.Repeat([]byte{0xaa}, 32)
	serverAppSecret := bytes.Repeat([]byte{0xbb}, 32)
	if err := client.InstallOneRTTKeys(serverAppSecret, clientAppSecret); err != nil {
		logger.Error("client one-rtt keys failed", zap.Error(err))
		return
	}
	if err := server.InstallOneRTTKeys(clientAppSecret, serverAppSecret); err != nil {
		logger.Error("server one-rtt keys failed", zap.Error(err))
		return
	}

	now := time.Now()
	for _, c := range []*conn.Connection{client, server} {
		if err := c.Start(); err != nil {
			logger.Error("start failed", zap.Error(err))
			return
		}
		c.EmitStarted(now, "127.0.0.1:0", "127.0.0.1:0", "", string(clientDstCID))
		if err := c.ConfirmHandshake(now); err != nil {
			logger.Error("confirm handshake failed", zap.Error(err))
			return
		}
		if err := c.MarkConnected(); err != nil {
			logger.Error("mark connected failed", zap.Error(err))
			return
		}
		c.EmitCongestionStatus(now)
	}
	logger.Info("handshake complete", zap.String("client_state", client.State().String()), zap.String("server_state", server.State().String()))

	clientHandle := conn.NewHandle(client)
	serverHandle := conn.NewHandle(server)

	cs := stream.New(0, 1<<20, 1<<20)
	client.AddStream(cs)
	ss := stream.New(0, 1<<20, 1<<20)
	server.AddStream(ss)

	// Endpoints are the receive half of the loopback: each side's
	// BuildDatagram output is fed straight into the other's HandleDatagram,
	// the same seal-then-open round trip a real socket pair performs.
	clientEndpoint := conn.NewEndpoint(client, nil, 1<<20, 1<<20)
	serverEndpoint := conn.NewEndpoint(server, nil, 1<<20, 1<<20)
	maxDatagram := int(cfg.MinimumMtu)
	loopbackAddr := &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}

	clientHandle.Ops.Post(func(c *conn.Connection) {
		s, _ := c.Stream(0)
		payload := []byte("ping")
		if err := s.Write(payload, false); err != nil {
			logger.Error("client write failed", zap.Error(err))
			return
		}
		if err := c.OnAppDataSent(uint64(len(payload))); err != nil {
			logger.Error("client key-update accounting failed", zap.Error(err))
		}
		logger.Info("client sent", zap.ByteString("data", payload))
		if datagram, ok := c.BuildDatagram(time.Now(), lossdetection.ApplicationData, maxDatagram, false); ok {
			serverEndpoint.HandleDatagram(datagram, loopbackAddr)
			if rs, ok := server.Stream(0); ok {
				buf := make([]byte, len(payload))
				if n := rs.Read(buf); n > 0 {
					logger.Info("server received", zap.ByteString("data", buf[:n]))
				}
			}
		}
	})
	serverHandle.Ops.Post(func(c *conn.Connection) {
		s, _ := c.Stream(0)
		payload := []byte("pong")
		if err := s.Write(payload, false); err != nil {
			logger.Error("server write failed", zap.Error(err))
			return
		}
		if err := c.OnAppDataSent(uint64(len(payload))); err != nil {
			logger.Error("server key-update accounting failed", zap.Error(err))
		}
		logger.Info("server sent", zap.ByteString("data", payload))
		if datagram, ok := c.BuildDatagram(time.Now(), lossdetection.ApplicationData, maxDatagram, false); ok {
			clientEndpoint.HandleDatagram(datagram, loopbackAddr)
			if rs, ok := client.Stream(0); ok {
				buf := make([]byte, len(payload))
				if n := rs.Read(buf); n > 0 {
					logger.Info("client received", zap.ByteString("data", buf[:n]))
				}
			}
		}
	})

	clientWorker := pool.Pick()
	clientWorker.Enqueue(clientHandle, now)
	serverWorker := pool.Pick()
	serverWorker.Enqueue(serverHandle, now)

	for _, c := range []*conn.Connection{client, server} {
		c.InitiateShutdown(now, true, false, 0)
	}
	logger.Info("shutdown initiated for both peers")
}

// logTraceWriter tees a qlog.Tracer's newline-delimited JSON events into the
// same rotating zap/lumberjack sink the rest of the engine logs through,
// tagged with which side (client/server) emitted them, rather than opening
// a second file the way quic-go's qlog subpackage would.
type logTraceWriter struct {
	logger *zap.Logger
	side   string
}

func (w logTraceWriter) Write(p []byte) (int, error) {
	w.logger.Debug("qlog", zap.String("side", w.side), zap.ByteString("event", p))
	return len(p), nil
}
