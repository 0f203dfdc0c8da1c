// Package api defines the public-facing interfaces an embedder of this
// engine programs against: Connection and Stream. Their method shapes
// mirror github.com/quic-go/quic-go's public Connection/Stream interfaces
// (the teacher's own direct dependency, otherwise unused by the
// stripped-down core slice) rather than msquic's handle-table C ABI: the
// public C ABI is out of scope here, in favor of distinct types for
// Connection, Stream, Listener, Configuration, and Registration instead of
// the duck-typed QUIC_HANDLE.Type byte. Implementations live in
// internal/conn and internal/stream; this
// package only fixes the shape callers rely on, breaking what would
// otherwise be an import cycle (conn/stream depend on packet/cid/etc. and
// must not depend back on whatever embeds them).
package api

import (
	"context"
	"net"
	"time"
)

// ErrorCode is an opaque, peer-visible application error code.
type ErrorCode uint64

// StreamID is a 62-bit QUIC stream identifier.
type StreamID uint64

// ShutdownInfo is the terminal-cause payload delivered with a
// SHUTDOWN_COMPLETE-shaped event:
// enough detail for the embedder to disambiguate all four error categories.
type ShutdownInfo struct {
	ByApp          bool
	ShutdownByPeer bool
	ErrorCode      uint64
	TransportError bool
}

// SendStream is the write half of an application byte channel.
type SendStream interface {
	StreamID() StreamID
	Write(p []byte) (n int, err error)
	CancelWrite(code ErrorCode)
	SetWriteDeadline(t time.Time) error
	Context() context.Context
}

// ReceiveStream is the read half of an application byte channel.
type ReceiveStream interface {
	StreamID() StreamID
	Read(p []byte) (n int, err error)
	CancelRead(code ErrorCode)
	SetReadDeadline(t time.Time) error
}

// Stream is a bidirectional application byte channel, combining SendStream
// and ReceiveStream.
type Stream interface {
	SendStream
	ReceiveStream
	SetPriority(p uint16)
}

// ConnectionState summarizes the negotiated parameters of a completed
// handshake, handed to the embedder once Connection reaches Connected.
type ConnectionState struct {
	Version            uint32
	NegotiatedALPN      string
	PeerCertificates    [][]byte // DER-encoded, opaque to this layer
	ResumptionRestored  bool
}

// Connection is the embedder-facing surface of one QUIC connection (spec
// section 3 "Connection"); internal/conn.Connection implements the state
// machine this interface exposes a read/write view onto.
type Connection interface {
	AcceptStream(ctx context.Context) (Stream, error)
	AcceptUniStream(ctx context.Context) (ReceiveStream, error)
	OpenStream() (Stream, error)
	OpenStreamSync(ctx context.Context) (Stream, error)
	OpenUniStream() (SendStream, error)
	OpenUniStreamSync(ctx context.Context) (SendStream, error)

	LocalAddr() net.Addr
	RemoteAddr() net.Addr

	CloseWithError(code ErrorCode, reason string) error
	Context() context.Context
	ConnectionState() ConnectionState

	SendDatagram(payload []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// Listener accepts inbound connections demultiplexed by internal/binding.
type Listener interface {
	Accept(ctx context.Context) (Connection, error)
	Addr() net.Addr
	Close() error
}
