package api

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeStream is the smallest Stream implementation that lets a test drive
// every method api.Stream promises an embedder, the way a caller would
// program against internal/conn's eventual blocking-read/write shim without
// this package importing internal/conn (which would create the cycle
// internal/conn already depends on internal/packet/internal/cid for).
type fakeStream struct {
	id    StreamID
	wrote []byte
	ctx   context.Context
}

func (s *fakeStream) StreamID() StreamID { return s.id }
func (s *fakeStream) Write(p []byte) (int, error) {
	s.wrote = append(s.wrote, p...)
	return len(p), nil
}
func (s *fakeStream) Read(p []byte) (int, error)          { return copy(p, s.wrote), nil }
func (s *fakeStream) CancelWrite(ErrorCode)                {}
func (s *fakeStream) CancelRead(ErrorCode)                 {}
func (s *fakeStream) SetWriteDeadline(time.Time) error    { return nil }
func (s *fakeStream) SetReadDeadline(time.Time) error     { return nil }
func (s *fakeStream) SetPriority(uint16)                   {}
func (s *fakeStream) Context() context.Context             { return s.ctx }

var _ Stream = (*fakeStream)(nil)

type fakeConn struct {
	local, remote net.Addr
	streams       chan Stream
	ctx           context.Context
}

func (c *fakeConn) AcceptStream(ctx context.Context) (Stream, error) {
	select {
	case s := <-c.streams:
		return s, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
func (c *fakeConn) AcceptUniStream(ctx context.Context) (ReceiveStream, error) {
	return nil, errors.New("fakeConn: no uni streams")
}
func (c *fakeConn) OpenStream() (Stream, error) { return &fakeStream{id: 4}, nil }
func (c *fakeConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	return c.OpenStream()
}
func (c *fakeConn) OpenUniStream() (SendStream, error) { return &fakeStream{id: 2}, nil }
func (c *fakeConn) OpenUniStreamSync(ctx context.Context) (SendStream, error) {
	return c.OpenUniStream()
}
func (c *fakeConn) LocalAddr() net.Addr  { return c.local }
func (c *fakeConn) RemoteAddr() net.Addr { return c.remote }
func (c *fakeConn) CloseWithError(ErrorCode, string) error { return nil }
func (c *fakeConn) Context() context.Context               { return c.ctx }
func (c *fakeConn) ConnectionState() ConnectionState {
	return ConnectionState{Version: 1, NegotiatedALPN: "h3"}
}
func (c *fakeConn) SendDatagram([]byte) error { return nil }
func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return nil, errors.New("fakeConn: no datagram available")
}

var _ Connection = (*fakeConn)(nil)

func TestConnectionInterfaceRoundTripsAStream(t *testing.T) {
	c := &fakeConn{
		local:   &net.UDPAddr{Port: 4433},
		remote:  &net.UDPAddr{Port: 9000},
		streams: make(chan Stream, 1),
		ctx:     context.Background(),
	}
	s, err := c.OpenStream()
	if err != nil {
		t.Fatalf("OpenStream: %v", err)
	}
	if _, err := s.Write([]byte("ping")); err != nil {
		t.Fatalf("Write: %v", err)
	}
	c.streams <- s

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	got, err := c.AcceptStream(ctx)
	if err != nil {
		t.Fatalf("AcceptStream: %v", err)
	}
	buf := make([]byte, 4)
	if n, _ := got.Read(buf); n != 4 || string(buf) != "ping" {
		t.Fatalf("Read = %q (%d), want ping (4)", buf[:n], n)
	}
	if c.ConnectionState().NegotiatedALPN != "h3" {
		t.Fatalf("unexpected ALPN: %+v", c.ConnectionState())
	}
}

func TestAcceptStreamRespectsContextCancellation(t *testing.T) {
	c := &fakeConn{streams: make(chan Stream), ctx: context.Background()}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.AcceptStream(ctx); err == nil {
		t.Fatalf("expected AcceptStream to report the cancelled context")
	}
}
