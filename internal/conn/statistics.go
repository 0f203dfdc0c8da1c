package conn

// SendStatistics mirrors the send-side counters spec section 8's scenario
// tests assert against (S2's "Statistics.Send.RetransmittablePackets >= 2").
type SendStatistics struct {
	RetransmittablePackets uint64
	TotalPackets           uint64
	TotalBytes             uint64
}

// MiscStatistics mirrors spec section 8's S5 "Statistics.Misc.KeyUpdateCount".
type MiscStatistics struct {
	KeyUpdateCount uint64
}

// Statistics is the engine-visible counter set an embedder can inspect for
// diagnostics or (as here) test assertions; it is not itself part of the
// wire protocol.
type Statistics struct {
	Send              SendStatistics
	VersionNegotiation uint64
	StatelessRetry     uint64
	Misc               MiscStatistics
}

// Stats exposes the connection's running Statistics.
func (c *Connection) Stats() *Statistics { return &c.stats }

// OnPacketSent records one transmitted packet for Statistics.Send
// (ackEliciting distinguishes a retransmittable packet, spec glossary
// "ACK-eliciting").
func (c *Connection) OnPacketSent(size uint64, ackEliciting bool) {
	c.stats.Send.TotalPackets++
	c.stats.Send.TotalBytes += size
	if ackEliciting {
		c.stats.Send.RetransmittablePackets++
	}
}

// OnVersionNegotiated records that this connection restarted after a
// Version Negotiation packet.
func (c *Connection) OnVersionNegotiated() { c.stats.VersionNegotiation++ }

// OnStatelessRetry records that this connection completed a Retry
// round-trip.
func (c *Connection) OnStatelessRetry() { c.stats.StatelessRetry++ }

// OnKeyUpdate records a completed 1-RTT key update, initiated locally or by
// the peer.
func (c *Connection) OnKeyUpdate() { c.stats.Misc.KeyUpdateCount++ }
