// Package retry implements the server-side address-validation token cache:
// issued Retry tokens and NEW_TOKEN tokens, and per-4-tuple amplification-
// validation state, so a restarted listener (or one load-balanced across
// workers) can validate a token without round-tripping to per-connection
// state. Grounded on the teacher's controller/server.go ipCache and
// controller/prewarm.go's addr-keyed sync.Map, both expiring-map idioms;
// this package keeps the same github.com/patrickmn/go-cache dependency but
// keys it on address-validation tokens instead of a rate-limit counter.
package retry

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
)

// tokenTTL bounds how long an issued Retry token remains acceptable; msquic
// ties this to a similar short window to limit token-replay exposure.
const tokenTTL = 15 * time.Second

// Cache issues and validates address-validation tokens. One Cache is shared
// by every worker behind a Binding.
type Cache struct {
	secret [32]byte
	issued *cache.Cache
}

// New builds a Cache with a freshly drawn HMAC secret.
func New() (*Cache, error) {
	var secret [32]byte
	if _, err := rand.Read(secret[:]); err != nil {
		return nil, fmt.Errorf("retry: generating secret: %w", err)
	}
	return &Cache{
		secret: secret,
		issued: cache.New(tokenTTL, 2*tokenTTL),
	}, nil
}

// Issue produces an opaque Retry token binding the original destination CID
// and the client's observed address, and remembers it so Validate can
// reject a token that was already consumed once (replay).
func (c *Cache) Issue(origDestCID []byte, clientAddr string) []byte {
	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(origDestCID)
	mac.Write([]byte(clientAddr))
	sig := mac.Sum(nil)

	token := make([]byte, 1+len(origDestCID)+len(sig))
	token[0] = byte(len(origDestCID))
	copy(token[1:], origDestCID)
	copy(token[1+len(origDestCID):], sig)

	c.issued.Set(string(token), struct{}{}, cache.DefaultExpiration)
	return token
}

// Validate checks a token presented in a subsequent Initial packet's token
// field against clientAddr, reporting the original destination CID it was
// issued for. A token that has already been consumed, is malformed, or has
// expired fails validation.
func (c *Cache) Validate(token []byte, clientAddr string) (origDestCID []byte, ok bool) {
	if len(token) < 1 {
		return nil, false
	}
	n := int(token[0])
	if 1+n+sha256.Size != len(token) {
		return nil, false
	}
	origDestCID = token[1 : 1+n]

	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write(origDestCID)
	mac.Write([]byte(clientAddr))
	expected := mac.Sum(nil)
	if !hmac.Equal(expected, token[1+n:]) {
		return nil, false
	}

	key := string(token)
	if _, found := c.issued.Get(key); !found {
		return nil, false // expired, or never issued by this cache instance
	}
	c.issued.Delete(key) // one-shot: a consumed token cannot be replayed
	return origDestCID, true
}

// ResetTokenSecret derives this Binding's stateless-reset HMAC secret once,
// reusing the same key material as token issuance (spec section 6
// "Listener-to-connection handoff" stateless reset).
func (c *Cache) ResetTokenSecret() [32]byte { return c.secret }

// StatelessResetToken computes the 16-byte stateless reset token for a
// source CID, per RFC 9000 section 10.3 (HMAC over the CID, truncated).
func (c *Cache) StatelessResetToken(connID []byte) [16]byte {
	mac := hmac.New(sha256.New, c.secret[:])
	mac.Write([]byte("stateless reset"))
	mac.Write(connID)
	sum := mac.Sum(nil)
	var tok [16]byte
	copy(tok[:], sum)
	return tok
}

// AmplificationState tracks bytes sent/received for one not-yet-validated
// 4-tuple, keyed separately from the per-connection accounting in
// internal/conn so a Binding can pre-validate an address even before a
// connection object exists (e.g. while still matching ALPN).
type AmplificationState struct {
	bytesSent, bytesReceived uint64
}

// amplificationKey packs a 4-tuple-derived cache key; callers pass their
// own string (typically net.Addr.String()) so this package stays
// transport-agnostic.
func amplificationKey(addr string) string { return "amp:" + addr }

// TrackReceived records nBytes received from addr, for amplification
// pre-validation prior to connection handoff.
func (c *Cache) TrackReceived(addr string, nBytes uint64) {
	key := amplificationKey(addr)
	v, found := c.issued.Get(key)
	var st *AmplificationState
	if found {
		st = v.(*AmplificationState)
	} else {
		st = &AmplificationState{}
	}
	st.bytesReceived += nBytes
	c.issued.Set(key, st, cache.DefaultExpiration)
}

// CanSend reports whether nBytes may be sent to addr under the 3x
// amplification cap before a Connection object exists to own the
// accounting itself.
func (c *Cache) CanSend(addr string, nBytes uint64) bool {
	v, found := c.issued.Get(amplificationKey(addr))
	if !found {
		return nBytes == 0
	}
	st := v.(*AmplificationState)
	return st.bytesSent+nBytes <= 3*st.bytesReceived
}
