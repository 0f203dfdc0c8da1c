// Package cid implements spec section 4.9: source/destination connection-ID
// tables, retire-prior-to handling, and the collision-retried random
// source-CID generation used when a connection needs a new identity to
// present to a binding's demultiplex table. Grounded on
// golang.org/x/net/internal/quic/conn_id.go (vendored in the
// distribution-distribution example) for the local/remote ID bookkeeping
// shape, restructured around the spec's explicit insert/retire/collision
// vocabulary instead of the original's connsMap callback style.
package cid

import (
	"bytes"
	"crypto/rand"
	"fmt"
)

// MaxCollisionRetry bounds how many times source-CID generation will retry
// after a binding-table collision before giving up as a local fatal error
//.
const MaxCollisionRetry = 8

// RetireLimitMultiple is spec section 4.9's "8 x ACTIVE_CONNECTION_ID_LIMIT"
// ceiling on retired-but-not-yet-cleaned-up destination CIDs.
const RetireLimitMultiple = 8

// ID is one connection ID and its per-spec metadata.
type ID struct {
	Bytes       []byte
	Sequence    uint64
	Initial     bool // the very first CID exchanged (seq 0 for the server-assigned side)
	Retired     bool
	UsedLocally bool // for destination IDs: currently the active path's target
	NeedsToSend bool // NEW_CONNECTION_ID (source) or RETIRE_CONNECTION_ID (dest) pending
	ResetToken  [16]byte // carried in this source CID's NEW_CONNECTION_ID frame
}

// Inserter attempts to register cid in a binding's source-CID hash table,
// reporting false on collision (spec section 5 "Binding source-CID hash
// tables ... lock-protected").
type Inserter func(cidBytes []byte) (ok bool)

// Remover undoes a prior successful Inserter call, used to unwind partial
// inserts across multiple bindings when a later one collides.
type Remover func(cidBytes []byte)

// SourceSet owns the CIDs this endpoint has issued to the peer: the set
// indexed by the binding(s) for inbound demultiplexing.
type SourceSet struct {
	ids     []*ID
	nextSeq uint64
}

// NewSourceSet builds an empty set; the caller inserts the initial CID
// (sequence 0) via Generate or, for a server's transient accept, via Add.
func NewSourceSet() *SourceSet { return &SourceSet{} }

// Add registers an externally-chosen CID (e.g. the server's first,
// client-visible source ID) without going through random generation.
func (s *SourceSet) Add(id *ID) { s.ids = append(s.ids, id) }

// All returns every tracked source CID, retired or not.
func (s *SourceSet) All() []*ID { return s.ids }

// Active returns the non-retired source CIDs the peer may still use to
// address this connection.
func (s *SourceSet) Active() []*ID {
	var out []*ID
	for _, id := range s.ids {
		if !id.Retired {
			out = append(out, id)
		}
	}
	return out
}

// Generate draws length random bytes (the caller has already laid out any
// server-id/partition/CIBIR prefix and fixed it into prefix; Generate fills
// only the random tail of tailLen bytes after prefix), and tries to insert
// the resulting CID into every binding insert func supplied. On collision in
// any one binding, already-successful inserts are undone via remove and the
// whole draw is retried, up to MaxCollisionRetry times.
func (s *SourceSet) Generate(prefix []byte, tailLen int, inserters []Inserter, removers []Remover) (*ID, error) {
	for attempt := 0; attempt < MaxCollisionRetry; attempt++ {
		tail := make([]byte, tailLen)
		if _, err := rand.Read(tail); err != nil {
			return nil, fmt.Errorf("cid: random draw: %w", err)
		}
		cidBytes := append(append([]byte{}, prefix...), tail...)

		inserted := 0
		collided := false
		for _, ins := range inserters {
			if ins(cidBytes) {
				inserted++
				continue
			}
			collided = true
			break
		}
		if !collided {
			id := &ID{Bytes: cidBytes, Sequence: s.nextSeq, NeedsToSend: s.nextSeq != 0}
			s.nextSeq++
			s.ids = append(s.ids, id)
			return id, nil
		}
		// Undo the partial inserts (the bindings processed before the
		// collision) before retrying with a new random draw.
		for i := 0; i < inserted && i < len(removers); i++ {
			removers[i](cidBytes)
		}
	}
	return nil, fmt.Errorf("cid: exhausted %d collision retries", MaxCollisionRetry)
}

// RetireLocal marks a source CID retired after the peer sends
// RETIRE_CONNECTION_ID for it.
func (s *SourceSet) RetireLocal(seq uint64) {
	for _, id := range s.ids {
		if id.Sequence == seq {
			id.Retired = true
			return
		}
	}
}

// DestSet owns the peer-assigned CIDs this endpoint uses as destination.
type DestSet struct {
	ids           []*ID
	retirePriorTo uint64
	retiredCount  uint64
	activeLimit   uint64 // this endpoint's own active_connection_id_limit, as advertised to the peer
}

// NewDestSet builds a DestSet seeded with the peer's first CID (the one
// carried in its first Initial/Retry, sequence 0).
func NewDestSet(first *ID, activeLimit uint64) *DestSet {
	first.UsedLocally = true
	return &DestSet{ids: []*ID{first}, activeLimit: activeLimit}
}

// All returns every tracked destination CID, retired or not, so a send
// scheduler can find ones with NeedsToSend set (a RETIRE_CONNECTION_ID owed
// to the peer).
func (d *DestSet) All() []*ID { return d.ids }

// Active returns the current destination CID in use, if any.
func (d *DestSet) Active() (*ID, bool) {
	for _, id := range d.ids {
		if id.UsedLocally && !id.Retired {
			return id, true
		}
	}
	return nil, false
}

// HandleNewConnectionID processes an incoming NEW_CONNECTION_ID frame: it
// records the CID, raises RetirePriorTo if the frame's value is higher, and
// returns the sequence numbers that must now be retired (their
// RETIRE_CONNECTION_ID frames should be queued by the caller). If the
// active path's destination CID was among those just retired, needsReplace
// reports that the caller must assign a replacement or drop the path (spec
// section 4.9 "Retire-prior-to").
func (d *DestSet) HandleNewConnectionID(seq, retirePriorTo uint64, cidBytes []byte) (toRetire []uint64, needsReplace bool, err error) {
	for _, id := range d.ids {
		if id.Sequence == seq && !bytes.Equal(id.Bytes, cidBytes) {
			return nil, false, fmt.Errorf("cid: NEW_CONNECTION_ID seq %d redefines existing CID", seq)
		}
	}
	if retirePriorTo > d.retirePriorTo {
		d.retirePriorTo = retirePriorTo
	}

	have := false
	for _, id := range d.ids {
		if id.Sequence == seq {
			have = true
			break
		}
	}
	if !have {
		d.ids = append(d.ids, &ID{Bytes: cidBytes, Sequence: seq})
	}

	for _, id := range d.ids {
		if id.Retired || id.Sequence >= d.retirePriorTo {
			continue
		}
		id.Retired = true
		id.NeedsToSend = true // a RETIRE_CONNECTION_ID frame for this sequence is now owed to the peer
		d.retiredCount++
		toRetire = append(toRetire, id.Sequence)
		if id.UsedLocally {
			id.UsedLocally = false
			needsReplace = true
		}
	}

	active := uint64(0)
	for _, id := range d.ids {
		if !id.Retired {
			active++
		}
	}
	if d.activeLimit != 0 && active > d.activeLimit {
		return toRetire, needsReplace, fmt.Errorf("cid: active_connection_id_limit exceeded (%d > %d)", active, d.activeLimit)
	}
	if d.retiredCount > RetireLimitMultiple*max1(d.activeLimit) {
		return toRetire, needsReplace, fmt.Errorf("cid: peer retired-CID count %d exceeds %dx active limit", d.retiredCount, RetireLimitMultiple)
	}
	return toRetire, needsReplace, nil
}

// AssignReplacement picks an unused, non-retired destination CID for the
// active path after the prior one was retired. It
// returns false if none is available, meaning the caller must drop the
// path (or abort silently if this was the only active path).
func (d *DestSet) AssignReplacement() (*ID, bool) {
	for _, id := range d.ids {
		if !id.Retired && !id.UsedLocally {
			id.UsedLocally = true
			return id, true
		}
	}
	return nil, false
}

func max1(v uint64) uint64 {
	if v == 0 {
		return 1
	}
	return v
}
