package cid

import "testing"

func TestSourceSetGenerateRetriesOnCollision(t *testing.T) {
	s := NewSourceSet()
	calls := 0
	collideOnce := func(cidBytes []byte) bool {
		calls++
		return calls > 1 // first attempt collides, second succeeds
	}
	id, err := s.Generate(nil, 8, []Inserter{collideOnce}, []Remover{func([]byte) {}})
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}
	if len(id.Bytes) != 8 {
		t.Fatalf("expected 8-byte CID, got %d", len(id.Bytes))
	}
	if calls != 2 {
		t.Fatalf("expected exactly one retry (2 calls), got %d", calls)
	}
}

func TestSourceSetGenerateExhaustsRetries(t *testing.T) {
	s := NewSourceSet()
	alwaysCollide := func([]byte) bool { return false }
	_, err := s.Generate(nil, 8, []Inserter{alwaysCollide}, []Remover{func([]byte) {}})
	if err == nil {
		t.Fatalf("expected exhaustion error")
	}
}

func TestDestSetRetirePriorTo(t *testing.T) {
	first := &ID{Bytes: []byte{1}, Sequence: 0}
	d := NewDestSet(first, 4)
	d.ids = append(d.ids, &ID{Bytes: []byte{2}, Sequence: 1})

	toRetire, needsReplace, err := d.HandleNewConnectionID(2, 1, []byte{3})
	if err != nil {
		t.Fatalf("HandleNewConnectionID: %v", err)
	}
	if len(toRetire) != 1 || toRetire[0] != 0 {
		t.Fatalf("expected sequence 0 retired, got %v", toRetire)
	}
	if !needsReplace {
		t.Fatalf("expected needsReplace since the active CID (seq 0) was retired")
	}

	replacement, ok := d.AssignReplacement()
	if !ok {
		t.Fatalf("expected a replacement CID to be available")
	}
	if replacement.Sequence == 0 {
		t.Fatalf("replacement must not be the retired CID")
	}
}

func TestDestSetActiveLimitExceeded(t *testing.T) {
	first := &ID{Bytes: []byte{1}, Sequence: 0}
	d := NewDestSet(first, 1)
	_, _, err := d.HandleNewConnectionID(1, 0, []byte{2})
	if err == nil {
		t.Fatalf("expected active_connection_id_limit violation")
	}
}
