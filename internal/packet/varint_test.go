package packet

import "testing"

func TestVarintRoundTrip(t *testing.T) {
	cases := []uint64{
		0, 1, 63, 64, 16383, 16384,
		1073741823, 1073741824,
		4611686018427387903, // 2^62 - 1
	}
	for _, v := range cases {
		buf := AppendVarint(nil, v)
		got, rest, ok := ConsumeVarint(buf)
		if !ok {
			t.Fatalf("decode failed for %d", v)
		}
		if got != v {
			t.Fatalf("round trip mismatch: encoded %d, decoded %d", v, got)
		}
		if len(rest) != 0 {
			t.Fatalf("unexpected leftover bytes for %d: %v", v, rest)
		}
	}
}

func TestVarintCanonicalLength(t *testing.T) {
	tests := []struct {
		v    uint64
		want int
	}{
		{0, 1}, {MaxVarInt1, 1},
		{MaxVarInt1 + 1, 2}, {MaxVarInt2, 2},
		{MaxVarInt2 + 1, 4}, {MaxVarInt4, 4},
		{MaxVarInt4 + 1, 8}, {MaxVarInt8, 8},
	}
	for _, tc := range tests {
		buf := AppendVarint(nil, tc.v)
		if len(buf) != tc.want {
			t.Fatalf("v=%d: got length %d, want %d", tc.v, len(buf), tc.want)
		}
		if VarintLen(tc.v) != tc.want {
			t.Fatalf("VarintLen(%d) = %d, want %d", tc.v, VarintLen(tc.v), tc.want)
		}
	}
}

func TestVarintTruncated(t *testing.T) {
	buf := AppendVarint(nil, MaxVarInt2+1) // 4-byte encoding
	if _, _, ok := ConsumeVarint(buf[:2]); ok {
		t.Fatalf("expected decode failure on truncated buffer")
	}
}

func TestVarintEncodingSelectsTopBits(t *testing.T) {
	buf := AppendVarint(nil, 37)
	if buf[0]>>6 != 0 {
		t.Fatalf("expected top bits 00 for single-byte varint")
	}
	buf = AppendVarint(nil, 15293)
	if buf[0]>>6 != 1 {
		t.Fatalf("expected top bits 01 for two-byte varint")
	}
	buf = AppendVarint(nil, 494878333)
	if buf[0]>>6 != 2 {
		t.Fatalf("expected top bits 10 for four-byte varint")
	}
	buf = AppendVarint(nil, 151288809941952652)
	if buf[0]>>6 != 3 {
		t.Fatalf("expected top bits 11 for eight-byte varint")
	}
}
