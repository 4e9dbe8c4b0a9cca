package storage

import "testing"

func u64le(v uint64) []byte {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * uint(i)))
	}
	return b
}

func TestEmptyProofListObjectHash(t *testing.T) {
	l := NewProofList()
	rp := l.GetRangeProof(0, 0)
	if len(rp.Entries) != 0 || len(rp.Proof) != 0 {
		t.Fatalf("expected empty proof")
	}
	if _, err := rp.CheckAgainstHash(l.ObjectHash()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestThreeElementListProof(t *testing.T) {
	l := NewProofList()
	l.Extend([][]byte{u64le(2), u64le(4), u64le(6)})

	rp := l.GetProof(0)
	if len(rp.Proof) != 2 {
		t.Fatalf("expected 2 proof entries, got %d", len(rp.Proof))
	}
	if rp.Proof[0].Height != 1 || rp.Proof[0].Index != 1 {
		t.Fatalf("unexpected first proof entry: %+v", rp.Proof[0])
	}
	if rp.Proof[1].Height != 2 || rp.Proof[1].Index != 1 {
		t.Fatalf("unexpected second proof entry: %+v", rp.Proof[1])
	}

	entries, err := rp.CheckAgainstHash(l.ObjectHash())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(entries) != 1 || entries[0].Index != 0 {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestExtendMatchesRepeatedPush(t *testing.T) {
	a := NewProofList()
	a.Extend([][]byte{u64le(1), u64le(2), u64le(3), u64le(4), u64le(5)})

	b := NewProofList()
	for _, v := range [][]byte{u64le(1), u64le(2), u64le(3), u64le(4), u64le(5)} {
		b.Push(v)
	}

	if a.ObjectHash() != b.ObjectHash() {
		t.Fatalf("extend and repeated push roots diverge")
	}
}

func TestSetReplaysAsFromScratch(t *testing.T) {
	a := NewProofList()
	a.Extend([][]byte{u64le(1), u64le(2), u64le(3)})
	a.Set(1, u64le(99))

	b := NewProofList()
	b.Extend([][]byte{u64le(1), u64le(99), u64le(3)})

	if a.ObjectHash() != b.ObjectHash() {
		t.Fatalf("set did not replay as from-scratch build")
	}
}

func TestTruncateThenExtendRestoresRoot(t *testing.T) {
	l := NewProofList()
	l.Extend([][]byte{u64le(1), u64le(2), u64le(3), u64le(4)})
	original := l.ObjectHash()

	l.Truncate(2)
	l.Extend([][]byte{u64le(3), u64le(4)})

	if l.ObjectHash() != original {
		t.Fatalf("truncate+extend did not restore original root")
	}
}

func TestGetOutOfBounds(t *testing.T) {
	l := NewProofList()
	l.Extend([][]byte{u64le(1)})
	if _, ok := l.Get(5); ok {
		t.Fatalf("expected miss for out-of-range index")
	}
	if _, ok := l.Get(1 << 57); ok {
		t.Fatalf("expected miss for index >= 2^56")
	}
}

func TestRangeProofOutOfBoundsRangeHasNoEntries(t *testing.T) {
	l := NewProofList()
	l.Extend([][]byte{u64le(1), u64le(2)})
	rp := l.GetRangeProof(10, 20)
	if len(rp.Entries) != 0 {
		t.Fatalf("expected no entries for out-of-range request")
	}
	if _, err := rp.CheckAgainstHash(l.ObjectHash()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
