package storage

import (
	"testing"

	"rubin.dev/core/hash"
)

func TestConsensusPositionReadMissingIsNotFound(t *testing.T) {
	d := openTestDB(t)
	_, ok, err := d.ReadConsensusPosition()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if ok {
		t.Fatalf("expected no position on a fresh database")
	}
}

func TestConsensusPositionWriteReadRoundTrip(t *testing.T) {
	d := openTestDB(t)
	want := ConsensusPosition{
		Height:        7,
		Round:         3,
		HasLock:       true,
		LockedRound:   2,
		LockedPropose: hash.Leaf([]byte("propose")),
	}
	if err := d.WriteConsensusPosition(want); err != nil {
		t.Fatalf("write: %v", err)
	}
	got, ok, err := d.ReadConsensusPosition()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !ok {
		t.Fatalf("expected a persisted position")
	}
	if got != want {
		t.Fatalf("round trip mismatch: got %+v, want %+v", got, want)
	}
}

func TestConsensusPositionWriteOverwrites(t *testing.T) {
	d := openTestDB(t)
	if err := d.WriteConsensusPosition(ConsensusPosition{Height: 1, Round: 1}); err != nil {
		t.Fatalf("write 1: %v", err)
	}
	second := ConsensusPosition{Height: 5, Round: 4, HasLock: true, LockedRound: 4, LockedPropose: hash.Leaf([]byte("x"))}
	if err := d.WriteConsensusPosition(second); err != nil {
		t.Fatalf("write 2: %v", err)
	}
	got, ok, err := d.ReadConsensusPosition()
	if err != nil || !ok {
		t.Fatalf("read after overwrite: ok=%v err=%v", ok, err)
	}
	if got != second {
		t.Fatalf("expected the second write to win, got %+v", got)
	}
}
