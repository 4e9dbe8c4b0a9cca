package storage

import "testing"

func TestMigrationFlushReplacesLiveData(t *testing.T) {
	d := openTestDB(t)
	if err := d.DeclareIndex("legacy.widgets", IndexKindPlain); err != nil {
		t.Fatalf("declare index: %v", err)
	}
	snap, _ := d.Snapshot()
	fork := d.Fork(snap)
	fork.Put("legacy.widgets", []byte("a"), []byte("old"))
	if err := d.Merge(fork.IntoPatch()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	snap.Close()

	mg, err := d.BeginMigration("legacy")
	if err != nil {
		t.Fatalf("begin migration: %v", err)
	}
	if v, ok := mg.Get("legacy.widgets", []byte("a")); !ok || string(v) != "old" {
		t.Fatalf("migration should see original data through shadow overlay, got %v %v", v, ok)
	}
	if err := mg.Put("legacy.widgets", []byte("a"), []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}

	snap2, _ := d.Snapshot()
	liveDuringMigration, ok := snap2.Get("legacy.widgets", []byte("a"))
	snap2.Close()
	if !ok || string(liveDuringMigration) != "old" {
		t.Fatalf("non-migration readers must still see original data mid-migration, got %v %v", liveDuringMigration, ok)
	}

	if err := mg.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	snap3, _ := d.Snapshot()
	defer snap3.Close()
	v, ok := snap3.Get("legacy.widgets", []byte("a"))
	if !ok || string(v) != "new" {
		t.Fatalf("flush must replace live data with shadow, got %v %v", v, ok)
	}
}

func TestMigrationRollbackLeavesLiveDataUntouched(t *testing.T) {
	d := openTestDB(t)
	if err := d.DeclareIndex("legacy.widgets", IndexKindPlain); err != nil {
		t.Fatalf("declare index: %v", err)
	}
	snap, _ := d.Snapshot()
	fork := d.Fork(snap)
	fork.Put("legacy.widgets", []byte("a"), []byte("old"))
	if err := d.Merge(fork.IntoPatch()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	snap.Close()

	mg, err := d.BeginMigration("legacy")
	if err != nil {
		t.Fatalf("begin migration: %v", err)
	}
	if err := mg.Put("legacy.widgets", []byte("a"), []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mg.Rollback(); err != nil {
		t.Fatalf("rollback: %v", err)
	}

	snap2, _ := d.Snapshot()
	defer snap2.Close()
	v, ok := snap2.Get("legacy.widgets", []byte("a"))
	if !ok || string(v) != "old" {
		t.Fatalf("rollback must leave live data untouched, got %v %v", v, ok)
	}
}

func TestMigrationAbortRejectsFlush(t *testing.T) {
	d := openTestDB(t)
	mg, err := d.BeginMigration("legacy")
	if err != nil {
		t.Fatalf("begin migration: %v", err)
	}
	if err := mg.Put("legacy.widgets", []byte("a"), []byte("new")); err != nil {
		t.Fatalf("put: %v", err)
	}
	mg.Abort()
	if err := mg.Flush(); err == nil {
		t.Fatalf("expected flush to fail after abort")
	}
}

func TestMigrationTombstoneRemovesIndexOnFlush(t *testing.T) {
	d := openTestDB(t)
	if err := d.DeclareIndex("legacy.widgets", IndexKindPlain); err != nil {
		t.Fatalf("declare index: %v", err)
	}
	snap, _ := d.Snapshot()
	fork := d.Fork(snap)
	fork.Put("legacy.widgets", []byte("a"), []byte("old"))
	if err := d.Merge(fork.IntoPatch()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	snap.Close()

	mg, err := d.BeginMigration("legacy")
	if err != nil {
		t.Fatalf("begin migration: %v", err)
	}
	mg.Tombstone("legacy.widgets")
	if err := mg.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}

	snap2, _ := d.Snapshot()
	defer snap2.Close()
	if _, ok := snap2.Get("legacy.widgets", []byte("a")); ok {
		t.Fatalf("tombstoned index must be empty after flush")
	}
}

func TestMigrationScratchpadClearedOnFlush(t *testing.T) {
	d := openTestDB(t)
	mg, err := d.BeginMigration("legacy")
	if err != nil {
		t.Fatalf("begin migration: %v", err)
	}
	mg.ScratchpadPut("progress", []byte("halfway"))
	if err := mg.Put("legacy.widgets", []byte("a"), []byte("v")); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := mg.Flush(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	if _, ok := mg.ScratchpadGet("progress"); ok {
		t.Fatalf("scratchpad must be cleared after flush")
	}
}
