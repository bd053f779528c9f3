package lifecycle

import (
	"testing"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/sstable"
)

func TestTransaction_CommitAppliesAndClearsJournal(t *testing.T) {
	fio := sstable.NewMemFileIO()
	log := NewFileLog("/txlog", fio)

	id := tablestore.NewTimeOrderedUUID()
	txn := New(id, log)
	if err := txn.Begin(); err != nil {
		t.Fatalf("begin: %v", err)
	}
	if err := txn.AddEntry(EntryAdd, "/data/t/5-Data.db"); err != nil {
		t.Fatalf("add entry: %v", err)
	}
	if err := txn.PrepareToCommit(); err != nil {
		t.Fatalf("prepare: %v", err)
	}

	applied := false
	if err := txn.Commit(func(entries []LogEntry) error {
		applied = len(entries) == 1 && entries[0].Path == "/data/t/5-Data.db"
		return nil
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if !applied {
		t.Fatalf("expected apply to observe the recorded entry")
	}

	ids, _, err := log.ScanKnown([]tablestore.UUID{id})
	if err != nil {
		t.Fatalf("scan known: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no pending transactions after commit, got %d", len(ids))
	}
}

func TestTransaction_RollbackBeforePrepareNeedsNoJournalCleanup(t *testing.T) {
	fio := sstable.NewMemFileIO()
	log := NewFileLog("/txlog", fio)
	id := tablestore.NewTimeOrderedUUID()
	txn := New(id, log)
	txn.Begin()
	txn.AddEntry(EntryAdd, "/data/t/6-Data.db")

	undone := false
	if err := txn.Rollback(func([]LogEntry) error { undone = true; return nil }); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if !undone {
		t.Fatalf("expected rollback to invoke undo")
	}
}

func TestRecover_ReplaysPreparedButUnfinishedTransaction(t *testing.T) {
	fio := sstable.NewMemFileIO()
	log := NewFileLog("/txlog", fio)
	id := tablestore.NewTimeOrderedUUID()

	txn := New(id, log)
	txn.Begin()
	txn.AddEntry(EntryAdd, "/data/t/9-Data.db")
	if err := txn.PrepareToCommit(); err != nil {
		t.Fatalf("prepare: %v", err)
	}
	// Simulate a crash: no Commit call, journal record is left behind.

	replayedPaths := 0
	n, err := Recover(log, []tablestore.UUID{id}, func(entries []LogEntry) error {
		replayedPaths += len(entries)
		return nil
	})
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if n != 1 || replayedPaths != 1 {
		t.Fatalf("expected exactly one transaction replayed with one entry, got n=%d paths=%d", n, replayedPaths)
	}

	ids, _, _ := log.ScanKnown([]tablestore.UUID{id})
	if len(ids) != 0 {
		t.Fatalf("expected journal cleared after recovery replay")
	}
}
