package table

import (
	"context"
	"testing"

	"github.com/nimbusdb/tablestore/internal/memtable"
)

func TestStore_TruncateObsoletesOldSortedFilesAndPersistsRecord(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testUpdate(testKey("a"), s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ForceFlush(ctx, memtable.ReasonTruncate); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if got := len(s.tracker.Snapshot().LiveGenerations()); got == 0 {
		t.Fatalf("expected a live sorted file before truncate, got %d", got)
	}

	if _, found, _ := s.LastTruncation(); found {
		t.Fatalf("expected no truncation record before Truncate runs")
	}

	if err := s.Truncate(ctx, ""); err != nil {
		t.Fatalf("Truncate: %v", err)
	}

	if got := len(s.tracker.Snapshot().LiveGenerations()); got != 0 {
		t.Fatalf("expected every sorted file obsoleted by truncate, got %d still live", got)
	}
	rec, found, err := s.LastTruncation()
	if err != nil {
		t.Fatalf("LastTruncation: %v", err)
	}
	if !found {
		t.Fatalf("expected a truncation record after Truncate")
	}
	if rec.TimestampNanos <= 0 {
		t.Fatalf("expected a positive truncation timestamp, got %d", rec.TimestampNanos)
	}
}

func TestStore_TruncateRejectsConcurrentRun(t *testing.T) {
	s := newTestStore(t)
	s.truncateState.Store(truncateRunning)
	if err := s.Truncate(context.Background(), ""); err == nil {
		t.Fatalf("expected Truncate to reject a concurrent run")
	}
	s.truncateState.Store(truncateIdle)
}

func TestStore_TruncateCanRunMoreThanOnce(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Truncate(ctx, ""); err != nil {
		t.Fatalf("first Truncate: %v", err)
	}
	if err := s.Truncate(ctx, ""); err != nil {
		t.Fatalf("second Truncate: %v", err)
	}
}

func TestStore_TruncateInvalidatesRowCache(t *testing.T) {
	s := newTestStore(t)
	s.rowCache = newCountingRowCache()
	ctx := context.Background()
	if err := s.Truncate(ctx, ""); err != nil {
		t.Fatalf("Truncate: %v", err)
	}
	crc := s.rowCache.(*countingRowCache)
	if crc.invalidations != 1 {
		t.Fatalf("expected exactly one InvalidateTable call, got %d", crc.invalidations)
	}
}
