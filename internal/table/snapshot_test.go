package table

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/nimbusdb/tablestore/internal/memtable"
)

func TestStore_SnapshotHardLinksLiveFilesAndWritesManifest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testUpdate(testKey("a"), s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ForceFlush(ctx, memtable.ReasonTruncate); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}

	if err := s.Snapshot(ctx, "tag1", false); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	manifestPath := filepath.Join(s.dirs[0], "snapshots", "tag1", "manifest.json")
	data, err := s.fio.ReadFile(manifestPath)
	if err != nil {
		t.Fatalf("reading manifest: %v", err)
	}
	var m manifest
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("decoding manifest: %v", err)
	}
	if len(m.Files) == 0 {
		t.Fatalf("expected manifest to list hard-linked component files")
	}
	if s.fio.Exists(filepath.Join(s.dirs[0], "snapshots", "tag1", "ephemeral.snapshot")) {
		t.Fatalf("non-ephemeral snapshot should not carry an ephemeral marker")
	}
}

func TestStore_EphemeralSnapshotMarkerAndCleanup(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testUpdate(testKey("a"), s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ForceFlush(ctx, memtable.ReasonTruncate); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if err := s.Snapshot(ctx, "tmp1", true); err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	tags, err := s.pendingEphemeralSnapshots()
	if err != nil {
		t.Fatalf("pendingEphemeralSnapshots: %v", err)
	}
	if len(tags) != 1 || tags[0] != "tmp1" {
		t.Fatalf("expected [tmp1], got %v", tags)
	}

	if err := s.cleanupEphemeralSnapshots(); err != nil {
		t.Fatalf("cleanupEphemeralSnapshots: %v", err)
	}
	remaining, err := s.pendingEphemeralSnapshots()
	if err != nil {
		t.Fatalf("pendingEphemeralSnapshots after cleanup: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected no ephemeral snapshots left after cleanup, got %v", remaining)
	}
}

func TestStore_BackupReusesSnapshotMachinery(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testUpdate(testKey("a"), s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ForceFlush(ctx, memtable.ReasonTruncate); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	if err := s.Backup(ctx, "b1"); err != nil {
		t.Fatalf("Backup: %v", err)
	}
	if !s.fio.Exists(filepath.Join(s.dirs[0], "backups", "b1", "manifest.json")) {
		t.Fatalf("expected a manifest under the backups tree")
	}
}

func TestStore_SnapshotRejectsEmptyTag(t *testing.T) {
	s := newTestStore(t)
	if err := s.Snapshot(context.Background(), "", false); err == nil {
		t.Fatalf("expected an error for an empty snapshot tag")
	}
}
