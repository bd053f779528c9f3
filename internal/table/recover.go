package table

import (
	"context"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/lifecycle"
	"github.com/nimbusdb/tablestore/internal/sstable"
)

// recover replays any lifecycle transaction a prior process instance left
// pending (spec.md §8 S3's roll-forward half), then discovers sorted files
// already sealed on disk that no pending transaction already accounted for
// (a clean shutdown never journals those, since Commit's own apply already
// published them to the in-memory tracker that died with the process).
// Engine.Open calls this once per table, before the table accepts traffic.
func (s *Store) recover(ctx context.Context) error {
	handled, err := s.replayPendingTransactions(ctx)
	if err != nil {
		return err
	}
	return s.discoverSortedFiles(ctx, handled)
}

// replayPendingTransactions lists every txn-*.json left behind under this
// table's journal directory (lifecycle.FileLog.Pending already does the
// listing), applies each oldest-first exactly like lifecycle.Recover does,
// and returns the set of generations the replay touched, so
// discoverSortedFiles does not reopen or re-delete them.
func (s *Store) replayPendingTransactions(ctx context.Context) (map[int64]bool, error) {
	handled := make(map[int64]bool)
	ids, pending, err := s.txLog.Pending()
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		added, removed, err := s.applyRecoveredEntries(ctx, pending[id])
		if err != nil {
			return nil, tablestore.NewError(tablestore.StartupFailure, err, id)
		}
		for gen := range added {
			handled[gen] = true
		}
		for gen := range removed {
			handled[gen] = true
		}
		if err := s.txLog.Finish(id); err != nil {
			return nil, err
		}
	}
	return handled, nil
}

// applyRecoveredEntries is this table's ApplyFunc (spec.md §4.C6): EntryAdd
// names components of a sorted file that was fully written and sealed
// before the crash, so it is reopened and published live; EntryRemove names
// components of a file a compaction already superseded, so its bytes are
// deleted and it is never made live. Both kinds of entry are idempotent to
// replay twice, matching ApplyFunc's contract.
func (s *Store) applyRecoveredEntries(ctx context.Context, entries []lifecycle.LogEntry) (added, removed map[int64]bool, err error) {
	added = make(map[int64]bool)
	removed = make(map[int64]bool)
	addDirs := make(map[int64]string)
	for _, e := range entries {
		dir, gen, ok := parseGenerationPath(e.Path)
		if !ok {
			continue
		}
		switch e.Kind {
		case lifecycle.EntryAdd:
			if _, exists := addDirs[gen]; !exists {
				addDirs[gen] = dir
			}
		case lifecycle.EntryRemove:
			removed[gen] = true
		}
	}

	var readers []sstable.Reader
	for gen, dir := range addDirs {
		r, rerr := sstable.OpenPlainReader(ctx, dir, s.fio, gen)
		if rerr != nil {
			return nil, nil, rerr
		}
		readers = append(readers, r)
		added[gen] = true
		s.gens.Bump(gen)
	}
	if len(readers) > 0 {
		s.tracker.AddSSTables(readers)
	}

	for _, e := range entries {
		if e.Kind != lifecycle.EntryRemove {
			continue
		}
		if err := s.fio.Remove(e.Path); err != nil {
			return nil, nil, err
		}
	}
	return added, removed, nil
}

// discoverSortedFiles publishes every sealed plain-format sorted file found
// under s.dirs that handled does not already account for, so a table
// reopened after a clean shutdown (no pending transactions at all) still
// sees the sorted files a previous process instance wrote. Scoped to the
// plain format since the flush pipeline and compactor never emit
// erasure-coded output in this module (see flush.Pipeline.writeShards /
// compaction.Compactor.writeShards, both hard-coded to
// sstable.NewPlainWriter); an erasure-coded table would need its own
// discovery sweep keyed on ECConfig's shard layout instead of a TOC listing.
func (s *Store) discoverSortedFiles(ctx context.Context, handled map[int64]bool) error {
	tocSuffix := "-" + sstable.ComponentTOC.Extension()
	seen := make(map[int64]bool)
	var readers []sstable.Reader
	for _, dir := range s.dirs {
		names, err := s.fio.List(dir)
		if err != nil {
			continue
		}
		for _, name := range names {
			if !strings.HasSuffix(name, tocSuffix) {
				continue
			}
			gen, perr := strconv.ParseInt(strings.TrimSuffix(name, tocSuffix), 10, 64)
			if perr != nil {
				continue
			}
			if handled[gen] || seen[gen] {
				continue
			}
			seen[gen] = true
			r, rerr := sstable.OpenPlainReader(ctx, dir, s.fio, gen)
			if rerr != nil {
				return rerr
			}
			readers = append(readers, r)
			s.gens.Bump(gen)
		}
	}
	if len(readers) > 0 {
		s.tracker.AddSSTables(readers)
	}
	return nil
}

// parseGenerationPath splits a component path written by joinPath (sstable
// package) back into its directory and generation number.
func parseGenerationPath(path string) (dir string, gen int64, ok bool) {
	dir = filepath.Dir(path)
	base := filepath.Base(path)
	idx := strings.IndexByte(base, '-')
	if idx <= 0 {
		return "", 0, false
	}
	g, err := strconv.ParseInt(base[:idx], 10, 64)
	if err != nil {
		return "", 0, false
	}
	return dir, g, true
}

// cleanupEphemeralSnapshots deletes every snapshot tree this table left
// marked ephemeral.snapshot (SPEC_FULL.md's supplemented startup-cleanup
// feature): an ephemeral snapshot is a transient artifact of an in-flight
// operation (e.g. streaming a table to another node), not meant to survive
// a crash in the middle of producing it.
func (s *Store) cleanupEphemeralSnapshots() error {
	tags, err := s.pendingEphemeralSnapshots()
	if err != nil {
		return err
	}
	for _, tag := range tags {
		if err := s.deleteSnapshot(tag); err != nil {
			return err
		}
	}
	return nil
}
