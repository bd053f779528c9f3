package table

import (
	"context"
	"encoding/json"
	"fmt"
	log "log/slog"
	"path/filepath"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/compaction"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/sstable"
)

// truncateState is spec.md §4.C10's truncate state machine: "all states
// terminal except running". idle is the rest state a fresh table starts in
// and the state a completed or failed run settles back into, so a table can
// be truncated more than once over its lifetime; running is the only
// transient state.
const (
	truncateIdle int32 = iota
	truncateRunning
)

// TruncationRecord is the small JSON sidecar persisted by Truncate so a
// restart knows to replay the write log only from the saved position
// (spec.md §4.C10's "record truncation in the system table"; this module's
// Open Question decision routes that through a per-table file instead of a
// system keyspace — see DESIGN.md).
type TruncationRecord struct {
	TimestampNanos int64 `json:"timestamp_nanos"`
}

func (s *Store) truncationRecordPath() string {
	return filepath.Join(s.dirs[0], "truncation.json")
}

// LastTruncation reads back the persisted truncation record, if any.
func (s *Store) LastTruncation() (TruncationRecord, bool, error) {
	data, err := s.fio.ReadFile(s.truncationRecordPath())
	if err != nil {
		return TruncationRecord{}, false, nil
	}
	var rec TruncationRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return TruncationRecord{}, false, tablestore.NewError(tablestore.Corrupt, err, s.truncationRecordPath())
	}
	return rec, true, nil
}

// Truncate implements spec.md §4.C10's truncate state machine: flush or
// dump memtables, record a truncation timestamp, optionally snapshot,
// mark-obsolete every sorted file whose data is entirely older than the
// truncation point, invalidate the row cache, and persist the truncation
// record. Runs inside run_with_compactions_disabled (spec.md "Concurrency
// requirement"): it pauses global compaction and interrupts/waits for any
// compaction already running against this table before touching the
// tracker.
func (s *Store) Truncate(ctx context.Context, snapshotTag string) error {
	if !s.truncateState.CompareAndSwap(truncateIdle, truncateRunning) {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("truncate already running on table %s", s.id), s.id)
	}
	defer s.truncateState.Store(truncateIdle)

	pauser := s.compactionMgr.PauseGlobal()
	defer pauser.Resume()
	s.compactionMgr.InterruptFor([]tablestore.TableID{s.id}, compaction.Every, false, compaction.TriggerTruncate)
	if err := s.compactionMgr.WaitForCessation(ctx, []tablestore.TableID{s.id}, compaction.Every); err != nil {
		return err
	}

	if err := s.ForceFlush(ctx, memtable.ReasonTruncate); err != nil {
		return err
	}
	s.flushWG.Wait()

	t := tablestore.Now().UnixNano()

	if snapshotTag != "" {
		if err := s.Snapshot(ctx, snapshotTag, false); err != nil {
			return err
		}
	}

	view := s.tracker.Snapshot()
	var obsolete []int64
	var toRelease []sstable.Reader
	for _, gen := range view.LiveGenerations() {
		r, ok := view.Live[gen]
		if !ok {
			continue
		}
		if r.Metadata().MaxTimestamp <= t {
			r.MarkObsolete()
			obsolete = append(obsolete, gen)
			toRelease = append(toRelease, r)
		}
	}
	// DropSSTables drops the tracker's own live-set membership of each
	// obsoleted generation, so this releases the reference that membership
	// represents; any reader still TryRef'd by an in-flight scan keeps its
	// count above zero and its bytes undeleted until that scan releases too
	// (spec.md §5 "try_ref loop", Testable Property 5).
	s.tracker.DropSSTables(obsolete)
	for _, r := range toRelease {
		r.Release()
	}

	if s.rowCache != nil {
		s.rowCache.InvalidateTable(ctx, s.id)
	}

	rec := TruncationRecord{TimestampNanos: t}
	data, err := json.Marshal(rec)
	if err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, s.id)
	}
	if err := s.fio.WriteFile(s.truncationRecordPath(), data, 0o640); err != nil {
		return tablestore.NewError(tablestore.FsWrite, err, s.truncationRecordPath())
	}

	log.Info("truncate complete", "table", s.id.String(), "obsoleted", len(obsolete))
	return nil
}
