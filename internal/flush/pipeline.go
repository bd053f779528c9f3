// Package flush implements the Flush Pipeline (spec.md §4.C7): the
// algorithm that freezes a memtable behind a barrier, writes it out as one
// or more sorted files (sharded across configured data directories so the
// writers can fan out), and durably commits the result via a lifecycle
// transaction before discarding the memtable and its write-log range.
//
// Grounded on SharedCode-sop/task_runner.go's errgroup-based fan-out
// (wrapped here as tablestore.TaskRunner) and the general retry-then-log
// shape of job_processor.go.
package flush

import (
	log "log/slog"

	"context"
	"fmt"
	"sort"
	"time"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/lifecycle"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/ordering"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
	"github.com/nimbusdb/tablestore/internal/walpos"
)

// Config bounds a Pipeline's fan-out and durability behavior, sourced from
// spec.md §6's recognized options (flush_writers) plus the data-directory
// list every ambient Configuration carries.
type Config struct {
	DataDirectories []string
	Writers         int // flush_writers; <=0 means "one writer, no fan-out"
	MaxRetries      uint64
	UseDirectIO     bool

	// Cache, when set, backs a cross-process "one flush in flight per
	// table" guard: nodes sharing the same data directories (e.g. during a
	// failover window) must not flush the same table concurrently. A nil
	// Cache means single-process operation, where Pipeline.Flush is
	// already serialized by its caller.
	Cache   tablestore.Cache
	LockTTL time.Duration // defaults to 30s when Cache is set and this is <=0
}

func (c Config) shardCount() int {
	if len(c.DataDirectories) == 0 {
		return 1
	}
	return len(c.DataDirectories)
}

// Pipeline drives one table's flushes.
type Pipeline struct {
	tableID  tablestore.TableID
	tracker  *tracker.Tracker
	txLog    lifecycle.Log
	writeLog walpos.WriteLog
	gens     *sstable.GenerationCounter
	cfg      Config
	fio      sstable.FileIO
}

// New creates a Pipeline for tableID.
func New(tableID tablestore.TableID, tr *tracker.Tracker, txLog lifecycle.Log, writeLog walpos.WriteLog, gens *sstable.GenerationCounter, cfg Config) *Pipeline {
	fio := sstable.FileIO(sstable.NewOSFileIO())
	if cfg.UseDirectIO {
		fio = sstable.NewDirectFileIO()
	}
	return &Pipeline{tableID: tableID, tracker: tr, txLog: txLog, writeLog: writeLog, gens: gens, cfg: cfg, fio: fio}
}

// Flush runs the full pipeline for mt if mt.ShouldSwitch(reason, nowNanos)
// says this trigger should actually cause a flush; otherwise it is a no-op.
// next is the freshly constructed memtable that becomes Current once mt is
// switched out.
func (p *Pipeline) Flush(ctx context.Context, mt *memtable.Memtable, next *memtable.Memtable, opOrder *ordering.OpOrder, reason memtable.FlushReason, nowNanos int64) error {
	if !mt.ShouldSwitch(reason, nowNanos) {
		return nil
	}

	if locked, err := p.acquireFlushLock(ctx); err != nil {
		return err
	} else if !locked {
		// Another process already holds the flush lock for this table;
		// its flush will cover the same write-log range this one would
		// have, so skipping here is safe.
		log.Info("flush lock held elsewhere, skipping", "table", p.tableID.String())
		return nil
	}
	defer p.releaseFlushLock(ctx)

	barrier := opOrder.NewBarrier()
	barrier.Issue()

	finalPos := walpos.New()
	if p.writeLog != nil {
		finalPos = walpos.Max(finalPos, p.writeLog.CurrentPosition())
	}
	if err := mt.SwitchOut(barrier, finalPos); err != nil {
		return err
	}
	p.tracker.SwitchMemtable(next)

	// Flushes are not cancellable (spec.md §5): wait unconditionally for
	// every write already admitted into the outgoing memtable to finish.
	barrier.AwaitBlocking()
	p.tracker.MarkFlushing(mt)

	fc := mt.FlushSet(memtable.DataRange{})
	if len(fc.Updates) == 0 {
		// Nothing to write, but the memtable still needs discarding and the
		// write log still needs its segments released.
		mt.Discard()
		p.discardSegments(mt)
		return nil
	}

	shards := splitIntoShards(fc.Updates, p.cfg.shardCount())

	id := tablestore.NewTimeOrderedUUID()
	txn := lifecycle.New(id, p.txLog)
	if err := txn.Begin(); err != nil {
		return err
	}

	readers, err := p.writeShards(ctx, shards)
	if err != nil {
		txn.Rollback(func(entries []lifecycle.LogEntry) error {
			return p.cleanupPartial(readers)
		})
		return err
	}
	for _, r := range readers {
		for _, path := range r.Paths() {
			if err := txn.AddEntry(lifecycle.EntryAdd, path); err != nil {
				return err
			}
		}
	}

	if err := txn.PrepareToCommit(); err != nil {
		return err
	}
	if err := txn.Commit(func(entries []lifecycle.LogEntry) error {
		p.tracker.FinishFlush(mt, readers)
		return nil
	}); err != nil {
		return err
	}

	mt.Discard()
	p.discardSegments(mt)

	log.Info("flush complete", "table", p.tableID.String(), "reason", int(reason), "shards", len(shards), "partitions", len(fc.Updates))
	return nil
}

func (p *Pipeline) flushLockName() string {
	return fmt.Sprintf("flush/%s", p.tableID.String())
}

// acquireFlushLock takes the cross-process flush guard (spec.md §4.C7 / the
// domain-stack table's distributed-lock row), a no-op returning true when
// p.cfg.Cache is unset.
func (p *Pipeline) acquireFlushLock(ctx context.Context) (bool, error) {
	if p.cfg.Cache == nil {
		return true, nil
	}
	ttl := p.cfg.LockTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	ok, err := p.cfg.Cache.Lock(ctx, p.flushLockName(), ttl)
	if err != nil {
		return false, tablestore.NewError(tablestore.FsWrite, err, p.tableID.String())
	}
	return ok, nil
}

func (p *Pipeline) releaseFlushLock(ctx context.Context) {
	if p.cfg.Cache == nil {
		return
	}
	if err := p.cfg.Cache.Unlock(ctx, p.flushLockName()); err != nil {
		log.Warn("flush lock release failed", "table", p.tableID.String(), "error", err)
	}
}

func (p *Pipeline) discardSegments(mt *memtable.Memtable) {
	if p.writeLog == nil {
		return
	}
	if err := p.writeLog.DiscardCompletedSegments(p.tableID, mt.InitialLogPosition(), mt.FinalLogPosition()); err != nil {
		log.Warn("discard completed segments failed", "table", p.tableID.String(), "error", err)
	}
}

// cleanupPartial discards shards written before a later shard in the same
// flush failed. These readers were never published to the tracker, so their
// refCounter still holds only its single creation-time reference; Close
// (one Release) drops it to zero and deletes the files immediately.
func (p *Pipeline) cleanupPartial(readers []sstable.Reader) error {
	var firstErr error
	for _, r := range readers {
		if r == nil {
			continue
		}
		r.MarkObsolete()
		if err := r.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// writeShards fans shards out across p.cfg.Writers concurrent writers, one
// shard per data directory, via tablestore.TaskRunner (errgroup), retrying
// transient IO failures with tablestore.RetryIO before letting the first
// failure cancel the remaining writers.
func (p *Pipeline) writeShards(ctx context.Context, shards [][]*tablestore.PartitionUpdate) ([]sstable.Reader, error) {
	readers := make([]sstable.Reader, len(shards))
	writers := p.cfg.Writers
	if writers <= 0 {
		writers = 1
	}
	tr := tablestore.NewTaskRunner(ctx, writers)
	for i, shard := range shards {
		i, shard := i, shard
		tr.Go(func(ctx context.Context) error {
			dir := p.dirFor(i)
			gen := p.gens.Next()
			return tablestore.RetryIO(ctx, p.cfg.MaxRetries, func(ctx context.Context) error {
				w := sstable.NewPlainWriter(dir, p.fio, gen)
				for _, pu := range shard {
					if err := w.Add(ctx, pu); err != nil {
						return err
					}
				}
				r, err := w.Finish(ctx)
				if err != nil {
					return err
				}
				readers[i] = r
				return nil
			})
		})
	}
	if err := tr.Wait(); err != nil {
		return readers, err
	}
	return readers, nil
}

func (p *Pipeline) dirFor(shardIndex int) string {
	if len(p.cfg.DataDirectories) == 0 {
		return "."
	}
	return p.cfg.DataDirectories[shardIndex%len(p.cfg.DataDirectories)]
}

// splitIntoShards partitions the already-sorted updates slice into n
// contiguous, roughly equal shards, preserving sort order both within and
// across shards so each shard's sorted file keeps the sorted-file contract.
func splitIntoShards(updates []*tablestore.PartitionUpdate, n int) [][]*tablestore.PartitionUpdate {
	if n <= 1 || len(updates) <= n {
		return [][]*tablestore.PartitionUpdate{updates}
	}
	sort.Slice(updates, func(i, j int) bool { return updates[i].Key.Compare(updates[j].Key) < 0 })
	shards := make([][]*tablestore.PartitionUpdate, 0, n)
	size := (len(updates) + n - 1) / n
	for start := 0; start < len(updates); start += size {
		end := start + size
		if end > len(updates) {
			end = len(updates)
		}
		shards = append(shards, updates[start:end])
	}
	return shards
}
