package compaction

import (
	"context"
	"fmt"
	"sort"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/lifecycle"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/mergeiter"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// Config bounds one table's Compactor the same way flush.Config bounds its
// Pipeline: data directories to spread output across, a retry budget for
// transient IO, and whether the table is a secondary index (spec.md §4.C8's
// scrub-failure-falls-back-to-index-rebuild clause only applies to those).
type Config struct {
	DataDirectories []string
	MaxRetries      uint64
	IsIndexTable    bool
	// RebuildIndex is invoked in place of propagating a scrub (checksum or
	// structural validation) failure when IsIndexTable is true. A nil hook
	// means the table has no rebuild source and scrub failures propagate
	// like any other table.
	RebuildIndex func(ctx context.Context) error

	// FileIO backs the compactor's output writer. nil defaults to
	// sstable.NewOSFileIO(); the caller passes a fsync-capable FileIO (e.g.
	// sstable.NewDirectFileIO()) to give compaction output the same
	// durability contract as the flush pipeline's sorted-file writes
	// (spec.md §4.C6's "fsync new files" commit-sequence step).
	FileIO sstable.FileIO
}

// Compactor drives one table's compactions: merging a Strategy-selected (or
// caller-forced) set of live sorted files into fewer, smaller-overlap
// files, via the same lifecycle-transaction discipline the flush pipeline
// uses (spec.md §4.C6), so a crash mid-compaction leaves either the inputs
// or the output live, never both or neither.
type Compactor struct {
	tableID  tablestore.TableID
	tracker  *tracker.Tracker
	strategy Strategy
	txLog    lifecycle.Log
	gens     *sstable.GenerationCounter
	cfg      Config
	fio      sstable.FileIO
}

// NewCompactor creates a Compactor for tableID driven by strategy.
func NewCompactor(tableID tablestore.TableID, tr *tracker.Tracker, strategy Strategy, txLog lifecycle.Log, gens *sstable.GenerationCounter, cfg Config) *Compactor {
	fio := cfg.FileIO
	if fio == nil {
		fio = sstable.NewOSFileIO()
	}
	return &Compactor{tableID: tableID, tracker: tr, strategy: strategy, txLog: txLog, gens: gens, cfg: cfg, fio: fio}
}

// Run merges task.Inputs (already marked Compacting by the caller) into
// task.OutputSplit output shards (1 if unset), polling stop between merged
// partitions so the operation can be cooperatively interrupted (spec.md
// §5's "Compactions poll a per-operation stop flag between merged
// partitions"). A scrub (Corrupt) failure on an index table is handed to
// cfg.RebuildIndex instead of propagating, per spec.md §4.C8's failure
// policy.
func (c *Compactor) Run(ctx context.Context, task Task, stop func() bool) error {
	view := c.tracker.Snapshot()
	readers, err := c.refInputs(view, task.Inputs)
	if err != nil {
		c.abort(task.Inputs)
		return err
	}

	merged, err := c.merge(ctx, readers, stop)
	if err != nil {
		c.releaseAll(readers)
		if tablestore.ErrorCodeOf(err) == tablestore.Corrupt && c.cfg.IsIndexTable && c.cfg.RebuildIndex != nil {
			c.abort(task.Inputs)
			return c.cfg.RebuildIndex(ctx)
		}
		c.abort(task.Inputs)
		return err
	}

	split := task.OutputSplit
	if split <= 1 {
		split = 1
	}
	shards := splitMerged(merged, split)

	outputs, err := c.writeShards(ctx, shards)
	if err != nil {
		c.releaseAll(readers)
		c.cleanupPartial(outputs)
		c.abort(task.Inputs)
		return err
	}

	if err := c.commit(task.Inputs, readers, outputs); err != nil {
		c.releaseAll(readers)
		c.cleanupPartial(outputs)
		c.abort(task.Inputs)
		return err
	}

	c.releaseAll(readers)
	outMeta := make([]sstable.Metadata, len(outputs))
	for i, o := range outputs {
		outMeta[i] = o.Metadata()
	}
	c.strategy.Replaced(task.Inputs, outMeta)
	return nil
}

func (c *Compactor) refInputs(view *tracker.View, gens []int64) ([]sstable.Reader, error) {
	readers := make([]sstable.Reader, 0, len(gens))
	for _, g := range gens {
		r, ok := view.Live[g]
		if !ok || !r.TryRef() {
			for _, held := range readers {
				held.Release()
			}
			return nil, tablestore.NewError(tablestore.FsRead, fmt.Errorf("sorted file %d unavailable for compaction", g), g)
		}
		readers = append(readers, r)
	}
	// Newest-first by generation. mergeiter does not fold duplicates in this
	// order; Merge's per-cell timestamp comparison picks the winning cell.
	sort.Slice(readers, func(i, j int) bool { return readers[i].Metadata().Generation > readers[j].Metadata().Generation })
	return readers, nil
}

func (c *Compactor) releaseAll(readers []sstable.Reader) {
	for _, r := range readers {
		r.Release()
	}
}

func (c *Compactor) merge(ctx context.Context, readers []sstable.Reader, stop func() bool) ([]*tablestore.PartitionUpdate, error) {
	sources := make([]mergeiter.Source, 0, len(readers))
	for _, r := range readers {
		sc, err := r.Scan(ctx, memtable.DataRange{})
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			return nil, err
		}
		sources = append(sources, sc)
	}
	it, err := mergeiter.New(sources)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*tablestore.PartitionUpdate
	for {
		if stop != nil && stop() {
			return nil, tablestore.NewError(tablestore.Timeout, fmt.Errorf("compaction interrupted"), c.tableID.String())
		}
		pu, ok, err := it.Next()
		if err != nil {
			return nil, err
		}
		if !ok {
			break
		}
		out = append(out, pu)
	}
	return out, nil
}

func splitMerged(updates []*tablestore.PartitionUpdate, n int) [][]*tablestore.PartitionUpdate {
	if n <= 1 || len(updates) <= n {
		return [][]*tablestore.PartitionUpdate{updates}
	}
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

func (c *Compactor) writeShards(ctx context.Context, shards [][]*tablestore.PartitionUpdate) ([]sstable.Reader, error) {
	readers := make([]sstable.Reader, len(shards))
	for i, shard := range shards {
		i, shard := i, shard
		dir := c.dirFor(i)
		gen := c.gens.Next()
		err := tablestore.RetryIO(ctx, c.cfg.MaxRetries, func(ctx context.Context) error {
			w := sstable.NewPlainWriter(dir, c.fio, gen)
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
		if err != nil {
			return readers, err
		}
	}
	return readers, nil
}

func (c *Compactor) dirFor(i int) string {
	if len(c.cfg.DataDirectories) == 0 {
		return "."
	}
	return c.cfg.DataDirectories[i%len(c.cfg.DataDirectories)]
}

// cleanupPartial discards output shards written before a later shard or the
// commit itself failed. These readers were never published to the tracker,
// so their refCounter still holds only its single creation-time reference;
// Close (one Release) drops it to zero and deletes the files immediately.
func (c *Compactor) cleanupPartial(readers []sstable.Reader) {
	for _, r := range readers {
		if r == nil {
			continue
		}
		r.MarkObsolete()
		r.Close()
	}
}

// commit runs the lifecycle transaction that atomically swaps inputGens
// out for outputs: PrepareToCommit durably journals both the additions and
// the removals, Commit publishes the new View and then retires the old
// readers. A crash between PrepareToCommit and Finish is rolled forward at
// startup by the table's recovery pass (table.Store.replayPendingTransactions),
// which reopens the journaled additions and deletes the journaled removals
// (spec.md §8 S3); it does not re-run this apply function.
func (c *Compactor) commit(inputGens []int64, inputs []sstable.Reader, outputs []sstable.Reader) error {
	id := tablestore.NewTimeOrderedUUID()
	txn := lifecycle.New(id, c.txLog)
	if err := txn.Begin(); err != nil {
		return err
	}
	for _, r := range outputs {
		for _, p := range r.Paths() {
			if err := txn.AddEntry(lifecycle.EntryAdd, p); err != nil {
				return err
			}
		}
	}
	for _, r := range inputs {
		for _, p := range r.Paths() {
			if err := txn.AddEntry(lifecycle.EntryRemove, p); err != nil {
				return err
			}
		}
	}
	if err := txn.PrepareToCommit(); err != nil {
		return err
	}
	return txn.Commit(func(entries []lifecycle.LogEntry) error {
		c.tracker.AddSSTables(outputs)
		c.tracker.DropSSTables(inputGens)
		// DropSSTables drops the tracker's own live-set membership of each
		// input, so this releases the reference that membership represents.
		// refInputs's TryRef still holds a second reference per input at
		// this point; Run's own releaseAll (after commit returns) drops
		// that one, so the backing files are only deleted once both have
		// gone, never while a concurrent holder is still scanning one
		// (spec.md Testable Property 5).
		for _, r := range inputs {
			r.MarkObsolete()
			r.Release()
		}
		return nil
	})
}

// abort restores generations to the live-and-not-compacting state after a
// failed merge, per spec.md §4.C8: "leaves the strategy free to pick a
// different set next time."
func (c *Compactor) abort(generations []int64) {
	c.tracker.ClearCompacting(generations)
}
