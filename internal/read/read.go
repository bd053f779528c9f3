// Package read implements the Read Path (spec.md §4.C9): a merging iterator
// over a table's live memtable, its flushing memtables, and its live sorted
// files, restricted by a partition range and a clustering filter, with a
// row-cache cover-check and a point-read short circuit.
//
// The k-way merge itself is internal/mergeiter, shared with the Compaction
// Manager (C8) so the fold-on-equal-key algorithm exists exactly once.
// Grounded on SharedCode-sop/btree/btreecursor.go's cursor-stacking shape
// for the merge, generalized here to sources drawn from three different
// storage tiers instead of one B-tree's node cursors.
package read

import (
	"context"
	"sort"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/mergeiter"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// ClusteringFilter restricts which rows of a merged partition survive into
// the result (spec.md §4.C9's "clustering-filter" input). A nil Start/End
// means unbounded on that side.
type ClusteringFilter struct {
	Start *tablestore.Clustering
	End   *tablestore.Clustering
}

func (f ClusteringFilter) matches(c tablestore.Clustering) bool {
	if f.Start != nil && tablestore.CompareClusterings(c, *f.Start) < 0 {
		return false
	}
	if f.End != nil && tablestore.CompareClusterings(c, *f.End) > 0 {
		return false
	}
	return true
}

func (f ClusteringFilter) isUnbounded() bool {
	return f.Start == nil && f.End == nil
}

// DataLimits bounds how much of the merged, filtered result a Scan returns
// (spec.md §4.C9 step 4: "apply the data limits after reconciliation").
// A non-positive field means that dimension is unbounded.
type DataLimits struct {
	MaxPartitions       int
	MaxRowsPerPartition int
}

func (l DataLimits) partitionsSatisfied(count int) bool {
	return l.MaxPartitions > 0 && count >= l.MaxPartitions
}

// ReadCommand is spec.md §4.C9's `ReadCommand` = (table-id,
// partition-range-or-key, clustering-filter, column-filter, data-limits,
// now-in-seconds). The deadline is carried idiomatically on ctx rather than
// as a field, per spec.md §5's "Reads honor a command-carried deadline" —
// context.Context is the standard Go vehicle for exactly that contract.
type ReadCommand struct {
	TableID    tablestore.TableID
	Range      memtable.DataRange   // ignored when Key is set
	Key        *tablestore.PartitionKey // non-nil selects the point-read short circuit
	Clustering ClusteringFilter
	Columns    memtable.ColumnFilter
	Limits     DataLimits
	NowSeconds int64
}

// RowCache is the row-cache cover-check collaborator (spec.md §4.C9 step 3).
// Lookup reports a cached, previously-merged partition; Store is called
// after a Scan merges a partition from source, keeping the cache warm for
// the next read. Concrete implementation: rowcache.go, backed by
// tablestore.Cache.
type RowCache interface {
	Lookup(ctx context.Context, tableID tablestore.TableID, key tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool)
	Store(ctx context.Context, tableID tablestore.TableID, pu *tablestore.PartitionUpdate)
	// InvalidateTable drops every cached partition for tableID, used by
	// truncate (spec.md §4.C10 "invalidate caches"). The generic
	// tablestore.Cache contract has no prefix scan, so a cache-backed
	// RowCache can only offer this on a best-effort basis; see
	// CacheRowCache's implementation note in rowcache.go.
	InvalidateTable(ctx context.Context, tableID tablestore.TableID)
}

// NoRowCache disables the row-cache cover-check entirely: every lookup
// misses and nothing is ever stored.
type NoRowCache struct{}

// Lookup implements RowCache.
func (NoRowCache) Lookup(context.Context, tablestore.TableID, tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool) {
	return nil, false
}

// Store implements RowCache.
func (NoRowCache) Store(context.Context, tablestore.TableID, *tablestore.PartitionUpdate) {}

// InvalidateTable implements RowCache.
func (NoRowCache) InvalidateTable(context.Context, tablestore.TableID) {}

// Path drives one table's reads against a tracker.Tracker snapshot.
type Path struct {
	tableID  tablestore.TableID
	tracker  *tracker.Tracker
	rowCache RowCache
}

// New creates a Path for tableID. A nil rowCache disables the row-cache
// cover-check (equivalent to NoRowCache).
func New(tableID tablestore.TableID, tr *tracker.Tracker, rowCache RowCache) *Path {
	if rowCache == nil {
		rowCache = NoRowCache{}
	}
	return &Path{tableID: tableID, tracker: tr, rowCache: rowCache}
}

// Get performs a point read: spec.md §4.C9's "point reads short-circuit the
// merge to a per-source get(pk) and apply the same clustering filter."
// Checks the row cache first; on a miss it queries the current memtable,
// every flushing memtable (newest first), and every live sorted file whose
// range covers key, folding every hit via PartitionUpdate.Merge.
func (p *Path) Get(ctx context.Context, cmd ReadCommand) (*tablestore.PartitionUpdate, error) {
	if cmd.Key == nil {
		return nil, tablestore.NewError(tablestore.InvalidRequest, errMissingKey, cmd.TableID)
	}
	key := *cmd.Key

	if cached, ok := p.rowCache.Lookup(ctx, p.tableID, key); ok && rowCacheCovers(cached, cmd.Limits) {
		return applyFilters(cached, cmd), nil
	}

	view := p.tracker.Snapshot()
	var merged *tablestore.PartitionUpdate

	// merged is always this function's own clone once non-nil: pu may alias
	// a live memtable entry or a sealed reader's shared decoded record, and
	// Merge mutates its receiver in place, so folding must never touch pu
	// itself (spec.md §5's "within a write, put appears atomic to readers"
	// extends here to "a read never mutates what it read").
	fold := func(pu *tablestore.PartitionUpdate, ok bool) {
		if !ok || pu == nil {
			return
		}
		if merged == nil {
			merged = pu.Clone()
			return
		}
		merged.Merge(pu)
	}

	if view.Current != nil {
		pu, ok := view.Current.Get(key)
		fold(pu, ok)
	}
	for i := len(view.Flushing) - 1; i >= 0; i-- {
		pu, ok := view.Flushing[i].Get(key)
		fold(pu, ok)
	}

	readers, err := p.refReaders(view, &key, nil)
	if err != nil {
		return nil, err
	}
	defer p.releaseReaders(readers)

	for _, r := range readers {
		if ctx.Err() != nil {
			return nil, tablestore.NewError(tablestore.Timeout, ctx.Err(), p.tableID.String())
		}
		pu, ok, err := r.Get(ctx, key)
		if err != nil {
			return nil, err
		}
		fold(pu, ok)
	}

	if merged != nil {
		p.rowCache.Store(ctx, p.tableID, merged)
	}
	return applyFilters(merged, cmd), nil
}

// Scan performs a range read per spec.md §4.C9's algorithm: snapshot the
// view, build one Source per live/flushing memtable and per overlapping
// live sorted file, merge-lazily over PK, apply the row-cache cover-check
// per partition, then apply data limits and the clustering filter.
func (p *Path) Scan(ctx context.Context, cmd ReadCommand) ([]*tablestore.PartitionUpdate, error) {
	view := p.tracker.Snapshot()

	sources, readers, err := p.buildSources(ctx, view, cmd.Range)
	if err != nil {
		return nil, err
	}
	defer p.releaseReaders(readers)
	if len(sources) == 0 {
		return nil, nil
	}

	it, err := mergeiter.New(sources)
	if err != nil {
		return nil, err
	}
	defer it.Close()

	var out []*tablestore.PartitionUpdate
	for {
		if ctx.Err() != nil {
			it.Close()
			return nil, tablestore.NewError(tablestore.Timeout, ctx.Err(), p.tableID.String())
		}
		if cmd.Limits.partitionsSatisfied(len(out)) {
			it.Close()
			break
		}

		pu, ok, err := it.Next()
		if err != nil {
			// it.Next already leaves consulted sources closed; close
			// whatever remains before propagating (spec.md §4.C9's error
			// containment: a failing iterator must not leak its siblings').
			it.Close()
			return nil, err
		}
		if !ok {
			break
		}
		// it.Next's merged result may still alias a live memtable entry or a
		// sealed reader's shared decoded record when only one source held
		// pu.Key (the common case, no Merge call involved); clone before
		// this function or rowCache.Store does anything with it, for the
		// same reason Get's fold clones on first assignment.
		pu = pu.Clone()

		// Cover-check: a cache entry that already holds everything this
		// command could want for pu.Key spares materializing the merge's
		// filtered result, though (unlike a true per-partition sub-scan) the
		// merge has already paid for comparing this partition's keys across
		// sources by the time the cover-check runs — the flat k-way merge
		// this module uses isn't restructured into abandonable per-partition
		// sub-iterators, so the saving is in filtering/serialization, not in
		// skipping the underlying scan.
		if cached, ok := p.rowCache.Lookup(ctx, p.tableID, pu.Key); ok && rowCacheCovers(cached, cmd.Limits) {
			out = append(out, applyFilters(cached, cmd))
			continue
		}

		p.rowCache.Store(ctx, p.tableID, pu)
		out = append(out, applyFilters(pu, cmd))
	}
	return out, nil
}

// buildSources returns one mergeiter.Source per live/flushing memtable and
// per overlapping live sorted file, plus the refed readers backing the
// latter. Callers must release the readers (via releaseReaders) only once
// every returned Source has been fully consumed or closed — releasing
// earlier risks a concurrent MarkObsolete dropping the reader's refcount to
// zero and deleting its backing files while a Scanner still reads through
// it (spec.md §5's reader refcounting contract).
func (p *Path) buildSources(ctx context.Context, view *tracker.View, dr memtable.DataRange) ([]mergeiter.Source, []sstable.Reader, error) {
	var sources []mergeiter.Source
	add := func(s mergeiter.Source) { sources = append(sources, s) }

	if view.Current != nil {
		add(mergeiter.MemtableSource{Iter: view.Current.PartitionIterator(memtable.ColumnFilter{All: true}, dr)})
	}
	for _, mt := range view.Flushing {
		add(mergeiter.MemtableSource{Iter: mt.PartitionIterator(memtable.ColumnFilter{All: true}, dr)})
	}

	readers, err := p.refReaders(view, nil, &dr)
	if err != nil {
		for _, s := range sources {
			s.Close()
		}
		return nil, nil, err
	}
	for _, r := range readers {
		sc, err := r.Scan(ctx, dr)
		if err != nil {
			for _, s := range sources {
				s.Close()
			}
			p.releaseReaders(readers)
			return nil, nil, err
		}
		add(sc)
	}
	return sources, readers, nil
}

// refReaders selects and TryRefs the live, not-compacting sorted files
// overlapping either key (point read) or dr (range read).
func (p *Path) refReaders(view *tracker.View, key *tablestore.PartitionKey, dr *memtable.DataRange) ([]sstable.Reader, error) {
	gens := view.LiveGenerations()
	sort.Slice(gens, func(i, j int) bool { return gens[i] > gens[j] })

	var readers []sstable.Reader
	for _, g := range gens {
		if view.Compacting[g] {
			continue
		}
		r := view.Live[g]
		meta := r.Metadata()
		if key != nil {
			if meta.Overlaps(key, key) {
				if r.TryRef() {
					readers = append(readers, r)
				}
			}
			continue
		}
		if meta.Overlaps(dr.Start, dr.End) {
			if r.TryRef() {
				readers = append(readers, r)
			}
		}
	}
	return readers, nil
}

func (p *Path) releaseReaders(readers []sstable.Reader) {
	for _, r := range readers {
		r.Release()
	}
}

// rowCacheCovers implements spec.md §4.C9's cover-check: "if the cached
// partition fully covers the filter (by row count or head-filter + live-row
// count)". This module's row cache only ever stores a fully merged
// partition (never a head-only slice), so the check reduces to whether the
// command's row limit, if any, is already satisfied by what's cached.
func rowCacheCovers(cached *tablestore.PartitionUpdate, limits DataLimits) bool {
	if cached == nil {
		return false
	}
	if limits.MaxRowsPerPartition <= 0 {
		return true
	}
	return len(cached.Rows) <= limits.MaxRowsPerPartition
}

// applyFilters trims pu's rows to cmd.Clustering, cmd.Columns and
// cmd.Limits, without mutating pu itself (pu may be a live memtable/cache
// value shared by other readers — callers are expected to have already
// Clone()d anything that wasn't already a fresh copy).
func applyFilters(pu *tablestore.PartitionUpdate, cmd ReadCommand) *tablestore.PartitionUpdate {
	if pu == nil {
		return nil
	}
	if cmd.Clustering.isUnbounded() && cmd.Limits.MaxRowsPerPartition <= 0 && cmd.Columns.All {
		return pu
	}
	out := tablestore.NewPartitionUpdate(pu.Key, pu.Table)
	out.RangeDeletions = pu.RangeDeletions
	out.PartitionDeletion = pu.PartitionDeletion
	out.CDC = pu.CDC

	rows := make([]tablestore.Row, 0, len(pu.Rows))
	for _, row := range pu.Rows {
		if cmd.Clustering.matches(row.Clustering) {
			rows = append(rows, projectColumns(row, cmd.Columns))
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		return tablestore.CompareClusterings(rows[i].Clustering, rows[j].Clustering) < 0
	})
	if cmd.Limits.MaxRowsPerPartition > 0 && len(rows) > cmd.Limits.MaxRowsPerPartition {
		rows = rows[:cmd.Limits.MaxRowsPerPartition]
	}
	for _, row := range rows {
		out.Rows[tablestore.ClusteringKey(row.Clustering)] = row
	}
	return out
}

// projectColumns restricts row's cells to cmd.Columns.Columns, or returns
// row unchanged when the filter selects every column (memtable.ColumnFilter
// {All: true} or an empty Columns slice, per memtable.ColumnFilter's doc).
func projectColumns(row tablestore.Row, cf memtable.ColumnFilter) tablestore.Row {
	if cf.All || len(cf.Columns) == 0 {
		return row
	}
	cells := make(map[string]tablestore.Cell, len(cf.Columns))
	for _, col := range cf.Columns {
		if c, ok := row.Cells[col]; ok {
			cells[col] = c
		}
	}
	return tablestore.Row{Clustering: row.Clustering, Cells: cells}
}

var errMissingKey = simpleErr("point read requires a non-nil Key")

type simpleErr string

func (e simpleErr) Error() string { return string(e) }
