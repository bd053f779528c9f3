// Package tracker implements the per-table View/Tracker (spec.md §4.C5): an
// atomically replaced snapshot of what a table currently consists of — one
// active memtable, an ordered list of memtables mid-flush, and the set of
// live and currently-compacting sorted files.
//
// The atomic-replace discipline is grounded on SharedCode-sop/handle.go's
// Handle: that type never mutates a logical entity in place, it flips which
// of two physical ids is active and republishes the Handle. View does the
// same thing at a coarser grain — the whole table-state snapshot is
// replaced, never edited in place, via atomic.Pointer.
package tracker

import (
	"sort"
	"sync/atomic"

	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/sstable"
)

// View is an immutable snapshot of a table's storage state.
type View struct {
	Current    *memtable.Memtable
	Flushing   []*memtable.Memtable // oldest first
	Live       map[int64]sstable.Reader
	Compacting map[int64]bool
}

func emptyView(current *memtable.Memtable) *View {
	return &View{
		Current: current,
		Live:    make(map[int64]sstable.Reader),
	}
}

// clone returns a shallow copy of v suitable as the base for one atomic
// replace — slices/maps are copied so the new View shares no mutable state
// with the one being replaced.
func (v *View) clone() *View {
	nv := &View{
		Current:    v.Current,
		Flushing:   append([]*memtable.Memtable(nil), v.Flushing...),
		Live:       make(map[int64]sstable.Reader, len(v.Live)),
		Compacting: make(map[int64]bool, len(v.Compacting)),
	}
	for k, r := range v.Live {
		nv.Live[k] = r
	}
	for k, b := range v.Compacting {
		nv.Compacting[k] = b
	}
	return nv
}

// Observer is notified after every published View change (spec.md §9's
// Open Question on materialized-view propagation: this module treats MV
// propagation as an external concern reachable only through this hook).
type Observer interface {
	OnViewChanged(v *View)
}

// Tracker owns one table's current View and performs every transition as a
// fresh View followed by a single atomic.Pointer.Store, so readers taking a
// snapshot (Tracker.Snapshot) never observe a torn intermediate state.
type Tracker struct {
	ptr       atomic.Pointer[View]
	observers []Observer
}

// New creates a Tracker whose initial View has current as the sole
// (empty) memtable and no sorted files.
func New(current *memtable.Memtable) *Tracker {
	t := &Tracker{}
	t.ptr.Store(emptyView(current))
	return t
}

// Subscribe registers o to be notified after every published change.
func (t *Tracker) Subscribe(o Observer) {
	t.observers = append(t.observers, o)
}

// Snapshot returns the currently published View. Callers must not mutate
// its fields; it is shared, immutable state.
func (t *Tracker) Snapshot() *View {
	return t.ptr.Load()
}

func (t *Tracker) publish(v *View) {
	t.ptr.Store(v)
	for _, o := range t.observers {
		o.OnViewChanged(v)
	}
}

// SwitchMemtable installs next as the new Current memtable and appends the
// outgoing Current to Flushing, per spec.md §4.C5's switch_memtable.
func (t *Tracker) SwitchMemtable(next *memtable.Memtable) {
	cur := t.Snapshot()
	nv := cur.clone()
	if cur.Current != nil {
		nv.Flushing = append(nv.Flushing, cur.Current)
	}
	nv.Current = next
	t.publish(nv)
}

// MarkFlushing transitions the given memtable's state bit (memtable.Memtable
// already tracks its own Active/SwitchedOut/Flushing state); this just keeps
// the View's Flushing ordering, so nothing needs republishing beyond the
// memtable's own atomic state flip, matching spec.md §4.C5's description of
// mark_flushing as a state transition rather than a View replacement.
func (t *Tracker) MarkFlushing(mt *memtable.Memtable) {
	mt.MarkFlushing()
}

// ReplaceFlushed removes done from Flushing and adds result as a live sorted
// file, in a single published View (spec.md §4.C5 replace_flushed).
func (t *Tracker) ReplaceFlushed(done *memtable.Memtable, result sstable.Reader) {
	var results []sstable.Reader
	if result != nil {
		results = []sstable.Reader{result}
	}
	t.FinishFlush(done, results)
}

// FinishFlush is ReplaceFlushed generalized to the flush pipeline's
// shard-boundary splitting (spec.md §4.C7): a single memtable flush may
// produce more than one sorted file, one per data-directory shard, and all
// of them must become live in the same published View that removes the
// memtable from Flushing.
func (t *Tracker) FinishFlush(done *memtable.Memtable, results []sstable.Reader) {
	cur := t.Snapshot()
	nv := cur.clone()
	nv.Flushing = removeMemtable(nv.Flushing, done)
	for _, r := range results {
		nv.Live[r.Metadata().Generation] = r
	}
	t.publish(nv)
}

func removeMemtable(list []*memtable.Memtable, target *memtable.Memtable) []*memtable.Memtable {
	out := list[:0:0]
	for _, mt := range list {
		if mt != target {
			out = append(out, mt)
		}
	}
	return out
}

// AddSSTables publishes a View with readers added to the live set (used by
// compaction output and by streamed-in files).
func (t *Tracker) AddSSTables(readers []sstable.Reader) {
	cur := t.Snapshot()
	nv := cur.clone()
	for _, r := range readers {
		nv.Live[r.Metadata().Generation] = r
		delete(nv.Compacting, r.Metadata().Generation)
	}
	t.publish(nv)
}

// MarkCompacting flags generations as currently under compaction, so the
// read path and a concurrent compaction scheduler both see the same view of
// what is busy (spec.md §4.C8).
func (t *Tracker) MarkCompacting(generations []int64) {
	cur := t.Snapshot()
	nv := cur.clone()
	for _, g := range generations {
		nv.Compacting[g] = true
	}
	t.publish(nv)
}

// ClearCompacting unmarks generations as compacting without removing them
// from Live, used when a compaction aborts (spec.md §4.C8 failure policy:
// "leaves the strategy free to pick a different set next time") and the
// strategy needs the files visible and selectable again.
func (t *Tracker) ClearCompacting(generations []int64) {
	cur := t.Snapshot()
	nv := cur.clone()
	for _, g := range generations {
		delete(nv.Compacting, g)
	}
	t.publish(nv)
}

// DropSSTables removes generations from the live and compacting sets, used
// once compaction output has fully superseded its inputs and by truncate
// (spec.md §4.C5 drop_sstables). It releases no reference; callers release
// each dropped reader's live-set reference afterwards.
func (t *Tracker) DropSSTables(generations []int64) {
	cur := t.Snapshot()
	nv := cur.clone()
	for _, g := range generations {
		delete(nv.Live, g)
		delete(nv.Compacting, g)
	}
	t.publish(nv)
}

// Reset republishes an empty View with a fresh memtable, dropping every
// prior memtable and sorted file from the View without releasing any
// reference. Truncate does not call it; it drops files with DropSSTables.
func (t *Tracker) Reset(fresh *memtable.Memtable) {
	t.publish(emptyView(fresh))
}

// LiveGenerations returns the live sorted-file generations in ascending
// order, a convenience for compaction strategies picking candidates.
func (v *View) LiveGenerations() []int64 {
	gens := make([]int64, 0, len(v.Live))
	for g := range v.Live {
		gens = append(gens, g)
	}
	sort.Slice(gens, func(i, j int) bool { return gens[i] < gens[j] })
	return gens
}
