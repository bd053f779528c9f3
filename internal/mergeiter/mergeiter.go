// Package mergeiter implements the k-way merging iterator shared by the
// Compaction Manager (spec.md §4.C8, merging sorted-file inputs into one
// output) and the Read Path (spec.md §4.C9, merging memtables and sorted
// files restricted by a partition range). Grounded on
// SharedCode-sop/btree/btreecursor.go's cursor-stacking shape, generalized
// from a single B-tree's node cursor stack to a heap of independent sorted
// sources.
package mergeiter

import (
	"container/heap"

	"github.com/nimbusdb/tablestore"
)

// Source is anything that yields PartitionUpdates in ascending key order:
// both sstable.Scanner and a thin adapter over memtable.PartitionIterator
// satisfy it.
type Source interface {
	Next() (*tablestore.PartitionUpdate, bool, error)
	Close() error
}

type item struct {
	src  Source
	head *tablestore.PartitionUpdate
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }
func (h itemHeap) Less(i, j int) bool {
	return h[i].head.Key.Compare(h[j].head.Key) < 0
}
func (h itemHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }
func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// Iterator merges multiple ascending Sources into one ascending stream,
// folding every PartitionUpdate sharing a key via PartitionUpdate.Merge
// (spec.md §4.C9's merging read path). When several sources hold the same
// key, the order in which their updates are folded does not follow the
// order of sources: Merge decides each cell by timestamp (a tombstone wins a
// tie), so only two live cells with equal timestamps and different values
// depend on it. The first update for a key is cloned before anything is
// folded into it, so no source's own record is modified.
type Iterator struct {
	h itemHeap
}

// New builds an Iterator over sources, consuming one element from each to
// seed the heap.
func New(sources []Source) (*Iterator, error) {
	it := &Iterator{}
	for _, s := range sources {
		head, ok, err := s.Next()
		if err != nil {
			it.closeAll()
			return nil, err
		}
		if !ok {
			s.Close()
			continue
		}
		heap.Push(&it.h, &item{src: s, head: head})
	}
	heap.Init(&it.h)
	return it, nil
}

// Next returns the next merged PartitionUpdate across all sources, or
// (nil, false, nil) once every source is exhausted. All PartitionUpdates
// sharing the returned key, across every source, have already been folded
// into the single returned value.
func (it *Iterator) Next() (*tablestore.PartitionUpdate, bool, error) {
	if it.h.Len() == 0 {
		return nil, false, nil
	}
	top := heap.Pop(&it.h).(*item)
	merged := top.head
	if err := it.advance(top); err != nil {
		return nil, false, err
	}

	folded := false
	for it.h.Len() > 0 && it.h[0].head.Key.Equal(merged.Key) {
		next := heap.Pop(&it.h).(*item)
		if !folded {
			// top.head may be a live memtable entry or a reader's shared
			// decoded record; fold into a copy instead.
			merged = merged.Clone()
			folded = true
		}
		merged.Merge(next.head)
		if err := it.advance(next); err != nil {
			return nil, false, err
		}
	}
	return merged, true, nil
}

func (it *Iterator) advance(i *item) error {
	head, ok, err := i.src.Next()
	if err != nil {
		return err
	}
	if !ok {
		return i.src.Close()
	}
	i.head = head
	heap.Push(&it.h, i)
	return nil
}

func (it *Iterator) closeAll() {
	for _, i := range it.h {
		i.src.Close()
	}
}

// Close releases every source still holding resources (used on early
// abandonment, e.g. a point-read short circuit or a caller error midway
// through a scan) — spec.md §4.C9's error-containment requirement that
// sibling iterators are closed even when one fails.
func (it *Iterator) Close() error {
	it.closeAll()
	it.h = nil
	return nil
}

// MemtableSource adapts an iterator with the two-return Next shape (e.g.
// memtable.PartitionIterator) to the three-return Source contract.
type MemtableSource struct {
	Iter interface {
		Next() (*tablestore.PartitionUpdate, bool)
		Close() error
	}
}

// Next implements Source.
func (m MemtableSource) Next() (*tablestore.PartitionUpdate, bool, error) {
	pu, ok := m.Iter.Next()
	return pu, ok, nil
}

// Close implements Source.
func (m MemtableSource) Close() error { return m.Iter.Close() }
