package sstable

import "sync/atomic"

// GenerationCounter hands out monotonically increasing, per-table sorted
// file generation numbers. A plain atomic counter is enough here: unlike
// write-log Position (C1) and lifecycle-transaction ids (C6), a generation
// number only needs local monotonicity, not a cross-process-comparable
// timestamp, so it does not need the time-ordered UUID treatment.
type GenerationCounter struct {
	next atomic.Int64
}

// NewGenerationCounter starts counting after start (0 for a fresh table).
func NewGenerationCounter(start int64) *GenerationCounter {
	g := &GenerationCounter{}
	g.next.Store(start)
	return g
}

// Next returns the next generation number.
func (g *GenerationCounter) Next() int64 {
	return g.next.Add(1)
}

// Bump raises the counter so the next Next() call returns at least
// atLeast+1, used at startup once disk discovery finds sorted files written
// by a previous process instance so freshly flushed generations never
// collide with ones already on disk.
func (g *GenerationCounter) Bump(atLeast int64) {
	for {
		cur := g.next.Load()
		if cur >= atLeast {
			return
		}
		if g.next.CompareAndSwap(cur, atLeast) {
			return
		}
	}
}

// refCounter implements the try_ref/release/obsolete lifecycle shared by
// both concrete formats (spec.md §5 "try_ref loop"): a reader is usable
// exactly as long as its reference count is positive, and once marked
// obsolete it accepts no further references.
type refCounter struct {
	count    atomic.Int32
	obsolete atomic.Bool
	onZero   func()
}

func newRefCounter(onZero func()) *refCounter {
	rc := &refCounter{onZero: onZero}
	rc.count.Store(1)
	return rc
}

// TryRef implements Reader.TryRef.
func (rc *refCounter) TryRef() bool {
	for {
		cur := rc.count.Load()
		if cur <= 0 || rc.obsolete.Load() {
			return false
		}
		if rc.count.CompareAndSwap(cur, cur+1) {
			return true
		}
	}
}

// Release implements Reader.Release, invoking onZero exactly once when the
// count reaches zero.
func (rc *refCounter) Release() {
	if rc.count.Add(-1) == 0 && rc.onZero != nil {
		rc.onZero()
	}
}

// MarkObsolete implements Reader.MarkObsolete.
func (rc *refCounter) MarkObsolete() {
	rc.obsolete.Store(true)
}

// IsObsolete implements Reader.IsObsolete.
func (rc *refCounter) IsObsolete() bool {
	return rc.obsolete.Load()
}
