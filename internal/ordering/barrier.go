// Package ordering implements the Operation Ordering Primitive (spec.md
// §4.C2): a family of concurrently-active groups that writers enter and
// leave, and barriers that a coordinator creates to freeze the set of groups
// older than the barrier so it can safely succeed them.
//
// Per DESIGN NOTES §9, this is a direct epoch-indexed-counter
// reimplementation rather than a port of any bespoke object graph: each
// Start increments the active count of the current epoch; NewBarrier caps
// the current epoch and opens a new one; Await blocks until the capped
// epoch's active count reaches zero. No teacher or pack example implements
// this primitive, so it is built from the spec's own prescription, on
// stdlib sync/atomic.
package ordering

import (
	"context"
	"sync"
	"sync/atomic"
)

type epoch struct {
	active int64 // atomic: count of groups started in this epoch still open
	sealed int32 // atomic bool: true once a barrier has issued against this epoch
	once   sync.Once
	done   chan struct{}
	block  int32 // atomic bool: true while a barrier issued against this epoch is mark_blocking
}

func newEpoch() *epoch {
	return &epoch{done: make(chan struct{})}
}

func (e *epoch) closeIfDrained() {
	if atomic.LoadInt32(&e.sealed) == 1 && atomic.LoadInt64(&e.active) == 0 {
		e.once.Do(func() { close(e.done) })
	}
}

// Group is a single in-flight operation's membership in an epoch. Cheap to
// create; callable from any writer goroutine.
type Group struct {
	e      *epoch
	closed int32
}

// Close releases the group's membership. May cause a waiting barrier to
// complete. Idempotent.
func (g *Group) Close() {
	if !atomic.CompareAndSwapInt32(&g.closed, 0, 1) {
		return
	}
	atomic.AddInt64(&g.e.active, -1)
	g.e.closeIfDrained()
}

// Barrier freezes the snapshot of groups active at (or before) its issuance.
type Barrier struct {
	sealedEpoch *epoch
	issued      int32
}

// OpOrder is the coordinator: the family of concurrently-active groups and
// the barriers issued against them.
type OpOrder struct {
	current atomic.Pointer[epoch]
}

// NewOpOrder returns a ready-to-use barrier coordinator with an open initial
// epoch.
func NewOpOrder() *OpOrder {
	o := &OpOrder{}
	o.current.Store(newEpoch())
	return o
}

// Start begins a new group in the currently open epoch. Cheap; callable
// concurrently from any writer.
func (o *OpOrder) Start() *Group {
	for {
		e := o.current.Load()
		atomic.AddInt64(&e.active, 1)
		if atomic.LoadInt32(&e.sealed) == 0 {
			return &Group{e: e}
		}
		// Issue sealed this epoch before the increment landed and may have
		// already seen it drained; back out and join the fresh epoch.
		atomic.AddInt64(&e.active, -1)
		e.closeIfDrained()
	}
}

// NewBarrier captures the current epoch (everything started up to this
// point) and opens a fresh epoch for subsequent Start calls. The returned
// Barrier has not yet been issued: groups may continue to close against the
// captured epoch, and a Start that loaded the captured epoch just before the
// swap may still join it until Issue seals it; after that, such a Start
// moves to the freshly installed epoch instead.
func (o *OpOrder) NewBarrier() *Barrier {
	captured := o.current.Swap(newEpoch())
	return &Barrier{sealedEpoch: captured}
}

// Issue seals the captured epoch: no further increments are expected
// against it (an in-flight Start that had already read the old pointer
// either joined before the seal and is awaited, or sees the seal and moves
// to the fresh epoch). If the epoch is
// already drained, Await returns immediately.
func (b *Barrier) Issue() {
	if !atomic.CompareAndSwapInt32(&b.issued, 0, 1) {
		return
	}
	atomic.StoreInt32(&b.sealedEpoch.sealed, 1)
	b.sealedEpoch.closeIfDrained()
}

// MarkBlocking informs groups in the sealed epoch that they must not exceed
// soft limits while this barrier is waiting, by making Blocking report true.
// Nothing in this module calls MarkBlocking or polls Blocking; the flush
// pipeline only waits with AwaitBlocking.
func (b *Barrier) MarkBlocking() {
	atomic.StoreInt32(&b.sealedEpoch.block, 1)
}

// Blocking reports whether MarkBlocking has been called on this barrier.
func (b *Barrier) Blocking() bool {
	return atomic.LoadInt32(&b.sealedEpoch.block) == 1
}

// Await blocks until every group that existed at or before Issue is closed.
// Groups started after Issue (on the new epoch) are never awaited.
func (b *Barrier) Await(ctx context.Context) error {
	select {
	case <-b.sealedEpoch.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// AwaitBlocking blocks unconditionally, ignoring context cancellation. Used
// by callers (flush/compaction) that must not abandon the wait, per spec.md
// §5 "flushes are not cancellable".
func (b *Barrier) AwaitBlocking() {
	<-b.sealedEpoch.done
}
