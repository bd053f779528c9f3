package compaction

import (
	"context"
	"fmt"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/tracker"
)

// Trigger identifies why a running compaction was interrupted (spec.md §5:
// "trigger values: none, compaction, cleanup, truncate, shutdown,
// unit_tests").
type Trigger int32

const (
	TriggerNone Trigger = iota
	TriggerCompaction
	TriggerCleanup
	TriggerTruncate
	TriggerShutdown
	TriggerUnitTests
)

// Predicate reports whether a compaction operating on tableID/generation
// should be affected by a pause/interrupt call.
type Predicate func(tableID tablestore.TableID, generation int64) bool

// Every matches every table/generation, used by callers that want to act on
// all running compactions regardless of input.
func Every(tablestore.TableID, int64) bool { return true }

// ForTables restricts a Predicate to the named tables, any generation.
func ForTables(ids ...tablestore.TableID) Predicate {
	set := make(map[tablestore.TableID]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return func(tableID tablestore.TableID, _ int64) bool { return set[tableID] }
}

type operation struct {
	id      tablestore.UUID
	tableID tablestore.TableID
	inputs  []int64
	trigger atomic.Int32
	done    chan struct{}
}

func (op *operation) stopped() bool { return Trigger(op.trigger.Load()) != TriggerNone }

func (op *operation) intersects(pred Predicate) bool {
	if pred == nil {
		return true
	}
	for _, g := range op.inputs {
		if pred(op.tableID, g) {
			return true
		}
	}
	return false
}

// tableEntry is everything the Manager needs to drive one table's
// background compactions.
type tableEntry struct {
	tracker   *tracker.Tracker
	strategy  Strategy
	compactor *Compactor
	running   atomic.Bool // at most one background task per (table, strategy-slot)
}

// Pauser is returned by PauseGlobal; while held, no new compactions start.
// Grounded on SharedCode-sop's scoped-guard idiom (acquire in a
// constructor, release via an explicit method) used throughout its
// locker.go/failover.go for scoped state.
type Pauser struct {
	mgr *Manager
	once sync.Once
}

// Resume releases this pause token. The global pause stays in effect until
// every outstanding Pauser has been resumed.
func (p *Pauser) Resume() {
	p.once.Do(func() {
		p.mgr.pauseCount.Add(-1)
	})
}

// Manager is the global compaction manager (spec.md §4.C8): one background
// worker pool shared across every table, a pause switch, and the set of
// currently running operations. Grounded on SharedCode-sop's job_processor
// shape (bounded worker slots, submit is non-blocking, rejected work
// propagates an error) generalized from single-job submission to
// per-table background compaction scheduling.
type Manager struct {
	mu         sync.Mutex
	tables     map[tablestore.TableID]*tableEntry
	ops        map[tablestore.UUID]*operation
	slots      chan struct{}
	pauseCount atomic.Int32
	wg         sync.WaitGroup
}

// NewManager creates a Manager whose worker pool admits at most
// maxConcurrent compactions at once across all tables.
func NewManager(maxConcurrent int) *Manager {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Manager{
		tables: make(map[tablestore.TableID]*tableEntry),
		ops:    make(map[tablestore.UUID]*operation),
		slots:  make(chan struct{}, maxConcurrent),
	}
}

// Register attaches a table to the manager so it can be selected for
// background compaction and targeted by pause/interrupt calls.
func (m *Manager) Register(tableID tablestore.TableID, tr *tracker.Tracker, strategy Strategy, compactor *Compactor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tables[tableID] = &tableEntry{tracker: tr, strategy: strategy, compactor: compactor}
}

// Unregister drops a table from scheduling (used by table drop/truncate's
// teardown path).
func (m *Manager) Unregister(tableID tablestore.TableID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.tables, tableID)
}

func (m *Manager) paused() bool { return m.pauseCount.Load() > 0 }

// PauseGlobal prevents any new compaction — background or forced — from
// starting until the returned Pauser is resumed. Already-running
// compactions are unaffected; combine with InterruptFor to stop those too.
func (m *Manager) PauseGlobal() *Pauser {
	m.pauseCount.Add(1)
	return &Pauser{mgr: m}
}

// SubmitBackground schedules at most one background compaction task for
// tableID: if a background task for this table is already running, or the
// manager is globally paused, or the table's strategy has nothing to do,
// this is a no-op (spec.md §4.C8 submit_background).
func (m *Manager) SubmitBackground(ctx context.Context, tableID tablestore.TableID) {
	if m.paused() {
		return
	}
	m.mu.Lock()
	entry, ok := m.tables[tableID]
	m.mu.Unlock()
	if !ok || entry.strategy.Disabled() {
		return
	}
	if !entry.running.CompareAndSwap(false, true) {
		return
	}
	m.submitOrRetry(ctx, tableID, entry, true)
}

// submitOrRetry selects and runs a compaction task for tableID. Entry of
// this function always holds entry.running (set by the caller on the first
// attempt, by the CompareAndSwap below on a retry). If the pool has no free
// slot, it waits out one tablestore.RandomJitter backoff and tries again
// once before giving up, so background triggers that all fire off the same
// write don't get dropped just because they landed on a momentarily full
// pool.
func (m *Manager) submitOrRetry(ctx context.Context, tableID tablestore.TableID, entry *tableEntry, allowRetry bool) {
	view := entry.tracker.Snapshot()
	task, found := entry.strategy.SelectCompaction(view)
	if !found {
		entry.running.Store(false)
		return
	}
	if m.run(ctx, tableID, entry, task, func() { entry.running.Store(false) }) {
		return
	}
	if !allowRetry {
		return
	}
	go func() {
		tablestore.SleepContext(ctx, tablestore.RandomJitter(50*time.Millisecond))
		if ctx.Err() != nil || m.paused() || !entry.running.CompareAndSwap(false, true) {
			return
		}
		m.submitOrRetry(ctx, tableID, entry, false)
	}()
}

// PerformMaximal drives a single major compaction over every currently
// live, not-already-compacting sorted file for tableID, optionally split
// into outputSplit output shards (spec.md §4.C8 perform_maximal).
func (m *Manager) PerformMaximal(ctx context.Context, tableID tablestore.TableID, outputSplit int) error {
	m.mu.Lock()
	entry, ok := m.tables[tableID]
	m.mu.Unlock()
	if !ok {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("table %s not registered with compaction manager", tableID), tableID)
	}
	view := entry.tracker.Snapshot()
	task := Task{Inputs: generations(liveCandidates(view)), OutputSplit: outputSplit}
	if len(task.Inputs) == 0 {
		return nil
	}
	return m.runBlocking(ctx, tableID, entry, task)
}

// ForceUserDefined compacts exactly the given generations for tableID,
// bypassing strategy selection entirely (spec.md §4.C8 force_user_defined).
func (m *Manager) ForceUserDefined(ctx context.Context, tableID tablestore.TableID, generations []int64) error {
	m.mu.Lock()
	entry, ok := m.tables[tableID]
	m.mu.Unlock()
	if !ok {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("table %s not registered with compaction manager", tableID), tableID)
	}
	return m.runBlocking(ctx, tableID, entry, Task{Inputs: generations})
}

// register marks task's inputs compacting and records the operation
// synchronously, so a caller that immediately calls WaitForCessation is
// guaranteed to observe it even before the worker goroutine is scheduled.
func (m *Manager) register(tableID tablestore.TableID, entry *tableEntry, task Task) *operation {
	op := &operation{id: tablestore.NewTimeOrderedUUID(), tableID: tableID, inputs: task.Inputs, done: make(chan struct{})}
	entry.tracker.MarkCompacting(task.Inputs)
	m.mu.Lock()
	m.ops[op.id] = op
	m.mu.Unlock()
	return op
}

func (m *Manager) unregister(op *operation) {
	close(op.done)
	m.mu.Lock()
	delete(m.ops, op.id)
	m.mu.Unlock()
}

// run schedules task asynchronously, admitting it through the bounded
// worker pool (non-blocking: if the pool is saturated the task is dropped,
// since a background opportunity missed now will be reconsidered on the
// next SubmitBackground call).
// run submits task onto the bounded worker pool and reports whether a slot
// was actually acquired; false means the pool was full and task.Inputs were
// released back to not-compacting, with onDone already invoked.
func (m *Manager) run(ctx context.Context, tableID tablestore.TableID, entry *tableEntry, task Task, onDone func()) bool {
	op := m.register(tableID, entry, task)
	select {
	case m.slots <- struct{}{}:
	default:
		m.unregister(op)
		entry.tracker.ClearCompacting(task.Inputs)
		if onDone != nil {
			onDone()
		}
		return false
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer func() { <-m.slots }()
		defer m.unregister(op)
		defer func() {
			if onDone != nil {
				onDone()
			}
		}()
		if err := entry.compactor.Run(ctx, task, op.stopped); err != nil {
			log.Warn("compaction failed", "table", tableID.String(), "error", err)
			return
		}
		log.Info("compaction complete", "table", tableID.String(), "inputs", len(task.Inputs))
	}()
	return true
}

// runBlocking runs task through the same bounded pool but waits for
// completion and returns its error, used by the synchronous
// PerformMaximal/ForceUserDefined entry points.
func (m *Manager) runBlocking(ctx context.Context, tableID tablestore.TableID, entry *tableEntry, task Task) error {
	if m.paused() {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("compaction manager is paused"), tableID)
	}
	op := m.register(tableID, entry, task)
	m.slots <- struct{}{}
	defer func() { <-m.slots }()
	defer m.unregister(op)
	err := entry.compactor.Run(ctx, task, op.stopped)
	if err == nil {
		log.Info("compaction complete", "table", tableID.String(), "inputs", len(task.Inputs))
	}
	return err
}

// InterruptFor sets the cooperative stop flag on every running operation
// whose table is in tables and whose input generations intersect pred,
// using trigger to record why (spec.md §4.C8 interrupt_for). interruptValidation
// has no effect: no operation is classed as validation/scrub work, so every
// matching operation is interrupted whatever its value.
func (m *Manager) InterruptFor(tables []tablestore.TableID, pred Predicate, interruptValidation bool, trigger Trigger) {
	tableSet := make(map[tablestore.TableID]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, op := range m.ops {
		if len(tableSet) > 0 && !tableSet[op.tableID] {
			continue
		}
		if !op.intersects(pred) {
			continue
		}
		_ = interruptValidation // no operation is classed as validation work; every match is interrupted.
		op.trigger.Store(int32(trigger))
	}
}

// WaitForCessation blocks until every currently running operation matching
// tables/pred has finished (spec.md §4.C8 wait_for_cessation).
func (m *Manager) WaitForCessation(ctx context.Context, tables []tablestore.TableID, pred Predicate) error {
	tableSet := make(map[tablestore.TableID]bool, len(tables))
	for _, t := range tables {
		tableSet[t] = true
	}
	m.mu.Lock()
	var waiting []*operation
	for _, op := range m.ops {
		if len(tableSet) > 0 && !tableSet[op.tableID] {
			continue
		}
		if !op.intersects(pred) {
			continue
		}
		waiting = append(waiting, op)
	}
	m.mu.Unlock()

	for _, op := range waiting {
		select {
		case <-op.done:
		case <-ctx.Done():
			return tablestore.NewError(tablestore.Timeout, ctx.Err(), op.tableID)
		}
	}
	return nil
}

// Shutdown interrupts every running operation and waits for the worker
// pool to drain.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.InterruptFor(nil, Every, false, TriggerShutdown)
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return tablestore.NewError(tablestore.Timeout, ctx.Err(), nil)
	}
}
