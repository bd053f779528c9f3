package memtable

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/ordering"
	"github.com/nimbusdb/tablestore/internal/walpos"
)

// State is a memtable's lifecycle state (spec.md §3 "Memtable").
type State int

const (
	Active State = iota
	SwitchedOut
	Flushing
	Discarded
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case SwitchedOut:
		return "switched-out"
	case Flushing:
		return "flushing"
	case Discarded:
		return "discarded"
	default:
		return "unknown"
	}
}

// FlushReason is the closed enumeration of flush triggers (spec.md §4.C7).
// The trigger carries no other behavioral weight beyond what ShouldSwitch
// decides from it.
type FlushReason int

const (
	ReasonCommitLogDirty FlushReason = iota
	ReasonMemtableLimit
	ReasonMemtablePeriodExpired
	ReasonIndexBuildStarted
	ReasonIndexBuildCompleted
	ReasonIndexRemoved
	ReasonIndexTableFlush
	ReasonViewBuildStarted
	ReasonInternallyForced
	ReasonUserForced
	ReasonStartup
	ReasonShutdown
	ReasonSnapshot
	ReasonTruncate
	ReasonDrop
	ReasonStreaming
	ReasonStreamsReceived
	ReasonRepair
	ReasonSchemaChange
	ReasonUnitTests
)

// forcedReasons always trigger a switch regardless of memtable size/age.
var forcedReasons = map[FlushReason]bool{
	ReasonUserForced:      true,
	ReasonInternallyForced: true,
	ReasonShutdown:        true,
	ReasonSnapshot:        true,
	ReasonTruncate:        true,
	ReasonDrop:            true,
	ReasonStartup:         true,
	ReasonUnitTests:       true,
}

// DataRange restricts a scan to [Start, End] (nil bound = unbounded).
type DataRange struct {
	Start *tablestore.PartitionKey
	End   *tablestore.PartitionKey
}

// ColumnFilter restricts which columns a scan materializes. An empty
// Columns slice with All=true means "every column"; the precise column
// projection/selection algebra is a CQL-layer concern out of scope here.
type ColumnFilter struct {
	Columns []string
	All     bool
}

// Indexer is the secondary-index maintenance plug point invoked by put. Its
// concrete implementations (materialized views, secondary index tables) are
// external collaborators; this module only guarantees the hook fires
// exactly once per put, inside the same ordering.Group.
type Indexer interface {
	OnUpdate(pu *tablestore.PartitionUpdate)
}

// NoopIndexer performs no secondary-index maintenance.
type NoopIndexer struct{}

// OnUpdate implements Indexer.
func (NoopIndexer) OnUpdate(*tablestore.PartitionUpdate) {}

// Policy bounds when ShouldSwitch fires for size/time-based reasons.
type Policy struct {
	SizeLimitBytes  int64
	FlushPeriod     int64 // nanoseconds; 0 disables the period-based trigger
	CreatedAtNanos  int64
}

// Memtable is the per-table in-memory write buffer (spec.md §4.C3).
type Memtable struct {
	TableID     tablestore.TableID
	Partitioner func([]byte) tablestore.Token

	mu    sync.RWMutex
	index *skipList

	state          atomic.Int32
	approxBytes    atomic.Int64
	cdcDirty       atomic.Bool
	initialPos     walpos.Position
	finalPos       atomic.Pointer[walpos.Position]
	switchBarrier  *ordering.Barrier
	policy         Policy
	histogram      *LatencyHistogram
}

// New creates an Active memtable with initialPos as its initial log
// position, per spec.md §3's invariant initial_log_position() <=
// final_log_position().
func New(tableID tablestore.TableID, initialPos walpos.Position, policy Policy) *Memtable {
	mt := &Memtable{
		TableID:    tableID,
		index:      newSkipList(),
		initialPos: initialPos,
		policy:     policy,
		histogram:  NewLatencyHistogram(),
	}
	mt.state.Store(int32(Active))
	return mt
}

// State returns the memtable's current lifecycle state.
func (mt *Memtable) State() State {
	return State(mt.state.Load())
}

// Histogram exposes the write-latency histogram for metrics export.
func (mt *Memtable) Histogram() *LatencyHistogram {
	return mt.histogram
}

// Put inserts/merges a PartitionUpdate. Must be called inside an active
// ordering.Group; mutation is legal only while the memtable is Active.
// Returns the histogram-bound timestamp delta (spec.md §4.C3).
func (mt *Memtable) Put(pu *tablestore.PartitionUpdate, indexer Indexer, group *ordering.Group) (float64, error) {
	if group == nil {
		return 0, tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("put requires an active ordering group"), mt.TableID)
	}
	if mt.State() != Active {
		return 0, tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("put on non-active memtable (state=%s)", mt.State()), mt.TableID)
	}

	mt.mu.RLock()
	idx := mt.index
	mt.mu.RUnlock()
	delta := idx.upsert(pu.Key, pu)
	mt.approxBytes.Add(estimateSize(pu))
	if pu.CDC {
		mt.cdcDirty.Store(true)
	}
	mt.histogram.Record(delta)

	if indexer != nil {
		indexer.OnUpdate(pu)
	}
	return delta, nil
}

func estimateSize(pu *tablestore.PartitionUpdate) int64 {
	size := int64(len(pu.Key.Bytes))
	for _, row := range pu.Rows {
		for col, cell := range row.Cells {
			size += int64(len(col) + len(cell.Value) + 16)
		}
	}
	size += int64(len(pu.RangeDeletions)) * 48
	return size
}

// IsClean reports whether no Put has mutated this memtable's state.
func (mt *Memtable) IsClean() bool {
	return mt.index.count() == 0 && !mt.cdcDirty.Load()
}

// ShouldSwitch consults the memtable's size/age and the flush reason to
// decide whether this trigger should actually cause a flush (spec.md
// §4.C3/§4.C7: "the decision to actually flush is delegated to
// memtable.should_switch(reason)").
func (mt *Memtable) ShouldSwitch(reason FlushReason, nowNanos int64) bool {
	if forcedReasons[reason] {
		return true
	}
	if mt.IsClean() {
		return false
	}
	switch reason {
	case ReasonMemtableLimit:
		return mt.policy.SizeLimitBytes > 0 && mt.approxBytes.Load() >= mt.policy.SizeLimitBytes
	case ReasonMemtablePeriodExpired:
		return mt.policy.FlushPeriod > 0 && nowNanos-mt.policy.CreatedAtNanos >= mt.policy.FlushPeriod
	case ReasonCommitLogDirty:
		return !mt.IsClean()
	default:
		// Index/view lifecycle reasons and repair/schema/streaming triggers
		// flush whenever there is anything to flush.
		return true
	}
}

// SwitchOut freezes the memtable: puts are no longer legal afterward. It
// installs barrier as the witness that all earlier puts have completed and
// atomically records finalPos, which must be >= every position observed by
// a put before this call (spec.md §4.C3 invariant).
func (mt *Memtable) SwitchOut(barrier *ordering.Barrier, finalPos walpos.Position) error {
	if !mt.state.CompareAndSwap(int32(Active), int32(SwitchedOut)) {
		return tablestore.NewError(tablestore.InvalidRequest, fmt.Errorf("switch_out on non-active memtable"), mt.TableID)
	}
	mt.switchBarrier = barrier
	mt.finalPos.Store(&finalPos)
	return nil
}

// MarkFlushing transitions a switched-out memtable into the Flushing state
// (used when the tracker defers the switch, spec.md §4.C5 mark_flushing).
func (mt *Memtable) MarkFlushing() {
	mt.state.CompareAndSwap(int32(SwitchedOut), int32(Flushing))
}

// InitialLogPosition returns the position at or after which this memtable's
// puts are reflected in the write log.
func (mt *Memtable) InitialLogPosition() walpos.Position {
	return mt.initialPos
}

// FinalLogPosition returns the latched final position, or the zero Position
// if SwitchOut has not yet been called.
func (mt *Memtable) FinalLogPosition() walpos.Position {
	if p := mt.finalPos.Load(); p != nil {
		return *p
	}
	return walpos.Zero
}

// PartitionIterator returns a lazy, single-use iterator over partitions
// within dataRange (spec.md §4.C3). columnFilter is threaded through for the
// read path to apply at the row level; the memtable itself stores whole
// rows and does no column pruning.
func (mt *Memtable) PartitionIterator(columnFilter ColumnFilter, dataRange DataRange) *PartitionIterator {
	mt.mu.RLock()
	idx := mt.index
	mt.mu.RUnlock()
	entries := idx.scan(dataRange.Start, dataRange.End)
	return &PartitionIterator{entries: entries, filter: columnFilter}
}

// Get performs a point lookup, used by the read path's point-read
// short-circuit (spec.md §4.C9).
func (mt *Memtable) Get(key tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool) {
	mt.mu.RLock()
	idx := mt.index
	mt.mu.RUnlock()
	return idx.get(key)
}

// FlushCollection is the per-range content slice handed to the flush
// pipeline (spec.md §4.C3 flush_set). Partitions empty within the requested
// range are excluded.
type FlushCollection struct {
	Updates []*tablestore.PartitionUpdate
}

// FlushSet produces the flush pipeline's input for dataRange.
func (mt *Memtable) FlushSet(dataRange DataRange) FlushCollection {
	mt.mu.RLock()
	idx := mt.index
	mt.mu.RUnlock()
	entries := idx.scan(dataRange.Start, dataRange.End)
	fc := FlushCollection{}
	for _, pu := range entries {
		if !pu.IsEmpty() {
			fc.Updates = append(fc.Updates, pu)
		}
	}
	return fc
}

// Discard is the last step of the memtable's lifecycle: it releases the
// index and marks the memtable unusable. Callers must have already waited
// on a read barrier confirming no in-flight reader still refers to this
// memtable (spec.md §5 "Memtable" ownership).
func (mt *Memtable) Discard() {
	mt.mu.Lock()
	defer mt.mu.Unlock()
	mt.state.Store(int32(Discarded))
	mt.index = newSkipList()
}

// PartitionIterator iterates partitions produced by Memtable.PartitionIterator.
// Restartable only by calling PartitionIterator again; a single iteration
// consumes it (spec.md §4.C3).
type PartitionIterator struct {
	entries []*tablestore.PartitionUpdate
	filter  ColumnFilter
	pos     int
}

// Next returns the next partition update, or (nil, false) when exhausted.
func (it *PartitionIterator) Next() (*tablestore.PartitionUpdate, bool) {
	if it.pos >= len(it.entries) {
		return nil, false
	}
	pu := it.entries[it.pos]
	it.pos++
	return pu, true
}

// Close is a no-op for an in-memory iterator; present for interface
// symmetry with sstable scanners, which do hold real resources.
func (it *PartitionIterator) Close() error { return nil }
