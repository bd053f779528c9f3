// Package table implements the Table Store (spec.md §4.C10): the
// composition root that owns one table's memtable/tracker/flush/compaction/
// read-path stack and drives its create, write, read, snapshot and truncate
// lifecycle.
//
// Grounded on SharedCode-sop/store_opener.go's OpenBtree/NewBtree (assemble a
// store's collaborators once, from a StoreInterface bundle, and hand back a
// single handle) generalized from a B-tree handle to this module's full
// per-table component graph.
package table

import (
	"context"
	"fmt"
	"path/filepath"
	log "log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/compaction"
	"github.com/nimbusdb/tablestore/internal/flush"
	"github.com/nimbusdb/tablestore/internal/lifecycle"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/ordering"
	"github.com/nimbusdb/tablestore/internal/read"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
	"github.com/nimbusdb/tablestore/internal/walpos"
)

// Options bundles everything Open needs to assemble one table's component
// graph. Shared, process-wide collaborators (the write log, the compaction
// manager, the L2 cache connection) are passed in rather than constructed
// here, since exactly one of each exists per process regardless of how many
// tables it serves.
type Options struct {
	Keyspace string
	Name     string
	ID       tablestore.TableID

	Config   tablestore.Configuration
	WriteLog walpos.WriteLog
	FileIO   sstable.FileIO // nil defaults to sstable.NewOSFileIO()
	Cache    tablestore.Cache // nil disables row-cache and cross-process flush locking
	Indexer  memtable.Indexer // nil defaults to memtable.NoopIndexer

	Manager      *compaction.Manager // required; shared across every table in the process
	StrategyKind compaction.Kind
	IsIndexTable bool
	RebuildIndex func(ctx context.Context) error

	// MemtableSizeLimitBytes bounds ReasonMemtableLimit flush triggers; 0
	// leaves size-based flushing disabled (only period and forced reasons
	// apply). This is not part of tablestore.Configuration because spec.md
	// §6's recognized options table names no such key; it is a table-store
	// construction parameter instead.
	MemtableSizeLimitBytes int64

	// RowCacheTTL bounds how long a merged partition stays in the row cache.
	// <=0 defaults to 5 minutes (see read.NewCacheRowCache).
	RowCacheTTL time.Duration
}

// Store composes one table's C3/C5/C6/C7/C8/C9 stack (spec.md §4.C10) and
// drives the control flow spec.md §4 describes: writes enter C10 → C3;
// reads enter C10 → C9; flush and compaction run asynchronously.
type Store struct {
	keyspace string
	name     string
	id       tablestore.TableID
	cfg      tablestore.Configuration
	dirs     []string

	tracker  *tracker.Tracker
	opOrder  *ordering.OpOrder
	gens     *sstable.GenerationCounter
	txLog    lifecycle.Log
	writeLog walpos.WriteLog
	fio      sstable.FileIO
	indexer  memtable.Indexer

	pipeline      *flush.Pipeline
	compactor     *compaction.Compactor
	strategy      compaction.Strategy
	compactionMgr *compaction.Manager

	readPath *read.Path
	rowCache read.RowCache
	cache    tablestore.Cache

	memtableSizeLimit int64

	flushing      atomic.Bool
	flushWG       sync.WaitGroup
	truncateState atomic.Int32
}

// Open assembles a Store from opt, registering it with opt.Manager so
// background compaction scheduling can reach it. It does not perform
// crash recovery; that is Engine.Open's job, which calls Open once per
// recovered table.
func Open(opt Options) (*Store, error) {
	if opt.Manager == nil {
		return nil, tablestore.NewError(tablestore.Configuration, fmt.Errorf("table.Open: a compaction.Manager is required"), opt.Name)
	}
	if err := opt.Config.Validate(); err != nil {
		return nil, err
	}

	fio := opt.FileIO
	if fio == nil {
		fio = sstable.NewOSFileIO()
	}
	indexer := opt.Indexer
	if indexer == nil {
		indexer = memtable.NoopIndexer{}
	}

	dirs := tableDirectories(opt.Config.DataDirectories, opt.Keyspace, opt.Name, opt.ID)
	for _, d := range dirs {
		if !fio.Exists(d) {
			if err := fio.MkdirAll(d, 0o750); err != nil {
				return nil, tablestore.NewError(tablestore.FsWrite, err, d)
			}
		}
	}

	// durableFio backs every durability-critical writer (the lifecycle
	// journal and compaction's output shards; the flush pipeline builds its
	// own internally from the same flag) when opt.Config.UseDirectIO is set
	// and the caller left FileIO at its disk-backed default — a caller that
	// injected its own FileIO (e.g. an in-memory fake for tests) opted out
	// of real O_DIRECT syscalls by doing so.
	durableFio := fio
	if opt.Config.UseDirectIO && opt.FileIO == nil {
		durableFio = sstable.NewDirectFileIO()
	}

	txLog := lifecycle.NewFileLog(filepath.Join(dirs[0], "journal"), durableFio)
	gens := sstable.NewGenerationCounter(0)

	mt := memtable.New(opt.ID, walpos.New(), memtablePolicy(opt))
	tr := tracker.New(mt)

	pipeline := flush.New(opt.ID, tr, txLog, opt.WriteLog, gens, flush.Config{
		DataDirectories: dirs,
		Writers:         opt.Config.FlushWriters,
		MaxRetries:      5,
		UseDirectIO:     opt.Config.UseDirectIO,
		Cache:           opt.Cache,
	})

	strategy := compaction.New(opt.StrategyKind, compaction.Thresholds{
		Min: opt.Config.MinCompactionThreshold,
		Max: opt.Config.MaxCompactionThreshold,
	})
	compactor := compaction.NewCompactor(opt.ID, tr, strategy, txLog, gens, compaction.Config{
		DataDirectories: dirs,
		MaxRetries:      5,
		IsIndexTable:    opt.IsIndexTable,
		RebuildIndex:    opt.RebuildIndex,
		FileIO:          durableFio,
	})
	opt.Manager.Register(opt.ID, tr, strategy, compactor)

	var rowCache read.RowCache
	if opt.Cache != nil && opt.Config.RowsPerPartitionToCache > 0 {
		rowCache = read.NewCacheRowCache(opt.Cache, opt.RowCacheTTL)
	}
	readPath := read.New(opt.ID, tr, rowCache)

	s := &Store{
		keyspace:          opt.Keyspace,
		name:              opt.Name,
		id:                opt.ID,
		cfg:               opt.Config,
		dirs:              dirs,
		tracker:           tr,
		opOrder:           ordering.NewOpOrder(),
		gens:              gens,
		txLog:             txLog,
		writeLog:          opt.WriteLog,
		fio:               fio,
		indexer:           indexer,
		pipeline:          pipeline,
		compactor:         compactor,
		strategy:          strategy,
		compactionMgr:     opt.Manager,
		readPath:          readPath,
		rowCache:          rowCache,
		cache:             opt.Cache,
		memtableSizeLimit: opt.MemtableSizeLimitBytes,
	}
	return s, nil
}

// ID returns the table's identity.
func (s *Store) ID() tablestore.TableID { return s.id }

// Dirs returns the per-disk directories this table shards its sorted files
// across (`<data-dir>/<keyspace>/<table>-<id>/`, spec.md §6).
func (s *Store) Dirs() []string { return append([]string(nil), s.dirs...) }

func tableDirectories(roots []string, keyspace, name string, id tablestore.TableID) []string {
	if len(roots) == 0 {
		roots = []string{"."}
	}
	out := make([]string, len(roots))
	for i, root := range roots {
		out[i] = filepath.Join(root, keyspace, fmt.Sprintf("%s-%s", name, id.String()))
	}
	return out
}

func memtablePolicy(opt Options) memtable.Policy {
	return memtable.Policy{
		SizeLimitBytes: opt.MemtableSizeLimitBytes,
		FlushPeriod:    int64(opt.Config.MemtableFlushPeriod),
		CreatedAtNanos: tablestore.Now().UnixNano(),
	}
}

// Put applies pu to the table's current memtable inside a fresh ordering
// group (spec.md §4.C2), then considers whether this write should trigger a
// flush and whether a background compaction slot is worth submitting.
// Control flow: writes enter C10 → C3 (spec.md §4 "Control flow").
func (s *Store) Put(ctx context.Context, pu *tablestore.PartitionUpdate) error {
	g := s.opOrder.Start()
	defer g.Close()

	view := s.tracker.Snapshot()
	if _, err := view.Current.Put(pu, s.indexer, g); err != nil {
		return err
	}

	s.triggerFlush(ctx, memtable.ReasonMemtableLimit)
	s.compactionMgr.SubmitBackground(ctx, s.id)
	return nil
}

// Get performs a point read (spec.md §4.C9). Control flow: reads enter
// C10 → C9.
func (s *Store) Get(ctx context.Context, cmd read.ReadCommand) (*tablestore.PartitionUpdate, error) {
	cmd.TableID = s.id
	return s.readPath.Get(ctx, cmd)
}

// Scan performs a range read (spec.md §4.C9).
func (s *Store) Scan(ctx context.Context, cmd read.ReadCommand) ([]*tablestore.PartitionUpdate, error) {
	cmd.TableID = s.id
	return s.readPath.Scan(ctx, cmd)
}

// triggerFlush asynchronously switches the current memtable out and flushes
// it if ShouldSwitch(reason) agrees, skipping entirely if a flush for this
// table is already underway in this process (the flush pipeline's own
// cross-process lock, if configured, guards the cluster-wide case).
func (s *Store) triggerFlush(ctx context.Context, reason memtable.FlushReason) {
	view := s.tracker.Snapshot()
	mt := view.Current
	if mt == nil || !mt.ShouldSwitch(reason, tablestore.Now().UnixNano()) {
		return
	}
	if !s.flushing.CompareAndSwap(false, true) {
		return
	}
	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()
		defer s.flushing.Store(false)
		if err := s.runFlush(ctx, mt, reason); err != nil {
			log.Warn("background flush failed", "table", s.id.String(), "error", err)
		}
	}()
}

func (s *Store) runFlush(ctx context.Context, mt *memtable.Memtable, reason memtable.FlushReason) error {
	next := memtable.New(s.id, walpos.New(), memtable.Policy{
		SizeLimitBytes: s.memtableSizeLimit,
		FlushPeriod:    int64(s.cfg.MemtableFlushPeriod),
		CreatedAtNanos: tablestore.Now().UnixNano(),
	})
	err := s.pipeline.Flush(ctx, mt, next, s.opOrder, reason, tablestore.Now().UnixNano())
	if err == nil {
		s.compactionMgr.SubmitBackground(ctx, s.id)
	}
	return err
}

// ForceFlush synchronously flushes the current memtable regardless of its
// size/age, used by truncate (spec.md §4.C7's forced
// reasons; spec.md §4.C3 "forced reasons always trigger a switch").
func (s *Store) ForceFlush(ctx context.Context, reason memtable.FlushReason) error {
	view := s.tracker.Snapshot()
	mt := view.Current
	if mt == nil {
		return nil
	}
	return s.runFlush(ctx, mt, reason)
}

// RecomputeThresholds supplements spec.md §6's additional_write_policy /
// speculative_retry entries: the coordinator (out of scope here) gathers
// latency samples and calls this to obtain fresh P50/P99 thresholds.
func (s *Store) RecomputeThresholds(sortedSamples []time.Duration) tablestore.LatencyThresholds {
	return tablestore.RecomputeThresholds(sortedSamples)
}

// Shutdown waits for any in-flight background flush to finish and
// interrupts/waits for any compaction touching this table (spec.md §5
// "Cancellation" trigger value `shutdown`).
func (s *Store) Shutdown(ctx context.Context) error {
	s.flushWG.Wait()
	s.compactionMgr.InterruptFor([]tablestore.TableID{s.id}, compaction.Every, false, compaction.TriggerShutdown)
	return s.compactionMgr.WaitForCessation(ctx, []tablestore.TableID{s.id}, compaction.Every)
}
