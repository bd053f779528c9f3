package table

import (
	"context"
	log "log/slog"
	"sync"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/compaction"
)

// Engine is the process-wide registry above Store: it owns the single
// compaction.Manager every table shares (spec.md §4.C8's worker pool is
// process-scoped, not per-table) and drives each table's crash-recovery and
// startup-cleanup pass before the table starts serving traffic.
type Engine struct {
	mu     sync.RWMutex
	tables map[tablestore.TableID]*Store
	mgr    *compaction.Manager
}

// NewEngine creates an Engine whose compaction.Manager admits at most
// maxConcurrentCompactions merges across every table it serves.
func NewEngine(maxConcurrentCompactions int) *Engine {
	return &Engine{
		tables: make(map[tablestore.TableID]*Store),
		mgr:    compaction.NewManager(maxConcurrentCompactions),
	}
}

// Manager returns the shared compaction manager, for callers that need to
// drive PerformMaximal/ForceUserDefined directly.
func (e *Engine) Manager() *compaction.Manager { return e.mgr }

// Open assembles opt's table (opt.Manager is overwritten with e's shared
// manager), replays any lifecycle transaction left pending by a crash,
// discovers sorted files a previous process instance sealed but never
// replayed, cleans up ephemeral snapshots left behind by a crash mid-
// snapshot, and registers the table before handing it back. This is the
// only entry point that performs recovery; table.Open by itself assumes a
// fresh or already-recovered table.
func (e *Engine) Open(ctx context.Context, opt Options) (*Store, error) {
	opt.Manager = e.mgr
	s, err := Open(opt)
	if err != nil {
		return nil, err
	}
	if err := s.recover(ctx); err != nil {
		e.mgr.Unregister(s.id)
		return nil, err
	}
	if err := s.cleanupEphemeralSnapshots(); err != nil {
		log.Warn("ephemeral snapshot cleanup failed", "table", s.id.String(), "error", err)
	}

	e.mu.Lock()
	e.tables[s.id] = s
	e.mu.Unlock()
	return s, nil
}

// Table looks up a previously opened table by id.
func (e *Engine) Table(id tablestore.TableID) (*Store, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	s, ok := e.tables[id]
	return s, ok
}

// Tables returns every currently open table, in no particular order.
func (e *Engine) Tables() []*Store {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*Store, 0, len(e.tables))
	for _, s := range e.tables {
		out = append(out, s)
	}
	return out
}

// Close shuts a single table down (draining its in-flight flush and any
// compaction touching it) and drops it from the registry.
func (e *Engine) Close(ctx context.Context, id tablestore.TableID) error {
	e.mu.Lock()
	s, ok := e.tables[id]
	delete(e.tables, id)
	e.mu.Unlock()
	if !ok {
		return nil
	}
	err := s.Shutdown(ctx)
	e.mgr.Unregister(id)
	return err
}

// Shutdown closes every open table and then drains the shared compaction
// worker pool, the process-wide half of spec.md §5's shutdown cancellation
// trigger.
func (e *Engine) Shutdown(ctx context.Context) error {
	e.mu.RLock()
	ids := make([]tablestore.TableID, 0, len(e.tables))
	for id := range e.tables {
		ids = append(ids, id)
	}
	e.mu.RUnlock()

	var firstErr error
	for _, id := range ids {
		if err := e.Close(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if firstErr != nil {
		return firstErr
	}
	return e.mgr.Shutdown(ctx)
}
