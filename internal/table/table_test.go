package table

import (
	"context"
	"testing"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/compaction"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/read"
	"github.com/nimbusdb/tablestore/internal/sstable"
)

func testKey(b string) tablestore.PartitionKey {
	return tablestore.PartitionKey{Bytes: []byte(b), Token: tablestore.Int64Token(len(b))}
}

func testUpdate(k tablestore.PartitionKey, tid tablestore.TableID, ts int64, val string) *tablestore.PartitionUpdate {
	pu := tablestore.NewPartitionUpdate(k, tid)
	c := tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte("c1")}}
	pu.Rows[tablestore.ClusteringKey(c)] = tablestore.Row{
		Clustering: c,
		Cells:      map[string]tablestore.Cell{"v": {Timestamp: ts, Value: []byte(val)}},
	}
	return pu
}

// countingRowCache is a read.RowCache test double that counts
// InvalidateTable calls without touching a real tablestore.Cache.
type countingRowCache struct {
	invalidations int
}

func newCountingRowCache() *countingRowCache { return &countingRowCache{} }

func (c *countingRowCache) Lookup(context.Context, tablestore.TableID, tablestore.PartitionKey) (*tablestore.PartitionUpdate, bool) {
	return nil, false
}

func (c *countingRowCache) Store(context.Context, tablestore.TableID, *tablestore.PartitionUpdate) {}

func (c *countingRowCache) InvalidateTable(context.Context, tablestore.TableID) {
	c.invalidations++
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := tablestore.DefaultConfiguration()
	cfg.DataDirectories = []string{"/data"}
	mgr := compaction.NewManager(2)
	s, err := Open(Options{
		Keyspace:     "ks",
		Name:         "tbl",
		ID:           tablestore.TableID(tablestore.NewUUID()),
		Config:       cfg,
		FileIO:       sstable.NewMemFileIO(),
		Manager:      mgr,
		StrategyKind: compaction.SizeTiered,
	})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestStore_PutGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := testKey("a")
	if err := s.Put(ctx, testUpdate(k, s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	got, err := s.Get(ctx, read.ReadCommand{Key: &k})
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a partition, got nil")
	}
	row, ok := got.Rows[tablestore.ClusteringKey(tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte("c1")}})]
	if !ok {
		t.Fatalf("expected row c1 in result, got %+v", got.Rows)
	}
	if string(row.Cells["v"].Value) != "v1" {
		t.Fatalf("expected value v1, got %q", row.Cells["v"].Value)
	}
}

func TestStore_ForceFlushMovesDataIntoSortedFile(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	k := testKey("a")
	if err := s.Put(ctx, testUpdate(k, s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.ForceFlush(ctx, memtable.ReasonTruncate); err != nil {
		t.Fatalf("ForceFlush: %v", err)
	}
	view := s.tracker.Snapshot()
	if len(view.LiveGenerations()) == 0 {
		t.Fatalf("expected at least one live sorted file after a forced flush")
	}
	got, err := s.Get(ctx, read.ReadCommand{Key: &k})
	if err != nil {
		t.Fatalf("Get after flush: %v", err)
	}
	if got == nil {
		t.Fatalf("expected partition to still be readable after flush")
	}
}

func TestStore_ScanReturnsAllMatchingPartitions(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	for _, b := range []string{"a", "b", "c"} {
		if err := s.Put(ctx, testUpdate(testKey(b), s.ID(), 1, "v-"+b)); err != nil {
			t.Fatalf("Put %s: %v", b, err)
		}
	}
	out, err := s.Scan(ctx, read.ReadCommand{})
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}
	if len(out) != 3 {
		t.Fatalf("expected 3 partitions, got %d", len(out))
	}
}

func TestStore_ShutdownDrainsInFlightFlush(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	if err := s.Put(ctx, testUpdate(testKey("a"), s.ID(), 1, "v1")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	s.flushWG.Add(1)
	go func() {
		defer s.flushWG.Done()
	}()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}
