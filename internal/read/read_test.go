package read

import (
	"context"
	"testing"
	"time"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/cache"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/ordering"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
	"github.com/nimbusdb/tablestore/internal/walpos"
)

func pk(b string) tablestore.PartitionKey {
	return tablestore.PartitionKey{Bytes: []byte(b), Token: tablestore.Int64Token(len(b))}
}

func clustering(v string) tablestore.Clustering {
	return tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte(v)}}
}

func pu(key tablestore.PartitionKey, tid tablestore.TableID, c string, col string, ts int64, val string) *tablestore.PartitionUpdate {
	p := tablestore.NewPartitionUpdate(key, tid)
	cl := clustering(c)
	p.Rows[tablestore.ClusteringKey(cl)] = tablestore.Row{
		Clustering: cl,
		Cells:      map[string]tablestore.Cell{col: {Timestamp: ts, Value: []byte(val)}},
	}
	return p
}

func putInto(t *testing.T, mt *memtable.Memtable, o *ordering.OpOrder, p *tablestore.PartitionUpdate) {
	t.Helper()
	g := o.Start()
	if _, err := mt.Put(p, nil, g); err != nil {
		t.Fatalf("put: %v", err)
	}
	g.Close()
}

func writeSortedFile(t *testing.T, fio sstable.FileIO, gen int64, updates ...*tablestore.PartitionUpdate) sstable.Reader {
	t.Helper()
	w := sstable.NewPlainWriter("/d0", fio, gen)
	for _, u := range updates {
		if err := w.Add(context.Background(), u); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r, err := w.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return r
}

func TestPath_GetMergesAcrossMemtableAndSortedFile(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	o := ordering.NewOpOrder()
	key := pk("a")

	fio := sstable.NewMemFileIO()
	old := pu(key, tid, "c1", "v", 1, "old")
	r := writeSortedFile(t, fio, 1, old)

	tr := tracker.New(mt)
	tr.AddSSTables([]sstable.Reader{r})

	fresh := pu(key, tid, "c1", "v", 2, "new")
	putInto(t, mt, o, fresh)

	p := New(tid, tr, nil)
	got, err := p.Get(context.Background(), ReadCommand{TableID: tid, Key: &key})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil {
		t.Fatalf("expected a merged result")
	}
	row, ok := got.Rows[tablestore.ClusteringKey(clustering("c1"))]
	if !ok {
		t.Fatalf("expected row c1 in merged result")
	}
	if string(row.Cells["v"].Value) != "new" {
		t.Fatalf("expected the higher-timestamp cell to win, got %q", row.Cells["v"].Value)
	}

	// The sorted file's decoded record must not have been mutated by the
	// merge: re-reading directly from r should still show the old value.
	direct, ok, err := r.Get(context.Background(), key)
	if err != nil || !ok {
		t.Fatalf("direct get: ok=%v err=%v", ok, err)
	}
	if string(direct.Rows[tablestore.ClusteringKey(clustering("c1"))].Cells["v"].Value) != "old" {
		t.Fatalf("sorted file's stored record was mutated by Get's merge")
	}
}

func TestPath_GetReturnsErrorWithoutKey(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	tr := tracker.New(mt)
	p := New(tid, tr, nil)

	if _, err := p.Get(context.Background(), ReadCommand{TableID: tid}); err == nil {
		t.Fatalf("expected an error for a point read with no key")
	}
}

func TestPath_GetUsesRowCacheOnHit(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	tr := tracker.New(mt)
	key := pk("a")

	rc := NewCacheRowCache(cache.NewMemoryCache(), time.Minute)
	cached := pu(key, tid, "c1", "v", 9, "cached")
	rc.Store(context.Background(), tid, cached)

	p := New(tid, tr, rc)
	got, err := p.Get(context.Background(), ReadCommand{TableID: tid, Key: &key})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if string(got.Rows[tablestore.ClusteringKey(clustering("c1"))].Cells["v"].Value) != "cached" {
		t.Fatalf("expected the cached value to be served without consulting the memtable")
	}
}

func TestPath_ScanMergesAndAppliesDataLimits(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	o := ordering.NewOpOrder()
	tr := tracker.New(mt)

	putInto(t, mt, o, pu(pk("a"), tid, "c1", "v", 1, "va"))
	putInto(t, mt, o, pu(pk("b"), tid, "c1", "v", 1, "vb"))
	putInto(t, mt, o, pu(pk("c"), tid, "c1", "v", 1, "vc"))

	p := New(tid, tr, nil)
	got, err := p.Scan(context.Background(), ReadCommand{
		TableID: tid,
		Limits:  DataLimits{MaxPartitions: 2},
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected MaxPartitions to cap the result at 2, got %d", len(got))
	}
}

func TestPath_ScanAppliesClusteringAndColumnFilters(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	o := ordering.NewOpOrder()
	tr := tracker.New(mt)

	key := pk("a")
	g := o.Start()
	p0 := tablestore.NewPartitionUpdate(key, tid)
	c1, c2 := clustering("c1"), clustering("c2")
	p0.Rows[tablestore.ClusteringKey(c1)] = tablestore.Row{
		Clustering: c1,
		Cells: map[string]tablestore.Cell{
			"v": {Timestamp: 1, Value: []byte("v1")},
			"w": {Timestamp: 1, Value: []byte("w1")},
		},
	}
	p0.Rows[tablestore.ClusteringKey(c2)] = tablestore.Row{
		Clustering: c2,
		Cells: map[string]tablestore.Cell{
			"v": {Timestamp: 1, Value: []byte("v2")},
		},
	}
	if _, err := mt.Put(p0, nil, g); err != nil {
		t.Fatalf("put: %v", err)
	}
	g.Close()

	p := New(tid, tr, nil)
	got, err := p.Scan(context.Background(), ReadCommand{
		TableID:    tid,
		Clustering: ClusteringFilter{Start: &c1, End: &c1},
		Columns:    memtable.ColumnFilter{Columns: []string{"v"}},
	})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("expected exactly one partition, got %d", len(got))
	}
	rows := got[0].Rows
	if len(rows) != 1 {
		t.Fatalf("expected the clustering filter to keep only c1, got %d rows", len(rows))
	}
	row := rows[tablestore.ClusteringKey(c1)]
	if _, ok := row.Cells["w"]; ok {
		t.Fatalf("expected column filter to drop column w")
	}
	if string(row.Cells["v"].Value) != "v1" {
		t.Fatalf("unexpected cell value %q", row.Cells["v"].Value)
	}
}

func TestPath_ScanSkipsCompactingSortedFiles(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	tr := tracker.New(mt)

	fio := sstable.NewMemFileIO()
	r := writeSortedFile(t, fio, 1, pu(pk("a"), tid, "c1", "v", 1, "va"))
	tr.AddSSTables([]sstable.Reader{r})
	tr.MarkCompacting([]int64{1})

	p := New(tid, tr, nil)
	got, err := p.Scan(context.Background(), ReadCommand{TableID: tid})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("expected a compacting sorted file to be excluded from the scan, got %d results", len(got))
	}
}

func TestPath_ScanHonorsContextDeadline(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	o := ordering.NewOpOrder()
	tr := tracker.New(mt)
	putInto(t, mt, o, pu(pk("a"), tid, "c1", "v", 1, "va"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := New(tid, tr, nil)
	if _, err := p.Scan(ctx, ReadCommand{TableID: tid}); err == nil {
		t.Fatalf("expected a timeout error once the context is already cancelled")
	}
}

func TestCacheRowCache_RoundTripsThroughJSON(t *testing.T) {
	tid := tablestore.TableID(tablestore.NewUUID())
	key := pk("a")
	rc := NewCacheRowCache(cache.NewMemoryCache(), time.Minute)

	original := pu(key, tid, "c1", "v", 5, "hello")
	rc.Store(context.Background(), tid, original)

	got, ok := rc.Lookup(context.Background(), tid, key)
	if !ok {
		t.Fatalf("expected a cache hit")
	}
	row := got.Rows[tablestore.ClusteringKey(clustering("c1"))]
	if string(row.Cells["v"].Value) != "hello" {
		t.Fatalf("unexpected round-tripped value %q", row.Cells["v"].Value)
	}
	if !got.Key.Equal(key) {
		t.Fatalf("expected the round-tripped key to compare equal to the original")
	}
}
