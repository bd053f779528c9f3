package sstable

import (
	"context"
	"testing"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/memtable"
)

func key(b string) tablestore.PartitionKey {
	return tablestore.PartitionKey{Bytes: []byte(b), Token: tablestore.Int64Token(len(b))}
}

func update(k tablestore.PartitionKey, ts int64, val string) *tablestore.PartitionUpdate {
	tid := tablestore.TableID(tablestore.NewUUID())
	pu := tablestore.NewPartitionUpdate(k, tid)
	c := tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte("c1")}}
	pu.Rows[tablestore.ClusteringKey(c)] = tablestore.Row{
		Clustering: c,
		Cells:      map[string]tablestore.Cell{"v": {Timestamp: ts, Value: []byte(val)}},
	}
	return pu
}

func TestPlainWriter_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fio := NewMemFileIO()
	w := NewPlainWriter("/data/t1", fio, 1)

	a := update(key("a"), 10, "va")
	b := update(key("b"), 20, "vb")
	if err := w.Add(ctx, a); err != nil {
		t.Fatalf("add a: %v", err)
	}
	if err := w.Add(ctx, b); err != nil {
		t.Fatalf("add b: %v", err)
	}

	r, err := w.Finish(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	defer r.Close()

	meta := r.Metadata()
	if !meta.FirstKey.Equal(key("a")) || !meta.LastKey.Equal(key("b")) {
		t.Fatalf("unexpected key bounds: %+v", meta)
	}
	if meta.MinTimestamp != 10 || meta.MaxTimestamp != 20 {
		t.Fatalf("unexpected timestamp bounds: %+v", meta)
	}

	got, found, err := r.Get(ctx, key("a"))
	if err != nil || !found {
		t.Fatalf("expected to find key a: found=%v err=%v", found, err)
	}
	if got.Rows[tablestore.ClusteringKey(tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte("c1")}})].Cells["v"].Value[0] != 'v' {
		t.Fatalf("unexpected cell value")
	}

	sc, err := r.Scan(ctx, memtable.DataRange{})
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	count := 0
	for {
		_, ok, err := sc.Next()
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if !ok {
			break
		}
		count++
	}
	if count != 2 {
		t.Fatalf("expected 2 partitions, got %d", count)
	}
}

func TestPlainReader_ReopenAfterWrite(t *testing.T) {
	ctx := context.Background()
	fio := NewMemFileIO()
	w := NewPlainWriter("/data/t2", fio, 7)
	w.Add(ctx, update(key("k"), 1, "v"))
	r1, err := w.Finish(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	r1.Close()

	r2, err := OpenPlainReader(ctx, "/data/t2", fio, 7)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if r2.Metadata().Generation != 7 {
		t.Fatalf("unexpected generation after reopen: %d", r2.Metadata().Generation)
	}
	_, found, err := r2.Get(ctx, key("k"))
	if err != nil || !found {
		t.Fatalf("expected reopened reader to find key: found=%v err=%v", found, err)
	}
}

func TestRefCounter_ObsoleteAfterZero(t *testing.T) {
	ctx := context.Background()
	fio := NewMemFileIO()
	w := NewPlainWriter("/data/t3", fio, 1)
	w.Add(ctx, update(key("k"), 1, "v"))
	r, err := w.Finish(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	if !r.TryRef() {
		t.Fatalf("expected TryRef to succeed before obsoletion")
	}
	r.MarkObsolete()
	if r.TryRef() {
		t.Fatalf("expected TryRef to fail once obsolete")
	}

	r.Release() // the extra ref taken above
	r.Release() // the initial ref from Finish
	if err := r.Close(); err != nil {
		t.Fatalf("close after zero refs: %v", err)
	}
	if fio.Exists("/data/t3/1-Data.db") {
		t.Fatalf("expected obsolete sorted file's Data component to be removed")
	}
}

func TestErasureWriter_RoundTripAndReconstruct(t *testing.T) {
	ctx := context.Background()
	fio := NewMemFileIO()
	cfg := ECConfig{
		DataShards:   3,
		ParityShards: 2,
		BaseDirs:     []string{"/d0", "/d1", "/d2", "/d3", "/d4"},
	}
	w, err := NewErasureWriter(cfg, fio, 1)
	if err != nil {
		t.Fatalf("new erasure writer: %v", err)
	}
	w.Add(ctx, update(key("a"), 1, "va"))
	w.Add(ctx, update(key("b"), 2, "vb"))
	w.Add(ctx, update(key("c"), 3, "vc"))
	r, err := w.Finish(ctx)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	defer r.Close()

	if _, found, err := r.Get(ctx, key("b")); err != nil || !found {
		t.Fatalf("expected to find key b: found=%v err=%v", found, err)
	}

	// simulate losing up to ParityShards drives.
	memFio := fio.(*memFileIO)
	delete(memFio.files, joinPath("/d1", 1, ComponentData))
	delete(memFio.files, joinPath("/d3", 1, ComponentData))

	r2, err := OpenErasureReader(ctx, cfg, fio, 1)
	if err != nil {
		t.Fatalf("reopen after losing 2 shards: %v", err)
	}
	if _, found, err := r2.Get(ctx, key("c")); err != nil || !found {
		t.Fatalf("expected reconstructed reader to find key c: found=%v err=%v", found, err)
	}
}
