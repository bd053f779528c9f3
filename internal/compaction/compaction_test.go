package compaction

import (
	"context"
	"testing"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/lifecycle"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/tracker"
	"github.com/nimbusdb/tablestore/internal/walpos"
)

func key(b string) tablestore.PartitionKey {
	return tablestore.PartitionKey{Bytes: []byte(b), Token: tablestore.Int64Token(len(b))}
}

func update(k tablestore.PartitionKey, tid tablestore.TableID, ts int64, val string) *tablestore.PartitionUpdate {
	pu := tablestore.NewPartitionUpdate(k, tid)
	c := tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte("c1")}}
	pu.Rows[tablestore.ClusteringKey(c)] = tablestore.Row{
		Clustering: c,
		Cells:      map[string]tablestore.Cell{"v": {Timestamp: ts, Value: []byte(val)}},
	}
	return pu
}

func writeFile(t *testing.T, fio sstable.FileIO, gen int64, puts ...*tablestore.PartitionUpdate) sstable.Reader {
	t.Helper()
	w := sstable.NewPlainWriter("/data", fio, gen)
	for _, pu := range puts {
		if err := w.Add(context.Background(), pu); err != nil {
			t.Fatalf("add: %v", err)
		}
	}
	r, err := w.Finish(context.Background())
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return r
}

func newHarness(t *testing.T) (tablestore.TableID, *tracker.Tracker, sstable.FileIO) {
	t.Helper()
	tid := tablestore.TableID(tablestore.NewUUID())
	mt := memtable.New(tid, walpos.Zero, memtable.Policy{})
	tr := tracker.New(mt)
	return tid, tr, sstable.NewMemFileIO()
}

func TestSizeTieredStrategy_SelectsFullBucket(t *testing.T) {
	tid, tr, fio := newHarness(t)
	for i := int64(1); i <= 4; i++ {
		r := writeFile(t, fio, i, update(key("a"), tid, i, "v"))
		tr.AddSSTables([]sstable.Reader{r})
	}
	strat := New(SizeTiered, Thresholds{Min: 4, Max: 8})
	task, ok := strat.SelectCompaction(tr.Snapshot())
	if !ok {
		t.Fatalf("expected a compaction task once 4 similarly sized files accumulate")
	}
	if len(task.Inputs) != 4 {
		t.Fatalf("expected all 4 generations selected, got %v", task.Inputs)
	}
}

func TestSizeTieredStrategy_BelowThresholdSelectsNothing(t *testing.T) {
	tid, tr, fio := newHarness(t)
	r := writeFile(t, fio, 1, update(key("a"), tid, 1, "v"))
	tr.AddSSTables([]sstable.Reader{r})
	strat := New(SizeTiered, Thresholds{Min: 4, Max: 8})
	if _, ok := strat.SelectCompaction(tr.Snapshot()); ok {
		t.Fatalf("expected no task with only one live file")
	}
}

func TestCompactor_RunMergesInputsIntoOneOutputAndDropsInputs(t *testing.T) {
	tid, tr, fio := newHarness(t)
	r1 := writeFile(t, fio, 1, update(key("a"), tid, 1, "va1"))
	r2 := writeFile(t, fio, 2, update(key("a"), tid, 2, "va2"), update(key("b"), tid, 1, "vb"))
	tr.AddSSTables([]sstable.Reader{r1, r2})

	txLog := lifecycle.NewFileLog("/txlog", fio)
	gens := sstable.NewGenerationCounter(100)
	strat := New(SizeTiered, Thresholds{Min: 2, Max: 8})
	c := NewCompactor(tid, tr, strat, txLog, gens, Config{DataDirectories: []string{"/data"}})
	c.fio = fio

	tr.MarkCompacting([]int64{1, 2})
	if err := c.Run(context.Background(), Task{Inputs: []int64{1, 2}}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	v := tr.Snapshot()
	if _, ok := v.Live[1]; ok {
		t.Fatalf("expected generation 1 dropped")
	}
	if _, ok := v.Live[2]; ok {
		t.Fatalf("expected generation 2 dropped")
	}
	if len(v.Live) != 1 {
		t.Fatalf("expected exactly one merged output live, got %d", len(v.Live))
	}
	for _, r := range v.Live {
		got, found, err := r.Get(context.Background(), key("a"))
		if err != nil || !found {
			t.Fatalf("expected merged output to contain key a: found=%v err=%v", found, err)
		}
		row := got.Rows[tablestore.ClusteringKey(tablestore.Clustering{Kind: tablestore.KindRow, Values: [][]byte{[]byte("c1")}})]
		if string(row.Cells["v"].Value) != "va2" {
			t.Fatalf("expected the newer timestamp to win the merge, got %q", row.Cells["v"].Value)
		}
	}
}

func TestCompactor_RunAbortsAndClearsCompactingOnInterrupt(t *testing.T) {
	tid, tr, fio := newHarness(t)
	r1 := writeFile(t, fio, 1, update(key("a"), tid, 1, "va"))
	r2 := writeFile(t, fio, 2, update(key("b"), tid, 1, "vb"))
	tr.AddSSTables([]sstable.Reader{r1, r2})
	tr.MarkCompacting([]int64{1, 2})

	txLog := lifecycle.NewFileLog("/txlog", fio)
	gens := sstable.NewGenerationCounter(100)
	strat := New(SizeTiered, Thresholds{Min: 2, Max: 8})
	c := NewCompactor(tid, tr, strat, txLog, gens, Config{DataDirectories: []string{"/data"}})
	c.fio = fio

	stop := func() bool { return true }
	err := c.Run(context.Background(), Task{Inputs: []int64{1, 2}}, stop)
	if err == nil {
		t.Fatalf("expected interrupted compaction to return an error")
	}
	v := tr.Snapshot()
	if v.Compacting[1] || v.Compacting[2] {
		t.Fatalf("expected both generations cleared from the compacting set after abort")
	}
	if _, ok := v.Live[1]; !ok {
		t.Fatalf("expected generation 1 to remain live after abort")
	}
	if _, ok := v.Live[2]; !ok {
		t.Fatalf("expected generation 2 to remain live after abort")
	}
}

func TestManager_SubmitBackgroundMergesFullBucket(t *testing.T) {
	tid, tr, fio := newHarness(t)
	for i := int64(1); i <= 4; i++ {
		r := writeFile(t, fio, i, update(key("a"), tid, i, "v"))
		tr.AddSSTables([]sstable.Reader{r})
	}

	txLog := lifecycle.NewFileLog("/txlog", fio)
	gens := sstable.NewGenerationCounter(100)
	strat := New(SizeTiered, Thresholds{Min: 4, Max: 8})
	c := NewCompactor(tid, tr, strat, txLog, gens, Config{DataDirectories: []string{"/data"}})
	c.fio = fio

	mgr := NewManager(2)
	mgr.Register(tid, tr, strat, c)
	mgr.SubmitBackground(context.Background(), tid)

	if err := mgr.WaitForCessation(context.Background(), nil, Every); err != nil {
		t.Fatalf("wait for cessation: %v", err)
	}
	if len(tr.Snapshot().Live) != 1 {
		t.Fatalf("expected the 4 inputs merged into 1 live file, got %d", len(tr.Snapshot().Live))
	}
}

func TestManager_PauseGlobalBlocksSubmitBackground(t *testing.T) {
	tid, tr, fio := newHarness(t)
	r := writeFile(t, fio, 1, update(key("a"), tid, 1, "v"))
	tr.AddSSTables([]sstable.Reader{r})

	txLog := lifecycle.NewFileLog("/txlog", fio)
	gens := sstable.NewGenerationCounter(100)
	strat := New(SizeTiered, Thresholds{Min: 1, Max: 8})
	c := NewCompactor(tid, tr, strat, txLog, gens, Config{})
	c.fio = fio

	mgr := NewManager(2)
	mgr.Register(tid, tr, strat, c)
	pauser := mgr.PauseGlobal()
	mgr.SubmitBackground(context.Background(), tid)
	if len(tr.Snapshot().Live) != 1 {
		t.Fatalf("expected no compaction to run while paused")
	}
	pauser.Resume()
}
