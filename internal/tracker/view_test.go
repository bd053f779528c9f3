package tracker

import (
	"testing"

	"github.com/nimbusdb/tablestore"
	"github.com/nimbusdb/tablestore/internal/memtable"
	"github.com/nimbusdb/tablestore/internal/sstable"
	"github.com/nimbusdb/tablestore/internal/walpos"
)

type recordingObserver struct {
	changes int
}

func (r *recordingObserver) OnViewChanged(*View) { r.changes++ }

func newMemtable() *memtable.Memtable {
	tid := tablestore.TableID(tablestore.NewUUID())
	return memtable.New(tid, walpos.Zero, memtable.Policy{})
}

func TestTracker_SwitchMemtablePublishesNewView(t *testing.T) {
	obs := &recordingObserver{}
	tr := New(newMemtable())
	tr.Subscribe(obs)

	first := tr.Snapshot().Current
	next := newMemtable()
	tr.SwitchMemtable(next)

	v := tr.Snapshot()
	if v.Current != next {
		t.Fatalf("expected Current to be the newly switched-in memtable")
	}
	if len(v.Flushing) != 1 || v.Flushing[0] != first {
		t.Fatalf("expected outgoing memtable to move into Flushing")
	}
	if obs.changes != 1 {
		t.Fatalf("expected exactly one observer notification, got %d", obs.changes)
	}
}

func TestTracker_ReplaceFlushedRemovesFromFlushingAndAddsLive(t *testing.T) {
	tr := New(newMemtable())
	outgoing := tr.Snapshot().Current
	tr.SwitchMemtable(newMemtable())

	fio := sstable.NewMemFileIO()
	w := sstable.NewPlainWriter("/t", fio, 5)
	reader, err := w.Finish(nil)
	if err != nil {
		t.Fatalf("finish: %v", err)
	}

	tr.ReplaceFlushed(outgoing, reader)
	v := tr.Snapshot()
	if len(v.Flushing) != 0 {
		t.Fatalf("expected flushing list empty after replace, got %d entries", len(v.Flushing))
	}
	if _, ok := v.Live[5]; !ok {
		t.Fatalf("expected generation 5 to be live")
	}
}

func TestTracker_DropSSTablesRemovesFromLiveAndCompacting(t *testing.T) {
	tr := New(newMemtable())
	fio := sstable.NewMemFileIO()
	w := sstable.NewPlainWriter("/t", fio, 9)
	reader, _ := w.Finish(nil)
	tr.AddSSTables([]sstable.Reader{reader})
	tr.MarkCompacting([]int64{9})

	if !tr.Snapshot().Compacting[9] {
		t.Fatalf("expected generation 9 marked compacting")
	}
	tr.DropSSTables([]int64{9})
	v := tr.Snapshot()
	if _, ok := v.Live[9]; ok {
		t.Fatalf("expected generation 9 removed from live set")
	}
	if v.Compacting[9] {
		t.Fatalf("expected generation 9 removed from compacting set")
	}
}

func TestTracker_ResetPublishesEmptyView(t *testing.T) {
	tr := New(newMemtable())
	tr.SwitchMemtable(newMemtable())
	fresh := newMemtable()
	tr.Reset(fresh)

	v := tr.Snapshot()
	if v.Current != fresh || len(v.Flushing) != 0 || len(v.Live) != 0 {
		t.Fatalf("expected reset view to be empty apart from the fresh memtable")
	}
}
