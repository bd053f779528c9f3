package ordering

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestOpOrder_BarrierAwaitsOnlyPriorGroups(t *testing.T) {
	o := NewOpOrder()

	g1 := o.Start()
	g2 := o.Start()

	b := o.NewBarrier()

	// Started after the barrier captured its epoch: must not be awaited.
	g3 := o.Start()

	done := make(chan struct{})
	go func() {
		b.Issue()
		b.AwaitBlocking()
		close(done)
	}()

	select {
	case <-done:
		t.Fatalf("barrier completed before prior groups closed")
	case <-time.After(50 * time.Millisecond):
	}

	g1.Close()
	select {
	case <-done:
		t.Fatalf("barrier completed before all prior groups closed")
	case <-time.After(50 * time.Millisecond):
	}

	g2.Close()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("barrier never completed after all prior groups closed")
	}

	g3.Close()
}

func TestOpOrder_BarrierCompletesImmediatelyIfAlreadyDrained(t *testing.T) {
	o := NewOpOrder()
	g := o.Start()
	g.Close()

	b := o.NewBarrier()
	b.Issue()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := b.Await(ctx); err != nil {
		t.Fatalf("expected immediate completion, got %v", err)
	}
}

func TestOpOrder_ConcurrentWritersNoSplitMutation(t *testing.T) {
	// Scenario S4: every writer either finishes before the barrier completes
	// (its effect belongs to the "old" epoch) or after (belongs to "new"),
	// never split.
	o := NewOpOrder()
	const writers = 10
	var wg sync.WaitGroup
	results := make([]string, writers)

	var barrierDone atomic.Int32
	b := o.NewBarrier()

	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			g := o.Start()
			defer g.Close()
			time.Sleep(time.Millisecond)
			if barrierDone.Load() == 0 {
				results[i] = "old"
			} else {
				results[i] = "new"
			}
		}(i)
	}

	time.Sleep(5 * time.Millisecond)
	b.Issue()
	b.AwaitBlocking()
	barrierDone.Store(1)
	wg.Wait()

	for i, r := range results {
		if r == "" {
			t.Fatalf("writer %d never recorded a result", i)
		}
	}
}
