package batch

import (
	"sync"
	"testing"
)

func TestProgress_Snapshot(t *testing.T) {
	p := NewProgress()

	snap := p.Snapshot()
	if snap.Processed != 0 || snap.Total != 0 {
		t.Errorf("initial Snapshot = %d/%d, want 0/0", snap.Processed, snap.Total)
	}

	p.setTotal(5)
	p.markProcessed()
	p.markProcessed()

	snap = p.Snapshot()
	if snap.Processed != 2 || snap.Total != 5 {
		t.Errorf("Snapshot = %d/%d, want 2/5", snap.Processed, snap.Total)
	}
}

func TestProgress_Done(t *testing.T) {
	p := NewProgress()

	if p.Done() {
		t.Error("empty progress must not report done")
	}

	p.setTotal(2)
	p.markProcessed()
	if p.Done() {
		t.Error("1/2 must not report done")
	}

	p.markProcessed()
	if !p.Done() {
		t.Error("2/2 must report done")
	}
}

func TestProgress_Percent(t *testing.T) {
	p := NewProgress()

	if got := p.Percent(); got != 0 {
		t.Errorf("Percent() = %v, want 0 for zero total", got)
	}

	p.setTotal(4)
	p.markProcessed()

	if got := p.Percent(); got != 25 {
		t.Errorf("Percent() = %v, want 25", got)
	}
}

func TestProgress_ConcurrentIncrements(t *testing.T) {
	p := NewProgress()
	p.setTotal(200)

	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			p.markProcessed()
		}()
	}
	wg.Wait()

	if snap := p.Snapshot(); snap.Processed != 200 {
		t.Errorf("Processed = %d, want 200 (lost increments)", snap.Processed)
	}
}
