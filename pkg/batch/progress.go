package batch

import "sync/atomic"

// Progress tracks completion of one FetchAll invocation. Counters are
// atomic so any goroutine may sample a snapshot at any time while the
// engine runs; processed is monotonically non-decreasing and equals
// total exactly once at completion.
type Progress struct {
	processed atomic.Int64
	total     atomic.Int64
}

// Snapshot is a point-in-time view of batch progress.
type Snapshot struct {
	Processed int `json:"processed"`
	Total     int `json:"total"`
}

// NewProgress creates an empty progress tracker. Pass it via Options to
// observe a running FetchAll; the engine sets the total and increments
// processed as items reach a final result.
func NewProgress() *Progress {
	return &Progress{}
}

// setTotal records the size of the truncated work list.
func (p *Progress) setTotal(n int) {
	p.total.Store(int64(n))
}

// markProcessed records one item reaching a final result, success or
// capped failure.
func (p *Progress) markProcessed() {
	p.processed.Add(1)
}

// Snapshot returns the current processed/total counts.
func (p *Progress) Snapshot() Snapshot {
	return Snapshot{
		Processed: int(p.processed.Load()),
		Total:     int(p.total.Load()),
	}
}

// Done reports whether every item has a final result.
func (p *Progress) Done() bool {
	s := p.Snapshot()
	return s.Total > 0 && s.Processed == s.Total
}

// Percent returns completion as 0–100. Zero-total progress reports 0.
func (p *Progress) Percent() float64 {
	s := p.Snapshot()
	if s.Total == 0 {
		return 0
	}
	return float64(s.Processed) / float64(s.Total) * 100
}
