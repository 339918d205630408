package harness

import (
	"context"

	"github.com/fawkes-project/fawkes/pkg/types"
)

// CrashSink is the multi-producer-single-consumer FIFO VM Runners
// submit crash records to (spec §4.5), bounded for the same
// backpressure reason as ChanProducer. Harness owns the single
// consumer goroutine that drains it toward REPORT_CRASH.
type CrashSink struct {
	ch chan *types.CrashRecord
}

func NewCrashSink(capacity int) *CrashSink {
	return &CrashSink{ch: make(chan *types.CrashRecord, capacity)}
}

// Submit implements crash_pipeline.submit(...) from the VM Runner's
// hot loop (spec §4.6).
func (s *CrashSink) Submit(ctx context.Context, rec *types.CrashRecord) error {
	select {
	case s.ch <- rec:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *CrashSink) Close() { close(s.ch) }

func (s *CrashSink) Drain() <-chan *types.CrashRecord { return s.ch }
