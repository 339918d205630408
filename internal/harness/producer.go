package harness

import "context"

// TestcaseProducer is the single-producer-multi-consumer FIFO VM
// Runners pull from (spec §4.5: "the testcase producer ... thread-safe
// FIFO with bounded capacity, backpressure toward the producer").
type TestcaseProducer interface {
	// Next blocks until a testcase is available, the producer is
	// closed, or ctx is cancelled. ok is false once the stream is
	// exhausted — the caller (a Runner) exits its loop in that case.
	Next(ctx context.Context) (testcase []byte, ok bool)
}

// ChanProducer is a bounded-channel TestcaseProducer. Push blocks
// once the channel is full, which is exactly the backpressure spec
// §4.5 calls for.
type ChanProducer struct {
	ch chan []byte
}

func NewChanProducer(capacity int) *ChanProducer {
	return &ChanProducer{ch: make(chan []byte, capacity)}
}

// Push enqueues one testcase, blocking under backpressure until room
// frees up, ctx is cancelled, or the producer is closed.
func (p *ChanProducer) Push(ctx context.Context, testcase []byte) error {
	select {
	case p.ch <- testcase:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close signals exhaustion: every blocked and future Next returns
// ok=false once the buffered testcases drain.
func (p *ChanProducer) Close() {
	close(p.ch)
}

func (p *ChanProducer) Next(ctx context.Context) ([]byte, bool) {
	select {
	case tc, ok := <-p.ch:
		return tc, ok
	case <-ctx.Done():
		return nil, false
	}
}
