package worker

import (
	"context"

	"docflow/internal/extract"
	"docflow/internal/telemetry"
)

// extractPool runs extraction on a fixed set of goroutines. Its size bounds
// how many documents burn CPU at once, independently of how many tasks the
// dispatch loop holds in flight.
type extractPool struct {
	extractor extract.Extractor
	requests  chan extractRequest
}

type extractRequest struct {
	ctx  context.Context
	data []byte
	out  chan extractResult
}

type extractResult struct {
	text string
	err  error
}

func newExtractPool(extractor extract.Extractor, workers int) *extractPool {
	if workers <= 0 {
		workers = 1
	}
	p := &extractPool{
		extractor: extractor,
		requests:  make(chan extractRequest),
	}
	for i := 0; i < workers; i++ {
		go p.run()
	}
	return p
}

func (p *extractPool) run() {
	for req := range p.requests {
		telemetry.ExtractBusyGauge.Inc()
		text, err := p.extractor.Extract(req.ctx, req.data)
		telemetry.ExtractBusyGauge.Dec()
		req.out <- extractResult{text: text, err: err}
	}
}

// Extract hands the document to the pool and waits for the result. The
// calling dispatch goroutine blocks here, but the queue loop itself never
// does.
func (p *extractPool) Extract(ctx context.Context, data []byte) (string, error) {
	out := make(chan extractResult, 1)
	select {
	case p.requests <- extractRequest{ctx: ctx, data: data, out: out}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	select {
	case res := <-out:
		return res.text, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Close stops the pool workers once in-flight requests drain.
func (p *extractPool) Close() {
	close(p.requests)
}
