package worker

import (
	"context"
	"math/rand/v2"
	"sync"
	"time"

	"git.home.luguber.info/inful/eventpipe/internal/event"
	"git.home.luguber.info/inful/eventpipe/internal/foundation/errors"
)

// Processor performs the domain work for one event.
type Processor interface {
	Process(ctx context.Context, msg event.Message) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, msg event.Message) error

func (f ProcessorFunc) Process(ctx context.Context, msg event.Message) error { return f(ctx, msg) }

// ErrSimulatedFailure is returned by SimulatedProcessor on an injected failure.
var ErrSimulatedFailure = errors.ProcessingError("Simulated processing error").Build()

// SimulatedProcessor sleeps for a uniformly distributed duration and fails with the configured
// probability.
type SimulatedProcessor struct {
	Min, Max    time.Duration
	FailureRate float64

	mu  sync.Mutex
	rng *rand.Rand
}

// NewSimulatedProcessor seeds from rng, or from a random source when rng is nil.
func NewSimulatedProcessor(minDur, maxDur time.Duration, failureRate float64, rng *rand.Rand) *SimulatedProcessor {
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	if maxDur < minDur {
		maxDur = minDur
	}
	return &SimulatedProcessor{Min: minDur, Max: maxDur, FailureRate: failureRate, rng: rng}
}

func (p *SimulatedProcessor) Process(ctx context.Context, _ event.Message) error {
	p.mu.Lock()
	d := p.Min
	if span := p.Max - p.Min; span > 0 {
		d += time.Duration(p.rng.Int64N(int64(span) + 1))
	}
	fail := p.rng.Float64() < p.FailureRate
	p.mu.Unlock()

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return errors.WrapError(ctx.Err(), errors.CategoryProcessing, "processing interrupted").Retryable().Build()
	case <-t.C:
	}
	if fail {
		return ErrSimulatedFailure
	}
	return nil
}
