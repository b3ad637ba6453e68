package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// ErrRulePanic wraps a panic recovered while processing a single record.
var ErrRulePanic = errors.New("panic while processing record")

// completion is the message a worker sends back after every job.
type completion struct {
	slot    int
	id      int64
	page    int64
	outcome Outcome
}

// worker executes one job at a time. It never touches the queue or the counters;
// jobs arrive on its own channel and every result leaves through done.
type worker struct {
	slot    int
	rule    Rule
	gateway Gateway
	jobs    <-chan Job
	done    chan<- completion
}

func (w *worker) run(ctx context.Context) {
	for job := range w.jobs {
		w.done <- completion{
			slot:    w.slot,
			id:      job.Record.ID,
			page:    job.page,
			outcome: w.execute(ctx, job.Record),
		}
	}
}

// execute normalizes every result, including panics, into an Outcome.
func (w *worker) execute(ctx context.Context, rec Record) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = failed(fmt.Errorf("%w: %v", ErrRulePanic, r))
		}
	}()

	patch, ok := w.rule.Classify(rec).Patch()
	if !ok {
		return processed()
	}
	if err := w.gateway.ApplyUpdate(ctx, rec.ID, patch); err != nil {
		return failed(fmt.Errorf("apply update: %w", err))
	}
	return modified()
}
