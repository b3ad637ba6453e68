// Package pipeline visits every row of a large table in id order and applies a
// pluggable rule to each, with a bounded job queue, a fixed worker pool and a
// single dispatcher goroutine that coordinates them by message passing.
//
// The data flow is producer -> queue -> dispatcher -> workers -> gateway. Worker
// completions flow back to the dispatcher, which updates the counters, frees the
// worker, resumes the producer once the queue drains below the resume watermark
// and detects completion (producer finished, queue empty, no busy worker).
package pipeline

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/timmy/emomo-backfill/internal/logger"
)

// ErrAlreadyStarted is returned when Run is called more than once.
var ErrAlreadyStarted = errors.New("pipeline already started")

// Result summarizes a run. It is returned even when the run fails.
type Result struct {
	Counters
	Cursor         Cursor
	SafeCheckpoint int64
	Failures       []Failure
	Duration       time.Duration
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithHooks registers dispatcher event callbacks. It may be given several times.
func WithHooks(h Hooks) Option {
	return func(p *Pipeline) {
		p.hooks = append(p.hooks, h)
	}
}

// WithLogger sets the logger used for record errors and lifecycle events.
func WithLogger(l *logger.Logger) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

// Pipeline is a single-use bulk transformation run.
type Pipeline struct {
	cfg     Config
	gateway Gateway
	rule    Rule
	hooks   hookSet
	log     *logger.Logger

	started   atomic.Bool
	snapshots chan chan Snapshot
	done      chan struct{}
	final     Snapshot
}

// New creates a pipeline over gateway applying rule to every record.
func New(gateway Gateway, rule Rule, cfg Config, opts ...Option) (*Pipeline, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if gateway == nil || rule == nil {
		return nil, errors.New("pipeline: gateway and rule are required")
	}
	p := &Pipeline{
		cfg:       cfg,
		gateway:   gateway,
		rule:      rule,
		log:       logger.GetDefault(),
		snapshots: make(chan chan Snapshot),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Run processes the table until it is exhausted, the producer fails or ctx is
// cancelled. A nil error means every fetched record reached a worker outcome;
// record-level failures are reported in the Result, not as an error.
func (p *Pipeline) Run(ctx context.Context) (*Result, error) {
	if !p.started.CompareAndSwap(false, true) {
		return nil, ErrAlreadyStarted
	}
	start := time.Now()

	var total int64
	if est, ok := p.gateway.(Estimator); ok {
		n, err := est.EstimateTotal(ctx, p.cfg.StartAfterID)
		if err != nil {
			p.log.WithError(err).Warn("Failed to estimate total records, progress will use fetched count")
		} else {
			total = n
		}
	}

	requests := make(chan fetchRequest, 1)
	pages := make(chan page, 1)
	completions := make(chan completion, p.cfg.WorkerCount)

	producerCtx, cancelProducer := context.WithCancel(ctx)
	defer cancelProducer()
	// In-flight updates survive cancellation of ctx; they are bounded by the drain timeout instead.
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelWork()

	prod := &producer{
		gateway:  p.gateway,
		cursor:   Cursor{LastSeenID: p.cfg.StartAfterID},
		requests: requests,
		pages:    pages,
	}
	go prod.run(producerCtx)

	d := &dispatcher{
		cfg:         p.cfg,
		log:         p.log,
		hooks:       p.hooks,
		queue:       NewJobQueue(p.cfg.QueueCapacity),
		slots:       make([]workerSlot, p.cfg.WorkerCount),
		idle:        make([]int, 0, p.cfg.WorkerCount),
		counters:    Counters{TotalKnown: total},
		cursor:      Cursor{LastSeenID: p.cfg.StartAfterID},
		ledger:      newPageLedger(p.cfg.StartAfterID),
		requests:    requests,
		pages:       pages,
		completions: completions,
		snapshots:   p.snapshots,
	}

	var wg sync.WaitGroup
	for i := range d.slots {
		jobs := make(chan Job, 1)
		d.slots[i].jobs = jobs
		d.idle = append(d.idle, i)
		w := &worker{slot: i, rule: p.rule, gateway: p.gateway, jobs: jobs, done: completions}
		wg.Add(1)
		go func() {
			defer wg.Done()
			w.run(workCtx)
		}()
	}

	p.log.WithFields(logger.Fields{
		"workers":        p.cfg.WorkerCount,
		"batch_size":     p.cfg.BatchSize,
		"queue_capacity": p.cfg.QueueCapacity,
		"resume_margin":  p.cfg.ResumeMargin,
		"start_after_id": p.cfg.StartAfterID,
		"total_known":    total,
	}).Info("Pipeline started")

	err := d.loop(ctx)

	cancelProducer()
	close(requests)
	for i := range d.slots {
		close(d.slots[i].jobs)
	}
	if d.busy == 0 {
		wg.Wait()
	} else {
		cancelWork()
	}

	res := &Result{
		Counters:       d.counters,
		Cursor:         d.cursor,
		SafeCheckpoint: d.ledger.safe,
		Failures:       d.failures,
		Duration:       time.Since(start),
	}
	p.final = d.snapshot()
	close(p.done)

	logger.With(logger.Fields{
		logger.FieldDurationMs: res.Duration.Milliseconds(),
		logger.FieldCount:      res.Done(),
	}).WithStatus(runStatus(err)).Info(p.log.WithContext(ctx),
		"Pipeline finished: processed %d/%d, modified %d, errors %d, cursor %d",
		res.Done(), res.TotalKnown, res.Modified, res.Errors, res.Cursor.LastSeenID)

	return res, err
}

// Interrupted reports whether err means the run was stopped by its context,
// either cancelled or past its deadline, rather than failing on its own.
func Interrupted(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func runStatus(err error) string {
	switch {
	case err == nil:
		return "completed"
	case Interrupted(err):
		return "interrupted"
	default:
		return "failed"
	}
}

// Snapshot returns the current dispatcher state. After Run has returned it
// returns the final state.
func (p *Pipeline) Snapshot(ctx context.Context) (Snapshot, error) {
	reply := make(chan Snapshot, 1)
	select {
	case p.snapshots <- reply:
		select {
		case s := <-reply:
			return s, nil
		case <-ctx.Done():
			return Snapshot{}, ctx.Err()
		}
	case <-p.done:
		return p.final, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// Done is closed when Run has returned.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}
