package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/timmy/emomo-backfill/internal/logger"
)

type workerSlot struct {
	jobs chan Job
	busy bool
}

// dispatcher is the single coordinating goroutine. It alone owns the queue, the
// worker slots, the counters and the flow-control state; the producer and the
// workers talk to it only through channels.
type dispatcher struct {
	cfg      Config
	log      *logger.Logger
	hooks    hookSet
	queue    *JobQueue
	slots    []workerSlot
	idle     []int
	busy     int
	counters Counters
	cursor   Cursor
	ledger   *pageLedger
	failures []Failure

	paused       bool
	fetching     bool
	producerDone bool
	stopping     bool
	stopErr      error

	requests    chan<- fetchRequest
	pages       <-chan page
	completions <-chan completion
	snapshots   <-chan chan Snapshot
}

// loop runs until the pipeline is finished or, once stopped, until every busy
// worker has reported back or the drain timeout expires.
func (d *dispatcher) loop(ctx context.Context) error {
	ctxDone := ctx.Done()
	var drainTimer *time.Timer
	var drain <-chan time.Time
	defer func() {
		if drainTimer != nil {
			drainTimer.Stop()
		}
	}()

	for {
		if !d.stopping && ctx.Err() != nil {
			d.stop(fmt.Errorf("run cancelled: %w", ctx.Err()))
		}
		if !d.stopping {
			d.assign()
			d.requestPage()
		}

		if d.finished() {
			return nil
		}
		if d.stopping {
			if d.busy == 0 {
				return d.stopErr
			}
			if drain == nil {
				if d.cfg.DrainTimeout == 0 {
					return d.stopErr
				}
				drainTimer = time.NewTimer(d.cfg.DrainTimeout)
				drain = drainTimer.C
			}
		}

		select {
		case pg := <-d.pages:
			d.onPage(pg)
		case c := <-d.completions:
			d.onCompletion(c)
		case reply := <-d.snapshots:
			reply <- d.snapshot()
		case <-ctxDone:
			ctxDone = nil
		case <-drain:
			return fmt.Errorf("%d jobs still running after drain timeout %s: %w", d.busy, d.cfg.DrainTimeout, d.stopErr)
		}
	}
}

// finished is the completion condition: producer done, queue empty, nobody busy.
func (d *dispatcher) finished() bool {
	return !d.stopping && d.producerDone && d.queue.Len() == 0 && d.busy == 0
}

func (d *dispatcher) stop(err error) {
	if d.stopping {
		return
	}
	d.stopping = true
	d.stopErr = err
	d.log.WithFields(logger.Fields{
		"busy_workers": d.busy,
		"queue_depth":  d.queue.Len(),
		"cursor":       d.cursor.LastSeenID,
	}).WithError(err).Warn("Pipeline stopping, no new work will be issued")
}

// assign hands queued jobs to idle workers.
func (d *dispatcher) assign() {
	for len(d.idle) > 0 && d.queue.Len() > 0 {
		job, _ := d.queue.Pop()
		slot := d.idle[len(d.idle)-1]
		d.idle = d.idle[:len(d.idle)-1]

		d.slots[slot].busy = true
		d.busy++
		d.slots[slot].jobs <- job
		d.hooks.dispatch(job.Record.ID, d.queue.Len(), d.busy)
	}
}

// requestPage asks the producer for more records unless a fetch is already in
// flight or the queue is above the resume watermark. The request is chunked to
// the free space so the queue never exceeds its capacity.
func (d *dispatcher) requestPage() {
	if d.fetching || d.producerDone {
		return
	}
	if d.paused {
		if d.queue.Len() >= d.cfg.resumeBelow() {
			return
		}
		d.paused = false
		d.hooks.resume(d.queue.Len())
	}

	limit := min(d.cfg.BatchSize, d.queue.Free())
	if limit <= 0 {
		return
	}
	d.fetching = true
	d.requests <- fetchRequest{limit: limit}
	d.hooks.fetch(limit, d.queue.Len())
}

func (d *dispatcher) onPage(pg page) {
	d.fetching = false
	if d.stopping {
		return
	}
	if pg.err != nil {
		d.stop(fmt.Errorf("%w: %w", ErrProducerFatal, pg.err))
		return
	}
	if pg.finished {
		d.producerDone = true
		d.log.WithField("cursor", pg.cursor.LastSeenID).Info("Producer reached end of table")
		return
	}

	seq := d.ledger.open(pg.cursor.LastSeenID, len(pg.records))
	for _, rec := range pg.records {
		if err := d.queue.Push(Job{Record: rec, page: seq}); err != nil {
			d.stop(fmt.Errorf("%w: enqueue record %d: %w", ErrProducerFatal, rec.ID, err))
			return
		}
	}
	d.cursor = pg.cursor
	d.counters.Pages++
	d.counters.Fetched += int64(len(pg.records))
	if d.counters.TotalKnown < d.counters.Fetched {
		d.counters.TotalKnown = d.counters.Fetched
	}
	d.hooks.page(len(pg.records), pg.cursor, d.queue.Len())

	if d.queue.Saturated() {
		d.paused = true
		d.hooks.pause(d.queue.Len())
	}
}

func (d *dispatcher) onCompletion(c completion) {
	d.slots[c.slot].busy = false
	d.busy--
	d.idle = append(d.idle, c.slot)

	switch c.outcome.Kind {
	case OutcomeProcessed:
		d.counters.Processed++
	case OutcomeModified:
		d.counters.Modified++
	default:
		d.counters.Errors++
		errMsg := "unknown failure"
		if c.outcome.Err != nil {
			errMsg = c.outcome.Err.Error()
		}
		if len(d.failures) < d.cfg.MaxFailures {
			d.failures = append(d.failures, Failure{ID: c.id, Error: errMsg})
		}
		d.log.WithFields(logger.Fields{
			logger.FieldRecordID: c.id,
			logger.FieldWorkerID: c.slot,
		}).Errorf("Failed to process record: %s", errMsg)
	}
	d.hooks.outcome(c.id, c.outcome, d.busy)

	if d.ledger.complete(c.page) {
		d.hooks.checkpoint(d.ledger.safe)
	}
}

func (d *dispatcher) snapshot() Snapshot {
	return Snapshot{
		Counters:         d.counters,
		Cursor:           d.cursor,
		SafeCheckpoint:   d.ledger.safe,
		QueueDepth:       d.queue.Len(),
		QueueCapacity:    d.queue.Cap(),
		BusyWorkers:      d.busy,
		Workers:          len(d.slots),
		Paused:           d.paused,
		ProducerFinished: d.producerDone,
		Stopping:         d.stopping,
	}
}
