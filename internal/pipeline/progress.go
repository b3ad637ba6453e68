package pipeline

import (
	"context"
	"time"

	"github.com/timmy/emomo-backfill/internal/logger"
)

// DefaultProgressInterval is how often progress is reported when no interval is given.
const DefaultProgressInterval = time.Second

// ProgressAggregator periodically reports a pipeline's counters. It only reads
// snapshots and has no effect on the run.
type ProgressAggregator struct {
	pipeline *Pipeline
	interval time.Duration
	log      *logger.Logger
	sinks    []func(Snapshot)
}

// NewProgressAggregator creates an aggregator for p. Each sink receives every snapshot
// after it has been logged.
func NewProgressAggregator(p *Pipeline, interval time.Duration, log *logger.Logger, sinks ...func(Snapshot)) *ProgressAggregator {
	if interval <= 0 {
		interval = DefaultProgressInterval
	}
	if log == nil {
		log = logger.GetDefault()
	}
	return &ProgressAggregator{pipeline: p, interval: interval, log: log, sinks: sinks}
}

// Run reports until ctx is cancelled or the pipeline finishes.
func (a *ProgressAggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-a.pipeline.Done():
			return
		case <-ticker.C:
			snap, err := a.pipeline.Snapshot(ctx)
			if err != nil {
				return
			}
			a.report(snap)
		}
	}
}

func (a *ProgressAggregator) report(s Snapshot) {
	a.log.WithFields(logger.Fields{
		"processed":    s.Done(),
		"total":        s.TotalKnown,
		"modified":     s.Modified,
		"errors":       s.Errors,
		"queued":       s.QueueDepth,
		"busy_workers": s.BusyWorkers,
		"cursor":       s.Cursor.LastSeenID,
		"paused":       s.Paused,
	}).Infof("Progress %d/%d (%.1f%%), modified %d, errors %d, queued %d, busy %d/%d",
		s.Done(), s.TotalKnown, s.Percent(), s.Modified, s.Errors, s.QueueDepth, s.BusyWorkers, s.Workers)

	for _, sink := range a.sinks {
		sink(s)
	}
}
