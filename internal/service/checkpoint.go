package service

import (
	"context"

	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/repository"
)

// checkpointWriter persists safe checkpoints off the dispatcher goroutine. Only
// the newest pending checkpoint is kept, so a slow database never blocks the
// pipeline and never receives a backlog of stale values.
type checkpointWriter struct {
	runs   *repository.BatchRunRepository
	runID  string
	latest chan int64
	done   chan struct{}
}

func newCheckpointWriter(runs *repository.BatchRunRepository, runID string) *checkpointWriter {
	return &checkpointWriter{
		runs:   runs,
		runID:  runID,
		latest: make(chan int64, 1),
		done:   make(chan struct{}),
	}
}

// offer replaces any pending checkpoint with id. It must be called from a
// single goroutine.
func (w *checkpointWriter) offer(id int64) {
	for {
		select {
		case w.latest <- id:
			return
		default:
		}
		select {
		case <-w.latest:
		default:
		}
	}
}

// run writes checkpoints until close is called. Writes use a context that
// survives cancellation of ctx, so an interrupted run still records how far it got.
func (w *checkpointWriter) run(ctx context.Context) {
	defer close(w.done)
	ctx = context.WithoutCancel(ctx)
	for id := range w.latest {
		if err := w.runs.SaveCheckpoint(ctx, w.runID, id); err != nil {
			logger.FromContext(ctx).WithError(err).WithField("last_safe_id", id).Warn("Failed to persist checkpoint")
		}
	}
}

// close flushes the pending checkpoint and waits for the writer to exit.
func (w *checkpointWriter) close() {
	close(w.latest)
	<-w.done
}
