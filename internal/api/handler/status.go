package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/emomo-backfill/internal/api/middleware"
	"github.com/timmy/emomo-backfill/internal/pipeline"
)

// SnapshotSource is anything that can report pipeline state; *pipeline.Pipeline
// satisfies it.
type SnapshotSource interface {
	Snapshot(ctx context.Context) (pipeline.Snapshot, error)
}

// StatusHandler serves the live state of a backfill run.
type StatusHandler struct {
	source  SnapshotSource
	job     string
	runID   string
	timeout time.Duration
}

// NewStatusHandler creates a status handler for one run.
func NewStatusHandler(source SnapshotSource, job, runID string) *StatusHandler {
	return &StatusHandler{source: source, job: job, runID: runID, timeout: 2 * time.Second}
}

// StatusResponse is the body of GET /api/v1/backfill/status.
type StatusResponse struct {
	Job      string            `json:"job"`
	RunID    string            `json:"run_id"`
	State    string            `json:"state"`
	Percent  float64           `json:"percent"`
	Snapshot pipeline.Snapshot `json:"snapshot"`
}

// Status returns the current snapshot of the run.
func (h *StatusHandler) Status(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), h.timeout)
	defer cancel()

	snap, err := h.source.Snapshot(ctx)
	if err != nil {
		middleware.GetLogger(c).WithError(err).Warn("Failed to get pipeline snapshot")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "pipeline did not answer in time"})
		return
	}

	c.JSON(http.StatusOK, StatusResponse{
		Job:      h.job,
		RunID:    h.runID,
		State:    runState(snap),
		Percent:  snap.Percent(),
		Snapshot: snap,
	})
}

func runState(s pipeline.Snapshot) string {
	switch {
	case s.Stopping:
		return "stopping"
	case s.ProducerFinished && s.QueueDepth == 0 && s.BusyWorkers == 0:
		return "finished"
	case s.Paused:
		return "paused"
	default:
		return "running"
	}
}
