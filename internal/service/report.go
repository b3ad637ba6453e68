package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/timmy/emomo-backfill/internal/pipeline"
	"github.com/timmy/emomo-backfill/internal/storage"
)

// FailureReport lists the records a run could not process.
type FailureReport struct {
	RunID       string             `json:"run_id"`
	Job         string             `json:"job"`
	Status      string             `json:"status"`
	GeneratedAt time.Time          `json:"generated_at"`
	Counters    pipeline.Counters  `json:"counters"`
	Cursor      pipeline.Cursor    `json:"cursor"`
	Failures    []pipeline.Failure `json:"failures"`
	Truncated   bool               `json:"truncated"`
}

func reportKey(job, runID string) string {
	return fmt.Sprintf("reports/%s/%s.json", job, runID)
}

// uploadReport stores report as JSON and returns its key.
func uploadReport(ctx context.Context, store storage.ObjectStorage, report *FailureReport) (string, error) {
	body, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to encode failure report: %w", err)
	}

	key := reportKey(report.Job, report.RunID)
	if err := store.Upload(ctx, key, bytes.NewReader(body), int64(len(body)), "application/json"); err != nil {
		return "", err
	}
	return key, nil
}
