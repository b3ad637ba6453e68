package pipeline

import (
	"context"
	"fmt"
)

// Record is the part of a table row a Rule needs to classify it.
type Record struct {
	ID      int64
	Content string
}

// Patch is the change a Rule asks the Gateway to persist for one record.
type Patch struct {
	Content string
}

// Gateway is the narrow view of the record store the pipeline depends on.
type Gateway interface {
	// FetchPage returns at most limit records with id > afterID, ordered by id ascending.
	// An empty page signals the end of the table.
	FetchPage(ctx context.Context, afterID int64, limit int) ([]Record, error)

	// ApplyUpdate persists patch for the record with the given id.
	ApplyUpdate(ctx context.Context, id int64, patch Patch) error
}

// Estimator is optionally implemented by a Gateway to report how many rows a run
// starting after afterID is expected to visit. It only feeds progress reporting.
type Estimator interface {
	EstimateTotal(ctx context.Context, afterID int64) (int64, error)
}

// Decision is the result of classifying a record: either skip it or modify it with a patch.
type Decision struct {
	modify bool
	patch  Patch
}

// Skip leaves the record untouched.
func Skip() Decision {
	return Decision{}
}

// Modify asks for patch to be applied to the record.
func Modify(patch Patch) Decision {
	return Decision{modify: true, patch: patch}
}

// Patch returns the patch carried by a Modify decision.
func (d Decision) Patch() (Patch, bool) {
	return d.patch, d.modify
}

// IsSkip reports whether the decision leaves the record untouched.
func (d Decision) IsSkip() bool {
	return !d.modify
}

// Rule classifies records. Implementations must be pure: no I/O, safe to call
// concurrently and repeatedly on the same input.
type Rule interface {
	Classify(rec Record) Decision
}

// RuleFunc adapts an ordinary function to the Rule interface.
type RuleFunc func(rec Record) Decision

// Classify calls f(rec).
func (f RuleFunc) Classify(rec Record) Decision {
	return f(rec)
}

// OutcomeKind tags a worker completion message.
type OutcomeKind int

const (
	// OutcomeProcessed means the record was visited and needed no change.
	OutcomeProcessed OutcomeKind = iota + 1
	// OutcomeModified means the rule produced a patch and the update succeeded.
	OutcomeModified
	// OutcomeFailed means classification or the update failed for this record only.
	OutcomeFailed
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeProcessed:
		return "processed"
	case OutcomeModified:
		return "modified"
	case OutcomeFailed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", int(k))
	}
}

// Outcome is what a worker reports for one job. Err is set only for OutcomeFailed.
type Outcome struct {
	Kind OutcomeKind
	Err  error
}

func processed() Outcome { return Outcome{Kind: OutcomeProcessed} }
func modified() Outcome  { return Outcome{Kind: OutcomeModified} }
func failed(err error) Outcome {
	return Outcome{Kind: OutcomeFailed, Err: err}
}

// Cursor is the traversal position of the producer.
type Cursor struct {
	LastSeenID int64 `json:"last_seen_id"`
}

// Job is one fetched record waiting to be processed.
type Job struct {
	Record Record
	page   int64
}

// Failure identifies a record that could not be processed, for manual reprocessing.
type Failure struct {
	ID    int64  `json:"id"`
	Error string `json:"error"`
}

// Counters are run-wide statistics. They only ever increase during a run.
type Counters struct {
	Processed  int64 `json:"processed"`
	Modified   int64 `json:"modified"`
	Errors     int64 `json:"errors"`
	TotalKnown int64 `json:"total_known"`
	Fetched    int64 `json:"fetched"`
	Pages      int64 `json:"pages"`
}

// Done is the number of records that have finished processing, whatever the outcome.
func (c Counters) Done() int64 {
	return c.Processed + c.Modified + c.Errors
}

// Percent returns Done as a percentage of TotalKnown.
func (c Counters) Percent() float64 {
	if c.TotalKnown <= 0 {
		return 0
	}
	return float64(c.Done()) * 100 / float64(c.TotalKnown)
}

// Snapshot is a read-only copy of the dispatcher state.
type Snapshot struct {
	Counters
	Cursor           Cursor `json:"cursor"`
	SafeCheckpoint   int64  `json:"safe_checkpoint"`
	QueueDepth       int    `json:"queue_depth"`
	QueueCapacity    int    `json:"queue_capacity"`
	BusyWorkers      int    `json:"busy_workers"`
	Workers          int    `json:"workers"`
	Paused           bool   `json:"paused"`
	ProducerFinished bool   `json:"producer_finished"`
	Stopping         bool   `json:"stopping"`
}
