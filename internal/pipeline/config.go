package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// Default configuration values.
const (
	DefaultWorkerCount   = 32
	DefaultBatchSize     = 100
	DefaultQueueCapacity = 500
	DefaultResumeMargin  = 10
	DefaultDrainTimeout  = 30 * time.Second
	DefaultMaxFailures   = 10000
)

// ErrInvalidConfig is returned by Config.Validate.
var ErrInvalidConfig = errors.New("invalid pipeline config")

// Config holds the tuning knobs of a pipeline run.
type Config struct {
	// WorkerCount is the fixed size of the worker pool.
	WorkerCount int
	// BatchSize is the maximum number of records per page fetch.
	BatchSize int
	// QueueCapacity bounds the number of fetched but unassigned jobs.
	QueueCapacity int
	// ResumeMargin is how far below QueueCapacity the queue must drain before
	// the producer fetches again after a pause.
	ResumeMargin int
	// StartAfterID is the initial cursor; 0 starts at the beginning of the table.
	StartAfterID int64
	// DrainTimeout bounds how long in-flight jobs may run after the run is
	// stopped by cancellation or a producer failure. Zero abandons them immediately.
	DrainTimeout time.Duration
	// MaxFailures caps the number of failures kept for the final report.
	// Errors beyond the cap are still counted.
	MaxFailures int
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		WorkerCount:   DefaultWorkerCount,
		BatchSize:     DefaultBatchSize,
		QueueCapacity: DefaultQueueCapacity,
		ResumeMargin:  DefaultResumeMargin,
		DrainTimeout:  DefaultDrainTimeout,
		MaxFailures:   DefaultMaxFailures,
	}
}

// Validate checks that the configuration can drive a run.
func (c Config) Validate() error {
	switch {
	case c.WorkerCount <= 0:
		return fmt.Errorf("%w: worker count must be positive, got %d", ErrInvalidConfig, c.WorkerCount)
	case c.BatchSize <= 0:
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	case c.QueueCapacity <= 0:
		return fmt.Errorf("%w: queue capacity must be positive, got %d", ErrInvalidConfig, c.QueueCapacity)
	case c.ResumeMargin < 0 || c.ResumeMargin >= c.QueueCapacity:
		return fmt.Errorf("%w: resume margin must be in [0, %d), got %d", ErrInvalidConfig, c.QueueCapacity, c.ResumeMargin)
	case c.StartAfterID < 0:
		return fmt.Errorf("%w: start id must not be negative, got %d", ErrInvalidConfig, c.StartAfterID)
	case c.DrainTimeout < 0:
		return fmt.Errorf("%w: drain timeout must not be negative", ErrInvalidConfig)
	case c.MaxFailures < 0:
		return fmt.Errorf("%w: max failures must not be negative", ErrInvalidConfig)
	}
	return nil
}

// resumeBelow is the queue depth the producer must drop under before it is resumed.
func (c Config) resumeBelow() int {
	return c.QueueCapacity - c.ResumeMargin
}
