package service

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/emomo-backfill/internal/api"
	"github.com/timmy/emomo-backfill/internal/api/handler"
	"github.com/timmy/emomo-backfill/internal/config"
	"github.com/timmy/emomo-backfill/internal/domain"
	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/metrics"
	"github.com/timmy/emomo-backfill/internal/pipeline"
	"github.com/timmy/emomo-backfill/internal/repository"
	"github.com/timmy/emomo-backfill/internal/storage"
)

// BackfillService runs the description normalization pipeline over the memes
// table and records each run.
type BackfillService struct {
	memes     *repository.MemeRepository
	runs      *repository.BatchRunRepository
	rule      pipeline.Rule
	storage   storage.ObjectStorage
	collector *metrics.Collector
	gatherer  prometheus.Gatherer
	logger    *logger.Logger
	cfg       config.BackfillConfig
	status    config.MetricsConfig
}

// BackfillDeps holds the optional collaborators of a BackfillService.
type BackfillDeps struct {
	Storage   storage.ObjectStorage // nil disables failure reports
	Collector *metrics.Collector    // nil disables metrics hooks
	Gatherer  prometheus.Gatherer   // served on /metrics by the status server
}

// NewBackfillService creates a new backfill service
func NewBackfillService(
	memes *repository.MemeRepository,
	runs *repository.BatchRunRepository,
	rule pipeline.Rule,
	log *logger.Logger,
	cfg config.BackfillConfig,
	status config.MetricsConfig,
	deps BackfillDeps,
) *BackfillService {
	if log == nil {
		log = logger.GetDefault()
	}
	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	return &BackfillService{
		memes:     memes,
		runs:      runs,
		rule:      rule,
		storage:   deps.Storage,
		collector: deps.Collector,
		gatherer:  gatherer,
		logger:    log,
		cfg:       cfg,
		status:    status,
	}
}

// BackfillOptions holds per-invocation switches.
type BackfillOptions struct {
	Resume bool // continue after the last unfinished run's checkpoint
	DryRun bool // classify every record but write nothing
}

// BackfillResult is the outcome of one run.
type BackfillResult struct {
	RunID     string
	Status    domain.RunStatus
	ReportKey string
	*pipeline.Result
}

// Run executes one backfill run. The returned error is nil only when every
// record reached an outcome; record failures are reported in the result.
func (s *BackfillService) Run(ctx context.Context, opts BackfillOptions) (*BackfillResult, error) {
	runID := uuid.New().String()
	ctx = logger.SetRunID(logger.WithField(s.logger.WithContext(ctx), logger.FieldJobName, s.cfg.JobName), runID)
	log := logger.FromContext(ctx)
	dryRun := opts.DryRun || s.cfg.DryRun

	pcfg := s.cfg.PipelineConfig()
	if opts.Resume {
		startAfter, err := s.resumePoint(ctx)
		if err != nil {
			return nil, err
		}
		pcfg.StartAfterID = max(pcfg.StartAfterID, startAfter)
	}

	startedAt := time.Now()
	run := &domain.BatchRun{
		ID:           runID,
		JobName:      s.cfg.JobName,
		Status:       domain.RunStatusRunning,
		StartAfterID: pcfg.StartAfterID,
		LastSafeID:   pcfg.StartAfterID,
		DryRun:       dryRun,
		StartedAt:    &startedAt,
	}
	if err := s.runs.Create(ctx, run); err != nil {
		return nil, fmt.Errorf("failed to create run record: %w", err)
	}

	var gateway pipeline.Gateway = NewMemeGateway(s.memes)
	if dryRun {
		gateway = dryRunGateway{NewMemeGateway(s.memes)}
		logger.CtxWarn(ctx, "Dry run: no description will be written")
	}

	pipeOpts := []pipeline.Option{pipeline.WithLogger(log)}
	if s.collector != nil {
		pipeOpts = append(pipeOpts, pipeline.WithHooks(s.collector.Hooks()))
	}
	var checkpoints *checkpointWriter
	if s.cfg.CheckpointEnabled && !dryRun {
		checkpoints = newCheckpointWriter(s.runs, runID)
		pipeOpts = append(pipeOpts, pipeline.WithHooks(pipeline.Hooks{OnCheckpoint: checkpoints.offer}))
		go checkpoints.run(ctx)
	}

	p, err := pipeline.New(gateway, s.rule, pcfg, pipeOpts...)
	if err != nil {
		if checkpoints != nil {
			checkpoints.close()
		}
		s.finish(ctx, run, nil, err)
		return nil, err
	}

	sinks := []func(pipeline.Snapshot){s.progressSink(ctx, run)}
	if s.collector != nil {
		sinks = append(sinks, s.collector.Observe)
	}
	aggregator := pipeline.NewProgressAggregator(p, s.cfg.ProgressInterval, log, sinks...)

	var g errgroup.Group
	g.Go(func() error {
		aggregator.Run(ctx)
		return nil
	})
	stopStatus := s.serveStatus(ctx, &g, p, runID)

	res, runErr := p.Run(ctx)

	stopStatus()
	_ = g.Wait()
	if checkpoints != nil {
		checkpoints.close()
	}

	out := &BackfillResult{RunID: runID, Result: res}
	out.Status, out.ReportKey = s.finish(ctx, run, res, runErr)
	return out, runErr
}

// resumePoint returns the safe checkpoint of the last unfinished run, or 0.
func (s *BackfillService) resumePoint(ctx context.Context) (int64, error) {
	prev, err := s.runs.LatestResumable(ctx, s.cfg.JobName)
	if err != nil {
		return 0, err
	}
	if prev == nil {
		logger.CtxInfo(ctx, "No unfinished run to resume, starting from the configured position")
		return 0, nil
	}
	logger.FromContext(ctx).WithFields(logger.Fields{
		"previous_run_id": prev.ID,
		"last_safe_id":    prev.LastSafeID,
		"previous_status": prev.Status,
	}).Info("Resuming after previous run checkpoint")
	return prev.LastSafeID, nil
}

func (s *BackfillService) progressSink(ctx context.Context, run *domain.BatchRun) func(pipeline.Snapshot) {
	return func(snap pipeline.Snapshot) {
		progress := *run
		progress.TotalItems = snap.TotalKnown
		progress.ProcessedItems = snap.Processed
		progress.ModifiedItems = snap.Modified
		progress.FailedItems = snap.Errors
		if err := s.runs.UpdateProgress(ctx, &progress); err != nil {
			logger.FromContext(ctx).WithError(err).Warn("Failed to persist run progress")
		}
	}
}

// serveStatus starts the status server when an address is configured and
// returns a function that shuts it down.
func (s *BackfillService) serveStatus(ctx context.Context, g *errgroup.Group, p *pipeline.Pipeline, runID string) func() {
	if s.status.Addr == "" {
		return func() {}
	}
	log := logger.FromContext(logger.SetComponent(ctx, "status_api"))
	router := api.SetupRouter(handler.NewStatusHandler(p, s.cfg.JobName, runID), s.gatherer, log, s.status.Mode)
	srv := api.NewServer(s.status.Addr, router, log)
	srv.Start(g)
	return func() { srv.Shutdown(ctx) }
}

// finish records the final state of a run, uploads the failure report and
// logs the summary. It uses a context that outlives cancellation of ctx.
func (s *BackfillService) finish(ctx context.Context, run *domain.BatchRun, res *pipeline.Result, runErr error) (domain.RunStatus, string) {
	ctx = context.WithoutCancel(ctx)
	log := logger.FromContext(ctx)

	run.Status = runStatus(runErr)
	if runErr != nil {
		run.ErrorLog = runErr.Error()
	}
	if res != nil {
		run.TotalItems = res.TotalKnown
		run.ProcessedItems = res.Processed
		run.ModifiedItems = res.Modified
		run.FailedItems = res.Errors
		run.LastSafeID = res.SafeCheckpoint

		if len(res.Failures) > 0 && s.storage != nil {
			key, err := uploadReport(ctx, s.storage, &FailureReport{
				RunID:       run.ID,
				Job:         run.JobName,
				Status:      string(run.Status),
				GeneratedAt: time.Now().UTC(),
				Counters:    res.Counters,
				Cursor:      res.Cursor,
				Failures:    res.Failures,
				Truncated:   int64(len(res.Failures)) < res.Errors,
			})
			if err != nil {
				logger.CtxError(ctx, "Failed to upload failure report: %v", err)
			} else {
				run.ReportKey = key
				log.WithField("url", s.storage.GetURL(key)).Info("Failure report uploaded")
			}
		}
	}

	if err := s.runs.Finish(ctx, run); err != nil {
		log.WithError(err).Error("Failed to record run result")
	}

	var duration time.Duration
	if run.StartedAt != nil {
		duration = time.Since(*run.StartedAt)
	}
	logger.With(logger.Fields{"last_safe_id": run.LastSafeID}).
		WithDuration(duration.Milliseconds()).
		WithCount(run.ProcessedItems + run.ModifiedItems + run.FailedItems).
		WithStatus(string(run.Status)).Info(ctx,
		"Backfill run finished: modified %d, unchanged %d, failed %d, last safe id %d",
		run.ModifiedItems, run.ProcessedItems, run.FailedItems, run.LastSafeID)

	return run.Status, run.ReportKey
}

func runStatus(err error) domain.RunStatus {
	switch {
	case err == nil:
		return domain.RunStatusCompleted
	case pipeline.Interrupted(err):
		return domain.RunStatusInterrupted
	default:
		return domain.RunStatusFailed
	}
}
