package service

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/timmy/emomo-backfill/internal/config"
	"github.com/timmy/emomo-backfill/internal/domain"
	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/metrics"
	"github.com/timmy/emomo-backfill/internal/pipeline"
	"github.com/timmy/emomo-backfill/internal/repository"
)

// Embedder turns a description into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	GetModel() string
}

// VectorStore receives meme vectors. *repository.QdrantRepository implements it.
type VectorStore interface {
	EnsureCollection(ctx context.Context) error
	Upsert(ctx context.Context, vector []float32, payload *repository.MemePayload) error
}

// ReembedService regenerates the vectors of every described meme. It walks the
// table with the same keyset pagination as the pipeline but bounds concurrency
// with an errgroup limit instead of a worker pool.
type ReembedService struct {
	memes     *repository.MemeRepository
	embedder  Embedder
	vectors   VectorStore
	collector *metrics.Collector
	limiter   *rate.Limiter
	logger    *logger.Logger
	cfg       config.ReembedConfig
}

// NewReembedService creates a new reembed service. collector may be nil.
func NewReembedService(
	memes *repository.MemeRepository,
	embedder Embedder,
	vectors VectorStore,
	collector *metrics.Collector,
	log *logger.Logger,
	cfg config.ReembedConfig,
) *ReembedService {
	if log == nil {
		log = logger.GetDefault()
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}
	return &ReembedService{
		memes:     memes,
		embedder:  embedder,
		vectors:   vectors,
		collector: collector,
		limiter:   rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst),
		logger:    log,
		cfg:       cfg,
	}
}

// ReembedStats holds statistics for a reembed run
type ReembedStats struct {
	Embedded   int64
	Failed     int64
	LastSeenID int64
	Duration   time.Duration
}

// Run embeds every described meme after startAfterID. Page read errors and
// cancellation stop the run; per-meme failures are counted and logged.
func (s *ReembedService) Run(ctx context.Context, startAfterID int64) (*ReembedStats, error) {
	ctx = logger.SetComponent(logger.WithField(s.logger.WithContext(ctx), logger.FieldJobName, "reembed"), "reembed")
	log := logger.FromContext(ctx)
	start := time.Now()

	if err := s.vectors.EnsureCollection(ctx); err != nil {
		return nil, fmt.Errorf("failed to ensure collection: %w", err)
	}

	var embedded, failed atomic.Int64
	stats := &ReembedStats{LastSeenID: startAfterID}

	g := new(errgroup.Group)
	g.SetLimit(s.cfg.Concurrency)

	var runErr error
	for {
		if err := ctx.Err(); err != nil {
			runErr = fmt.Errorf("reembed cancelled: %w", err)
			break
		}
		page, err := s.memes.ListDescribedAfterID(ctx, stats.LastSeenID, s.cfg.BatchSize)
		if err != nil {
			runErr = fmt.Errorf("%w: %w", pipeline.ErrProducerFatal, err)
			break
		}
		if len(page) == 0 {
			break
		}

		for i := range page {
			meme := page[i]
			// Go blocks once Concurrency embeddings are in flight.
			g.Go(func() error {
				if err := s.embedOne(ctx, &meme); err != nil {
					failed.Add(1)
					s.record(pipeline.OutcomeFailed)
					log.WithField(logger.FieldRecordID, meme.ID).WithError(err).Error("Failed to reembed meme")
					return nil
				}
				embedded.Add(1)
				s.record(pipeline.OutcomeModified)
				return nil
			})
		}
		stats.LastSeenID = page[len(page)-1].ID
		log.WithFields(logger.Fields{
			"cursor":   stats.LastSeenID,
			"embedded": embedded.Load(),
			"failed":   failed.Load(),
		}).Info("Reembed page dispatched")
	}

	_ = g.Wait()
	stats.Embedded = embedded.Load()
	stats.Failed = failed.Load()
	stats.Duration = time.Since(start)

	summary := logger.With(logger.Fields{"failed": stats.Failed}).
		WithDuration(stats.Duration.Milliseconds()).
		WithCount(stats.Embedded).
		WithStatus(string(runStatus(runErr)))
	if runErr != nil || stats.Failed > 0 {
		summary.Warn(ctx, "Reembed finished with problems: embedded %d, failed %d, cursor %d",
			stats.Embedded, stats.Failed, stats.LastSeenID)
	} else {
		summary.Info(ctx, "Reembed finished: embedded %d, cursor %d", stats.Embedded, stats.LastSeenID)
	}

	return stats, runErr
}

func (s *ReembedService) embedOne(ctx context.Context, meme *domain.Meme) error {
	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}
	vector, err := s.embedder.Embed(ctx, meme.VLMDescription)
	if err != nil {
		return fmt.Errorf("embed: %w", err)
	}
	model := s.embedder.GetModel()
	if err := s.vectors.Upsert(ctx, vector, &repository.MemePayload{
		MemeID:         meme.ID,
		Category:       meme.Category,
		Tags:           meme.Tags,
		VLMDescription: meme.VLMDescription,
		EmbeddingModel: model,
	}); err != nil {
		return err
	}
	return s.memes.UpdateEmbeddingModel(ctx, meme.ID, model)
}

func (s *ReembedService) record(kind pipeline.OutcomeKind) {
	if s.collector != nil {
		s.collector.RecordReembed(kind)
	}
}
