package service

import (
	"context"

	"github.com/timmy/emomo-backfill/internal/pipeline"
	"github.com/timmy/emomo-backfill/internal/repository"
)

// MemeGateway exposes meme descriptions as pipeline records.
type MemeGateway struct {
	repo *repository.MemeRepository
}

// NewMemeGateway creates a gateway over the memes table.
func NewMemeGateway(repo *repository.MemeRepository) *MemeGateway {
	return &MemeGateway{repo: repo}
}

// FetchPage implements pipeline.Gateway.
func (g *MemeGateway) FetchPage(ctx context.Context, afterID int64, limit int) ([]pipeline.Record, error) {
	memes, err := g.repo.ListAfterID(ctx, afterID, limit)
	if err != nil {
		return nil, err
	}
	records := make([]pipeline.Record, len(memes))
	for i, m := range memes {
		records[i] = pipeline.Record{ID: m.ID, Content: m.VLMDescription}
	}
	return records, nil
}

// ApplyUpdate implements pipeline.Gateway.
func (g *MemeGateway) ApplyUpdate(ctx context.Context, id int64, patch pipeline.Patch) error {
	return g.repo.UpdateDescription(ctx, id, patch.Content)
}

// EstimateTotal implements pipeline.Estimator.
func (g *MemeGateway) EstimateTotal(ctx context.Context, afterID int64) (int64, error) {
	return g.repo.CountAfterID(ctx, afterID)
}

// dryRunGateway reads through to the wrapped gateway and discards updates.
type dryRunGateway struct {
	*MemeGateway
}

func (dryRunGateway) ApplyUpdate(context.Context, int64, pipeline.Patch) error {
	return nil
}
