package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/timmy/emomo-backfill/internal/api"
	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/metrics"
	"github.com/timmy/emomo-backfill/internal/repository"
	"github.com/timmy/emomo-backfill/internal/service"
)

func buildReembedCommand() *cobra.Command {
	var startAfter int64

	cmd := &cobra.Command{
		Use:   "reembed",
		Short: "Regenerate the Qdrant vectors of every described meme",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, db, err := setup()
			if err != nil {
				return err
			}
			if err := cfg.ValidateReembed(); err != nil {
				return err
			}

			qdrantRepo, err := repository.NewQdrantRepository(&repository.QdrantConnectionConfig{
				Host:            cfg.Qdrant.Host,
				Port:            cfg.Qdrant.Port,
				Collection:      cfg.Embedding.GetCollection(cfg.Qdrant.Collection),
				APIKey:          cfg.Qdrant.APIKey,
				UseTLS:          cfg.Qdrant.UseTLS,
				VectorDimension: cfg.Embedding.Dimensions,
			})
			if err != nil {
				return err
			}
			defer qdrantRepo.Close()

			// Metrics are only collected when something serves them.
			var collector *metrics.Collector
			var g errgroup.Group
			if cfg.Metrics.Addr != "" {
				collector = metrics.NewCollector(prometheus.DefaultRegisterer, "reembed")
				router := api.SetupRouter(nil, prometheus.DefaultGatherer, appLogger, cfg.Metrics.Mode)
				statusLog := logger.FromContext(logger.SetComponent(appLogger.WithContext(cmd.Context()), "status_api"))
				srv := api.NewServer(cfg.Metrics.Addr, router, statusLog)
				srv.Start(&g)
				defer func() {
					srv.Shutdown(cmd.Context())
					_ = g.Wait()
				}()
			}

			svc := service.NewReembedService(
				repository.NewMemeRepository(db),
				service.NewEmbeddingService(&cfg.Embedding),
				qdrantRepo,
				collector,
				appLogger,
				cfg.Reembed,
			)

			stats, err := svc.Run(cmd.Context(), startAfter)
			if stats != nil {
				appLogger.WithFields(logger.Fields{
					"collection": qdrantRepo.Collection(),
					"embedded":   stats.Embedded,
					"failed":     stats.Failed,
					"cursor":     stats.LastSeenID,
				}).Info("Reembed completed")
			}
			return err
		},
	}

	cmd.Flags().Int64Var(&startAfter, "start-after", 0, "only embed memes with a greater id")

	return cmd
}
