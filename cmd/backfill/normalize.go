package main

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/metrics"
	"github.com/timmy/emomo-backfill/internal/repository"
	"github.com/timmy/emomo-backfill/internal/rule"
	"github.com/timmy/emomo-backfill/internal/service"
	"github.com/timmy/emomo-backfill/internal/storage"
)

func buildNormalizeCommand() *cobra.Command {
	var opts service.BackfillOptions
	var startAfter int64

	cmd := &cobra.Command{
		Use:   "normalize",
		Short: "Rewrite the leading marker of every meme description",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, appLogger, db, err := setup()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("start-after") {
				cfg.Backfill.StartAfterID = startAfter
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			prefixRule, err := rule.NewPrefixRule(cfg.Rule.Marker, cfg.Rule.Replacement)
			if err != nil {
				return err
			}

			deps := service.BackfillDeps{Gatherer: prometheus.DefaultGatherer}
			deps.Collector = metrics.NewCollector(prometheus.DefaultRegisterer, cfg.Backfill.JobName)
			if cfg.Storage.Enabled() {
				store, err := storage.NewStorage(&cfg.Storage)
				if err != nil {
					return err
				}
				if err := store.EnsureBucket(cmd.Context()); err != nil {
					return err
				}
				deps.Storage = store
			}

			svc := service.NewBackfillService(
				repository.NewMemeRepository(db),
				repository.NewBatchRunRepository(db),
				prefixRule,
				appLogger,
				cfg.Backfill,
				cfg.Metrics,
				deps,
			)

			res, err := svc.Run(cmd.Context(), opts)
			if res != nil && res.Result != nil {
				appLogger.WithFields(logger.Fields{
					logger.FieldRunID: res.RunID,
					"status":          res.Status,
					"modified":        res.Modified,
					"unchanged":       res.Processed,
					"failed":          res.Errors,
					"last_safe_id":    res.SafeCheckpoint,
					"report_key":      res.ReportKey,
				}).Info("Normalize completed")
			}
			return err
		},
	}

	cmd.Flags().BoolVar(&opts.Resume, "resume", false, "continue after the last unfinished run's checkpoint")
	cmd.Flags().BoolVar(&opts.DryRun, "dry-run", false, "classify every record but write nothing")
	cmd.Flags().Int64Var(&startAfter, "start-after", 0, "only visit records with a greater id")

	return cmd
}
