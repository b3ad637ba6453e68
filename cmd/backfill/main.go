package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/timmy/emomo-backfill/internal/config"
	"github.com/timmy/emomo-backfill/internal/logger"
	"github.com/timmy/emomo-backfill/internal/pipeline"
	"github.com/timmy/emomo-backfill/internal/repository"
	"gorm.io/gorm"
)

const (
	exitOK          = 0
	exitFailure     = 1
	exitInterrupted = 130
)

var configPath string

func main() {
	appLogger := logger.New(logger.LoadFromEnv())
	logger.SetDefaultLogger(appLogger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := exitCode(buildCLI().ExecuteContext(ctx))
	stop()

	_ = logger.Sync()
	os.Exit(code)
}

func buildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "emomo-backfill",
		Short: "Bulk maintenance jobs over the emomo memes table",
		Long: `emomo-backfill walks the memes table in id order and applies a job to every row:
- normalize: rewrite the leading marker of VLM descriptions with a bounded worker pool
- reembed:   regenerate description vectors in Qdrant`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path (default ./configs/config.yaml)")

	rootCmd.AddCommand(buildNormalizeCommand())
	rootCmd.AddCommand(buildReembedCommand())

	return rootCmd
}

// setup loads the configuration, reconfigures the default logger from it and
// opens the database.
func setup() (*config.Config, *logger.Logger, *gorm.DB, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, nil, err
	}

	appLogger := logger.New(cfg.Log.LoggerConfig())
	logger.SetDefaultLogger(appLogger)

	db, err := repository.InitDB(&cfg.Database, appLogger)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("Database ready: driver=%s", cfg.Database.Driver)
	return cfg, appLogger, db, nil
}

// exitCode maps a command error to the process exit status and logs it.
func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case pipeline.Interrupted(err):
		logger.Warn("Interrupted, in-flight work was drained: %v", err)
		return exitInterrupted
	default:
		logger.Error("Backfill failed: %v", err)
		return exitFailure
	}
}
