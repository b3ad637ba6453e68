package api

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/timmy/emomo-backfill/internal/api/handler"
	"github.com/timmy/emomo-backfill/internal/api/middleware"
	"github.com/timmy/emomo-backfill/internal/logger"
)

// SetupRouter configures the status server of a batch job. A nil status
// handler leaves out the pipeline status route, for jobs that only export
// metrics.
func SetupRouter(
	status *handler.StatusHandler,
	gatherer prometheus.Gatherer,
	log *logger.Logger,
	mode string,
) *gin.Engine {
	switch mode {
	case "release":
		gin.SetMode(gin.ReleaseMode)
	case "test":
		gin.SetMode(gin.TestMode)
	default:
		gin.SetMode(gin.DebugMode)
	}

	r := gin.New()

	r.Use(gin.Recovery())
	r.Use(middleware.LoggerMiddleware(log, "/health", "/metrics"))

	healthHandler := handler.NewHealthHandler()

	r.GET("/health", healthHandler.Health)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))

	if status != nil {
		v1 := r.Group("/api/v1")
		{
			v1.GET("/backfill/status", status.Status)
		}
	}

	return r
}
