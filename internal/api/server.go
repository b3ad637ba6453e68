package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/timmy/emomo-backfill/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Server runs the status router next to a batch job. A server that cannot
// start is logged and never fails the job.
type Server struct {
	srv *http.Server
	log *logger.Logger
}

// NewServer creates a server for handler on addr.
func NewServer(addr string, handler http.Handler, log *logger.Logger) *Server {
	if log == nil {
		log = logger.GetDefault()
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Start serves in a goroutine of g until Shutdown is called.
func (s *Server) Start(g *errgroup.Group) {
	g.Go(func() error {
		s.log.WithField("addr", s.srv.Addr).Info("Status server listening")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.WithError(err).Error("Status server failed")
		}
		return nil
	})
}

// Shutdown stops the server. It ignores cancellation of ctx so that an
// interrupted job still closes its listener cleanly.
func (s *Server) Shutdown(ctx context.Context) {
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		s.log.WithError(err).Warn("Status server shutdown failed")
	}
}
