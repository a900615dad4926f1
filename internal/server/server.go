package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/opuslog/opuslog/internal/core/observability/log"
)

// Server wraps the HTTP listener hosting the sync API and the device
// WebSocket endpoint.
type Server struct {
	http   *http.Server
	logger log.Log
}

// New builds a Server around the given router.
func New(addr string, router *gin.Engine, logger log.Log) *Server {
	if logger == nil {
		logger = log.Provide()
	}
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: logger.With(log.String("component", "server")),
	}
}

// Start blocks serving requests until Stop is called or the listener
// fails.
func (s *Server) Start() error {
	s.logger.Info("listening", log.String("addr", s.http.Addr))
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop drains in-flight requests and shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.http.Shutdown(ctx)
}
