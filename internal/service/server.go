package service

import (
	"context"
	"errors"
	"net/http"
	"time"

	"wisefido-band/internal/config"

	"go.uber.org/zap"
)

type Server struct {
	httpServer *http.Server
	logger     *zap.Logger
}

func NewServer(cfg config.HTTPConfig, handler http.Handler, logger *zap.Logger) *Server {
	s := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
	}
	return &Server{httpServer: s, logger: logger}
}

// Start 阻塞直到服务关闭；正常 Shutdown 返回 nil
func (s *Server) Start() error {
	s.logger.Info("Starting wisefido-band HTTP server", zap.String("addr", s.httpServer.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info("Stopping wisefido-band HTTP server")
	return s.httpServer.Shutdown(ctx)
}
