package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const closeTimeout = 15 * time.Second

// server is the HTTP listener of hived.
type server struct {
	addr string
	log  *zap.SugaredLogger
	http *http.Server
}

func newServer(addr string, handler http.Handler, log *zap.SugaredLogger) *server {
	return &server{
		addr: addr,
		log:  log,
		http: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}
}

// Run serves until Close is called.
func (s *server) Run() error {
	s.log.Infow("http server listening", zap.String("addr", s.addr))
	if err := s.http.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Close shuts the server down, waiting for in-flight requests.
func (s *server) Close(ctx context.Context) error {
	if err := s.http.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	s.log.Info("http server closed")
	return nil
}
