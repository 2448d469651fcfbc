// Package server runs an HTTP listener that drains in-flight requests
// on SIGINT/SIGTERM before exiting.
package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lyzr/flowrunner/common/logger"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second

	// drainTimeout bounds how long outstanding requests may run after a
	// shutdown signal; workflow runs past it are cut off
	drainTimeout = 30 * time.Second
)

// Server is one named HTTP listener
type Server struct {
	httpServer *http.Server
	log        *logger.Logger
	name       string
}

// New builds a server on the given port. The name only shows up in logs.
func New(name string, port int, handler http.Handler, log *logger.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      handler,
			ReadTimeout:  readTimeout,
			WriteTimeout: writeTimeout,
			IdleTimeout:  idleTimeout,
		},
		log:  log,
		name: name,
	}
}

// Start serves until the listener fails or a termination signal arrives,
// then drains and returns
func (s *Server) Start() error {
	serveErr := make(chan error, 1)
	go func() {
		s.log.Info(fmt.Sprintf("%s starting", s.name), "addr", s.httpServer.Addr)
		serveErr <- s.httpServer.ListenAndServe()
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		return fmt.Errorf("%s: %w", s.name, err)
	case sig := <-stop:
		s.log.Info("shutdown signal received", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.log.Error("drain timed out, closing connections", "error", err)
		if err := s.httpServer.Close(); err != nil {
			return fmt.Errorf("%s: close: %w", s.name, err)
		}
	}
	s.log.Info("shutdown complete")
	return nil
}
