package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/arl/statsviz"
	"github.com/charmbracelet/log"
)

// DashboardPath is where the runtime dashboard is mounted.
const DashboardPath = "/debug/statsviz/"

// NewHandler returns a mux serving the statsviz dashboard.
func NewHandler() (http.Handler, error) {
	mux := http.NewServeMux()
	if err := statsviz.Register(mux); err != nil {
		return nil, fmt.Errorf("failed to register statsviz: %w", err)
	}
	return mux, nil
}

// Server exposes runtime metrics on a private listener.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger *log.Logger
}

// NewServer prepares, but does not start, a metrics server on addr.
func NewServer(addr string, logger *log.Logger) (*Server, error) {
	if logger == nil {
		logger = log.Default()
	}
	handler, err := NewHandler()
	if err != nil {
		return nil, err
	}
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger.WithPrefix("metrics"),
	}, nil
}

// Start binds the listener and serves in the background.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.srv.Addr, err)
	}
	s.ln = ln

	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics server stopped", "err", err)
		}
	}()
	s.logger.Info("serving runtime metrics", "url", "http://"+ln.Addr().String()+DashboardPath)
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() string {
	if s.ln != nil {
		return s.ln.Addr().String()
	}
	return s.srv.Addr
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
