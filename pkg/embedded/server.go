// Package embedded provides an embeddable canvass server for in-process use.
package embedded

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/mistakeknot/canvass/internal/config"
	"github.com/mistakeknot/canvass/internal/server"
	"github.com/mistakeknot/canvass/internal/storage"
)

// Config configures the embedded server
type Config struct {
	// DBPath is the sqlite file or postgres DSN.
	// If empty, defaults to ~/.canvass/data.db
	DBPath string

	// Port is the HTTP port to listen on. 0 picks a free port.
	Port int

	// Host is the host to bind to.
	// If empty, defaults to localhost (127.0.0.1).
	Host string

	// KeysFile enables campaign API keys. Empty serves without auth.
	KeysFile string

	Logger *slog.Logger
}

// Server is an embedded canvass server
type Server struct {
	cfg     Config
	app     *server.App
	http    *http.Server
	ln      net.Listener
	cancel  context.CancelFunc
	started bool
	mu      sync.Mutex
}

// New creates a new embedded server
func New(cfg Config) (*Server, error) {
	if cfg.DBPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("get home dir: %w", err)
		}
		cfg.DBPath = filepath.Join(home, ".canvass", "data.db")
	}
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	sc := config.DefaultServer()
	sc.Addr = net.JoinHostPort(cfg.Host, fmt.Sprint(cfg.Port))
	sc.Store = cfg.DBPath
	sc.KeysFile = cfg.KeysFile

	var opts []server.BuildOption
	if cfg.KeysFile == "" {
		opts = append(opts, server.WithoutAuth())
	}
	app, err := server.Build(context.Background(), sc, cfg.Logger, opts...)
	if err != nil {
		return nil, err
	}

	ln, err := net.Listen("tcp", sc.Addr)
	if err != nil {
		app.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	return &Server{
		cfg:  cfg,
		app:  app,
		ln:   ln,
		http: &http.Server{Handler: app.Handler, ReadHeaderTimeout: 10 * time.Second},
	}, nil
}

// Start starts the embedded server in a goroutine
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}
	s.started = true

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	dashboard, unsub := s.app.Bus.Subscribe()
	go func() {
		defer unsub()
		s.app.Hub.Relay(ctx, dashboard)
	}()

	go func() {
		if err := s.http.Serve(s.ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("embedded canvass server", "err", err)
		}
	}()
	return nil
}

// Stop stops the embedded server gracefully and closes the store.
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	var err error
	if s.started {
		err = s.http.Shutdown(ctx)
	} else {
		err = s.ln.Close()
	}
	if cerr := s.app.Close(); err == nil {
		err = cerr
	}
	return err
}

// Addr returns the server's listen address
func (s *Server) Addr() string {
	return s.ln.Addr().String()
}

// URL returns the base URL for the server
func (s *Server) URL() string {
	return "http://" + s.Addr()
}

// Store returns the underlying store for direct access if needed
func (s *Server) Store() storage.Store {
	return s.app.Store
}
