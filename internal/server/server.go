// Package server provides a factory for creating the report runner server.
package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/txn2/cost-report-runner/pkg/platform"
)

// Version is set at build time.
var Version = "dev"

// Server is a configured platform and the HTTP server in front of it.
type Server struct {
	Platform *platform.Platform
	HTTP     *http.Server
	Logger   *slog.Logger
}

// NewWithConfig creates a server from the configuration file at path.
func NewWithConfig(path string, logOut io.Writer) (*Server, error) {
	cfg, err := platform.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return New(cfg, logOut)
}

// NewWithDefaults creates a server from the default configuration.
func NewWithDefaults(logOut io.Writer) (*Server, error) {
	return New(platform.DefaultConfig(), logOut)
}

// New creates a server from cfg.
func New(cfg *platform.Config, logOut io.Writer) (*Server, error) {
	logger := platform.NewLogger(cfg.Logging, logOut).With("service", cfg.Server.Name, "version", Version)

	p, err := platform.New(platform.WithConfig(cfg), platform.WithLogger(logger))
	if err != nil {
		return nil, fmt.Errorf("creating platform: %w", err)
	}

	return &Server{
		Platform: p,
		Logger:   logger,
		HTTP: &http.Server{
			Addr:              cfg.Server.Address,
			Handler:           p.Handler(),
			ReadHeaderTimeout: cfg.Server.ReadHeaderTimeout,
		},
	}, nil
}
