// Package main provides the entry point for the cost-report-runner server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/txn2/cost-report-runner/internal/server"
)

func main() {
	if err := run(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

type serverOptions struct {
	configPath  string
	address     string
	showVersion bool
}

func parseFlags(args []string, errOut io.Writer) (serverOptions, error) {
	opts := serverOptions{}
	fs := flag.NewFlagSet("cost-report-runner", flag.ContinueOnError)
	fs.SetOutput(errOut)
	fs.StringVar(&opts.configPath, "config", "", "Path to configuration file")
	fs.StringVar(&opts.address, "address", "", "Listen address, overrides server.address")
	fs.BoolVar(&opts.showVersion, "version", false, "Show version and exit")
	if err := fs.Parse(args); err != nil {
		return opts, err
	}
	return opts, nil
}

func createServer(opts serverOptions, logOut io.Writer) (*server.Server, error) {
	if opts.configPath != "" {
		return server.NewWithConfig(opts.configPath, logOut)
	}
	return server.NewWithDefaults(logOut)
}

func run(args []string, out, errOut io.Writer) error {
	opts, err := parseFlags(args, errOut)
	if err != nil {
		return err
	}

	if opts.showVersion {
		_, _ = fmt.Fprintf(out, "cost-report-runner version %s\n", server.Version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := createServer(opts, errOut)
	if err != nil {
		return fmt.Errorf("creating server: %w", err)
	}
	defer func() { _ = srv.Platform.Close() }()

	if opts.address != "" {
		srv.HTTP.Addr = opts.address
	}
	return serve(ctx, srv)
}

// serve runs the HTTP server until ctx is cancelled, then shuts down in
// order: readiness drains, jobs are cancelled so open streams receive their
// done event, and finally the listener closes.
func serve(ctx context.Context, srv *server.Server) error {
	p := srv.Platform
	cfg := p.Config().Server

	if err := p.Start(ctx); err != nil {
		return fmt.Errorf("starting platform: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		srv.Logger.Info("listening", "address", srv.HTTP.Addr)
		if err := srv.HTTP.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			_ = p.Stop(context.Background())
			return fmt.Errorf("serving: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	srv.Logger.Info("shutting down")
	p.Health().SetDraining()
	if cfg.DrainDelay > 0 {
		time.Sleep(cfg.DrainDelay)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()

	stopErr := p.Stop(shutdownCtx)
	if err := srv.HTTP.Shutdown(shutdownCtx); err != nil {
		return errors.Join(stopErr, fmt.Errorf("shutting down http server: %w", err))
	}
	return stopErr
}
