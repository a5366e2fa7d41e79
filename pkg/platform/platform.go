package platform

import (
	"context"
	"crypto/rand"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/txn2/cost-report-runner/pkg/api"
	"github.com/txn2/cost-report-runner/pkg/artifact"
	"github.com/txn2/cost-report-runner/pkg/assistant"
	"github.com/txn2/cost-report-runner/pkg/audit"
	auditpostgres "github.com/txn2/cost-report-runner/pkg/audit/postgres"
	"github.com/txn2/cost-report-runner/pkg/auth"
	"github.com/txn2/cost-report-runner/pkg/capture"
	"github.com/txn2/cost-report-runner/pkg/credential"
	"github.com/txn2/cost-report-runner/pkg/database/migrate"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/health"
	"github.com/txn2/cost-report-runner/pkg/history"
	historypostgres "github.com/txn2/cost-report-runner/pkg/history/postgres"
	"github.com/txn2/cost-report-runner/pkg/identity"
	"github.com/txn2/cost-report-runner/pkg/job"
	"github.com/txn2/cost-report-runner/pkg/session"
	"github.com/txn2/cost-report-runner/pkg/storage"
	s3storage "github.com/txn2/cost-report-runner/pkg/storage/s3"
	"github.com/txn2/cost-report-runner/pkg/stream"
)

const (
	vaultCleanupInterval = time.Minute
	dbPingTimeout        = 5 * time.Second
	hoursPerDay          = 24
)

// Platform is the main platform facade.
type Platform struct {
	config *Config
	logger *slog.Logger

	// Core components
	lifecycle *Lifecycle
	health    *health.Checker
	handler   *api.Handler

	// Database
	db      *sql.DB
	ownedDB bool

	// Sessions and jobs
	registry  *session.Registry
	runner    *job.Runner
	responder *stream.Responder
	engine    engine.Engine

	// Credentials
	vault    *credential.Vault
	tokens   *auth.TokenService
	identity identity.Checker

	// Artifacts
	locator    *artifact.Locator
	downloader *artifact.Downloader
	publisher  storage.Provider

	// Records
	history history.Store
	audit   audit.Logger

	assistant assistant.Assistant
}

// New creates a new platform instance.
func New(opts ...Option) (*Platform, error) {
	options := &Options{}
	for _, opt := range opts {
		opt(options)
	}

	if options.Config == nil {
		return nil, fmt.Errorf("config is required")
	}
	if err := options.Config.Validate(); err != nil {
		return nil, err
	}
	if options.Logger == nil {
		options.Logger = slog.Default()
	}

	p := &Platform{
		config:    options.Config,
		logger:    options.Logger,
		lifecycle: NewLifecycle(options.Logger),
		health:    health.NewChecker(),
	}

	if err := p.initializeComponents(options); err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return p, nil
}

// initializeComponents initializes all platform components. Components that
// need background routines are registered with the lifecycle in dependency
// order so Stop tears them down in reverse.
func (p *Platform) initializeComponents(opts *Options) error {
	if err := p.initDatabase(opts); err != nil {
		return err
	}
	if err := p.initRecords(opts); err != nil {
		return err
	}
	if err := p.initCredentials(opts); err != nil {
		return err
	}
	if err := p.initJobs(opts); err != nil {
		return err
	}
	if err := p.initAssistant(opts); err != nil {
		return err
	}
	return p.finalizeSetup()
}

// initDatabase opens and migrates the database when a DSN is configured.
func (p *Platform) initDatabase(opts *Options) error {
	if opts.DB != nil {
		p.db = opts.DB
		return nil
	}
	if p.config.Database.DSN == "" {
		return nil
	}

	db, err := sql.Open("postgres", p.config.Database.DSN)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(p.config.Database.MaxOpenConns)
	p.db = db
	p.ownedDB = true

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("connecting to database: %w", err)
	}
	if err := migrate.Run(db); err != nil {
		return err
	}
	return nil
}

// initRecords sets up run history and the audit log, backed by PostgreSQL
// when a database is available and by memory or slog otherwise.
func (p *Platform) initRecords(opts *Options) error {
	historyCfg := p.config.History
	switch {
	case opts.HistoryStore != nil:
		p.history = opts.HistoryStore
		p.lifecycle.RegisterCloser("history", p.history)
	case p.db != nil:
		store := historypostgres.New(p.db, historypostgres.Config{RetentionDays: historyCfg.RetentionDays})
		p.history = store
		p.lifecycle.Register("history",
			func(context.Context) error { store.StartCleanupRoutine(historyCfg.CleanupInterval); return nil },
			func(context.Context) error { return store.Close() },
		)
	default:
		store := history.NewMemoryStore(days(historyCfg.RetentionDays))
		p.history = store
		p.lifecycle.Register("history",
			func(context.Context) error { store.StartCleanupRoutine(historyCfg.CleanupInterval); return nil },
			func(context.Context) error { return store.Close() },
		)
	}

	auditCfg := p.config.Audit
	switch {
	case opts.AuditLogger != nil:
		p.audit = opts.AuditLogger
		p.lifecycle.RegisterCloser("audit", p.audit)
	case !auditCfg.Enabled:
		p.audit = nil
	case p.db != nil:
		store := auditpostgres.New(p.db, auditpostgres.Config{RetentionDays: auditCfg.RetentionDays})
		p.audit = store
		p.lifecycle.Register("audit",
			func(context.Context) error { store.StartCleanupRoutine(auditCfg.CleanupInterval); return nil },
			func(context.Context) error { return store.Close() },
		)
	default:
		p.audit = audit.NewSlogLogger(p.logger.With("component", "audit"))
	}
	return nil
}

// initCredentials sets up the vault, token service and identity checker.
func (p *Platform) initCredentials(opts *Options) error {
	authCfg := p.config.Auth

	p.vault = credential.NewVault(authCfg.TokenTTL, p.logger)
	p.lifecycle.Register("vault",
		func(context.Context) error { p.vault.StartCleanupRoutine(vaultCleanupInterval); return nil },
		func(context.Context) error { return p.vault.Close() },
	)

	key, err := signingKey(authCfg.SigningKey, p.logger)
	if err != nil {
		return err
	}
	p.tokens, err = auth.NewTokenService(auth.TokenConfig{Issuer: authCfg.Issuer, SigningKey: key})
	if err != nil {
		return fmt.Errorf("creating token service: %w", err)
	}

	if opts.IdentityChecker != nil {
		p.identity = opts.IdentityChecker
	} else {
		p.identity = identity.NewSTSChecker(identity.Config{
			Endpoint: p.config.Identity.Endpoint,
			Timeout:  p.config.Identity.Timeout,
		}, p.logger)
	}
	return nil
}

// signingKey returns the configured key, or a random one when none is set.
func signingKey(configured string, logger *slog.Logger) ([]byte, error) {
	if configured != "" {
		return []byte(configured), nil
	}
	key := make([]byte, auth.MinSigningKeyLength)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating signing key: %w", err)
	}
	logger.Warn("no auth.signing_key configured, generated a random key; tokens will not survive a restart")
	return key, nil
}

// initPublisher sets up the optional artifact publisher.
func (p *Platform) initPublisher(opts *Options) error {
	if opts.Publisher != nil {
		p.publisher = opts.Publisher
		p.lifecycle.RegisterCloser("publisher", p.publisher)
		return nil
	}
	s3Cfg := p.config.Artifacts.S3
	if s3Cfg.Bucket == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), dbPingTimeout)
	defer cancel()
	adapter, err := s3storage.NewFromConfig(ctx, s3storage.Config{
		Region:       s3Cfg.Region,
		Endpoint:     s3Cfg.Endpoint,
		AccessKeyID:  s3Cfg.AccessKeyID,
		SecretKey:    s3Cfg.SecretAccessKey,
		Bucket:       s3Cfg.Bucket,
		Prefix:       s3Cfg.Prefix,
		UsePathStyle: s3Cfg.UsePathStyle,
	})
	if err != nil {
		return fmt.Errorf("creating artifact publisher: %w", err)
	}
	p.publisher = adapter
	p.lifecycle.RegisterCloser("publisher", adapter)
	p.logger.Info("artifact publisher enabled", "provider", adapter.Name(), "bucket", s3Cfg.Bucket)
	return nil
}

// initJobs sets up the engine, sessions, the job runner and the stream
// responder.
func (p *Platform) initJobs(opts *Options) error {
	engineCfg := p.config.Engine
	if opts.Engine != nil {
		p.engine = opts.Engine
	} else {
		exec, err := engine.NewExec(engine.ExecConfig{
			Command:        engineCfg.Command,
			Args:           engineCfg.Args,
			WorkDir:        engineCfg.WorkDir,
			Env:            engineCfg.EnvList(),
			Timeout:        engineCfg.Timeout,
			TerminateGrace: engineCfg.TerminateGrace,
		}, p.logger.With("component", "engine"))
		if err != nil {
			return fmt.Errorf("creating engine: %w", err)
		}
		p.engine = exec
	}

	artifactsCfg := p.config.Artifacts
	var err error
	if p.locator, err = artifact.NewLocator(artifactsCfg.Marker, artifactsCfg.Extensions); err != nil {
		return err
	}
	p.downloader = artifact.NewDownloader(artifact.DownloadConfig{
		Extensions: artifactsCfg.Extensions,
		Root:       artifactsCfg.Root,
	}, p.logger)

	jobsCfg := p.config.Jobs
	p.registry = session.NewRegistry(session.Config{
		ChannelCapacity: jobsCfg.ChannelCapacity,
		IdleTimeout:     jobsCfg.IdleTimeout,
		Logger:          p.logger.With("component", "sessions"),
	})
	p.lifecycle.Register("sessions",
		func(context.Context) error { p.registry.StartCleanupRoutine(jobsCfg.CleanupInterval); return nil },
		func(context.Context) error { return p.registry.Close() },
	)

	if err = p.initPublisher(opts); err != nil {
		return err
	}

	p.runner, err = job.NewRunner(job.Deps{
		Registry:  p.registry,
		Engine:    p.engine,
		Locator:   p.locator,
		History:   p.history,
		Audit:     p.audit,
		Publisher: p.publisher,
		Logger:    p.logger.With("component", "jobs"),
	}, job.Config{
		MaxConcurrent:  jobsCfg.MaxConcurrent,
		PublishTimeout: artifactsCfg.S3.Timeout,
		Capture: capture.Config{
			TranscriptDir: p.config.Capture.TranscriptDir,
			MaxLineBytes:  p.config.Capture.MaxLineBytes,
		},
	})
	if err != nil {
		return err
	}
	p.lifecycle.Register("jobs", nil, func(ctx context.Context) error {
		ctx, cancel := context.WithTimeout(ctx, jobsCfg.ShutdownTimeout)
		defer cancel()
		return p.runner.Shutdown(ctx)
	})

	p.responder = stream.NewResponder(p.registry, stream.Config{
		Keepalive:      p.config.Stream.Keepalive,
		AllowedOrigins: p.config.Stream.AllowedOrigins,
		WriteTimeout:   p.config.Stream.WriteTimeout,
		Logger:         p.logger.With("component", "stream"),
	})
	return nil
}

// initAssistant sets up the chat collaborator for the configured provider.
func (p *Platform) initAssistant(opts *Options) error {
	if opts.Assistant != nil {
		p.assistant = opts.Assistant
		return nil
	}

	cfg := p.config.Assistant
	switch cfg.Provider {
	case assistant.ProviderAnthropic:
		p.assistant = assistant.NewAnthropicAssistant(assistant.AnthropicConfig{
			APIKey:    cfg.Anthropic.APIKey,
			Model:     cfg.Anthropic.Model,
			MaxTokens: cfg.Anthropic.MaxTokens,
			System:    cfg.Anthropic.System,
			BaseURL:   cfg.Anthropic.BaseURL,
		})
	default:
		asker, ok := p.engine.(assistant.Asker)
		if !ok {
			return errors.New("assistant provider engine requires an engine that answers questions")
		}
		p.assistant = assistant.NewEngineAssistant(asker)
	}
	return nil
}

// finalizeSetup registers health probes and builds the HTTP handler.
func (p *Platform) finalizeSetup() error {
	if p.db != nil {
		p.health.AddProbe("database", p.db.PingContext)
	}
	p.health.AddGauge("sessions", p.registry.Len)
	p.health.AddGauge("active_jobs", p.runner.Active)
	p.health.AddGauge("vaulted_credentials", p.vault.Len)

	handler, err := api.NewHandler(api.Deps{
		Registry:    p.registry,
		Runner:      p.runner,
		Responder:   p.responder,
		Identity:    p.identity,
		Vault:       p.vault,
		Tokens:      p.tokens,
		Downloader:  p.downloader,
		Assistant:   p.assistant,
		History:     p.history,
		Audit:       p.audit,
		Health:      p.health,
		Logger:      p.logger.With("component", "api"),
		ChatTimeout: p.config.Assistant.Timeout,
	})
	if err != nil {
		return err
	}
	p.handler = handler

	// Readiness is registered last so it flips first on Stop.
	p.lifecycle.Register("readiness",
		func(context.Context) error { p.health.SetReady(); return nil },
		func(context.Context) error { p.health.SetDraining(); return nil },
	)
	return nil
}

// Start starts the platform's background routines and marks it ready.
func (p *Platform) Start(ctx context.Context) error {
	return p.lifecycle.Start(ctx)
}

// Stop marks the platform draining, waits for running jobs, and stops every
// background routine.
func (p *Platform) Stop(ctx context.Context) error {
	return p.lifecycle.Stop(ctx)
}

// Handler returns the HTTP handler.
func (p *Platform) Handler() http.Handler {
	return p.handler
}

// Config returns the platform configuration.
func (p *Platform) Config() *Config {
	return p.config
}

// Health returns the health checker.
func (p *Platform) Health() *health.Checker {
	return p.health
}

// Registry returns the session registry.
func (p *Platform) Registry() *session.Registry {
	return p.registry
}

// Runner returns the job runner.
func (p *Platform) Runner() *job.Runner {
	return p.runner
}

// closeResource closes a resource and appends any error.
func closeResource(errs *[]error, closer Closer) {
	if closer == nil {
		return
	}
	if err := closer.Close(); err != nil {
		*errs = append(*errs, err)
	}
}

// Close releases resources that outlive Stop: the database connection the
// platform opened itself. It is safe to call after a failed New.
func (p *Platform) Close() error {
	var errs []error
	if p.ownedDB && p.db != nil {
		closeResource(&errs, p.db)
		p.db = nil
	}
	if len(errs) > 0 {
		return fmt.Errorf("errors closing platform: %v", errs)
	}
	return nil
}

func days(n int) time.Duration {
	return time.Duration(n) * hoursPerDay * time.Hour
}
