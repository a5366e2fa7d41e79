package platform

import (
	"database/sql"
	"log/slog"

	"github.com/txn2/cost-report-runner/pkg/assistant"
	"github.com/txn2/cost-report-runner/pkg/audit"
	"github.com/txn2/cost-report-runner/pkg/engine"
	"github.com/txn2/cost-report-runner/pkg/history"
	"github.com/txn2/cost-report-runner/pkg/identity"
	"github.com/txn2/cost-report-runner/pkg/storage"
)

// Options configures the platform.
type Options struct {
	// Config is the platform configuration.
	Config *Config

	// Logger is the root logger (optional, defaults to slog.Default()).
	Logger *slog.Logger

	// Database connection (optional, will be opened from config if not provided).
	DB *sql.DB

	// Engine runs reports (optional, will be created from config if not provided).
	Engine engine.Engine

	// IdentityChecker (optional, will be created from config if not provided).
	IdentityChecker identity.Checker

	// Assistant (optional, will be created from config if not provided).
	Assistant assistant.Assistant

	// HistoryStore (optional, will be created from config if not provided).
	HistoryStore history.Store

	// AuditLogger (optional, will be created from config if not provided).
	AuditLogger audit.Logger

	// Publisher uploads finished workbooks (optional, created from
	// artifacts.s3 when a bucket is configured).
	Publisher storage.Provider
}

// Option is a functional option for configuring the platform.
type Option func(*Options)

// WithConfig sets the configuration.
func WithConfig(cfg *Config) Option {
	return func(o *Options) {
		o.Config = cfg
	}
}

// WithLogger sets the root logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *Options) {
		o.Logger = logger
	}
}

// WithDB sets the database connection. The platform does not close a
// connection it did not open.
func WithDB(db *sql.DB) Option {
	return func(o *Options) {
		o.DB = db
	}
}

// WithEngine sets the report engine.
func WithEngine(e engine.Engine) Option {
	return func(o *Options) {
		o.Engine = e
	}
}

// WithIdentityChecker sets the credential identity checker.
func WithIdentityChecker(c identity.Checker) Option {
	return func(o *Options) {
		o.IdentityChecker = c
	}
}

// WithAssistant sets the chat assistant.
func WithAssistant(a assistant.Assistant) Option {
	return func(o *Options) {
		o.Assistant = a
	}
}

// WithHistoryStore sets the run history store.
func WithHistoryStore(store history.Store) Option {
	return func(o *Options) {
		o.HistoryStore = store
	}
}

// WithAuditLogger sets the audit logger.
func WithAuditLogger(logger audit.Logger) Option {
	return func(o *Options) {
		o.AuditLogger = logger
	}
}

// WithPublisher sets the artifact publisher.
func WithPublisher(pub storage.Provider) Option {
	return func(o *Options) {
		o.Publisher = pub
	}
}
