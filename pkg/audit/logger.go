// Package audit records who validated credentials, launched runs, and asked
// the assistant, and how each of those actions ended.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Logger defines the interface for audit logging.
type Logger interface {
	// Log records an audit event.
	Log(ctx context.Context, event Event) error

	// Query retrieves audit events matching the filter, newest first.
	Query(ctx context.Context, filter QueryFilter) ([]Event, error)

	// Close releases resources.
	Close() error
}

// Event represents an auditable action.
type Event struct {
	ID           string         `json:"id"`
	Timestamp    time.Time      `json:"timestamp"`
	DurationMS   int64          `json:"duration_ms"`
	RequestID    string         `json:"request_id,omitempty"`
	SessionID    string         `json:"session_id,omitempty"`
	Action       Action         `json:"action"`
	Actor        string         `json:"actor,omitempty"`
	AccountID    string         `json:"account_id,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	Success      bool           `json:"success"`
	ErrorMessage string         `json:"error_message,omitempty"`
}

// QueryFilter defines criteria for querying audit events.
type QueryFilter struct {
	StartTime *time.Time
	EndTime   *time.Time
	Actor     string
	SessionID string
	Action    Action
	Success   *bool
	Limit     int
	Offset    int
}

// SlogLogger writes audit events to a slog.Logger. It keeps nothing, so
// Query always returns an empty result.
type SlogLogger struct {
	logger *slog.Logger
}

// NewSlogLogger creates a SlogLogger; a nil logger means slog.Default().
func NewSlogLogger(logger *slog.Logger) *SlogLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogLogger{logger: logger.With("component", "audit")}
}

// Log writes event as a single structured record.
func (l *SlogLogger) Log(ctx context.Context, event Event) error {
	level := slog.LevelInfo
	if !event.Success {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "audit",
		slog.String("audit_id", event.ID),
		slog.String("action", string(event.Action)),
		slog.String("actor", event.Actor),
		slog.String("account_id", event.AccountID),
		slog.String("session_id", event.SessionID),
		slog.String("request_id", event.RequestID),
		slog.Bool("success", event.Success),
		slog.String("error", event.ErrorMessage),
		slog.Int64("duration_ms", event.DurationMS),
		slog.Any("details", event.Details),
	)
	return nil
}

// Query returns no events.
func (*SlogLogger) Query(context.Context, QueryFilter) ([]Event, error) {
	return []Event{}, nil
}

// Close is a no-op.
func (*SlogLogger) Close() error { return nil }

var _ Logger = (*SlogLogger)(nil)
