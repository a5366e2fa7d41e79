// Package stream relays a session's events to a single HTTP consumer over
// Server-Sent Events or a WebSocket.
package stream

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/txn2/cost-report-runner/pkg/event"
	"github.com/txn2/cost-report-runner/pkg/session"
)

// DefaultKeepalive is the idle window after which a keepalive frame is sent.
const DefaultKeepalive = 15 * time.Second

// Sink writes frames to one consumer. Send must flush before returning.
type Sink interface {
	Send(ev event.Event) error
}

// Config configures a Responder.
type Config struct {
	// Keepalive overrides DefaultKeepalive.
	Keepalive time.Duration

	// AllowedOrigins is checked on WebSocket upgrades. Empty means same
	// origin only; "*" allows any origin.
	AllowedOrigins []string

	// WriteTimeout bounds a single WebSocket frame write.
	WriteTimeout time.Duration

	Logger *slog.Logger
}

// Responder drains session channels into sinks.
type Responder struct {
	registry       *session.Registry
	keepalive      time.Duration
	allowedOrigins []string
	writeTimeout   time.Duration
	logger         *slog.Logger
}

// NewResponder creates a Responder over registry.
func NewResponder(registry *session.Registry, cfg Config) *Responder {
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = DefaultKeepalive
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Responder{
		registry:       registry,
		keepalive:      cfg.Keepalive,
		allowedOrigins: cfg.AllowedOrigins,
		writeTimeout:   cfg.WriteTimeout,
		logger:         cfg.Logger,
	}
}

// Subscribe attaches the consumer of sessionID. It fails with
// session.ErrSessionNotFound or session.ErrConsumerAttached before anything
// has been written to the client, so callers can still pick a status code.
func (r *Responder) Subscribe(sessionID string) (*Subscription, error) {
	ch, err := r.registry.Attach(sessionID)
	if err != nil {
		return nil, err
	}
	return &Subscription{responder: r, id: sessionID, ch: ch}, nil
}

// Subscription is one attached consumer.
type Subscription struct {
	responder *Responder
	id        string
	ch        *event.Channel

	once     sync.Once
	finished bool
}

// ID returns the session id.
func (s *Subscription) ID() string { return s.id }

// Serve pops events and sends them to sink until done has been delivered,
// the consumer goes away (ctx), or the sink fails. A quiet window of the
// keepalive duration produces exactly one keepalive frame. After done the
// session is reclaimed; otherwise the consumer is detached and the job keeps
// running.
func (s *Subscription) Serve(ctx context.Context, sink Sink) error {
	defer s.Close()

	logger := s.responder.logger.With("session_id", s.id)
	for {
		ev, err := s.ch.Pop(ctx, s.responder.keepalive)
		switch {
		case err == nil:
			if ev.Kind == event.KindDone {
				// done has left the channel; nothing is left to deliver.
				s.finished = true
			}
			if err := sink.Send(ev); err != nil {
				return fmt.Errorf("sending %s event: %w", ev.Kind, err)
			}
			if s.finished {
				logger.Debug("stream complete", "seq", ev.Sequence)
				return nil
			}
		case errors.Is(err, event.ErrPopTimeout):
			if err := sink.Send(event.Keepalive()); err != nil {
				return fmt.Errorf("sending keepalive: %w", err)
			}
		case errors.Is(err, event.ErrChannelClosed):
			return fmt.Errorf("session %s: %w", s.id, err)
		default:
			logger.Debug("stream consumer went away", "reason", err)
			return nil
		}
	}
}

// Close releases the subscription: the session is reclaimed when done was
// delivered and detached otherwise. It is idempotent.
func (s *Subscription) Close() {
	s.once.Do(func() {
		if s.finished {
			s.responder.registry.Reclaim(s.id)
			return
		}
		s.responder.registry.Detach(s.id)
	})
}
