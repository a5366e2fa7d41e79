package session

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/cost-report-runner/pkg/event"
)

// DefaultIdleTimeout is how long an unconsumed session may sit idle before
// Cleanup reclaims it.
const DefaultIdleTimeout = 5 * time.Minute

// Config configures a Registry.
type Config struct {
	// ChannelCapacity bounds each session's event channel.
	ChannelCapacity int

	// IdleTimeout overrides DefaultIdleTimeout.
	IdleTimeout time.Duration

	// Logger receives lifecycle messages; defaults to slog.Default().
	Logger *slog.Logger
}

type entry struct {
	session Session
	channel *event.Channel
}

// Registry maps session ids to sessions and their channels. Every mutation
// happens under a single mutex, so a reclaim never interleaves with a state
// change or a channel lookup on the same session.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry

	capacity    int
	idleTimeout time.Duration
	logger      *slog.Logger
	now         func() time.Time

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry(cfg Config) *Registry {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Registry{
		entries:     make(map[string]*entry),
		capacity:    cfg.ChannelCapacity,
		idleTimeout: cfg.IdleTimeout,
		logger:      cfg.Logger,
		now:         time.Now,
	}
}

// Create registers a new pending session and returns its snapshot.
func (r *Registry) Create(owner string, opts Options) Session {
	now := r.now()
	e := &entry{
		session: Session{
			ID:        uuid.NewString(),
			Owner:     owner,
			State:     StatePending,
			Options:   Options{Reports: slices.Clone(opts.Reports), Region: opts.Region},
			CreatedAt: now,
			UpdatedAt: now,
		},
		channel: event.NewChannel(r.capacity),
	}

	r.mu.Lock()
	r.entries[e.session.ID] = e
	r.mu.Unlock()

	r.logger.Debug("session created", "session_id", e.session.ID, "owner", owner)
	return e.session
}

// Channel returns the event channel of session id.
func (r *Registry) Channel(id string) (*event.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.channel, nil
}

// Get returns a snapshot of session id.
func (r *Registry) Get(id string) (Session, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return Session{}, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return e.snapshot(), nil
}

// List returns snapshots of all registered sessions, oldest first.
func (r *Registry) List() []Session {
	r.mu.Lock()
	out := make([]Session, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.snapshot())
	}
	r.mu.Unlock()

	slices.SortFunc(out, func(a, b Session) int { return a.CreatedAt.Compare(b.CreatedAt) })
	return out
}

// Len returns the number of registered sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// MarkRunning moves session id from pending to running.
func (r *Registry) MarkRunning(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.session.State != StatePending {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, e.session.State, StateRunning)
	}
	e.session.State = StateRunning
	e.session.UpdatedAt = r.now()
	return nil
}

// MarkTerminal records the outcome of the session's job. Only the first call
// takes effect; later calls are logged and ignored.
func (r *Registry) MarkTerminal(id string, out Outcome) error {
	if out.State != StateSucceeded && out.State != StateFailed {
		return fmt.Errorf("%w: %q is not a job outcome", ErrInvalidTransition, out.State)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.session.State.Terminal() {
		r.logger.Info("session already terminal, ignoring outcome",
			"session_id", id, "state", e.session.State, "ignored", out.State)
		return nil
	}

	now := r.now()
	e.session.State = out.State
	e.session.Artifact = out.Artifact
	e.session.Error = out.Error
	e.session.UpdatedAt = now
	e.session.FinishedAt = now
	r.logger.Info("session finished", "session_id", id, "state", out.State, "excel_file", out.Artifact)
	return nil
}

// Attach registers the single stream consumer of session id and returns the
// channel to drain. A second consumer gets ErrConsumerAttached until the
// first one detaches.
func (r *Registry) Attach(id string) (*event.Channel, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.entries[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if e.session.Attached {
		return nil, ErrConsumerAttached
	}
	e.session.Attached = true
	e.session.UpdatedAt = r.now()
	return e.channel, nil
}

// Detach releases the stream consumer of session id. Unknown ids are ignored.
func (r *Registry) Detach(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.entries[id]; ok {
		e.session.Attached = false
		e.session.UpdatedAt = r.now()
	}
}

// Reclaim removes session id and discards its channel. It returns the final
// snapshot, in state closed, and whether anything was removed. Calling it
// again for the same id is a no-op.
func (r *Registry) Reclaim(id string) (Session, bool) {
	r.mu.Lock()
	e, ok := r.entries[id]
	if ok {
		delete(r.entries, id)
	}
	r.mu.Unlock()

	if !ok {
		return Session{}, false
	}
	return r.release(e, "reclaimed"), true
}

func (r *Registry) release(e *entry, reason string) Session {
	e.channel.Discard()
	snap := e.snapshot()
	if !snap.State.Terminal() {
		r.logger.Warn("session released before job finished", "session_id", snap.ID, "state", snap.State, "reason", reason)
	}
	snap.State = StateClosed
	snap.UpdatedAt = r.now()
	r.logger.Debug("session "+reason, "session_id", snap.ID)
	return snap
}

// Cleanup reclaims idle sessions: no consumer attached, no channel activity
// for the idle timeout, and either finished or never started. Running jobs
// are left alone. It returns the number of sessions reclaimed.
func (r *Registry) Cleanup() int {
	now := r.now()

	r.mu.Lock()
	var evicted []*entry
	for id, e := range r.entries {
		if !e.idle(now, r.idleTimeout) {
			continue
		}
		delete(r.entries, id)
		evicted = append(evicted, e)
	}
	r.mu.Unlock()

	for _, e := range evicted {
		r.release(e, "evicted")
	}
	if len(evicted) > 0 {
		r.logger.Info("idle sessions evicted", "count", len(evicted))
	}
	return len(evicted)
}

// StartCleanupRoutine runs Cleanup every interval until Close is called.
func (r *Registry) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan struct{})

	go func() {
		defer close(r.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				r.Cleanup()
			}
		}
	}()
}

// Close stops the cleanup goroutine and discards every remaining session.
// It is safe to call Close even if StartCleanupRoutine was never called.
func (r *Registry) Close() error {
	if r.cancel != nil {
		r.cancel()
		<-r.done
		r.cancel = nil
	}

	r.mu.Lock()
	remaining := r.entries
	r.entries = make(map[string]*entry)
	r.mu.Unlock()

	for _, e := range remaining {
		e.channel.Discard()
	}
	return nil
}

func (e *entry) snapshot() Session {
	s := e.session
	s.Options.Reports = slices.Clone(s.Options.Reports)
	return s
}

func (e *entry) idle(now time.Time, timeout time.Duration) bool {
	if e.session.Attached {
		return false
	}
	if e.session.State == StateRunning {
		return false
	}
	last := e.session.UpdatedAt
	if a := e.channel.LastActivity(); a.After(last) {
		last = a
	}
	return now.Sub(last) >= timeout
}
