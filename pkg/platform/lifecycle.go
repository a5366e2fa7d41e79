package platform

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Hook is a start or stop step. A nil Hook is skipped.
type Hook func(ctx context.Context) error

type component struct {
	name  string
	start Hook
	stop  Hook
}

// Lifecycle starts components in registration order and stops them in
// reverse order.
type Lifecycle struct {
	mu         sync.Mutex
	components []component
	started    int // number of components whose start ran
	running    bool
	logger     *slog.Logger
}

// NewLifecycle creates a new lifecycle manager.
func NewLifecycle(logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{logger: logger}
}

// Register adds a named component. Either hook may be nil.
func (l *Lifecycle) Register(name string, start, stop Hook) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.components = append(l.components, component{name: name, start: start, stop: stop})
}

// Closer is something that can be closed.
type Closer interface {
	Close() error
}

// RegisterCloser registers c to be closed on shutdown.
func (l *Lifecycle) RegisterCloser(name string, c Closer) {
	l.Register(name, nil, func(context.Context) error { return c.Close() })
}

// Start runs every start hook. When one fails, the components already
// started are stopped in reverse order and the error is returned.
func (l *Lifecycle) Start(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.running {
		return fmt.Errorf("lifecycle already started")
	}

	for i, c := range l.components {
		if c.start != nil {
			if err := c.start(ctx); err != nil {
				l.stopFrom(ctx, i-1)
				return fmt.Errorf("starting %s: %w", c.name, err)
			}
		}
		l.started = i + 1
		l.logger.Debug("component started", "component", c.name)
	}

	l.running = true
	return nil
}

// Stop runs every stop hook in reverse order and joins their errors.
// Stopping a lifecycle that is not running is a no-op.
func (l *Lifecycle) Stop(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.running {
		return nil
	}
	err := l.stopFrom(ctx, l.started-1)
	l.running = false
	return err
}

func (l *Lifecycle) stopFrom(ctx context.Context, last int) error {
	var errs []error
	for i := last; i >= 0; i-- {
		c := l.components[i]
		if c.stop == nil {
			continue
		}
		if err := c.stop(ctx); err != nil {
			l.logger.Warn("component stop failed", "component", c.name, "error", err)
			errs = append(errs, fmt.Errorf("stopping %s: %w", c.name, err))
		}
	}
	l.started = 0
	return errors.Join(errs...)
}

// IsStarted returns whether the lifecycle is running.
func (l *Lifecycle) IsStarted() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.running
}
