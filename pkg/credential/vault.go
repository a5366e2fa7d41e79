// Package credential holds validated cloud credentials server side so that
// clients only ever carry an opaque reference to them.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/txn2/cost-report-runner/pkg/engine"
)

// DefaultTTL is how long vaulted credentials stay usable.
const DefaultTTL = time.Hour

// ErrNotFound is returned for unknown or expired references.
var ErrNotFound = errors.New("credentials not found or expired")

type entry struct {
	creds   engine.Credentials
	expires time.Time
}

// Vault is an in-memory store of credentials with expiry. Nothing is ever
// written to disk.
type Vault struct {
	mu      sync.RWMutex
	entries map[string]entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewVault creates a Vault whose entries live for ttl.
func NewVault(ttl time.Duration, logger *slog.Logger) *Vault {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Vault{
		entries: make(map[string]entry),
		ttl:     ttl,
		now:     time.Now,
		logger:  logger,
	}
}

// TTL returns the lifetime of new entries.
func (v *Vault) TTL() time.Duration { return v.ttl }

// Put stores creds and returns the reference and its expiry.
func (v *Vault) Put(creds engine.Credentials) (string, time.Time) {
	id := uuid.NewString()
	expires := v.now().Add(v.ttl)

	v.mu.Lock()
	v.entries[id] = entry{creds: creds, expires: expires}
	v.mu.Unlock()
	return id, expires
}

// Get returns the credentials behind id.
func (v *Vault) Get(id string) (engine.Credentials, error) {
	v.mu.RLock()
	e, ok := v.entries[id]
	v.mu.RUnlock()

	if !ok || !v.now().Before(e.expires) {
		return engine.Credentials{}, ErrNotFound
	}
	return e.creds, nil
}

// Delete forgets id.
func (v *Vault) Delete(id string) {
	v.mu.Lock()
	delete(v.entries, id)
	v.mu.Unlock()
}

// Len returns the number of stored entries, expired ones included.
func (v *Vault) Len() int {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return len(v.entries)
}

// Cleanup removes expired entries and returns how many were removed.
func (v *Vault) Cleanup() int {
	now := v.now()

	v.mu.Lock()
	n := 0
	for id, e := range v.entries {
		if !now.Before(e.expires) {
			delete(v.entries, id)
			n++
		}
	}
	v.mu.Unlock()

	if n > 0 {
		v.logger.Debug("expired credentials removed", "count", n)
	}
	return n
}

// StartCleanupRoutine runs Cleanup every interval until Close is called.
func (v *Vault) StartCleanupRoutine(interval time.Duration) {
	ctx, cancel := context.WithCancel(context.Background())
	v.cancel = cancel
	v.done = make(chan struct{})

	go func() {
		defer close(v.done)

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				v.Cleanup()
			}
		}
	}()
}

// Close stops the cleanup routine and wipes all entries.
func (v *Vault) Close() error {
	if v.cancel != nil {
		v.cancel()
		<-v.done
		v.cancel = nil
	}

	v.mu.Lock()
	clear(v.entries)
	v.mu.Unlock()
	return nil
}
