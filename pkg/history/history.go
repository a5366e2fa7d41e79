// Package history keeps a record of every report run after its live session
// has been reclaimed.
package history

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no run matches the requested id.
var ErrNotFound = errors.New("run not found")

// Run is the durable record of one report run.
type Run struct {
	ID         string     `json:"session_id"`
	Owner      string     `json:"owner,omitempty"`
	Reports    []string   `json:"reports"`
	Region     string     `json:"region,omitempty"`
	State      string     `json:"state"`
	Artifact   string     `json:"excel_file,omitempty"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// Result is the terminal outcome recorded by Finish.
type Result struct {
	State      string
	Artifact   string
	Error      string
	FinishedAt time.Time
}

// Filter narrows List.
type Filter struct {
	Owner string
	State string
	Limit int
}

// Store persists runs.
type Store interface {
	// Create records a newly launched run.
	Create(ctx context.Context, run Run) error

	// Finish records the outcome of run id.
	Finish(ctx context.Context, id string, res Result) error

	// Get returns run id or ErrNotFound.
	Get(ctx context.Context, id string) (*Run, error)

	// List returns runs matching filter, newest first.
	List(ctx context.Context, filter Filter) ([]Run, error)

	// Cleanup removes runs older than the retention period.
	Cleanup(ctx context.Context) error

	// Close stops background routines and releases resources.
	Close() error
}
