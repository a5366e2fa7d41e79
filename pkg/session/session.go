// Package session tracks report sessions from launch to reclaim.
//
// A Session pairs one background report job with the event channel its
// stream consumer drains. The Registry is the only owner of sessions: it
// hands out channels, records state transitions, and reclaims sessions once
// their stream has been drained or they have gone idle.
package session

import (
	"errors"
	"time"
)

var (
	// ErrSessionNotFound is returned for unknown or reclaimed session ids.
	ErrSessionNotFound = errors.New("session not found")

	// ErrConsumerAttached is returned when a second stream consumer tries to
	// attach while another is still connected.
	ErrConsumerAttached = errors.New("session already has a stream consumer")

	// ErrInvalidTransition is returned for state changes the lifecycle does
	// not allow, such as marking a session terminal with a non-terminal state.
	ErrInvalidTransition = errors.New("invalid session state transition")
)

// State is the lifecycle state of a session. States only move forward.
type State string

// Session states.
const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateFailed    State = "failed"
	StateClosed    State = "closed"
)

func (s State) rank() int {
	switch s {
	case StatePending:
		return 0
	case StateRunning:
		return 1
	case StateSucceeded, StateFailed:
		return 2
	case StateClosed:
		return 3
	default:
		return -1
	}
}

// Terminal reports whether the job behind the session has finished.
func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateClosed
}

// Options records what the client asked the session's job to do.
type Options struct {
	Reports []string `json:"reports"`
	Region  string   `json:"region,omitempty"`
}

// Outcome is the terminal result of a job.
type Outcome struct {
	// State is StateSucceeded or StateFailed.
	State State

	// Artifact is the report path recovered from the job output, if any.
	Artifact string

	// Error describes the failure when State is StateFailed.
	Error string
}

// Session is a point-in-time snapshot of a registered session.
type Session struct {
	ID         string    `json:"session_id"`
	Owner      string    `json:"owner,omitempty"`
	State      State     `json:"state"`
	Options    Options   `json:"options"`
	Artifact   string    `json:"excel_file,omitempty"`
	Error      string    `json:"error,omitempty"`
	Attached   bool      `json:"attached"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
	FinishedAt time.Time `json:"finished_at,omitzero"`
}
