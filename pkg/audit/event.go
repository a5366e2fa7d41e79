package audit

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Action names an audited operation.
type Action string

const (
	// ActionValidateCredentials is a credential check against the identity service.
	ActionValidateCredentials Action = "credentials.validate"

	// ActionLogout is a client discarding its token and vaulted credentials.
	ActionLogout Action = "credentials.revoke"

	// ActionRunStart is a report run being launched.
	ActionRunStart Action = "run.start"

	// ActionRunFinish is a report run reaching its outcome.
	ActionRunFinish Action = "run.finish"

	// ActionChat is a question sent to the assistant.
	ActionChat Action = "chat.ask"
)

// NewEvent creates a new audit event.
func NewEvent(action Action) *Event {
	return &Event{
		ID:        uuid.NewString(),
		Timestamp: time.Now().UTC(),
		Action:    action,
	}
}

// WithActor sets the identity the action was performed as.
func (e *Event) WithActor(actor, accountID string) *Event {
	e.Actor = actor
	e.AccountID = accountID
	return e
}

// WithSession ties the event to a report session.
func (e *Event) WithSession(sessionID string) *Event {
	e.SessionID = sessionID
	return e
}

// WithRequestID adds a request ID to the event.
func (e *Event) WithRequestID(requestID string) *Event {
	e.RequestID = requestID
	return e
}

// WithDetails attaches sanitized details to the event.
func (e *Event) WithDetails(details map[string]any) *Event {
	e.Details = SanitizeDetails(details)
	return e
}

// WithResult adds result information to the event.
func (e *Event) WithResult(success bool, errorMsg string, duration time.Duration) *Event {
	e.Success = success
	e.ErrorMessage = errorMsg
	e.DurationMS = duration.Milliseconds()
	return e
}

var sensitiveKeys = map[string]bool{
	"password":          true,
	"secret":            true,
	"token":             true,
	"api_key":           true,
	"authorization":     true,
	"credentials":       true,
	"access_key":        true,
	"secret_key":        true,
	"session_token":     true,
	"aws_access_key_id": true,
}

// SanitizeDetails replaces the values of credential-like keys.
func SanitizeDetails(details map[string]any) map[string]any {
	if details == nil {
		return nil
	}

	sanitized := make(map[string]any, len(details))
	for k, v := range details {
		if sensitiveKeys[strings.ToLower(k)] {
			sanitized[k] = "[REDACTED]"
		} else {
			sanitized[k] = v
		}
	}
	return sanitized
}
