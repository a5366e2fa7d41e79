// Package event defines the ordered log events relayed from a report job to
// its stream consumer, and the bounded channel that carries them.
package event

import (
	"encoding/json"
	"fmt"
)

// Kind discriminates events on the wire.
type Kind string

const (
	// KindLog is one captured line of engine output.
	KindLog Kind = "log"

	// KindSuccess reports that the engine returned normally.
	KindSuccess Kind = "success"

	// KindError reports that the engine failed.
	KindError Kind = "error"

	// KindDone is always the last event of a session.
	KindDone Kind = "done"

	// KindKeepalive is emitted by the stream layer when nothing happened
	// within the keepalive window. It never passes through a Channel.
	KindKeepalive Kind = "keepalive"
)

// IsTerminal reports whether events of this kind must never be dropped.
func (k Kind) IsTerminal() bool {
	return k == KindSuccess || k == KindError || k == KindDone
}

// Event is a single ordered message in a session's stream.
type Event struct {
	Kind    Kind
	Message string

	// ExcelFile is the artifact reference carried by a done event.
	ExcelFile string

	// Sequence is fixed by the Channel; zero means unsequenced (keepalive).
	Sequence uint64
}

// Log returns a log event.
func Log(msg string) Event {
	return Event{Kind: KindLog, Message: msg}
}

// Success returns a success event with a human-readable summary.
func Success(summary string) Event {
	return Event{Kind: KindSuccess, Message: summary}
}

// Error returns an error event describing a failure.
func Error(desc string) Event {
	return Event{Kind: KindError, Message: desc}
}

// Done returns the final event, optionally carrying an artifact path.
func Done(excelFile string) Event {
	return Event{Kind: KindDone, ExcelFile: excelFile}
}

// Keepalive returns a keepalive frame.
func Keepalive() Event {
	return Event{Kind: KindKeepalive}
}

// wireEvent is the JSON shape sent to clients. Only "type" is required by
// consumers; "seq" is additive.
type wireEvent struct {
	Type      Kind   `json:"type"`
	Message   string `json:"message,omitempty"`
	ExcelFile string `json:"excel_file,omitempty"`
	Seq       uint64 `json:"seq,omitempty"`
}

// MarshalJSON encodes the event in wire format.
func (e Event) MarshalJSON() ([]byte, error) {
	w := wireEvent{Type: e.Kind, Seq: e.Sequence}
	switch e.Kind {
	case KindLog, KindSuccess, KindError:
		w.Message = e.Message
	case KindDone:
		w.ExcelFile = e.ExcelFile
	case KindKeepalive:
	default:
		return nil, fmt.Errorf("unknown event kind %q", e.Kind)
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a wire frame, ignoring unknown fields.
func (e *Event) UnmarshalJSON(data []byte) error {
	var w wireEvent
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	if w.Type == "" {
		return fmt.Errorf("event missing type")
	}
	*e = Event{
		Kind:      w.Type,
		Message:   w.Message,
		ExcelFile: w.ExcelFile,
		Sequence:  w.Seq,
	}
	return nil
}
