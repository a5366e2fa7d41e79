package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/txn2/cost-report-runner/pkg/event"
	"github.com/txn2/cost-report-runner/pkg/session"
)

// ErrStreamingUnsupported is returned when the ResponseWriter cannot flush.
var ErrStreamingUnsupported = errors.New("streaming not supported")

// SSESink writes events as Server-Sent Events frames. Each frame carries the
// event sequence as its id (keepalives have none) and the JSON event as data.
type SSESink struct {
	w       io.Writer
	flusher http.Flusher
}

// NewSSESink writes the event-stream headers and returns a sink over w.
func NewSSESink(w http.ResponseWriter) (*SSESink, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	return &SSESink{w: w, flusher: flusher}, nil
}

// Send writes one frame and flushes it.
func (s *SSESink) Send(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if ev.Sequence > 0 {
		if _, err := fmt.Fprintf(s.w, "id: %d\n", ev.Sequence); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// ServeSSE streams sessionID to the client as Server-Sent Events.
func (r *Responder) ServeSSE(w http.ResponseWriter, req *http.Request, sessionID string) {
	sub, err := r.Subscribe(sessionID)
	if err != nil {
		writeSubscribeError(w, err)
		return
	}

	sink, err := NewSSESink(w)
	if err != nil {
		sub.Close()
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	r.logger.Debug("sse consumer attached", "session_id", sessionID, "remote_addr", req.RemoteAddr)
	if err := sub.Serve(req.Context(), sink); err != nil {
		r.logger.Warn("sse stream ended with error", "session_id", sessionID, "error", err)
	}
}

func writeSubscribeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, "session not found")
	case errors.Is(err, session.ErrConsumerAttached):
		writeError(w, http.StatusConflict, "session already has a stream consumer")
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"success": false, "error": msg})
}
