package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/txn2/cost-report-runner/pkg/event"
)

// WebSocketSink writes events as JSON text frames.
type WebSocketSink struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

// NewWebSocketSink wraps an upgraded connection.
func NewWebSocketSink(conn *websocket.Conn, writeTimeout time.Duration) *WebSocketSink {
	return &WebSocketSink{conn: conn, writeTimeout: writeTimeout}
}

// Send writes one text frame.
func (s *WebSocketSink) Send(ev event.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// Close sends a close frame with reason and closes the connection.
func (s *WebSocketSink) Close(code int, reason string) error {
	msg := websocket.FormatCloseMessage(code, reason)
	_ = s.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.writeTimeout))
	return s.conn.Close()
}

// ServeWebSocket upgrades the request and streams sessionID over it. The
// client is not expected to send anything; reads only detect disconnects.
func (r *Responder) ServeWebSocket(w http.ResponseWriter, req *http.Request, sessionID string) {
	sub, err := r.Subscribe(sessionID)
	if err != nil {
		writeSubscribeError(w, err)
		return
	}

	upgrader := websocket.Upgrader{CheckOrigin: r.checkOrigin}
	conn, err := upgrader.Upgrade(w, req, nil)
	if err != nil {
		// Upgrade has already replied to the client.
		sub.Close()
		r.logger.Warn("websocket upgrade failed", "session_id", sessionID, "error", err)
		return
	}
	sink := NewWebSocketSink(conn, r.writeTimeout)

	ctx, cancel := context.WithCancel(req.Context())
	defer cancel()

	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	r.logger.Debug("websocket consumer attached", "session_id", sessionID, "remote_addr", req.RemoteAddr)
	code, reason := websocket.CloseNormalClosure, "stream closed"
	if err := sub.Serve(ctx, sink); err != nil {
		r.logger.Warn("websocket stream ended with error", "session_id", sessionID, "error", err)
		code, reason = websocket.CloseInternalServerErr, "stream error"
	}
	_ = sink.Close(code, reason)
}

func (r *Responder) checkOrigin(req *http.Request) bool {
	origin := req.Header.Get("Origin")
	if origin == "" || slices.Contains(r.allowedOrigins, "*") {
		return true
	}
	if len(r.allowedOrigins) > 0 {
		return slices.Contains(r.allowedOrigins, origin)
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, req.Host)
}
