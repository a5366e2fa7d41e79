// Package capture turns the raw output of one report job into log lines.
//
// A Capture is scoped to a single job: it owns its line buffer, its optional
// transcript file, and the slog handler it hands out. Nothing process-global
// is touched, so any number of captures can run side by side.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// DefaultMaxLineBytes bounds a single line. Longer runs without a newline
// are emitted in pieces of this size.
const DefaultMaxLineBytes = 64 * 1024

const transcriptPerms = 0o600

var (
	// ErrCaptureSetup is returned when the capture cannot be established.
	ErrCaptureSetup = errors.New("capture setup failed")

	// ErrClosed is returned by Write after Close.
	ErrClosed = errors.New("capture closed")
)

// LineFunc receives each complete line, without its terminator.
type LineFunc func(line string)

// Config configures a Capture.
type Config struct {
	// TranscriptDir, when set, receives a <id>.log copy of every line.
	TranscriptDir string

	// MaxLineBytes overrides DefaultMaxLineBytes.
	MaxLineBytes int
}

// Capture is an io.Writer that splits its input into lines.
type Capture struct {
	id      string
	onLine  LineFunc
	maxLine int

	mu         sync.Mutex
	buf        bytes.Buffer
	transcript *os.File
	lines      int
	closed     bool
}

// Open creates a Capture for the job identified by id. Every complete line
// written to it is passed to onLine. Failure to create the transcript is
// reported as ErrCaptureSetup.
func Open(id string, cfg Config, onLine LineFunc) (*Capture, error) {
	if onLine == nil {
		return nil, fmt.Errorf("%w: nil line callback", ErrCaptureSetup)
	}
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("%w: invalid capture id %q", ErrCaptureSetup, id)
	}

	c := &Capture{id: id, onLine: onLine, maxLine: cfg.MaxLineBytes}
	if c.maxLine <= 0 {
		c.maxLine = DefaultMaxLineBytes
	}

	if cfg.TranscriptDir != "" {
		if err := os.MkdirAll(cfg.TranscriptDir, 0o750); err != nil {
			return nil, fmt.Errorf("%w: creating transcript dir: %w", ErrCaptureSetup, err)
		}
		path := filepath.Join(cfg.TranscriptDir, id+".log")
		// #nosec G304 -- id validated above
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, transcriptPerms)
		if err != nil {
			return nil, fmt.Errorf("%w: opening transcript: %w", ErrCaptureSetup, err)
		}
		c.transcript = f
	}
	return c, nil
}

// ID returns the job identifier the capture was opened for.
func (c *Capture) ID() string { return c.id }

// Write buffers p and emits every complete line. It never blocks on the
// consumer of the lines beyond the LineFunc call itself.
func (c *Capture) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}

	n := len(p)
	for len(p) > 0 {
		i := bytes.IndexByte(p, '\n')
		if i < 0 {
			c.buf.Write(p)
			break
		}
		c.buf.Write(p[:i])
		p = p[i+1:]
		c.emitLocked()
	}
	for c.buf.Len() >= c.maxLine {
		chunk := string(c.buf.Next(c.maxLine))
		c.deliverLocked(chunk)
	}
	return n, nil
}

func (c *Capture) emitLocked() {
	line := c.buf.String()
	c.buf.Reset()
	c.deliverLocked(line)
}

func (c *Capture) deliverLocked(line string) {
	line = strings.TrimRight(line, "\r")
	if strings.TrimSpace(line) == "" {
		return
	}
	c.lines++
	if c.transcript != nil {
		if _, err := c.transcript.WriteString(line + "\n"); err != nil {
			slog.Warn("transcript write failed", "capture_id", c.id, "error", err)
			_ = c.transcript.Close()
			c.transcript = nil
		}
	}
	c.onLine(line)
}

// Handler returns a slog.Handler whose records become captured lines. The
// time attribute is dropped since the stream consumer sees events live.
func (c *Capture) Handler(level slog.Leveler) slog.Handler {
	return slog.NewTextHandler(c, &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if len(groups) == 0 && a.Key == slog.TimeKey {
				return slog.Attr{}
			}
			return a
		},
	})
}

// Logger is shorthand for slog.New(c.Handler(slog.LevelInfo)).
func (c *Capture) Logger() *slog.Logger {
	return slog.New(c.Handler(slog.LevelInfo))
}

// Lines returns the number of lines emitted so far.
func (c *Capture) Lines() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lines
}

// Close emits any trailing partial line and releases the transcript.
// Calling Close more than once is safe.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	if c.buf.Len() > 0 {
		c.emitLocked()
	}
	c.closed = true

	if c.transcript == nil {
		return nil
	}
	err := c.transcript.Close()
	c.transcript = nil
	if err != nil {
		return fmt.Errorf("closing transcript: %w", err)
	}
	return nil
}
