// Package artifact recovers report artifact paths from engine log output and
// serves those artifacts for download.
package artifact

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
)

// DefaultMarker is the phrase the report engine prints before the path of
// the workbook it wrote.
const DefaultMarker = "Excel Report Output saved into:"

// DefaultExtensions lists the artifact extensions recognized by default.
var DefaultExtensions = []string{".xlsx"}

// Locator finds artifact paths in log lines. The marker is matched as a
// case-sensitive substring; the path is the first run of non-whitespace
// characters after it that ends in one of the extensions. A Locator holds no
// per-run state and is safe for concurrent use.
type Locator struct {
	re *regexp.Regexp
}

// NewLocator builds a Locator for marker and extensions. Empty arguments
// fall back to DefaultMarker and DefaultExtensions.
func NewLocator(marker string, extensions []string) (*Locator, error) {
	if marker == "" {
		marker = DefaultMarker
	}
	if len(extensions) == 0 {
		extensions = DefaultExtensions
	}

	alts := make([]string, 0, len(extensions))
	for _, ext := range extensions {
		ext = strings.TrimSpace(ext)
		if ext == "" {
			continue
		}
		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		alts = append(alts, regexp.QuoteMeta(ext))
	}
	if len(alts) == 0 {
		return nil, fmt.Errorf("artifact locator: no usable extensions")
	}

	pattern := regexp.QuoteMeta(marker) + `\s*(\S+?(?:` + strings.Join(alts, "|") + `))(?:\s|$)`
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("artifact locator: compiling pattern: %w", err)
	}
	return &Locator{re: re}, nil
}

// Match returns the path referenced by line, if any. When a line carries the
// marker more than once the last reference wins.
func (l *Locator) Match(line string) (string, bool) {
	matches := l.re.FindAllStringSubmatch(line, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// Locate scans lines in order and returns the path from the last matching
// line. No match is not an error; the artifact is simply absent.
func (l *Locator) Locate(lines []string) (string, bool) {
	var (
		path  string
		found bool
	)
	for _, line := range lines {
		if p, ok := l.Match(line); ok {
			path, found = p, true
		}
	}
	return path, found
}

// Tracker applies a Locator incrementally to a stream of lines.
type Tracker struct {
	locator *Locator

	mu   sync.Mutex
	path string
}

// Track returns a Tracker bound to this Locator.
func (l *Locator) Track() *Tracker {
	return &Tracker{locator: l}
}

// Observe feeds one line to the tracker.
func (t *Tracker) Observe(line string) {
	if p, ok := t.locator.Match(line); ok {
		t.mu.Lock()
		t.path = p
		t.mu.Unlock()
	}
}

// Path returns the most recent artifact path seen, or "" when none.
func (t *Tracker) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}
