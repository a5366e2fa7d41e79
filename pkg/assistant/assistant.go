// Package assistant answers free-form questions about generated cost
// reports, either through the report engine's own question mode or through
// the Anthropic Messages API.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/txn2/cost-report-runner/pkg/engine"
)

// Provider names.
const (
	ProviderEngine    = "engine"
	ProviderAnthropic = "anthropic"
)

// ErrEmptyQuestion is returned when the question is blank.
var ErrEmptyQuestion = errors.New("message is required")

// Request is one question.
type Request struct {
	Question string

	// ReportFile optionally names a generated workbook to ask about.
	ReportFile string

	// Credentials are the caller's vaulted credentials; only the engine
	// provider uses them.
	Credentials engine.Credentials
}

// Assistant answers questions.
type Assistant interface {
	Ask(ctx context.Context, req Request) (string, error)
}

// Asker is the engine capability the engine provider needs.
type Asker interface {
	Ask(ctx context.Context, creds engine.Credentials, question, reportFile string) (string, error)
}

// EngineAssistant forwards questions to the report engine.
type EngineAssistant struct {
	asker Asker
}

// NewEngineAssistant creates an EngineAssistant over asker.
func NewEngineAssistant(asker Asker) *EngineAssistant {
	return &EngineAssistant{asker: asker}
}

// Ask runs the engine in question mode. The report file is passed only when
// it exists.
func (a *EngineAssistant) Ask(ctx context.Context, req Request) (string, error) {
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return "", ErrEmptyQuestion
	}
	answer, err := a.asker.Ask(ctx, req.Credentials, q, existingFile(req.ReportFile))
	if err != nil {
		return "", fmt.Errorf("engine assistant: %w", err)
	}
	return strings.TrimSpace(answer), nil
}

func existingFile(path string) string {
	if path == "" {
		return ""
	}
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return ""
	}
	return path
}

// Verify interface compliance.
var _ Assistant = (*EngineAssistant)(nil)
