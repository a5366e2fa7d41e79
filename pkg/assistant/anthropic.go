package assistant

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

// DefaultSystemPrompt frames the model as a cost optimization analyst.
const DefaultSystemPrompt = "You are an AWS cost optimization analyst. " +
	"Answer questions about cost reports produced by CostMinimizer concisely, " +
	"citing the report when one is named. Say so when you do not know."

const (
	defaultModel     = anthropic.ModelClaude3_5Sonnet20241022
	defaultMaxTokens = 1024
)

// AnthropicConfig configures an AnthropicAssistant.
type AnthropicConfig struct {
	APIKey    string
	Model     string
	MaxTokens int64
	System    string

	// BaseURL overrides the API endpoint.
	BaseURL string
}

// AnthropicAssistant answers through the Anthropic Messages API.
type AnthropicAssistant struct {
	client    anthropic.Client
	model     anthropic.Model
	maxTokens int64
	system    string
}

// NewAnthropicAssistant creates an AnthropicAssistant.
func NewAnthropicAssistant(cfg AnthropicConfig) *AnthropicAssistant {
	var opts []option.RequestOption
	if cfg.APIKey != "" {
		opts = append(opts, option.WithAPIKey(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}

	a := &AnthropicAssistant{
		client:    anthropic.NewClient(opts...),
		model:     defaultModel,
		maxTokens: defaultMaxTokens,
		system:    DefaultSystemPrompt,
	}
	if cfg.Model != "" {
		a.model = anthropic.Model(cfg.Model)
	}
	if cfg.MaxTokens > 0 {
		a.maxTokens = cfg.MaxTokens
	}
	if cfg.System != "" {
		a.system = cfg.System
	}
	return a
}

// Ask sends the question, with the report file name as context.
func (a *AnthropicAssistant) Ask(ctx context.Context, req Request) (string, error) {
	q := strings.TrimSpace(req.Question)
	if q == "" {
		return "", ErrEmptyQuestion
	}

	resp, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     a.model,
		MaxTokens: a.maxTokens,
		System:    []anthropic.TextBlockParam{{Text: a.system}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt(q, req.ReportFile))),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic api error: %w", err)
	}

	var parts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			if text := block.AsText().Text; text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.TrimSpace(strings.Join(parts, "\n")), nil
}

func prompt(question, reportFile string) string {
	if reportFile == "" {
		return question
	}
	return fmt.Sprintf("Report: %s\n\n%s", filepath.Base(reportFile), question)
}

// Verify interface compliance.
var _ Assistant = (*AnthropicAssistant)(nil)
