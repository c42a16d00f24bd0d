package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
)

const analystSystemPrompt = `You are a behavioral analyst for live e-commerce sessions. You receive a JSON
evaluation context: session metadata, recent event history, and the new events
under evaluation. Respond with a single JSON object and nothing else:
{
  "narrative": "1-3 sentences describing what the shopper is doing and struggling with",
  "detected_friction_ids": ["F###", ...],
  "signals": {"intent": 0-100, "friction": 0-100, "clarity": 0-100, "receptivity": 0-100, "value": 0-100},
  "recommended_action": "monitor|passive|nudge|active|escalate",
  "reasoning": "one sentence on the strongest evidence"
}
Only report friction ids you have clear evidence for. Signals are raw hints;
the server adjusts them against session state.`

// AnthropicAnalyst scores sessions through the Anthropic Messages API.
type AnthropicAnalyst struct {
	client    anthropic.Client
	model     string
	maxTokens int64
	logger    *slog.Logger
}

// NewAnthropicAnalyst builds an analyst using ambient SDK credentials
// (ANTHROPIC_API_KEY).
func NewAnthropicAnalyst(model string, maxTokens int64, logger *slog.Logger) *AnthropicAnalyst {
	return &AnthropicAnalyst{
		client:    anthropic.NewClient(),
		model:     model,
		maxTokens: maxTokens,
		logger:    logger.With("component", "anthropic_analyst"),
	}
}

// Analyze sends the evaluation context and parses the model's JSON verdict.
func (a *AnthropicAnalyst) Analyze(ctx context.Context, ec *EvaluationContext) (*Output, error) {
	payload, err := json.Marshal(ec)
	if err != nil {
		return nil, fmt.Errorf("marshal evaluation context: %w", err)
	}

	msg, err := a.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(a.model),
		MaxTokens: a.maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: analystSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(string(payload))),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("anthropic messages: %w", err)
	}

	var text string
	for _, block := range msg.Content {
		if block.Type == "text" {
			text = block.Text
			break
		}
	}
	if text == "" {
		return nil, fmt.Errorf("no text block in response")
	}

	out, err := parseOutput(text)
	if err != nil {
		return nil, fmt.Errorf("parse analyst output: %w", err)
	}
	return out, nil
}

// parseOutput decodes the model's JSON verdict, tolerating surrounding
// prose or a fenced code block, and clamps signals into range.
func parseOutput(text string) (*Output, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fmt.Errorf("no JSON object found")
	}

	var out Output
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return nil, err
	}

	out.Signals.Intent = clampSignal(out.Signals.Intent)
	out.Signals.Friction = clampSignal(out.Signals.Friction)
	out.Signals.Clarity = clampSignal(out.Signals.Clarity)
	out.Signals.Receptivity = clampSignal(out.Signals.Receptivity)
	out.Signals.Value = clampSignal(out.Signals.Value)
	return &out, nil
}

func clampSignal(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
