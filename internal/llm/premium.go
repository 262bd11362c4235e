package llm

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

const anthropicVersion = "2023-06-01"

// PremiumBackend talks to an Anthropic Messages compatible endpoint. It
// serves the top tier, which has low throughput and the highest rates.
type PremiumBackend struct {
	httpBackend
}

// NewPremiumBackend creates the premium backend. client may be nil.
func NewPremiumBackend(cfg HTTPConfig, client *http.Client, logger *zap.Logger) *PremiumBackend {
	return &PremiumBackend{httpBackend: newHTTPBackend("premium", "https://api.anthropic.com", cfg, client, logger)}
}

func (b *PremiumBackend) Name() string { return b.name }

type anthropicContent struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type anthropicMessage struct {
	Role    string             `json:"role"`
	Content []anthropicContent `json:"content"`
}

type anthropicTool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Tools       []anthropicTool    `json:"tools,omitempty"`
}

type anthropicResponse struct {
	Model      string             `json:"model"`
	Content    []anthropicContent `json:"content"`
	StopReason string             `json:"stop_reason"`
	Usage      struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends one Messages API request.
func (b *PremiumBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	system, rest := splitSystem(req.Messages)
	payload := anthropicRequest{
		Model:       b.modelFor(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		System:      system,
	}
	for _, m := range rest {
		payload.Messages = append(payload.Messages, anthropicMessage{
			Role:    m.Role,
			Content: []anthropicContent{{Type: "text", Text: m.Text()}},
		})
	}
	for _, t := range req.Tools {
		schema := t.Parameters
		if schema == nil {
			schema = map[string]interface{}{"type": "object"}
		}
		payload.Tools = append(payload.Tools, anthropicTool{Name: t.Name, Description: t.Description, InputSchema: schema})
	}

	var out anthropicResponse
	headers := map[string]string{
		"x-api-key":         b.apiKey,
		"anthropic-version": anthropicVersion,
	}
	if err := b.postJSON(ctx, "/v1/messages", headers, payload, &out); err != nil {
		return nil, err
	}

	var text []string
	for _, c := range out.Content {
		if c.Type == "text" && c.Text != "" {
			text = append(text, c.Text)
		}
	}
	if len(text) == 0 && out.StopReason != "tool_use" {
		return nil, malformed(b.name, "no text content")
	}
	resp := &Response{
		Content:    strings.Join(text, "\n"),
		StopReason: out.StopReason,
		Model:      out.Model,
	}
	resp.Usage.InputTokens = out.Usage.InputTokens
	resp.Usage.OutputTokens = out.Usage.OutputTokens
	return resp, nil
}
