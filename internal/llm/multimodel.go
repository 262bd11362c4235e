package llm

import (
	"context"
	"net/http"
	"strings"

	"go.uber.org/zap"
)

// MultiModelBackend talks to an OpenAI-compatible chat completions gateway
// (OpenRouter and similar) and serves every tier below premium.
type MultiModelBackend struct {
	httpBackend
}

// NewMultiModelBackend creates the multi-model backend. client may be nil.
func NewMultiModelBackend(cfg HTTPConfig, client *http.Client, logger *zap.Logger) *MultiModelBackend {
	return &MultiModelBackend{httpBackend: newHTTPBackend("multimodel", "https://openrouter.ai/api/v1", cfg, client, logger)}
}

func (b *MultiModelBackend) Name() string { return b.name }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatTool struct {
	Type     string `json:"type"`
	Function Tool   `json:"function"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature"`
	Tools       []chatTool    `json:"tools,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

// Complete sends one chat completions request.
func (b *MultiModelBackend) Complete(ctx context.Context, req Request) (*Response, error) {
	payload := chatRequest{
		Model:       b.modelFor(req.Model),
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		payload.Messages = append(payload.Messages, chatMessage{Role: m.Role, Content: m.Text()})
	}
	for _, t := range req.Tools {
		payload.Tools = append(payload.Tools, chatTool{Type: "function", Function: t})
	}

	var out chatResponse
	headers := map[string]string{"Authorization": "Bearer " + b.apiKey}
	if err := b.postJSON(ctx, "/chat/completions", headers, payload, &out); err != nil {
		return nil, err
	}
	if len(out.Choices) == 0 {
		return nil, malformed(b.name, "no choices")
	}
	choice := out.Choices[0]
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" && choice.FinishReason != "tool_calls" {
		return nil, malformed(b.name, "empty content")
	}
	resp := &Response{
		Content:    content,
		StopReason: choice.FinishReason,
		Model:      out.Model,
	}
	resp.Usage.InputTokens = out.Usage.PromptTokens
	resp.Usage.OutputTokens = out.Usage.CompletionTokens
	return resp, nil
}
