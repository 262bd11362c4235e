package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

func TestPremiumBackendComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))

		var body anthropicRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "claude-top", body.Model)
		assert.Equal(t, "be terse", body.System)
		require.Len(t, body.Messages, 1)
		assert.Equal(t, 256, body.MaxTokens)

		_, _ = w.Write([]byte(`{"model":"claude-top","content":[{"type":"text","text":"hi"}],"stop_reason":"end_turn","usage":{"input_tokens":12,"output_tokens":3}}`))
	}))
	defer srv.Close()

	b := NewPremiumBackend(HTTPConfig{BaseURL: srv.URL, APIKey: "k", Models: map[string]string{"premium": "claude-top"}}, srv.Client(), zaptest.NewLogger(t))
	resp, err := b.Complete(context.Background(), Request{
		Model:     "premium",
		MaxTokens: 256,
		Messages: []models.Message{
			{Role: models.RoleSystem, Content: "be terse"},
			{Role: models.RoleUser, Content: "hello"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "hi", resp.Content)
	assert.Equal(t, models.TokenUsage{InputTokens: 12, OutputTokens: 3}, resp.Usage)
	assert.Equal(t, "end_turn", resp.StopReason)
}

func TestMultiModelBackendComplete(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer k", r.Header.Get("Authorization"))
		var body chatRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "vendor/fast-model", body.Model)
		assert.Equal(t, models.RoleSystem, body.Messages[0].Role)
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":" ok "},"finish_reason":"stop"}],"usage":{"prompt_tokens":40,"completion_tokens":2}}`))
	}))
	defer srv.Close()

	b := NewMultiModelBackend(HTTPConfig{BaseURL: srv.URL + "/", APIKey: "k", Models: map[string]string{"fast": "vendor/fast-model"}}, srv.Client(), nil)
	resp, err := b.Complete(context.Background(), Request{
		Model:    "fast",
		Messages: []models.Message{{Role: models.RoleSystem, Content: "s"}, {Role: models.RoleUser, Content: "u"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Content)
	assert.Equal(t, 42, resp.Usage.Total())
}

func TestBackendErrorClassification(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrRateLimited},
		{"server", http.StatusBadGateway, `{}`, ErrServer},
		{"rejected", http.StatusBadRequest, `{"error":"bad"}`, ErrRejected},
		{"malformed json", http.StatusOK, `not json`, ErrMalformedResponse},
		{"no choices", http.StatusOK, `{"choices":[]}`, ErrMalformedResponse},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			b := NewMultiModelBackend(HTTPConfig{BaseURL: srv.URL, APIKey: "k"}, srv.Client(), nil)
			_, err := b.Complete(context.Background(), Request{Model: "general", Messages: []models.Message{{Role: "user", Content: "x"}}})
			require.Error(t, err)
			assert.True(t, errors.Is(err, tc.want), "got %v", err)

			var ce *CallError
			require.True(t, errors.As(err, &ce))
			assert.NotEmpty(t, ce.ErrorType())
		})
	}
}

func TestBackendTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	b := NewPremiumBackend(HTTPConfig{BaseURL: srv.URL, APIKey: "k", Timeout: 50 * time.Millisecond}, srv.Client(), nil)
	_, err := b.Complete(context.Background(), Request{Model: "premium", Messages: []models.Message{{Role: "user", Content: "x"}}})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.True(t, IsTransient(err))
}

func TestMissingAPIKey(t *testing.T) {
	b := NewMultiModelBackend(HTTPConfig{BaseURL: "http://127.0.0.1:0"}, nil, nil)
	_, err := b.Complete(context.Background(), Request{Model: "fast"})
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.False(t, IsTransient(err))
}
