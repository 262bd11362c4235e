package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/tracing"
)

// HTTPConfig is shared by the HTTP backends.
type HTTPConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
	// Models maps tier name to provider model id.
	Models map[string]string `mapstructure:"models"`
}

type httpBackend struct {
	name    string
	baseURL string
	apiKey  string
	timeout time.Duration
	models  map[string]string
	http    *circuitbreaker.HTTPWrapper
	logger  *zap.Logger
}

func newHTTPBackend(name, defaultBase string, cfg HTTPConfig, client *http.Client, logger *zap.Logger) httpBackend {
	if logger == nil {
		logger = zap.NewNop()
	}
	base := cfg.BaseURL
	if base == "" {
		base = defaultBase
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if client == nil {
		// The per-call context carries the deadline; the client timeout is a backstop.
		client = &http.Client{Timeout: timeout + 5*time.Second}
	}
	return httpBackend{
		name:    name,
		baseURL: strings.TrimRight(base, "/"),
		apiKey:  cfg.APIKey,
		timeout: timeout,
		models:  cfg.Models,
		http:    circuitbreaker.NewHTTPWrapper(client, "llm-"+name, "llm", circuitbreaker.LLMSettings(), true, logger),
		logger:  logger,
	}
}

// modelFor resolves the provider model id for a request's model field, which
// holds a tier name or an explicit model id.
func (b *httpBackend) modelFor(model string) string {
	if m, ok := b.models[model]; ok && m != "" {
		return m
	}
	return model
}

func (b *httpBackend) postJSON(ctx context.Context, path string, headers map[string]string, payload, out interface{}) error {
	if b.apiKey == "" {
		return &CallError{Kind: ErrNotConfigured, Provider: b.name, Detail: "missing API key"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", b.name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	tracing.InjectTraceparent(ctx, req)

	resp, err := b.http.Do(req)
	if err != nil {
		return classifyTransport(ctx, b.name, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return classifyStatus(b.name, resp)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if ctx.Err() != nil {
			return classifyTransport(ctx, b.name, ctx.Err())
		}
		return malformed(b.name, "decode: "+err.Error())
	}
	return nil
}
