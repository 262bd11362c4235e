package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/circuitbreaker"
	"github.com/Kocoro-lab/Shannon/go/inspector/internal/models"
)

// DefaultTimeout bounds every model call.
const DefaultTimeout = 120 * time.Second

// Error kinds a caller can match with errors.Is.
var (
	ErrTimeout           = errors.New("model call timed out")
	ErrRateLimited       = errors.New("model provider rate limited")
	ErrServer            = errors.New("model provider server error")
	ErrRejected          = errors.New("model provider rejected request")
	ErrMalformedResponse = errors.New("malformed model response")
	ErrUnavailable       = errors.New("model backend unavailable")
	ErrNotConfigured     = errors.New("model backend not configured")
)

// Tool describes a function the model may call.
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	Parameters  map[string]interface{} `json:"parameters,omitempty"`
}

// Request is one model invocation.
type Request struct {
	Model       string
	Messages    []models.Message
	MaxTokens   int
	Temperature float64
	Tools       []Tool
}

// Response is the provider-neutral result of a call.
type Response struct {
	Content    string
	Usage      models.TokenUsage
	StopReason string
	Model      string
}

// Backend is a model provider family.
type Backend interface {
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// CallError carries the kind of failure plus provider detail.
type CallError struct {
	Kind     error
	Provider string
	Status   int
	Detail   string
}

func (e *CallError) Error() string {
	msg := fmt.Sprintf("%s: %v", e.Provider, e.Kind)
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	return msg
}

func (e *CallError) Unwrap() error { return e.Kind }

// ErrorType names the failure kind for error aggregation.
func (e *CallError) ErrorType() string {
	switch e.Kind {
	case ErrTimeout:
		return "TimeoutError"
	case ErrRateLimited:
		return "RateLimitError"
	case ErrServer:
		return "ServerError"
	case ErrRejected:
		return "RejectedError"
	case ErrMalformedResponse:
		return "MalformedResponseError"
	case ErrUnavailable:
		return "UnavailableError"
	default:
		return "ModelError"
	}
}

// IsTransient reports whether a retry on the same or another tier can help.
func IsTransient(err error) bool {
	return errors.Is(err, ErrTimeout) || errors.Is(err, ErrRateLimited) ||
		errors.Is(err, ErrServer) || errors.Is(err, ErrUnavailable)
}

// classifyTransport maps a Do error to a CallError.
func classifyTransport(ctx context.Context, provider string, err error) error {
	switch {
	case errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen), errors.Is(err, circuitbreaker.ErrTooManyRequests):
		return &CallError{Kind: ErrUnavailable, Provider: provider, Detail: err.Error()}
	case errors.Is(err, context.DeadlineExceeded), errors.Is(ctx.Err(), context.DeadlineExceeded):
		return &CallError{Kind: ErrTimeout, Provider: provider, Detail: err.Error()}
	case errors.Is(err, context.Canceled):
		return err
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return &CallError{Kind: ErrTimeout, Provider: provider, Detail: err.Error()}
	}
	return &CallError{Kind: ErrServer, Provider: provider, Detail: err.Error()}
}

// classifyStatus maps a non-2xx response to a CallError.
func classifyStatus(provider string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	e := &CallError{Provider: provider, Status: resp.StatusCode, Detail: string(body)}
	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		e.Kind = ErrRateLimited
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusGatewayTimeout:
		e.Kind = ErrTimeout
	case resp.StatusCode >= 500:
		e.Kind = ErrServer
	default:
		e.Kind = ErrRejected
	}
	return e
}

func malformed(provider, detail string) error {
	return &CallError{Kind: ErrMalformedResponse, Provider: provider, Detail: detail}
}

// splitSystem separates system messages, which some providers take out of band.
func splitSystem(msgs []models.Message) (string, []models.Message) {
	var system string
	rest := make([]models.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			if system != "" {
				system += "\n\n"
			}
			system += m.Text()
			continue
		}
		rest = append(rest, m)
	}
	return system, rest
}
