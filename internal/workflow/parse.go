package workflow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Kocoro-lab/Shannon/go/inspector/internal/llm"
)

// MalformedError is a model answer that could not be decoded into the
// structure a stage asked for.
type MalformedError struct {
	Task   string
	Detail string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("%s: malformed response: %s", e.Task, e.Detail)
}

func (e *MalformedError) Unwrap() error { return llm.ErrMalformedResponse }

func (e *MalformedError) ErrorType() string { return "MalformedResponse" }

// decodeJSON extracts the outermost JSON object from a model answer. Models
// often wrap JSON in prose or code fences.
func decodeJSON(task, content string, v interface{}) error {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end <= start {
		return &MalformedError{Task: task, Detail: "no JSON object"}
	}
	if err := json.Unmarshal([]byte(content[start:end+1]), v); err != nil {
		return &MalformedError{Task: task, Detail: err.Error()}
	}
	return nil
}

// compactJSON renders v for a prompt.
func compactJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%+v", v)
	}
	return string(b)
}
