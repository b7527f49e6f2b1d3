// Package provider defines the research provider gateway for Strata.
package provider

import (
	"context"
	"fmt"
	"time"
)

// Request describes one research query sent to a provider.
type Request struct {
	Model     string `json:"model"`
	System    string `json:"system,omitempty"`
	Prompt    string `json:"prompt"`
	MaxTokens int    `json:"max_tokens"`
	CallType  string `json:"call_type"`
}

// Usage holds the billed token counts for one call.
type Usage struct {
	InputTokens  int           `json:"input_tokens"`
	OutputTokens int           `json:"output_tokens"`
	Cost         float64       `json:"cost"`
	Duration     time.Duration `json:"-"`
}

// Response is the raw provider result before validation.
type Response struct {
	Content      string `json:"content"`
	Model        string `json:"model"`
	FinishReason string `json:"finish_reason,omitempty"`
	Usage        Usage  `json:"usage"`
}

// Gateway is the narrow contract the task executor depends on.
// Implementations bill per call; a non-nil Response with a non-nil error
// means the call reached the provider and was billed despite failing.
type Gateway interface {
	// Name returns the gateway identifier.
	Name() string

	// Call sends a request to the named model and returns its response.
	Call(ctx context.Context, req Request) (*Response, error)
}

// Error is a transient provider failure: HTTP errors, timeouts,
// upstream overload. It is retryable by policy.
type Error struct {
	Model  string
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("provider call to %s failed with status %d: %v", e.Model, e.Status, e.Err)
	}
	return fmt.Sprintf("provider call to %s failed: %v", e.Model, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
