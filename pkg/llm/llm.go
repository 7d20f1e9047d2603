// Package llm provides the model clients the replay executor calls, one per provider,
// behind a rate-limited pool keyed by model name.
package llm

import (
	"context"
	"errors"
)

// Request is a single-turn completion request.
type Request struct {
	System      string
	Prompt      string
	MaxTokens   int
	Temperature float64
}

// Response is the text a model returned. Token counts and cost are estimated by the Pool.
type Response struct {
	Text             string
	Model            string
	PromptTokens     int
	CompletionTokens int
	CostUSD          float64
}

// Client completes prompts against one model.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
	Model() string
}

// ErrEmptyResponse is returned when a provider answers with no text.
var ErrEmptyResponse = errors.New("empty response from model")

// ClientFunc adapts a function to Client.
type ClientFunc struct {
	Fn        func(ctx context.Context, req Request) (Response, error)
	ModelName string
}

// Complete calls Fn.
func (f ClientFunc) Complete(ctx context.Context, req Request) (Response, error) {
	return f.Fn(ctx, req)
}

// Model returns the model name.
func (f ClientFunc) Model() string {
	return f.ModelName
}
