// Package backend defines the language-model collaborator contract. The
// pipeline only needs "run this prompt, give me text back"; any backend
// honoring Generator is substitutable.
package backend

import "context"

// TokenUsage is optional accounting supplied by some backends. When a backend
// has no usage data the field is simply absent — no introspection needed.
type TokenUsage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Completion is one backend response.
type Completion struct {
	Text  string      `json:"text"`
	Usage *TokenUsage `json:"usage,omitempty"`
}

// Generator produces text for a prompt under the caller's context deadline.
// Implementations must honor ctx cancellation; a timeout surfaces as an error.
type Generator interface {
	Generate(ctx context.Context, prompt, instructions string) (*Completion, error)
}
