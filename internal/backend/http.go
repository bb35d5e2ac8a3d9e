package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/punchlab/punchline/pkg/schema"
)

const (
	defaultMaxResponseBody = 1 << 20 // 1MB
	defaultHTTPTimeout     = 60 * time.Second
)

// HTTPConfig configures the chat-completions backend.
type HTTPConfig struct {
	BaseURL   string // e.g. https://api.example.com/v1
	APIKey    string
	Model     string
	MaxTokens int
	Timeout   time.Duration
}

// HTTPGenerator calls an OpenAI-compatible chat completions endpoint.
type HTTPGenerator struct {
	cfg    HTTPConfig
	client *http.Client
}

// NewHTTPGenerator creates a generator against the configured endpoint.
func NewHTTPGenerator(cfg HTTPConfig) *HTTPGenerator {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultHTTPTimeout
	}
	return &HTTPGenerator{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Usage *TokenUsage `json:"usage"`
}

// Generate sends one chat completion request. The caller's ctx deadline
// bounds the call; an empty completion is an error so the pipeline can treat
// it as a failed attempt.
func (g *HTTPGenerator) Generate(ctx context.Context, prompt, instructions string) (*Completion, error) {
	messages := make([]chatMessage, 0, 2)
	if instructions != "" {
		messages = append(messages, chatMessage{Role: "system", Content: instructions})
	}
	messages = append(messages, chatMessage{Role: "user", Content: prompt})

	body, err := json.Marshal(chatRequest{
		Model:     g.cfg.Model,
		Messages:  messages,
		MaxTokens: g.cfg.MaxTokens,
	})
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "encode request: %s", err.Error()).WithCause(err)
	}

	url := strings.TrimRight(g.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "build request: %s", err.Error()).WithCause(err)
	}
	req.Header.Set("Content-Type", "application/json")
	if g.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.APIKey)
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "backend call: %s", err.Error()).WithCause(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, defaultMaxResponseBody))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "read backend response: %s", err.Error()).WithCause(err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "backend status %d: %s",
			resp.StatusCode, truncate(string(raw), 200))
	}

	var parsed chatResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "decode backend response: %s", err.Error()).WithCause(err)
	}
	if len(parsed.Choices) == 0 || strings.TrimSpace(parsed.Choices[0].Message.Content) == "" {
		return nil, schema.NewError(schema.ErrCodeExecution, "backend returned empty completion")
	}

	return &Completion{
		Text:  strings.TrimSpace(parsed.Choices[0].Message.Content),
		Usage: parsed.Usage,
	}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("%s...", s[:n])
}
