// Package llm is the generation collaborator: a thin client for an
// OpenAI-compatible chat-completions endpoint.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// DefaultBaseURL is the chat-completions endpoint used when none is set.
const DefaultBaseURL = "https://api.openai.com/v1/chat/completions"

// ErrEmptyOutput is returned when the provider answers without usable text.
var ErrEmptyOutput = errors.New("llm: response missing output text")

// Config configures the client.
type Config struct {
	URL         string
	APIKey      string
	Model       string
	Temperature float64
	MaxTokens   int
	Timeout     time.Duration
	HTTPClient  *http.Client
}

// Prompt is one generation request.
type Prompt struct {
	System string
	User   string
}

// Usage is the token accounting the provider reports.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Result is a successful generation.
type Result struct {
	Text  string
	Usage Usage
}

// Client calls the chat-completions API.
type Client struct {
	cfg Config
}

// New builds a client, filling URL, timeout and HTTP client defaults.
func New(cfg Config) *Client {
	if strings.TrimSpace(cfg.URL) == "" {
		cfg.URL = DefaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Client{cfg: cfg}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

// Generate sends p and returns the first non-empty choice.
func (c *Client) Generate(ctx context.Context, p Prompt) (Result, error) {
	apiKey := strings.TrimSpace(c.cfg.APIKey)
	model := strings.TrimSpace(c.cfg.Model)
	if apiKey == "" {
		return Result{}, fmt.Errorf("llm: api key is required")
	}
	if model == "" {
		return Result{}, fmt.Errorf("llm: model is required")
	}
	if strings.TrimSpace(p.User) == "" {
		return Result{}, fmt.Errorf("llm: prompt is required")
	}

	msgs := make([]chatMessage, 0, 2)
	if s := strings.TrimSpace(p.System); s != "" {
		msgs = append(msgs, chatMessage{Role: "system", Content: s})
	}
	msgs = append(msgs, chatMessage{Role: "user", Content: p.User})

	body, err := json.Marshal(chatRequest{
		Model:       model,
		Messages:    msgs,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
	})
	if err != nil {
		return Result{}, fmt.Errorf("llm: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("llm: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)

	res, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("llm: request failed: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		msg, err := io.ReadAll(io.LimitReader(res.Body, 4096))
		if err != nil {
			return Result{}, fmt.Errorf("llm: read error body: %w", err)
		}
		return Result{}, fmt.Errorf("llm: http %d: %s", res.StatusCode, strings.TrimSpace(string(msg)))
	}

	var payload struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
		Usage Usage `json:"usage"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return Result{}, fmt.Errorf("llm: decode response: %w", err)
	}
	for _, ch := range payload.Choices {
		if text := strings.TrimSpace(ch.Message.Content); text != "" {
			return Result{Text: text, Usage: payload.Usage}, nil
		}
	}
	return Result{}, ErrEmptyOutput
}

// Offline stands in for the provider in dry runs without an API key. It
// echoes the request so logs show what would have been answered.
type Offline struct{}

func (Offline) Generate(_ context.Context, p Prompt) (Result, error) {
	line, _, _ := strings.Cut(strings.TrimSpace(p.User), "\n\n")
	line = strings.TrimSpace(strings.TrimPrefix(line, "Request:"))
	if line == "" {
		return Result{}, ErrEmptyOutput
	}
	return Result{Text: "[dry run] reply to: " + line}, nil
}
