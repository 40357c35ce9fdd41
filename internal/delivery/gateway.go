package delivery

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// GatewayConfig configures the userbot gateway client.
type GatewayConfig struct {
	BaseURL    string
	Token      string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// Gateway talks to a userbot sidecar that owns the Telegram session. The
// sidecar handles connect/reconnect; this client only issues calls:
//
//	GET  /health
//	GET  /users/{identity}      -> Profile, 404 when unresolvable
//	POST /messages              -> SendResult
//	GET  /resolve?link=...      -> {"username": "..."}
type Gateway struct {
	cfg GatewayConfig
}

// NewGateway builds a gateway client.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, errors.New("delivery: gateway base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("delivery: parse gateway url: %w", err)
	}
	cfg.BaseURL = base
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &Gateway{cfg: cfg}, nil
}

// Connect checks that the sidecar is up and logged in.
func (g *Gateway) Connect(ctx context.Context) error {
	res, err := g.do(ctx, http.MethodGet, "/health", nil)
	if err != nil {
		return fmt.Errorf("delivery: connect: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("delivery: connect: %s", readError(res))
	}
	return nil
}

func (g *Gateway) GetUserInfo(ctx context.Context, identity string) (*Profile, error) {
	res, err := g.do(ctx, http.MethodGet, "/users/"+url.PathEscape(identity), nil)
	if err != nil {
		return nil, fmt.Errorf("delivery: get user: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("delivery: get user: %s", readError(res))
	}
	var p Profile
	if err := json.NewDecoder(res.Body).Decode(&p); err != nil {
		return nil, fmt.Errorf("delivery: decode user: %w", err)
	}
	if p.Deleted {
		return nil, nil
	}
	return &p, nil
}

func (g *Gateway) SendMessage(ctx context.Context, identity, text string, opts SendOptions) SendResult {
	body, err := json.Marshal(struct {
		To   string `json:"to"`
		Text string `json:"text"`
		SendOptions
	}{To: identity, Text: text, SendOptions: opts})
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	res, err := g.do(ctx, http.MethodPost, "/messages", body)
	if err != nil {
		return SendResult{Error: err.Error()}
	}
	defer res.Body.Close()

	var out SendResult
	raw, _ := io.ReadAll(io.LimitReader(res.Body, 1<<16))
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &out)
	}
	if res.StatusCode >= 200 && res.StatusCode < 300 && out.Error == "" {
		out.Success = true
		return out
	}
	out.Success = false
	if out.Error == "" {
		out.Error = httpReason(res.StatusCode, string(raw))
	}
	if out.FloodWaitSeconds == 0 {
		if n, ok := ParseFloodWait(out.Error); ok {
			out.FloodWaitSeconds = n
		}
	}
	return out
}

func (g *Gateway) ResolveMessageAuthor(ctx context.Context, messageLink string) (string, error) {
	res, err := g.do(ctx, http.MethodGet, "/resolve?link="+url.QueryEscape(messageLink), nil)
	if err != nil {
		return "", fmt.Errorf("delivery: resolve: %w", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return "", nil
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("delivery: resolve: %s", readError(res))
	}
	var out struct {
		Username string `json:"username"`
	}
	if err := json.NewDecoder(res.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("delivery: decode resolve: %w", err)
	}
	return out.Username, nil
}

func (g *Gateway) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	var r io.Reader
	if body != nil {
		r = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.cfg.BaseURL+path, r)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if g.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+g.cfg.Token)
	}
	return g.cfg.HTTPClient.Do(req)
}

func readError(res *http.Response) string {
	b, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
	return httpReason(res.StatusCode, string(b))
}

// httpReason names a gateway transport failure. The GATEWAY_HTTP_ prefix
// keeps status text such as "Forbidden" apart from Telegram error codes, so
// an auth problem at the sidecar is never taken for a permanent failure.
func httpReason(code int, body string) string {
	return fmt.Sprintf("GATEWAY_HTTP_%d: %s", code, strings.TrimSpace(body))
}
