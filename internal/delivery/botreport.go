package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// BotReporterConfig configures the Telegram Bot API reporter.
type BotReporterConfig struct {
	Token  string
	ChatID string
	// APIURL defaults to https://api.telegram.org.
	APIURL string
	// PerSecond paces reports; the Bot API allows about one message per
	// second per chat.
	PerSecond  float64
	Timeout    time.Duration
	HTTPClient *http.Client
}

// BotReporter posts HTML reports through the Telegram Bot API sendMessage
// method.
type BotReporter struct {
	cfg     BotReporterConfig
	limiter *rate.Limiter
}

// NewBotReporter validates cfg and builds a reporter.
func NewBotReporter(cfg BotReporterConfig) (*BotReporter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("delivery: report bot token is required")
	}
	if strings.TrimSpace(cfg.ChatID) == "" {
		return nil, errors.New("delivery: report chat id is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = "https://api.telegram.org"
	}
	cfg.APIURL = strings.TrimRight(cfg.APIURL, "/")
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}
	return &BotReporter{cfg: cfg, limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 1)}, nil
}

// SendReport waits for its pacing slot and posts html. Failures are returned
// in the result, never as a panic or error.
func (b *BotReporter) SendReport(ctx context.Context, html string) ReportResult {
	if err := b.limiter.Wait(ctx); err != nil {
		return ReportResult{Error: err.Error()}
	}
	form := url.Values{}
	form.Set("chat_id", b.cfg.ChatID)
	form.Set("text", html)
	form.Set("parse_mode", "HTML")
	form.Set("disable_web_page_preview", "true")

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", b.cfg.APIURL, b.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return ReportResult{Error: "build report request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	res, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		// The URL embeds the token; never surface it.
		return ReportResult{Error: "report request failed: " + redact(err.Error(), b.cfg.Token)}
	}
	defer res.Body.Close()

	var payload struct {
		OK          bool   `json:"ok"`
		Description string `json:"description"`
		Result      struct {
			MessageID int64 `json:"message_id"`
		} `json:"result"`
		Parameters struct {
			RetryAfter int `json:"retry_after"`
		} `json:"parameters"`
	}
	if err := json.NewDecoder(res.Body).Decode(&payload); err != nil {
		return ReportResult{Error: fmt.Sprintf("decode report response (status %d): %v", res.StatusCode, err)}
	}
	if !payload.OK {
		msg := payload.Description
		if payload.Parameters.RetryAfter > 0 {
			msg += " (retry after " + strconv.Itoa(payload.Parameters.RetryAfter) + "s)"
		}
		return ReportResult{Error: msg}
	}
	return ReportResult{Success: true, MessageID: payload.Result.MessageID}
}

func redact(s, secret string) string {
	if secret == "" {
		return s
	}
	return strings.ReplaceAll(s, secret, "***")
}
