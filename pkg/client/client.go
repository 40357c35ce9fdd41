// Package client is the Go SDK for the leadflow status API.
//
// # Quick start
//
//	c := client.New("http://127.0.0.1:9090", client.WithAPIKey("secret"))
//
//	st, err := c.Stats(ctx)
//	fmt.Println(st.Contacts.Pending, "contacts waiting")
//
//	// Put retryable failures back in line
//	res, err := c.RequeueFailed(ctx, 50)
//
//	// Follow live events
//	events, err := c.Events(ctx)
//	for e := range events {
//	    fmt.Println(e.Type, e.Contact, e.Outcome)
//	}
//
// # Error handling
//
// All methods return an *APIError when the server responds with a non-2xx
// status code. Check errors.As(err, &client.APIError{}) to inspect the HTTP
// status and server message.
//
// # Connection reuse
//
// Client is safe for concurrent use. It shares a single http.Client internally
// so connections are reused across goroutines.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"
)

// ─── Error type ───────────────────────────────────────────────────────────────

// APIError is returned when the status server responds with a non-2xx status.
type APIError struct {
	StatusCode int    // HTTP status code
	Message    string // "error" field from the JSON response body
}

func (e *APIError) Error() string {
	return fmt.Sprintf("leadflow: server returned %d: %s", e.StatusCode, e.Message)
}

// IsNotFound reports whether the error is a 404 from the server.
func IsNotFound(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusNotFound
}

// IsUnauthorized reports whether the server rejected the API key.
func IsUnauthorized(err error) bool {
	var ae *APIError
	return errors.As(err, &ae) && ae.StatusCode == http.StatusUnauthorized
}

// ─── Client options ───────────────────────────────────────────────────────────

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAPIKey sets the API key sent in every request as the X-Api-Key header.
// Required when the server has metrics.api_key set.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.http = hc }
}

// WithTimeout sets the per-request timeout.
// The default is 30 seconds.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) { c.http.Timeout = d }
}

// ─── Client ───────────────────────────────────────────────────────────────────

// Client is the status API client. It is safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
}

// New creates a new Client for the status server at baseURL.
func New(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// ─── Domain types ─────────────────────────────────────────────────────────────

// HealthInfo is returned by Health.
type HealthInfo struct {
	Status         string    `json:"status"`
	InstallationID string    `json:"installation_id"`
	InstalledAt    time.Time `json:"installed_at"`
	DryRun         bool      `json:"dry_run"`
	SenderRunning  bool      `json:"sender_running"`
	Uptime         string    `json:"uptime"`
	UptimeMs       int64     `json:"uptime_ms"`
}

// Stats is the operator snapshot returned by Stats. Durations are
// nanoseconds on the wire and decode straight into time.Duration.
type Stats struct {
	InstallationID string `json:"installation_id"`
	DryRun         bool   `json:"dry_run"`
	Window         string `json:"window"`
	InWindow       bool   `json:"in_window"`
	Contacts       struct {
		Total   int `json:"total"`
		Pending int `json:"pending"`
		Sent    int `json:"sent"`
		Skipped int `json:"skipped"`
		Failed  int `json:"failed"`
	} `json:"contacts"`
	Ledger struct {
		Registered int64 `json:"registered"`
		Sent       int64 `json:"sent"`
		Skipped    int64 `json:"skipped"`
		Failed     int64 `json:"failed"`
		Requeued   int64 `json:"requeued"`
		Deleted    int64 `json:"deleted"`
	} `json:"ledger"`
	HistorySize int `json:"history_size"`
	Checkpoint  struct {
		LastContact    string    `json:"last_contact"`
		ProcessedCount int64     `json:"processed_count"`
		UpdatedAt      time.Time `json:"updated_at"`
	} `json:"checkpoint"`
	Limiter struct {
		FirstRun        bool          `json:"first_run"`
		InWindow        int           `json:"in_window"`
		MaxMessages     int           `json:"max_messages"`
		Interval        time.Duration `json:"interval"`
		TotalSent       int64         `json:"total_sent"`
		NextAvailableIn time.Duration `json:"next_available_in"`
	} `json:"limiter"`
	Queue struct {
		Pending    int   `json:"pending"`
		Scheduled  int   `json:"scheduled"`
		Processing int   `json:"processing"`
		Failed     int   `json:"failed"`
		Enqueued   int64 `json:"enqueued"`
		Completed  int64 `json:"completed"`
	} `json:"queue"`
	Scanner struct {
		LastProcessedID int64     `json:"last_processed_id"`
		Discovered      int64     `json:"discovered"`
		LastScanAt      time.Time `json:"last_scan_at"`
	} `json:"scanner"`
	Sender struct {
		Cycles      int64     `json:"cycles"`
		Sent        int64     `json:"sent"`
		Failed      int64     `json:"failed"`
		Skipped     int64     `json:"skipped"`
		LastOutcome string    `json:"last_outcome"`
		LastSentAt  time.Time `json:"last_sent_at"`
		Running     bool      `json:"running"`
	} `json:"sender"`
	At time.Time `json:"at"`
}

// Contact is one ledger entry.
type Contact struct {
	ContactKey      string     `json:"contact_key"`
	ContactType     string     `json:"contact_type"`
	Status          string     `json:"status"`
	Reason          string     `json:"reason,omitempty"`
	SourcePeerID    int64      `json:"source_peer_id"`
	SourceMessageID int64      `json:"source_message_id"`
	LeadText        string     `json:"lead_text,omitempty"`
	Category        string     `json:"category,omitempty"`
	SentText        string     `json:"sent_text,omitempty"`
	SentAt          *time.Time `json:"sent_at,omitempty"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
	Requeues        int        `json:"requeues"`
}

// SuppressResult is returned by Suppress.
type SuppressResult struct {
	Contact       string `json:"contact"`
	LedgerUpdated bool   `json:"ledger_updated"`
}

// RequeueResult is returned by RequeueFailed.
type RequeueResult struct {
	Requeued  int `json:"requeued"`
	Deleted   int `json:"deleted"`
	Exhausted int `json:"exhausted"`
}

// DeadTask is a discovery whose hand-off to the ledger failed for good.
type DeadTask struct {
	ID         string    `json:"id"`
	ContactKey string    `json:"contact_key"`
	Attempts   int       `json:"attempts"`
	LastError  string    `json:"last_error"`
	FailedAt   time.Time `json:"failed_at"`
}

// Event is one live pipeline event.
type Event struct {
	Type       string    `json:"type"`
	At         time.Time `json:"at"`
	Contact    string    `json:"contact,omitempty"`
	Source     string    `json:"source,omitempty"`
	Confidence float64   `json:"confidence,omitempty"`
	CycleID    string    `json:"cycle_id,omitempty"`
	Outcome    string    `json:"outcome,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	VariantID  string    `json:"variant_id,omitempty"`
	DelayMs    int64     `json:"delay_ms,omitempty"`
}

// ─── API ──────────────────────────────────────────────────────────────────────

// Health returns liveness information.
func (c *Client) Health(ctx context.Context) (*HealthInfo, error) {
	var out HealthInfo
	if err := c.do(ctx, http.MethodGet, "/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stats returns the full operator snapshot.
func (c *Client) Stats(ctx context.Context) (*Stats, error) {
	var out Stats
	if err := c.do(ctx, http.MethodGet, "/stats", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Summary returns the rendered plain-text summary.
func (c *Client) Summary(ctx context.Context) (string, error) {
	var out string
	if err := c.do(ctx, http.MethodGet, "/stats/summary", &out); err != nil {
		return "", err
	}
	return out, nil
}

// Contact looks up one contact by key. A leading '@' is accepted.
func (c *Client) Contact(ctx context.Context, key string) (*Contact, error) {
	var out Contact
	if err := c.do(ctx, http.MethodGet, "/contacts/"+url.PathEscape(key), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Suppress excludes key from outreach for good, whether or not the ledger
// knows it yet.
func (c *Client) Suppress(ctx context.Context, key string) (*SuppressResult, error) {
	var out SuppressResult
	if err := c.do(ctx, http.MethodPost, "/contacts/"+url.PathEscape(key)+"/suppress", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RequeueFailed runs one requeue pass over up to limit failed contacts.
// A zero limit uses the server's configured batch.
func (c *Client) RequeueFailed(ctx context.Context, limit int) (*RequeueResult, error) {
	var out RequeueResult
	if err := c.do(ctx, http.MethodPost, "/contacts/requeue"+limitQuery(limit), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// DeadLetters returns up to limit failed hand-offs and the total held.
func (c *Client) DeadLetters(ctx context.Context, limit int) ([]DeadTask, int, error) {
	var out struct {
		Total int        `json:"total"`
		Tasks []DeadTask `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/queue/dead"+limitQuery(limit), &out); err != nil {
		return nil, 0, err
	}
	return out.Tasks, out.Total, nil
}

// ReplayDeadLetters re-queues up to limit failed hand-offs.
func (c *Client) ReplayDeadLetters(ctx context.Context, limit int) (int, error) {
	var out struct {
		Replayed int `json:"replayed"`
	}
	if err := c.do(ctx, http.MethodPost, "/queue/dead/replay"+limitQuery(limit), &out); err != nil {
		return out.Replayed, err
	}
	return out.Replayed, nil
}

// Events opens the live event stream. The channel is closed when ctx is
// done or the server ends the stream.
func (c *Client) Events(ctx context.Context) (<-chan Event, error) {
	u, err := url.Parse(c.baseURL + "/events")
	if err != nil {
		return nil, fmt.Errorf("leadflow: parse url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	hdr := http.Header{}
	if c.apiKey != "" {
		hdr.Set("X-Api-Key", c.apiKey)
	}
	conn, resp, err := gorillaws.DefaultDialer.DialContext(ctx, u.String(), hdr)
	if err != nil {
		if resp != nil {
			return nil, &APIError{StatusCode: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("leadflow: dial events: %w", err)
	}

	out := make(chan Event, 16)
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()
	go func() {
		defer close(out)
		defer conn.Close()
		for {
			var e Event
			if err := conn.ReadJSON(&e); err != nil {
				return
			}
			select {
			case out <- e:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// ─── HTTP transport ───────────────────────────────────────────────────────────

// do performs a single HTTP request and decodes the response into resp.
// A *string resp receives the raw body.
func (c *Client) do(ctx context.Context, method, path string, resp any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, http.NoBody)
	if err != nil {
		return fmt.Errorf("leadflow: build request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("leadflow: request %s %s: %w", method, path, err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return fmt.Errorf("leadflow: read response body: %w", err)
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.Unmarshal(respBody, &errResp)
		msg := errResp.Error
		if msg == "" {
			msg = http.StatusText(httpResp.StatusCode)
		}
		return &APIError{StatusCode: httpResp.StatusCode, Message: msg}
	}

	if s, ok := resp.(*string); ok {
		*s = string(bytes.TrimSpace(respBody))
		return nil
	}
	if resp != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, resp); err != nil {
			return fmt.Errorf("leadflow: decode response: %w", err)
		}
	}
	return nil
}

func limitQuery(limit int) string {
	if limit <= 0 {
		return ""
	}
	return "?limit=" + strconv.Itoa(limit)
}
