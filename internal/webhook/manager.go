// Package webhook pushes live pipeline events to subscribed HTTP endpoints.
// Each subscription runs its own delivery loop over a pipeline event
// subscription, so a slow endpoint only loses its own events.
package webhook

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/node"
	"github.com/snehjoshi/leadflow/internal/pipeline"
)

var (
	ErrSubscriptionNotFound = errors.New("webhook: subscription not found")
	ErrInvalidURL           = errors.New("webhook: url must be http or https")
)

// Source is the live event feed, normally a *pipeline.Pipeline.
type Source interface {
	Subscribe(buffer int) (<-chan pipeline.Event, func())
	InstallationID() string
}

type Subscription struct {
	ID     string
	URL    string
	Events []pipeline.EventType
	secret string
	cancel context.CancelFunc
}

func (s *Subscription) wants(t pipeline.EventType) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == t {
			return true
		}
	}
	return false
}

// Option configures a Manager.
type Option func(*Manager)

// WithHTTPClient replaces the default client (10s timeout).
func WithHTTPClient(c *http.Client) Option { return func(m *Manager) { m.client = c } }

// WithRetry sets the delivery attempts per event and the linear backoff step.
func WithRetry(attempts int, backoff time.Duration) Option {
	return func(m *Manager) { m.attempts, m.backoff = attempts, backoff }
}

type Manager struct {
	src      Source
	log      zerolog.Logger
	client   *http.Client
	attempts int
	backoff  time.Duration

	mu   sync.RWMutex
	subs map[string]*Subscription
	wg   sync.WaitGroup
}

func NewManager(src Source, log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		src:      src,
		log:      log.With().Str("component", "webhook").Logger(),
		client:   &http.Client{Timeout: 10 * time.Second},
		attempts: 3,
		backoff:  time.Second,
		subs:     make(map[string]*Subscription),
	}
	for _, o := range opts {
		o(m)
	}
	if m.attempts < 1 {
		m.attempts = 1
	}
	return m
}

// Register subscribes rawURL to events of the given types (all when empty)
// and starts its delivery loop.
func (m *Manager) Register(rawURL, secret string, events []pipeline.EventType) (string, error) {
	u, err := url.ParseRequestURI(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return "", fmt.Errorf("%w: %q", ErrInvalidURL, rawURL)
	}
	id := node.NewID()
	ctx, cancel := context.WithCancel(context.Background())
	sub := &Subscription{ID: id, URL: rawURL, Events: events, secret: secret, cancel: cancel}

	// Subscribe before returning so no event published after Register is missed.
	ch, unsubscribe := m.src.Subscribe(256)
	m.mu.Lock()
	m.subs[id] = sub
	m.mu.Unlock()
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer unsubscribe()
		m.deliveryLoop(ctx, sub, ch)
	}()
	m.log.Info().Str("id", id).Str("url", rawURL).Msg("webhook registered")
	return id, nil
}

func (m *Manager) Deregister(id string) error {
	m.mu.Lock()
	sub, ok := m.subs[id]
	if ok {
		delete(m.subs, id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrSubscriptionNotFound, id)
	}
	sub.cancel()
	m.log.Info().Str("id", id).Msg("webhook deregistered")
	return nil
}

// Close cancels every subscription and waits for in-flight deliveries.
func (m *Manager) Close() {
	m.mu.Lock()
	for _, sub := range m.subs {
		sub.cancel()
	}
	m.subs = make(map[string]*Subscription)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) deliveryLoop(ctx context.Context, sub *Subscription, events <-chan pipeline.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-events:
			if !ok {
				return
			}
			if !sub.wants(e.Type) {
				continue
			}
			m.deliver(ctx, sub, e)
		}
	}
}

// deliver tries an event up to attempts times, waiting n*backoff after
// failure n. The event is dropped when every attempt fails.
func (m *Manager) deliver(ctx context.Context, sub *Subscription, e pipeline.Event) {
	var err error
	for n := 1; n <= m.attempts; n++ {
		if err = deliverEvent(ctx, m.client, sub, m.src.InstallationID(), e); err == nil {
			return
		}
		if n == m.attempts {
			break
		}
		t := time.NewTimer(time.Duration(n) * m.backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
	m.log.Warn().Err(err).Str("sub", sub.ID).Str("event", string(e.Type)).
		Int("attempts", m.attempts).Msg("webhook delivery failed, event dropped")
}
