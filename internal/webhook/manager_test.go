package webhook_test

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/pipeline"
	"github.com/snehjoshi/leadflow/internal/webhook"
)

// fakeSource hands every subscriber its own channel.
type fakeSource struct {
	mu   sync.Mutex
	subs []chan pipeline.Event
}

func (f *fakeSource) Subscribe(buffer int) (<-chan pipeline.Event, func()) {
	ch := make(chan pipeline.Event, buffer)
	f.mu.Lock()
	f.subs = append(f.subs, ch)
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeSource) InstallationID() string { return "inst-1" }

func (f *fakeSource) publish(e pipeline.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		ch <- e
	}
}

// endpoint records webhook bodies and fails the first `fail` calls.
type endpoint struct {
	mu     sync.Mutex
	fail   int
	calls  int
	bodies [][]byte
	sigs   []string
}

func (e *endpoint) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.calls++
	if e.calls <= e.fail {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	e.bodies = append(e.bodies, body)
	e.sigs = append(e.sigs, r.Header.Get(webhook.SignatureHeader))
	w.WriteHeader(http.StatusNoContent)
}

func (e *endpoint) received() ([][]byte, []string, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([][]byte(nil), e.bodies...), append([]string(nil), e.sigs...), e.calls
}

func waitFor(t *testing.T, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(5 * time.Millisecond)
	}
	return false
}

func TestManager_DeliversSignedEvents(t *testing.T) {
	src := &fakeSource{}
	ep := &endpoint{}
	ts := httptest.NewServer(ep)
	defer ts.Close()

	m := webhook.NewManager(src, zerolog.Nop())
	defer m.Close()
	if _, err := m.Register(ts.URL, "s3cret", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	src.publish(pipeline.Event{Type: pipeline.EventCycle, Contact: "ivan_dev", Outcome: "sent"})

	if !waitFor(t, func() bool { b, _, _ := ep.received(); return len(b) == 1 }) {
		t.Fatal("event not delivered")
	}
	bodies, sigs, _ := ep.received()
	if sigs[0] != webhook.Sign("s3cret", bodies[0]) {
		t.Fatalf("signature %q does not match body", sigs[0])
	}
	var got struct {
		Subscription   string         `json:"subscription"`
		InstallationID string         `json:"installation_id"`
		Event          pipeline.Event `json:"event"`
	}
	if err := json.Unmarshal(bodies[0], &got); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if got.InstallationID != "inst-1" || got.Event.Contact != "ivan_dev" || got.Event.Outcome != "sent" {
		t.Fatalf("payload = %+v", got)
	}
}

func TestManager_FiltersEventTypes(t *testing.T) {
	src := &fakeSource{}
	ep := &endpoint{}
	ts := httptest.NewServer(ep)
	defer ts.Close()

	m := webhook.NewManager(src, zerolog.Nop())
	defer m.Close()
	if _, err := m.Register(ts.URL, "", []pipeline.EventType{pipeline.EventDiscovery}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	src.publish(pipeline.Event{Type: pipeline.EventCycle, Contact: "skip_me"})
	src.publish(pipeline.Event{Type: pipeline.EventDiscovery, Contact: "keep_me"})

	if !waitFor(t, func() bool { b, _, _ := ep.received(); return len(b) == 1 }) {
		t.Fatal("discovery event not delivered")
	}
	bodies, sigs, calls := ep.received()
	if calls != 1 {
		t.Fatalf("endpoint called %d times, want 1", calls)
	}
	if sigs[0] != "" {
		t.Fatal("unsigned subscription sent a signature")
	}
	var got struct {
		Event pipeline.Event `json:"event"`
	}
	_ = json.Unmarshal(bodies[0], &got)
	if got.Event.Contact != "keep_me" {
		t.Fatalf("delivered %+v", got.Event)
	}
}

func TestManager_RetriesThenSucceeds(t *testing.T) {
	src := &fakeSource{}
	ep := &endpoint{fail: 2}
	ts := httptest.NewServer(ep)
	defer ts.Close()

	m := webhook.NewManager(src, zerolog.Nop(), webhook.WithRetry(3, time.Millisecond))
	defer m.Close()
	if _, err := m.Register(ts.URL, "", nil); err != nil {
		t.Fatalf("Register: %v", err)
	}
	src.publish(pipeline.Event{Type: pipeline.EventCycle})

	if !waitFor(t, func() bool { b, _, _ := ep.received(); return len(b) == 1 }) {
		t.Fatal("event not delivered after retries")
	}
	if _, _, calls := ep.received(); calls != 3 {
		t.Fatalf("endpoint called %d times, want 3", calls)
	}
}

func TestManager_RegisterAndDeregister(t *testing.T) {
	m := webhook.NewManager(&fakeSource{}, zerolog.Nop())
	defer m.Close()

	if _, err := m.Register("ftp://example.com/hook", "", nil); !errors.Is(err, webhook.ErrInvalidURL) {
		t.Fatalf("ftp url err = %v, want ErrInvalidURL", err)
	}
	id, err := m.Register("http://127.0.0.1:1/hook", "", nil)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Deregister(id); err != nil {
		t.Fatalf("Deregister: %v", err)
	}
	if err := m.Deregister(id); !errors.Is(err, webhook.ErrSubscriptionNotFound) {
		t.Fatalf("second Deregister err = %v, want ErrSubscriptionNotFound", err)
	}
}
