package client_test

import (
	"context"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/config"
	"github.com/snehjoshi/leadflow/internal/pipeline"
	"github.com/snehjoshi/leadflow/internal/queue"
	transphttp "github.com/snehjoshi/leadflow/internal/transport/http"
	"github.com/snehjoshi/leadflow/internal/types"
	"github.com/snehjoshi/leadflow/pkg/client"
)

// ─── test server helpers ──────────────────────────────────────────────────────

// newTestEnv spins up a real pipeline and status server backed by
// httptest.Server. All resources are cleaned up in t.Cleanup.
func newTestEnv(t *testing.T, apiKey string) (*pipeline.Pipeline, string) {
	t.Helper()

	dir := t.TempDir()
	cfg := config.Default()
	cfg.Node.DataDir = dir
	cfg.Scanner.FeedPath = filepath.Join(dir, "leads.jsonl")
	cfg.Window = config.WindowConfig{Start: "00:00", End: "00:00", Timezone: "UTC"}
	cfg.Metrics.APIKey = apiKey

	p, err := pipeline.New(cfg, zerolog.Nop(), pipeline.WithClock(clock.NewFake(time.Date(2026, 6, 1, 10, 0, 0, 0, time.UTC))))
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })

	srv := transphttp.New(p, cfg.Metrics, p.Metrics(), zerolog.Nop())
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return p, ts.URL
}

// ctx is a convenience context for tests.
func ctx() context.Context { return context.Background() }

func seedFailed(t *testing.T, p *pipeline.Pipeline, key, reason string) {
	t.Helper()
	if _, err := p.Contacts.SaveContact(types.Contact{ContactKey: key, ContactType: types.ContactUsername}); err != nil {
		t.Fatalf("SaveContact: %v", err)
	}
	if err := p.Contacts.UpdateContactStatus(key, types.StatusFailed, reason); err != nil {
		t.Fatalf("UpdateContactStatus: %v", err)
	}
}

// ─── tests ────────────────────────────────────────────────────────────────────

func TestHealthAndStats(t *testing.T) {
	p, url := newTestEnv(t, "")
	seedFailed(t, p, "ivan_dev", "timeout")
	c := client.New(url)

	h, err := c.Health(ctx())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" || h.InstallationID != p.InstallationID() || !h.DryRun {
		t.Fatalf("health = %+v", h)
	}

	st, err := c.Stats(ctx())
	if err != nil {
		t.Fatalf("Stats: %v", err)
	}
	if st.Contacts.Failed != 1 || st.InstallationID != p.InstallationID() {
		t.Fatalf("stats = %+v", st)
	}
	if st.Limiter.MaxMessages == 0 {
		t.Fatal("limiter stats missing")
	}

	sum, err := c.Summary(ctx())
	if err != nil || sum == "" {
		t.Fatalf("Summary = %q, %v", sum, err)
	}
}

func TestContactAndRequeue(t *testing.T) {
	p, url := newTestEnv(t, "")
	seedFailed(t, p, "ivan_dev", "timeout")
	seedFailed(t, p, "gone", "USER_DEACTIVATED")
	c := client.New(url)

	ct, err := c.Contact(ctx(), "@ivan_dev")
	if err != nil {
		t.Fatalf("Contact: %v", err)
	}
	if ct.Status != "failed" || ct.Reason != "timeout" {
		t.Fatalf("contact = %+v", ct)
	}
	if _, err := c.Contact(ctx(), "nobody"); !client.IsNotFound(err) {
		t.Fatalf("unknown contact err = %v, want not found", err)
	}

	res, err := c.RequeueFailed(ctx(), 10)
	if err != nil {
		t.Fatalf("RequeueFailed: %v", err)
	}
	if res.Requeued != 1 || res.Deleted != 1 {
		t.Fatalf("requeue = %+v", res)
	}
	ct, err = c.Contact(ctx(), "ivan_dev")
	if err != nil || ct.Status != "pending" || ct.Requeues != 1 {
		t.Fatalf("after requeue = %+v, %v", ct, err)
	}

	sup, err := c.Suppress(ctx(), "ivan_dev")
	if err != nil || sup.Contact != "ivan_dev" || !sup.LedgerUpdated {
		t.Fatalf("Suppress = %+v, %v", sup, err)
	}
	ct, err = c.Contact(ctx(), "ivan_dev")
	if err != nil || ct.Status != "skipped" || ct.Reason != "SUPPRESSED" {
		t.Fatalf("after suppress = %+v, %v", ct, err)
	}
}

func TestDeadLetters(t *testing.T) {
	p, url := newTestEnv(t, "")
	if _, err := p.Queue.Enqueue(queue.Task{ContactKey: "odd_one", ContactType: "carrier_pigeon"}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	p.Queue.ProcessNext(ctx())
	c := client.New(url)

	tasks, total, err := c.DeadLetters(ctx(), 10)
	if err != nil {
		t.Fatalf("DeadLetters: %v", err)
	}
	if total != 1 || len(tasks) != 1 || tasks[0].ContactKey != "odd_one" || tasks[0].LastError == "" {
		t.Fatalf("dead letters = %+v (total %d)", tasks, total)
	}

	n, err := c.ReplayDeadLetters(ctx(), 10)
	if err != nil || n != 1 {
		t.Fatalf("ReplayDeadLetters = %d, %v", n, err)
	}
}

func TestAPIKey(t *testing.T) {
	_, url := newTestEnv(t, "secret")

	if _, err := client.New(url).Stats(ctx()); !client.IsUnauthorized(err) {
		t.Fatalf("missing key err = %v, want unauthorized", err)
	}
	if _, err := client.New(url, client.WithAPIKey("secret")).Stats(ctx()); err != nil {
		t.Fatalf("Stats with key: %v", err)
	}
	if _, err := client.New(url, client.WithAPIKey("secret")).Events(ctx()); err != nil {
		t.Fatalf("Events with key: %v", err)
	}
	if _, err := client.New(url).Events(ctx()); !client.IsUnauthorized(err) {
		t.Fatalf("events without key err = %v, want unauthorized", err)
	}
}

func TestEvents(t *testing.T) {
	p, url := newTestEnv(t, "")
	c := client.New(url)

	cctx, cancel := context.WithTimeout(ctx(), 5*time.Second)
	defer cancel()
	events, err := c.Events(cctx)
	if err != nil {
		t.Fatalf("Events: %v", err)
	}

	line := `{"id":1,"source_peer_name":"chat1","full_content":"пишите @ivan_dev","confidence":0.7}` + "\n"
	if err := os.WriteFile(p.Config().Scanner.FeedPath, []byte(line), 0o644); err != nil {
		t.Fatalf("write feed: %v", err)
	}
	if _, err := p.Scanner.ScanOnce(ctx()); err != nil {
		t.Fatalf("ScanOnce: %v", err)
	}

	select {
	case e, ok := <-events:
		if !ok {
			t.Fatal("event stream closed early")
		}
		if e.Type != "discovery" || e.Contact != "ivan_dev" || e.Source != "chat1" {
			t.Fatalf("event = %+v", e)
		}
	case <-cctx.Done():
		t.Fatal("no event received")
	}
}
