// Package pipeline is the process context object. It constructs every
// component from configuration, owns their lifecycle and is the only thing
// cmd/leadflow and the status server talk to.
//
// Data flow:
//
//	Feed → Scanner → (dedup check) → dedup.RegisterContact → Contact DB
//	                                   └ on failure → Queue (retry, dead letters)
//	Contact DB → Sender → Composer → Delivery Client → History/Checkpoint → Reporter
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/language"

	"github.com/snehjoshi/leadflow/internal/checkpoint"
	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/compose"
	"github.com/snehjoshi/leadflow/internal/config"
	"github.com/snehjoshi/leadflow/internal/contactdb"
	"github.com/snehjoshi/leadflow/internal/dedup"
	"github.com/snehjoshi/leadflow/internal/delivery"
	"github.com/snehjoshi/leadflow/internal/dlq"
	"github.com/snehjoshi/leadflow/internal/extract"
	"github.com/snehjoshi/leadflow/internal/history"
	"github.com/snehjoshi/leadflow/internal/llm"
	"github.com/snehjoshi/leadflow/internal/metrics"
	"github.com/snehjoshi/leadflow/internal/node"
	"github.com/snehjoshi/leadflow/internal/queue"
	"github.com/snehjoshi/leadflow/internal/ratelimit"
	"github.com/snehjoshi/leadflow/internal/scanner"
	"github.com/snehjoshi/leadflow/internal/sender"
	"github.com/snehjoshi/leadflow/internal/storage"
	"github.com/snehjoshi/leadflow/internal/storage/boltstore"
	"github.com/snehjoshi/leadflow/internal/storage/jsonfile"
	"github.com/snehjoshi/leadflow/internal/types"
)

// connectTimeout bounds the delivery client's startup handshake.
const connectTimeout = 30 * time.Second

// ─── Options ──────────────────────────────────────────────────────────────────

// Option is a functional option for the Pipeline.
type Option func(*Pipeline)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option { return func(p *Pipeline) { p.clk = c } }

// WithMetrics attaches an existing registry instead of creating one.
func WithMetrics(reg *metrics.Registry) Option { return func(p *Pipeline) { p.metrics = reg } }

// WithClient replaces the delivery client chosen from configuration.
func WithClient(c delivery.Client) Option { return func(p *Pipeline) { p.client = c } }

// WithReporter replaces the report client chosen from configuration.
func WithReporter(r delivery.Reporter) Option { return func(p *Pipeline) { p.reporter = r } }

// WithGenerator replaces the generation collaborator.
func WithGenerator(g compose.Generator) Option { return func(p *Pipeline) { p.gen = g } }

// WithFeed replaces the feed file.
func WithFeed(f scanner.Feed) Option { return func(p *Pipeline) { p.feed = f } }

// ─── Pipeline ─────────────────────────────────────────────────────────────────

// Pipeline owns every component. Exported fields are read-only after New.
type Pipeline struct {
	cfg *config.Config
	log zerolog.Logger
	clk clock.Clock

	node  *node.Node
	store storage.Store

	History    *history.Store
	Checkpoint *checkpoint.Store
	Contacts   *contactdb.DB
	Dedup      *dedup.Service
	Limiter    *ratelimit.Limiter
	Composer   *compose.Composer
	Queue      *queue.Queue
	DLQ        *dlq.Manager
	Scanner    *scanner.Scanner
	Sender     *sender.Sender

	client   delivery.Client
	reporter delivery.Reporter
	gen      compose.Generator
	feed     scanner.Feed
	metrics  *metrics.Registry
	lang     language.Tag
	events   *hub

	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu         sync.Mutex
	started    bool
	closed     bool
	lastQueue  queue.Stats
	lastLedger contactdb.Stats
}

// New builds every component from cfg. Nothing runs until Start.
func New(cfg *config.Config, log zerolog.Logger, opts ...Option) (*Pipeline, error) {
	p := &Pipeline{cfg: cfg, log: log.With().Str("component", "pipeline").Logger(), events: newHub()}
	for _, o := range opts {
		o(p)
	}
	if p.clk == nil {
		p.clk = clock.New()
	}
	if p.metrics == nil {
		p.metrics = metrics.New()
	}
	p.lang = language.Make(cfg.Report.Language)

	window, err := cfg.Window.Parse()
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	policy, err := permanentPolicy(cfg.Sender.PermanentPatterns)
	if err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}

	if p.store, err = openStore(cfg.Storage.Backend, cfg.Node.DataDir); err != nil {
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	fail := func(err error) (*Pipeline, error) {
		_ = p.store.Close()
		return nil, fmt.Errorf("pipeline: %w", err)
	}
	if p.node, err = node.Open(p.store, cfg.Node.InstallationID, p.clk); err != nil {
		return fail(err)
	}

	// ── durable stores ────────────────────────────────────────────────────────
	if p.History, err = history.Open(p.store, p.clk, log); err != nil {
		return fail(err)
	}
	if p.Checkpoint, err = checkpoint.Open(p.store, p.clk, log); err != nil {
		return fail(err)
	}
	if p.Contacts, err = contactdb.Open(p.store, policy, contactdb.Config{MaxRequeues: cfg.Sender.MaxRequeues}, p.clk, log); err != nil {
		return fail(err)
	}
	p.Dedup = dedup.New(p.Contacts, log)

	// ── collaborators ─────────────────────────────────────────────────────────
	if p.client == nil {
		if p.client, err = newClient(cfg, log); err != nil {
			return fail(err)
		}
	}
	if p.reporter == nil {
		if p.reporter, err = newReporter(cfg); err != nil {
			return fail(err)
		}
	}
	if p.gen == nil {
		p.gen = newGenerator(cfg, log)
	}
	if p.feed == nil {
		p.feed = scanner.NewFileFeed(cfg.Scanner.FeedPath, log)
	}

	// ── core ──────────────────────────────────────────────────────────────────
	rl := cfg.RateLimit
	p.Limiter = ratelimit.New(ratelimit.Config{
		MaxMessages:   rl.MaxMessages,
		IntervalMin:   config.Ms(rl.IntervalMinMs),
		IntervalMax:   config.Ms(rl.IntervalMaxMs),
		BurstPause:    config.Ms(rl.BurstPauseMs),
		FirstRunDelay: config.Ms(rl.FirstRunDelayMs),
		IdleReset:     config.Ms(rl.IdleResetMs),
		MaxWaitSlice:  config.Ms(rl.MaxWaitSliceMs),
	}, p.clk)

	cats := make([]compose.Category, 0, len(cfg.Composer.PortfolioCategories))
	for _, s := range cfg.Composer.PortfolioCategories {
		if c, ok := compose.ParseCategory(s); ok {
			cats = append(cats, c)
		}
	}
	p.Composer = compose.New(p.gen, compose.Config{
		InstallationID:      p.node.ID().String(),
		TemplateID:          cfg.Composer.TemplateID,
		SystemPrompt:        cfg.Composer.SystemPrompt,
		PortfolioURL:        cfg.Composer.PortfolioURL,
		PortfolioCategories: cats,
		MaxLength:           cfg.Composer.MaxLength,
	})

	q := cfg.Queue
	p.Queue = queue.New(p.register, queue.Config{
		MaxAttempts: q.MaxAttempts,
		Backoff:     config.Ms(q.BackoffMs),
		MaxAge:      config.Ms(q.MaxAgeMs),
		Retention:   config.Ms(q.RetentionMs),
		MaxTasks:    q.MaxTasks,
		GCInterval:  config.Ms(q.GCIntervalMs),
	}, p.clk, log)
	p.DLQ = dlq.NewManager(p.Queue, log)

	deny, err := scanner.NewDenyFilter(cfg.Scanner.DenySources, cfg.Scanner.DenyPatterns)
	if err != nil {
		return fail(err)
	}
	sdeps := scanner.Deps{
		Feed:     p.feed,
		Store:    p.store,
		Dedup:    p.Dedup,
		Handoff:  p.handoff,
		Deny:     deny,
		Progress: p.Contacts,
		Clock:    p.clk,
	}
	if res, ok := p.client.(delivery.Resolver); ok && cfg.Scanner.ResolveLinks {
		sdeps.Resolver = res
	}
	p.Scanner, err = scanner.New(sdeps, scanner.Config{
		Interval:      config.Ms(cfg.Scanner.IntervalMs),
		MinConfidence: cfg.Scanner.MinConfidence,
		Extract: extract.Options{
			Exclude:  cfg.Scanner.ExcludeUsernames,
			KeepBots: cfg.Scanner.KeepBots,
		},
	}, log)
	if err != nil {
		return fail(err)
	}

	s := cfg.Sender
	p.Sender, err = sender.New(sender.Deps{
		Ledger:     p.Contacts,
		History:    p.History,
		Checkpoint: p.Checkpoint,
		Composer:   p.Composer,
		Client:     p.client,
		Reporter:   p.reporter,
		Limiter:    p.Limiter,
		Clock:      p.clk,
		Observer:   p.observeCycle,
	}, sender.Config{
		Window:          window,
		RequeueBatch:    s.RequeueBatch,
		IdleDelay:       config.Ms(s.IdleDelayMs),
		TokenTimeout:    config.Ms(s.TokenTimeoutMs),
		TokenRetryDelay: config.Ms(s.TokenRetryDelayMs),
		MaxSleepSlice:   config.Ms(s.MaxSleepSliceMs),
		IntervalMin:     config.Ms(rl.IntervalMinMs),
		IntervalMax:     config.Ms(rl.IntervalMaxMs),
		Send:            delivery.SendOptions{DisablePreview: s.DisablePreview, Silent: s.Silent},
	}, log)
	if err != nil {
		return fail(err)
	}

	p.log.Info().
		Str("installation_id", p.node.ID().String()).
		Str("storage", cfg.Storage.Backend).
		Bool("dry_run", cfg.Sender.DryRun).
		Str("window", window.String()).
		Dur("limiter_interval", p.Limiter.Interval()).
		Msg("pipeline ready")
	return p, nil
}

// Metrics returns the registry the pipeline reports into.
func (p *Pipeline) Metrics() *metrics.Registry { return p.metrics }

// Config returns the configuration the pipeline was built from.
func (p *Pipeline) Config() *config.Config { return p.cfg }

// InstallationID returns the persisted installation identity.
func (p *Pipeline) InstallationID() string { return p.node.ID().String() }

// InstalledAt is when this installation first started.
func (p *Pipeline) InstalledAt() time.Time { return p.node.InstalledAt() }

// Start connects the delivery client and launches the queue worker, the
// scanner loop, the sender loop and the stats loop. A failed connect is
// fatal.
func (p *Pipeline) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started || p.closed {
		p.mu.Unlock()
		return errors.New("pipeline: already started or closed")
	}
	p.started = true
	ctx, p.cancel = context.WithCancel(ctx)
	p.mu.Unlock()

	cctx, cancel := context.WithTimeout(ctx, connectTimeout)
	err := p.client.Connect(cctx)
	cancel()
	if err != nil {
		p.cancel()
		return fmt.Errorf("pipeline: connect delivery client: %w", err)
	}

	p.Queue.Start(ctx)
	p.spawn("scanner", func() error { return p.Scanner.Run(ctx) })
	p.spawn("sender", func() error { return p.Sender.Run(ctx) })
	p.spawn("stats", func() error { return p.statsLoop(ctx) })
	return nil
}

func (p *Pipeline) spawn(name string, fn func() error) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := fn(); err != nil {
			p.log.Error().Err(err).Str("loop", name).Msg("loop exited with error")
		}
	}()
}

// Close stops every loop, waits for in-flight work, flushes all stores and
// closes the backend. It is safe to call more than once.
func (p *Pipeline) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	cancel := p.cancel
	p.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	p.wg.Wait()
	p.Queue.Stop()
	if n := p.Queue.Flush(context.Background()); n > 0 {
		p.log.Info().Int("tasks", n).Msg("flushed ready queue tasks")
	}
	p.events.close()

	var errs []error
	for name, f := range map[string]func() error{
		"history":    p.History.Flush,
		"checkpoint": p.Checkpoint.Flush,
		"contacts":   p.Contacts.Flush,
	} {
		if err := f(); err != nil {
			errs = append(errs, fmt.Errorf("flush %s: %w", name, err))
		}
	}
	if err := p.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close store: %w", err))
	}
	p.log.Info().Msg("pipeline closed")
	return errors.Join(errs...)
}

// Suppress excludes key from outreach for good. The key is marked processed
// in the sent history, so the sender skips it even if it is discovered
// again later, and a ledger record that was not sent yet becomes skipped.
// It reports whether a ledger record changed.
func (p *Pipeline) Suppress(key string) (bool, error) {
	key = types.NormalizeKey(key)
	if key == "" {
		return false, fmt.Errorf("pipeline: suppress: %w", history.ErrEmptyKey)
	}
	if err := p.History.MarkProcessed(key); err != nil {
		return false, fmt.Errorf("pipeline: suppress %s: %w", key, err)
	}
	c, ok := p.Contacts.FindContactByKey(key)
	if !ok || c.Status == types.StatusSent || c.Status == types.StatusSkipped {
		p.log.Info().Str("contact", key).Msg("contact suppressed")
		return false, nil
	}
	if err := p.Contacts.UpdateContactStatus(key, types.StatusSkipped, types.ReasonSuppressed); err != nil {
		return false, fmt.Errorf("pipeline: suppress %s: %w", key, err)
	}
	p.log.Info().Str("contact", key).Str("was", string(c.Status)).Msg("contact suppressed")
	return true, nil
}

// ─── hand-off ─────────────────────────────────────────────────────────────────

// handoff is the scanner callback. The contact reaches the ledger before
// the scanner commits the entry's watermark, so a crash re-reads the entry
// instead of losing the contact. A failed registration is parked in the
// queue: an invalid contact ends up as a dead letter and the entry counts as
// handled, any other failure is retried by the queue and also returned so
// the watermark stays put.
func (p *Pipeline) handoff(ctx context.Context, d scanner.Discovery) error {
	t := queue.Task{
		ContactKey:      d.Candidate.Key,
		ContactType:     d.Candidate.Type,
		SourcePeerID:    d.Entry.SourcePeerID,
		SourcePeerName:  d.Entry.SourcePeerName,
		SourceMessageID: d.Entry.MessageID,
		LeadText:        d.Entry.FullContent,
		Category:        d.Entry.Category,
		Priority:        int(d.Entry.Confidence * 100),
	}
	if err := p.register(ctx, t); err != nil {
		if _, qerr := p.Queue.Enqueue(t); qerr != nil {
			p.log.Warn().Err(qerr).Str("contact", t.ContactKey).Msg("park failed registration")
		}
		if queue.IsPermanent(err) {
			p.log.Warn().Err(err).Str("contact", t.ContactKey).Msg("invalid contact parked as dead letter")
			return nil
		}
		return err
	}
	p.metrics.Discovered.Inc()
	p.events.publish(Event{
		Type:       EventDiscovery,
		At:         p.clk.Now().UTC(),
		Contact:    d.Candidate.Key,
		Source:     d.Entry.SourcePeerName,
		Confidence: d.Entry.Confidence,
	})
	return nil
}

// register moves a task into the contact ledger. It runs inline from
// handoff and as the queue handler for parked retries.
func (p *Pipeline) register(_ context.Context, t queue.Task) error {
	_, created, err := p.Dedup.RegisterContact(dedup.Registration{
		Key:             t.ContactKey,
		Type:            t.ContactType,
		SourcePeerID:    t.SourcePeerID,
		SourceMessageID: t.SourceMessageID,
		LeadText:        t.LeadText,
		Category:        t.Category,
	})
	if errors.Is(err, types.ErrInvalidContact) {
		return queue.Permanent(err)
	}
	if err != nil {
		return err
	}
	if created {
		p.log.Info().Str("contact", t.ContactKey).Str("source", t.SourcePeerName).Msg("contact queued for outreach")
	}
	return nil
}

func (p *Pipeline) observeCycle(r sender.CycleResult) {
	p.metrics.SenderCycles.WithLabelValues(string(r.Outcome)).Inc()
	p.events.publish(Event{
		Type:      EventCycle,
		At:        p.clk.Now().UTC(),
		Contact:   r.ContactKey,
		CycleID:   r.CycleID,
		Outcome:   string(r.Outcome),
		Reason:    r.Reason,
		VariantID: r.VariantID,
		DelayMs:   r.Delay.Milliseconds(),
	})
}

// ─── construction helpers ─────────────────────────────────────────────────────

func permanentPolicy(patterns []string) (*contactdb.Policy, error) {
	if len(patterns) == 0 {
		patterns = contactdb.DefaultPermanentPatterns()
	}
	return contactdb.NewPolicy(patterns)
}

func openStore(backend, dataDir string) (storage.Store, error) {
	switch backend {
	case storage.BackendBolt:
		if err := os.MkdirAll(dataDir, 0o750); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
		return boltstore.Open(filepath.Join(dataDir, "leadflow.db"))
	case storage.BackendJSON, "":
		return jsonfile.Open(filepath.Join(dataDir, "state"))
	default:
		return nil, fmt.Errorf("unknown storage backend %q", backend)
	}
}

func newClient(cfg *config.Config, log zerolog.Logger) (delivery.Client, error) {
	if cfg.Sender.DryRun {
		return delivery.NewDryRun(log), nil
	}
	return delivery.NewGateway(delivery.GatewayConfig{
		BaseURL: cfg.Sender.GatewayURL,
		Token:   cfg.Sender.GatewayToken,
		Timeout: config.Ms(cfg.Sender.GatewayTimeoutMs),
	})
}

func newReporter(cfg *config.Config) (delivery.Reporter, error) {
	if cfg.Report.BotToken == "" {
		return delivery.NopReporter{}, nil
	}
	return delivery.NewBotReporter(delivery.BotReporterConfig{
		Token:     cfg.Report.BotToken,
		ChatID:    cfg.Report.ChatID,
		APIURL:    cfg.Report.APIURL,
		PerSecond: cfg.Report.PerSecond,
	})
}

func newGenerator(cfg *config.Config, log zerolog.Logger) compose.Generator {
	if cfg.LLM.APIKey == "" {
		log.Warn().Msg("no llm api key, composing offline dry-run previews")
		return llm.Offline{}
	}
	return llm.New(llm.Config{
		URL:         cfg.LLM.URL,
		APIKey:      cfg.LLM.APIKey,
		Model:       cfg.LLM.Model,
		Temperature: cfg.LLM.Temperature,
		MaxTokens:   cfg.LLM.MaxTokens,
		Timeout:     config.Ms(cfg.LLM.TimeoutMs),
	})
}
