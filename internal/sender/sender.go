// Package sender is the outreach state machine. One logical worker walks
// each cycle through
//
//	IDLE -> CHECK_TASKS -> CHECK_WINDOW -> WAIT_TOKEN -> SEND -> REPORT -> UPDATE_STATUS
//
// and never sends concurrently. Every per-contact error is absorbed at the
// cycle boundary; only context cancellation ends Run.
package sender

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/clock"
	"github.com/snehjoshi/leadflow/internal/compose"
	"github.com/snehjoshi/leadflow/internal/contactdb"
	"github.com/snehjoshi/leadflow/internal/delivery"
	"github.com/snehjoshi/leadflow/internal/report"
	"github.com/snehjoshi/leadflow/internal/types"
)

// ReasonEntityNotFound is stored when the pre-send existence check fails.
const ReasonEntityNotFound = "ENTITY_NOT_FOUND"

// Ledger is the contact database as the sender sees it.
type Ledger interface {
	GetContactsForSending(limit, offset int) []types.Contact
	PendingCount() int
	RequeueFailed(limit int) (contactdb.RequeueResult, error)
	UpdateContactStatus(key string, status types.ContactStatus, reason string) error
	MarkSent(key, text string, at time.Time) error
}

// History is the sent-history guard.
type History interface {
	IsAlreadySent(key string) bool
	RecordSent(key string, sourceMessageID int64) error
}

// Checkpointer records crash-resume progress.
type Checkpointer interface {
	Update(contactKey string) error
}

// Composer writes the outreach text.
type Composer interface {
	ComposeMessage(ctx context.Context, contactKey string, lead compose.LeadContext) (compose.Message, error)
}

// TokenSource is the rate limiter.
type TokenSource interface {
	WaitForToken(ctx context.Context, timeout time.Duration) bool
}

// Deps are the sender collaborators. Reporter, Checkpoint and Observer are
// optional.
type Deps struct {
	Ledger     Ledger
	History    History
	Checkpoint Checkpointer
	Composer   Composer
	Client     delivery.Client
	Reporter   delivery.Reporter
	Limiter    TokenSource
	Clock      clock.Clock
	// Observer is called with every cycle result, after the cycle.
	Observer func(CycleResult)
}

// Config tunes the loop.
type Config struct {
	Window clock.Window
	// RequeueBatch bounds one RequeueFailed pass.
	RequeueBatch int
	// IdleDelay is slept when there is nothing to send.
	IdleDelay time.Duration
	// TokenTimeout bounds one wait for a rate-limiter token.
	TokenTimeout time.Duration
	// TokenRetryDelay is slept after a token wait timed out.
	TokenRetryDelay time.Duration
	// MaxSleepSlice caps any single sleep so shutdown stays responsive.
	MaxSleepSlice time.Duration
	// IntervalMin and IntervalMax are the rate-limit interval range. A
	// successful send is followed by a random delay within it.
	IntervalMin time.Duration
	IntervalMax time.Duration
	Send        delivery.SendOptions
}

// DefaultConfig returns the production defaults. The zero Window is open all
// day.
func DefaultConfig() Config {
	return Config{
		RequeueBatch:    50,
		IdleDelay:       30 * time.Second,
		TokenTimeout:    5 * time.Minute,
		TokenRetryDelay: 10 * time.Second,
		MaxSleepSlice:   30 * time.Second,
		IntervalMin:     3 * time.Minute,
		IntervalMax:     7 * time.Minute,
		Send:            delivery.SendOptions{DisablePreview: true},
	}
}

// Outcome classifies a cycle.
type Outcome string

const (
	OutcomeIdle          Outcome = "idle"
	OutcomeOutsideWindow Outcome = "outside_window"
	OutcomeNoToken       Outcome = "no_token"
	OutcomeSent          Outcome = "sent"
	OutcomeFailed        Outcome = "failed"
	OutcomeSkipped       Outcome = "skipped"
	OutcomeError         Outcome = "error"
)

// CycleResult is the outcome of one RunCycle.
type CycleResult struct {
	CycleID    string
	Outcome    Outcome
	ContactKey string
	Reason     string
	VariantID  string
	// Delay is how long the loop pauses before the next cycle.
	Delay time.Duration
}

// Worked reports whether the cycle processed a contact.
func (r CycleResult) Worked() bool {
	switch r.Outcome {
	case OutcomeSent, OutcomeFailed, OutcomeSkipped:
		return true
	}
	return false
}

// Stats is a sender snapshot.
type Stats struct {
	Cycles        int64     `json:"cycles"`
	Sent          int64     `json:"sent"`
	Failed        int64     `json:"failed"`
	Skipped       int64     `json:"skipped"`
	Idle          int64     `json:"idle"`
	OutsideWindow int64     `json:"outside_window"`
	TokenTimeouts int64     `json:"token_timeouts"`
	Errors        int64     `json:"errors"`
	FloodWaits    int64     `json:"flood_waits"`
	LastOutcome   Outcome   `json:"last_outcome,omitempty"`
	LastSentAt    time.Time `json:"last_sent_at,omitempty"`
	Running       bool      `json:"running"`
}

// Sender is the outreach worker.
type Sender struct {
	deps Deps
	cfg  Config
	log  zerolog.Logger

	cycleMu sync.Mutex // one cycle at a time

	mu    sync.Mutex
	stats Stats
}

// New validates deps and returns a Sender. Zero config fields fall back to
// DefaultConfig.
func New(deps Deps, cfg Config, log zerolog.Logger) (*Sender, error) {
	if deps.Ledger == nil || deps.History == nil || deps.Composer == nil || deps.Client == nil || deps.Limiter == nil {
		return nil, errors.New("sender: ledger, history, composer, client and limiter are required")
	}
	if deps.Reporter == nil {
		deps.Reporter = delivery.NopReporter{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	def := DefaultConfig()
	if cfg.RequeueBatch <= 0 {
		cfg.RequeueBatch = def.RequeueBatch
	}
	if cfg.IdleDelay <= 0 {
		cfg.IdleDelay = def.IdleDelay
	}
	if cfg.TokenTimeout <= 0 {
		cfg.TokenTimeout = def.TokenTimeout
	}
	if cfg.TokenRetryDelay <= 0 {
		cfg.TokenRetryDelay = def.TokenRetryDelay
	}
	if cfg.MaxSleepSlice <= 0 {
		cfg.MaxSleepSlice = def.MaxSleepSlice
	}
	if cfg.IntervalMax < cfg.IntervalMin {
		cfg.IntervalMax = cfg.IntervalMin
	}
	return &Sender{deps: deps, cfg: cfg, log: log.With().Str("component", "sender").Logger()}, nil
}

// Stats returns a snapshot.
func (s *Sender) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Run loops until ctx is done. It always returns nil; per-cycle failures are
// logged and absorbed.
func (s *Sender) Run(ctx context.Context) error {
	s.setRunning(true)
	defer s.setRunning(false)
	s.log.Info().Str("window", s.cfg.Window.String()).Msg("sender started")

	for ctx.Err() == nil {
		res := s.RunCycle(ctx)
		if s.deps.Observer != nil {
			s.deps.Observer(res)
		}
		if err := s.pause(ctx, res.Delay); err != nil {
			break
		}
	}
	s.log.Info().Msg("sender stopped")
	return nil
}

// pause sleeps d in slices of at most MaxSleepSlice.
func (s *Sender) pause(ctx context.Context, d time.Duration) error {
	for d > 0 {
		step := min(d, s.cfg.MaxSleepSlice)
		if err := clock.SleepCapped(ctx, s.deps.Clock, step, s.cfg.MaxSleepSlice); err != nil {
			return err
		}
		d -= step
	}
	return ctx.Err()
}

// RunCycle performs one pass of the state machine and never panics.
func (s *Sender) RunCycle(ctx context.Context) (res CycleResult) {
	s.cycleMu.Lock()
	defer s.cycleMu.Unlock()

	res.CycleID = uuid.NewString()
	log := s.log.With().Str("cycle_id", res.CycleID).Logger()

	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("sender cycle panicked")
			res.Outcome = OutcomeError
			res.Reason = fmt.Sprint(r)
			res.Delay = s.cfg.IdleDelay
		}
		s.record(res)
	}()

	// CHECK_TASKS
	if s.deps.Ledger.PendingCount() == 0 {
		rq, err := s.deps.Ledger.RequeueFailed(s.cfg.RequeueBatch)
		if err != nil {
			log.Warn().Err(err).Msg("persist requeue failed")
		}
		if rq.Requeued+rq.Deleted > 0 {
			log.Info().Int("requeued", rq.Requeued).Int("deleted", rq.Deleted).Msg("requeued failed contacts")
		}
		if s.deps.Ledger.PendingCount() == 0 {
			res.Outcome, res.Delay = OutcomeIdle, s.cfg.IdleDelay
			return res
		}
	}

	// CHECK_WINDOW
	now := s.deps.Clock.Now()
	if !s.cfg.Window.Contains(now) {
		res.Outcome = OutcomeOutsideWindow
		res.Delay = s.cfg.Window.UntilOpen(now)
		log.Debug().Dur("until_open", res.Delay).Msg("outside work window")
		return res
	}

	// WAIT_TOKEN
	if !s.deps.Limiter.WaitForToken(ctx, s.cfg.TokenTimeout) {
		res.Outcome, res.Delay = OutcomeNoToken, s.cfg.TokenRetryDelay
		log.Debug().Msg("no rate-limit token")
		return res
	}

	batch := s.deps.Ledger.GetContactsForSending(1, 0)
	if len(batch) == 0 {
		res.Outcome, res.Delay = OutcomeIdle, s.cfg.IdleDelay
		return res
	}
	c := batch[0]
	res.ContactKey = c.ContactKey
	log = log.With().Str("contact", c.ContactKey).Logger()

	if s.deps.History.IsAlreadySent(c.ContactKey) {
		res.Outcome, res.Reason = OutcomeSkipped, types.ReasonDuplicateContact
		s.report(ctx, log, c, res, "")
		s.commit(log, c, res, "")
		log.Info().Msg("skipped contact already in sent history")
		return res
	}

	// SEND
	text, floodWait := s.send(ctx, log, c, &res)

	// REPORT, UPDATE_STATUS
	s.report(ctx, log, c, res, text)
	s.commit(log, c, res, text)

	switch {
	case res.Outcome == OutcomeSent:
		res.Delay = clock.Jitter(s.cfg.IntervalMin, s.cfg.IntervalMax)
		log.Info().Str("variant_id", res.VariantID).Dur("next_in", res.Delay).Msg("message sent")
	case floodWait > 0:
		res.Delay = floodWait
		log.Warn().Dur("pause", floodWait).Msg("flood wait, pausing sender")
	default:
		log.Warn().Str("reason", res.Reason).Msg("delivery failed")
	}
	return res
}

// send composes, checks existence and delivers. It fills res and returns the
// composed text and any flood-wait pause.
func (s *Sender) send(ctx context.Context, log zerolog.Logger, c types.Contact, res *CycleResult) (string, time.Duration) {
	msg, err := s.deps.Composer.ComposeMessage(ctx, c.ContactKey, compose.LeadContext{
		Description:     c.LeadText,
		Category:        c.Category,
		SourceMessageID: c.SourceMessageID,
	})
	if err != nil {
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		return "", 0
	}
	res.VariantID = msg.VariantID

	profile, err := s.deps.Client.GetUserInfo(ctx, c.ContactKey)
	switch {
	case err != nil:
		res.Outcome, res.Reason = OutcomeFailed, err.Error()
		return msg.Text, 0
	case profile == nil || profile.Deleted:
		res.Outcome, res.Reason = OutcomeFailed, ReasonEntityNotFound
		return msg.Text, 0
	}

	// In-flight delivery is never aborted by shutdown.
	sr := s.deps.Client.SendMessage(context.WithoutCancel(ctx), c.ContactKey, msg.Text, s.cfg.Send)
	if !sr.Success {
		res.Outcome, res.Reason = OutcomeFailed, sr.FailureReason()
		if sr.FloodWaitSeconds > 0 {
			s.mu.Lock()
			s.stats.FloodWaits++
			s.mu.Unlock()
			return msg.Text, time.Duration(sr.FloodWaitSeconds) * time.Second
		}
		return msg.Text, 0
	}

	res.Outcome = OutcomeSent
	if err := s.deps.History.RecordSent(c.ContactKey, c.SourceMessageID); err != nil {
		log.Error().Err(err).Msg("persist sent history failed")
	}
	if s.deps.Checkpoint != nil {
		if err := s.deps.Checkpoint.Update(c.ContactKey); err != nil {
			log.Warn().Err(err).Msg("persist checkpoint failed")
		}
	}
	return msg.Text, 0
}

// report is best-effort.
func (s *Sender) report(ctx context.Context, log zerolog.Logger, c types.Contact, res CycleResult, text string) {
	ev := report.Event{
		ContactKey:  c.ContactKey,
		ContactType: c.ContactType,
		Reason:      res.Reason,
		LeadText:    c.LeadText,
		VariantID:   res.VariantID,
		Category:    c.Category,
		SourceMsgID: c.SourceMessageID,
		At:          s.deps.Clock.Now(),
	}
	switch res.Outcome {
	case OutcomeSent:
		ev.Outcome, ev.Text = report.OutcomeSent, text
	case OutcomeSkipped:
		ev.Outcome = report.OutcomeSkipped
	default:
		ev.Outcome = report.OutcomeFailed
	}
	if rr := s.deps.Reporter.SendReport(context.WithoutCancel(ctx), report.Render(ev)); !rr.Success {
		log.Warn().Str("error", rr.Error).Msg("report not delivered")
	}
}

// commit writes the cycle's status to the ledger. A persist error leaves the
// in-memory ledger ahead of disk and is only logged.
func (s *Sender) commit(log zerolog.Logger, c types.Contact, res CycleResult, text string) {
	var err error
	switch res.Outcome {
	case OutcomeSent:
		err = s.deps.Ledger.MarkSent(c.ContactKey, text, s.deps.Clock.Now())
	case OutcomeSkipped:
		err = s.deps.Ledger.UpdateContactStatus(c.ContactKey, types.StatusSkipped, res.Reason)
	default:
		err = s.deps.Ledger.UpdateContactStatus(c.ContactKey, types.StatusFailed, res.Reason)
	}
	if err != nil {
		log.Error().Err(err).Str("outcome", string(res.Outcome)).Msg("persist contact status failed")
	}
}

func (s *Sender) record(res CycleResult) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.Cycles++
	s.stats.LastOutcome = res.Outcome
	switch res.Outcome {
	case OutcomeSent:
		s.stats.Sent++
		s.stats.LastSentAt = s.deps.Clock.Now().UTC()
	case OutcomeFailed:
		s.stats.Failed++
	case OutcomeSkipped:
		s.stats.Skipped++
	case OutcomeIdle:
		s.stats.Idle++
	case OutcomeOutsideWindow:
		s.stats.OutsideWindow++
	case OutcomeNoToken:
		s.stats.TokenTimeouts++
	case OutcomeError:
		s.stats.Errors++
	}
}

func (s *Sender) setRunning(v bool) {
	s.mu.Lock()
	s.stats.Running = v
	s.mu.Unlock()
}
