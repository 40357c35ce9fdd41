package pipeline

import (
	"context"
	"time"

	"github.com/snehjoshi/leadflow/internal/contactdb"
	"github.com/snehjoshi/leadflow/internal/queue"
	"github.com/snehjoshi/leadflow/internal/ratelimit"
	"github.com/snehjoshi/leadflow/internal/report"
	"github.com/snehjoshi/leadflow/internal/scanner"
	"github.com/snehjoshi/leadflow/internal/sender"
	"github.com/snehjoshi/leadflow/internal/types"
)

// Snapshot is the operator view served on /stats.
type Snapshot struct {
	InstallationID string           `json:"installation_id"`
	DryRun         bool             `json:"dry_run"`
	Window         string           `json:"window"`
	InWindow       bool             `json:"in_window"`
	Contacts       contactdb.Counts `json:"contacts"`
	Ledger         contactdb.Stats  `json:"ledger"`
	HistorySize    int              `json:"history_size"`
	Checkpoint     types.Checkpoint `json:"checkpoint"`
	Limiter        ratelimit.Stats  `json:"limiter"`
	Queue          queue.Stats      `json:"queue"`
	Scanner        scanner.Stats    `json:"scanner"`
	Sender         sender.Stats     `json:"sender"`
	At             time.Time        `json:"at"`
}

// Snapshot collects every component's stats.
func (p *Pipeline) Snapshot() Snapshot {
	now := p.clk.Now()
	w, _ := p.cfg.Window.Parse()
	return Snapshot{
		InstallationID: p.InstallationID(),
		DryRun:         p.cfg.Sender.DryRun,
		Window:         w.String(),
		InWindow:       w.Contains(now),
		Contacts:       p.Contacts.Counts(),
		Ledger:         p.Contacts.Stats(),
		HistorySize:    p.History.Len(),
		Checkpoint:     p.Checkpoint.Get(),
		Limiter:        p.Limiter.Stats(),
		Queue:          p.Queue.Stats(),
		Scanner:        p.Scanner.Stats(),
		Sender:         p.Sender.Stats(),
		At:             now.UTC(),
	}
}

// Summary condenses s for the report channel.
func (s Snapshot) Summary() report.Summary {
	return report.Summary{
		Pending:       s.Contacts.Pending,
		Sent:          s.Ledger.Sent,
		Skipped:       s.Ledger.Skipped,
		Failed:        s.Ledger.Failed,
		Requeued:      s.Ledger.Requeued,
		Deleted:       s.Ledger.Deleted,
		HistorySize:   s.HistorySize,
		QueueDepth:    s.Queue.Pending + s.Queue.Scheduled + s.Queue.Processing,
		LimiterWindow: s.Limiter.InWindow,
		NextSendIn:    s.Limiter.NextAvailableIn,
	}
}

// RefreshMetrics copies a fresh snapshot into the Prometheus gauges and
// advances the counters that are derived from component stats. It returns
// the snapshot it used.
func (p *Pipeline) RefreshMetrics() Snapshot {
	s := p.Snapshot()
	m := p.metrics

	m.Contacts.WithLabelValues(string(types.StatusPending)).Set(float64(s.Contacts.Pending))
	m.Contacts.WithLabelValues(string(types.StatusSent)).Set(float64(s.Contacts.Sent))
	m.Contacts.WithLabelValues(string(types.StatusSkipped)).Set(float64(s.Contacts.Skipped))
	m.Contacts.WithLabelValues(string(types.StatusFailed)).Set(float64(s.Contacts.Failed))
	m.QueueDepth.Set(float64(s.Queue.Pending + s.Queue.Scheduled + s.Queue.Processing))
	m.HistorySize.Set(float64(s.HistorySize))
	m.LimiterWindow.Set(float64(s.Limiter.InWindow))
	m.NextSendInSecs.Set(s.Limiter.NextAvailableIn.Seconds())
	m.ScannerOffset.Set(float64(s.Scanner.LastProcessedID))

	p.mu.Lock()
	lq, ll := p.lastQueue, p.lastLedger
	p.lastQueue, p.lastLedger = s.Queue, s.Ledger
	p.mu.Unlock()

	addDelta := func(label string, now, before int64) {
		if d := now - before; d > 0 {
			m.QueueTasks.WithLabelValues(label).Add(float64(d))
		}
	}
	addDelta("completed", s.Queue.Completed, lq.Completed)
	addDelta("retried", s.Queue.Retried, lq.Retried)
	addDelta("dropped", s.Queue.Dropped, lq.Dropped)
	addDelta("purged", s.Queue.Purged, lq.Purged)
	if d := s.Ledger.Requeued - ll.Requeued; d > 0 {
		m.Requeue.WithLabelValues("requeued").Add(float64(d))
	}
	if d := s.Ledger.Deleted - ll.Deleted; d > 0 {
		m.Requeue.WithLabelValues("deleted").Add(float64(d))
	}
	return s
}

// statsLoop logs a snapshot every summary interval and, when enabled,
// posts it to the report channel.
func (p *Pipeline) statsLoop(ctx context.Context) error {
	interval := time.Duration(p.cfg.Report.SummaryIntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	for {
		if err := p.clk.Sleep(ctx, interval); err != nil {
			return nil
		}
		s := p.RefreshMetrics()
		p.log.Info().
			Int("pending", s.Contacts.Pending).
			Int64("sent", s.Ledger.Sent).
			Int64("skipped", s.Ledger.Skipped).
			Int64("failed", s.Ledger.Failed).
			Int64("requeued", s.Ledger.Requeued).
			Int64("deleted", s.Ledger.Deleted).
			Int("history", s.HistorySize).
			Int("queue", s.Queue.Pending+s.Queue.Scheduled+s.Queue.Processing).
			Int("limiter_window", s.Limiter.InWindow).
			Dur("next_send_in", s.Limiter.NextAvailableIn).
			Int64("scan_offset", s.Scanner.LastProcessedID).
			Msg("stats")
		if p.cfg.Report.Summary {
			if rr := p.reporter.SendReport(ctx, report.RenderSummary(s.Summary(), p.lang)); !rr.Success {
				p.log.Warn().Str("error", rr.Error).Msg("summary report not delivered")
			}
		}
	}
}

// SummaryText renders the current snapshot in the report language.
func (p *Pipeline) SummaryText() string {
	return report.RenderSummary(p.Snapshot().Summary(), p.lang)
}
