package delivery

import (
	"context"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/types"
)

// DryRun logs deliveries instead of sending them. Every identity resolves.
type DryRun struct {
	log zerolog.Logger
	seq atomic.Int64
}

// NewDryRun returns a dry-run client.
func NewDryRun(log zerolog.Logger) *DryRun {
	return &DryRun{log: log.With().Str("component", "delivery").Str("mode", "dry_run").Logger()}
}

func (d *DryRun) Connect(context.Context) error {
	d.log.Info().Msg("dry-run delivery client ready")
	return nil
}

func (d *DryRun) GetUserInfo(_ context.Context, identity string) (*Profile, error) {
	return &Profile{Username: types.NormalizeKey(identity)}, nil
}

func (d *DryRun) SendMessage(_ context.Context, identity, text string, _ SendOptions) SendResult {
	id := d.seq.Add(1)
	d.log.Info().Str("to", identity).Int("chars", len([]rune(text))).Int64("message_id", id).Msg("dry-run send")
	return SendResult{Success: true, MessageID: id}
}

func (d *DryRun) ResolveMessageAuthor(context.Context, string) (string, error) {
	return "", nil
}
