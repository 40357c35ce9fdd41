package scanner

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/rs/zerolog"

	"github.com/snehjoshi/leadflow/internal/types"
)

// Feed is the append-only source of classified leads.
type Feed interface {
	// ReadSince returns entries with ID > afterID in ascending ID order.
	ReadSince(ctx context.Context, afterID int64) ([]types.FeedEntry, error)
}

// FileFeed reads a feed file written by the upstream classifier. The file
// may be a JSON array or JSON Lines; a missing file is an empty feed.
type FileFeed struct {
	path string
	log  zerolog.Logger
}

// NewFileFeed returns a feed over path.
func NewFileFeed(path string, log zerolog.Logger) *FileFeed {
	return &FileFeed{path: path, log: log.With().Str("component", "feed").Logger()}
}

func (f *FileFeed) ReadSince(ctx context.Context, afterID int64) ([]types.FeedEntry, error) {
	data, err := os.ReadFile(f.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("scanner: read feed: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var all []types.FeedEntry
	trimmed := bytes.TrimLeft(data, " \t\r\n\ufeff")
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &all); err != nil {
			return nil, fmt.Errorf("scanner: decode feed array: %w", err)
		}
	} else {
		all = f.decodeLines(data)
	}

	out := all[:0]
	for _, e := range all {
		if e.ID > afterID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// decodeLines parses JSON Lines, skipping blank and malformed lines. An
// unterminated last line that does not parse is the writer mid-append; it is
// skipped quietly and read on the next poll.
func (f *FileFeed) decodeLines(data []byte) []types.FeedEntry {
	var out []types.FeedEntry
	lines := bytes.Split(data, []byte("\n"))
	for i, raw := range lines {
		b := bytes.TrimSpace(raw)
		if len(b) == 0 {
			continue
		}
		var e types.FeedEntry
		if err := json.Unmarshal(b, &e); err != nil {
			if i == len(lines)-1 {
				break
			}
			f.log.Warn().Err(err).Int("line", i+1).Msg("skipping malformed feed line")
			continue
		}
		out = append(out, e)
	}
	return out
}
