// Package compose builds outreach text for a contact by delegating to the
// generation collaborator. There is no static template fallback: when
// generation fails, composition fails.
package compose

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/snehjoshi/leadflow/internal/llm"
	"github.com/snehjoshi/leadflow/internal/types"
)

// ErrGenerationFailed wraps collaborator errors and empty output.
var ErrGenerationFailed = errors.New("compose: generation failed")

// MaxMessageLength is the Telegram text message limit in characters.
const MaxMessageLength = 4096

// Generator is the generation collaborator.
type Generator interface {
	Generate(ctx context.Context, p llm.Prompt) (llm.Result, error)
}

// LeadContext is what the composer knows about the lead.
type LeadContext struct {
	Description     string
	Category        string
	SourceMessageID int64
	SourcePeerName  string
}

// Message is a composed outreach message.
type Message struct {
	Text      string
	VariantID string
	Category  Category
	Usage     llm.Usage
}

// Config tunes composition.
type Config struct {
	// InstallationID salts variant ids so two installations never share them.
	InstallationID string
	TemplateID     string
	SystemPrompt   string
	PortfolioURL   string
	// PortfolioCategories lists the categories whose messages carry the
	// portfolio link. Defaults to design only.
	PortfolioCategories []Category
	MaxLength           int
}

// DefaultSystemPrompt instructs the model to write a short personal reply.
const DefaultSystemPrompt = `You write short, friendly first messages to people who posted a request for freelance help in a Telegram chat.
Reply in the language of the request. Refer to the concrete task. Two to four sentences, no greetings boilerplate, no emojis, no markdown.
Never invent prices, deadlines or past projects. Output only the message text.`

// Composer builds outreach messages.
type Composer struct {
	gen Generator
	cfg Config
}

// New creates a Composer around gen.
func New(gen Generator, cfg Config) *Composer {
	if cfg.TemplateID == "" {
		cfg.TemplateID = "ai-v1"
	}
	if strings.TrimSpace(cfg.SystemPrompt) == "" {
		cfg.SystemPrompt = DefaultSystemPrompt
	}
	if cfg.PortfolioCategories == nil {
		cfg.PortfolioCategories = []Category{CategoryDesign}
	}
	if cfg.MaxLength <= 0 || cfg.MaxLength > MaxMessageLength {
		cfg.MaxLength = MaxMessageLength
	}
	return &Composer{gen: gen, cfg: cfg}
}

// ComposeMessage generates the outreach text for contactKey.
func (c *Composer) ComposeMessage(ctx context.Context, contactKey string, lead LeadContext) (Message, error) {
	cat, ok := ParseCategory(lead.Category)
	if !ok {
		cat = DetectCategory(lead.Description)
	}
	prompt := llm.Prompt{System: c.cfg.SystemPrompt, User: c.userPrompt(lead, cat)}

	res, err := c.gen.Generate(ctx, prompt)
	if err != nil {
		return Message{}, fmt.Errorf("%w: %w", ErrGenerationFailed, err)
	}
	text := cleanOutput(res.Text)
	if text == "" {
		return Message{}, fmt.Errorf("%w: empty output", ErrGenerationFailed)
	}
	if r := []rune(text); len(r) > c.cfg.MaxLength {
		text = strings.TrimSpace(string(r[:c.cfg.MaxLength]))
	}
	return Message{
		Text:      text,
		VariantID: c.GenerateVariantID(contactKey),
		Category:  cat,
		Usage:     res.Usage,
	}, nil
}

// IncludesPortfolio reports whether messages for cat carry the portfolio link.
func (c *Composer) IncludesPortfolio(cat Category) bool {
	return c.cfg.PortfolioURL != "" && slices.Contains(c.cfg.PortfolioCategories, cat)
}

// GenerateVariantID derives a stable id from the installation, the template
// and the normalized contact key. It is a correlation id for logs and
// analytics, not a dedup key.
func (c *Composer) GenerateVariantID(contactKey string) string {
	key := types.NormalizeKey(contactKey)
	h := sha256.Sum256([]byte(c.cfg.InstallationID + "\x00" + c.cfg.TemplateID + "\x00" + key))
	return c.cfg.TemplateID + "-" + hex.EncodeToString(h[:6])
}

func (c *Composer) userPrompt(lead LeadContext, cat Category) string {
	var b strings.Builder
	b.WriteString("Request:\n")
	b.WriteString(strings.TrimSpace(lead.Description))
	b.WriteString("\n\nCategory: ")
	b.WriteString(string(cat))
	if lead.SourcePeerName != "" {
		b.WriteString("\nPosted in: ")
		b.WriteString(lead.SourcePeerName)
	}
	if c.IncludesPortfolio(cat) {
		b.WriteString("\nMention this portfolio link once: ")
		b.WriteString(c.cfg.PortfolioURL)
	} else {
		b.WriteString("\nDo not include any links.")
	}
	return b.String()
}

// cleanOutput strips whitespace and one pair of wrapping quotes models like
// to add.
func cleanOutput(s string) string {
	s = strings.TrimSpace(s)
	for _, q := range [][2]string{{`"`, `"`}, {"«", "»"}, {"“", "”"}} {
		if len(s) >= len(q[0])+len(q[1]) && strings.HasPrefix(s, q[0]) && strings.HasSuffix(s, q[1]) {
			s = strings.TrimSpace(s[len(q[0]) : len(s)-len(q[1])])
			break
		}
	}
	return s
}
