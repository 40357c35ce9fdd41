package compose_test

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/snehjoshi/leadflow/internal/compose"
	"github.com/snehjoshi/leadflow/internal/llm"
)

type fakeGen struct {
	text   string
	err    error
	prompt llm.Prompt
}

func (f *fakeGen) Generate(_ context.Context, p llm.Prompt) (llm.Result, error) {
	f.prompt = p
	if f.err != nil {
		return llm.Result{}, f.err
	}
	return llm.Result{Text: f.text, Usage: llm.Usage{PromptTokens: 3, CompletionTokens: 4}}, nil
}

func TestDetectCategory(t *testing.T) {
	cases := map[string]compose.Category{
		"Нужен логотип и баннер для кофейни":  compose.CategoryDesign,
		"пишите @ivan_dev по поводу сайта":    compose.CategoryDevelopment,
		"Ищу разработчика Telegram-бота":      compose.CategoryDevelopment,
		"Нужен таргетолог, настроить рекламу": compose.CategoryMarketing,
		"Нужны тексты для блога, 10 статей":   compose.CategoryCopywriting,
		"Ищу работу на выходные":              compose.CategoryGeneral,
		"": compose.CategoryGeneral,
		"Need a UI designer for a Figma prototype": compose.CategoryDesign,
	}
	for text, want := range cases {
		if got := compose.DetectCategory(text); got != want {
			t.Errorf("DetectCategory(%q) = %s, want %s", text, got, want)
		}
	}
}

func TestComposeMessage(t *testing.T) {
	gen := &fakeGen{text: "  «Здравствуйте! Могу сделать логотип.»  "}
	c := compose.New(gen, compose.Config{InstallationID: "inst", PortfolioURL: "https://example.com/works"})

	msg, err := c.ComposeMessage(context.Background(), "@Anna", compose.LeadContext{Description: "Нужен логотип"})
	if err != nil {
		t.Fatalf("ComposeMessage: %v", err)
	}
	if msg.Text != "Здравствуйте! Могу сделать логотип." {
		t.Fatalf("text = %q", msg.Text)
	}
	if msg.Category != compose.CategoryDesign || msg.Usage.CompletionTokens != 4 {
		t.Fatalf("msg = %+v", msg)
	}
	if !strings.Contains(gen.prompt.User, "https://example.com/works") {
		t.Fatal("design prompt must carry the portfolio link")
	}
	if msg.VariantID != c.GenerateVariantID("anna") {
		t.Fatal("variant id must be derived from the normalized key")
	}
}

func TestComposeMessage_NoPortfolioOutsideDesign(t *testing.T) {
	gen := &fakeGen{text: "ok"}
	c := compose.New(gen, compose.Config{PortfolioURL: "https://example.com/works"})
	msg, err := c.ComposeMessage(context.Background(), "ivan", compose.LeadContext{Description: "x", Category: "Development"})
	if err != nil {
		t.Fatalf("ComposeMessage: %v", err)
	}
	if msg.Category != compose.CategoryDevelopment {
		t.Fatalf("upstream category ignored: %s", msg.Category)
	}
	if strings.Contains(gen.prompt.User, "example.com") {
		t.Fatal("portfolio link must be design-only")
	}
}

func TestComposeMessage_GenerationFailed(t *testing.T) {
	for name, gen := range map[string]*fakeGen{
		"error": {err: errors.New("quota exceeded")},
		"empty": {text: "  \"\"  "},
	} {
		t.Run(name, func(t *testing.T) {
			_, err := compose.New(gen, compose.Config{}).ComposeMessage(context.Background(), "k", compose.LeadContext{Description: "x"})
			if !errors.Is(err, compose.ErrGenerationFailed) {
				t.Fatalf("err = %v, want ErrGenerationFailed", err)
			}
		})
	}
}

func TestComposeMessage_Truncates(t *testing.T) {
	gen := &fakeGen{text: strings.Repeat("я", 50)}
	msg, err := compose.New(gen, compose.Config{MaxLength: 10}).ComposeMessage(context.Background(), "k", compose.LeadContext{Description: "x"})
	if err != nil {
		t.Fatalf("ComposeMessage: %v", err)
	}
	if n := len([]rune(msg.Text)); n != 10 {
		t.Fatalf("length = %d runes", n)
	}
}

func TestGenerateVariantID(t *testing.T) {
	a := compose.New(nil, compose.Config{InstallationID: "a"})
	b := compose.New(nil, compose.Config{InstallationID: "b"})
	if a.GenerateVariantID("@Ivan") != a.GenerateVariantID("ivan") {
		t.Fatal("variant id must be deterministic over the normalized key")
	}
	if a.GenerateVariantID("ivan") == a.GenerateVariantID("petr") {
		t.Fatal("different contacts must get different ids")
	}
	if a.GenerateVariantID("ivan") == b.GenerateVariantID("ivan") {
		t.Fatal("installations must not share ids")
	}
	if !strings.HasPrefix(a.GenerateVariantID("ivan"), "ai-v1-") {
		t.Fatalf("id = %s", a.GenerateVariantID("ivan"))
	}
}
