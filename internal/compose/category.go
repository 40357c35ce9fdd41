package compose

import (
	"strings"
	"unicode"

	"golang.org/x/text/cases"
)

// Category is the coarse service category of a lead.
type Category string

const (
	CategoryDesign      Category = "design"
	CategoryDevelopment Category = "development"
	CategoryMarketing   Category = "marketing"
	CategoryCopywriting Category = "copywriting"
	CategoryGeneral     Category = "general"
)

// categoryOrder breaks score ties.
var categoryOrder = []Category{CategoryDesign, CategoryDevelopment, CategoryMarketing, CategoryCopywriting}

// categoryKeywords are word prefixes. A token matches when it starts with
// one of them, so "сайт" covers "сайта" and "сайтов" but "бот" does not
// fire on "работа".
var categoryKeywords = map[Category][]string{
	CategoryDesign: {
		"дизайн", "логотип", "лого", "баннер", "макет", "иллюстрац", "фигм", "брендбук",
		"айдентик", "инфографик", "обложк", "design", "logo", "figma", "ui", "ux", "banner",
	},
	CategoryDevelopment: {
		"сайт", "разработ", "бот", "программист", "лендинг", "приложени", "верстк", "парсер",
		"скрипт", "интеграц", "tilda", "тильд", "website", "developer", "backend", "frontend",
		"bot", "app", "api",
	},
	CategoryMarketing: {
		"маркетинг", "маркетолог", "таргет", "реклам", "продвижен", "трафик", "smm", "seo",
		"marketing", "ads", "продаж",
	},
	CategoryCopywriting: {
		"текст", "копирайт", "статьи", "статей", "статья", "рерайт", "контент", "сценари",
		"copywrit", "article", "content",
	},
}

var folder = cases.Fold()

// DetectCategory classifies text by keyword hits. The category with the
// most hits wins; no hits means CategoryGeneral.
func DetectCategory(text string) Category {
	tokens := strings.FieldsFunc(folder.String(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	best, bestScore := CategoryGeneral, 0
	for _, cat := range categoryOrder {
		score := 0
		for _, tok := range tokens {
			for _, kw := range categoryKeywords[cat] {
				if strings.HasPrefix(tok, kw) {
					score++
					break
				}
			}
		}
		if score > bestScore {
			best, bestScore = cat, score
		}
	}
	return best
}

// ParseCategory maps an upstream classifier label onto a Category.
func ParseCategory(s string) (Category, bool) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case CategoryDesign, CategoryDevelopment, CategoryMarketing, CategoryCopywriting, CategoryGeneral:
		return c, true
	}
	return "", false
}
