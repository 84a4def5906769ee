// Package cache implements the three-tier TTS cache: an in-memory hot index
// for fast-path lookups, an on-disk audio store with deterministic file
// naming, and a SQLite metadata database (see the metadata package).
//
// The Storage facade composes the tiers and exposes Lookup and Store; the
// Evictor and Reconciler keep the tiers in agreement over time.
package cache

import (
	"regexp"
	"strings"
	"unicode"
)

// NormalizeConfig enumerates the independently toggleable normalization
// stages. All stages default to enabled; see DefaultNormalizeConfig.
type NormalizeConfig struct {
	// Lowercase case-folds with Turkish-aware İ/I handling and folds the
	// çğıöşü diacritics to their ASCII-adjacent equivalents.
	Lowercase bool

	// StripPunctuation removes every rune that is not a letter, digit,
	// underscore, whitespace, or the number placeholder.
	StripPunctuation bool

	// CollapseWhitespace replaces runs of whitespace with a single space
	// and trims the ends.
	CollapseWhitespace bool

	// ReplaceNumbers replaces each maximal digit run with the placeholder
	// token, so "3" and "42" produce the same key.
	ReplaceNumbers bool

	// StripMinimax removes MiniMax TTS pause markers (<#0.5#>) and
	// interjection tags ((laughing)) before any other stage runs.
	StripMinimax bool
}

// DefaultNormalizeConfig has every stage enabled.
var DefaultNormalizeConfig = NormalizeConfig{
	Lowercase:          true,
	StripPunctuation:   true,
	CollapseWhitespace: true,
	ReplaceNumbers:     true,
	StripMinimax:       true,
}

// numberPlaceholder replaces digit runs. It is exempt from punctuation
// stripping so that Normalize stays idempotent.
const numberPlaceholder = "#"

// MiniMax TTS syntax patterns.
var (
	minimaxPauseRe        = regexp.MustCompile(`<#[\d.]+#>`)
	minimaxInterjectionRe = regexp.MustCompile(`\([a-z_]+\)`)
)

var (
	whitespaceRunRe = regexp.MustCompile(`\s+`)
	digitRunRe      = regexp.MustCompile(`\d+`)
)

// turkishLowerMap handles the dotted/dotless I pair that strings.ToLower
// gets wrong for Turkish text: I maps to ı and İ maps to i.
var turkishLowerMap = map[rune]rune{
	'I': 'ı',
	'İ': 'i',
}

// diacriticFold maps the Turkish diacritics to ASCII-adjacent equivalents.
// Applied after lowercasing, so only lowercase forms appear here.
var diacriticFold = map[rune]rune{
	'ç': 'c',
	'ğ': 'g',
	'ı': 'i',
	'ö': 'o',
	'ş': 's',
	'ü': 'u',
}

// Normalize canonicalizes text into a cache lookup key. It is a
// deterministic pure function of (text, cfg) and idempotent:
// Normalize(Normalize(t, cfg), cfg) == Normalize(t, cfg).
//
// Stage order: minimax stripping runs first so markers do not leak
// fragments into later stages; punctuation is stripped before whitespace
// collapsing so punctuation removal cannot reintroduce double spaces.
func Normalize(text string, cfg NormalizeConfig) string {
	text = strings.TrimSpace(text)
	if text == "" {
		return ""
	}

	if cfg.StripMinimax {
		text = minimaxPauseRe.ReplaceAllString(text, "")
		text = minimaxInterjectionRe.ReplaceAllString(text, "")
	}

	if cfg.Lowercase {
		text = turkishLower(text)
		text = foldDiacritics(text)
	}

	if cfg.StripPunctuation {
		text = stripPunctuation(text)
	}

	if cfg.CollapseWhitespace {
		text = whitespaceRunRe.ReplaceAllString(text, " ")
	}

	if cfg.ReplaceNumbers {
		text = digitRunRe.ReplaceAllString(text, numberPlaceholder)
	}

	return strings.TrimSpace(text)
}

// turkishLower lowercases text with the Turkish İ/I mapping applied before
// the generic case fold.
func turkishLower(text string) string {
	mapped := strings.Map(func(r rune) rune {
		if repl, ok := turkishLowerMap[r]; ok {
			return repl
		}
		return r
	}, text)
	return strings.ToLower(mapped)
}

// foldDiacritics replaces the enumerated diacritics with plain ASCII.
func foldDiacritics(text string) string {
	return strings.Map(func(r rune) rune {
		if repl, ok := diacriticFold[r]; ok {
			return repl
		}
		return r
	}, text)
}

// stripPunctuation drops every rune that is not a letter, digit,
// underscore, whitespace, or the number placeholder.
func stripPunctuation(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	for _, r := range text {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), unicode.IsSpace(r):
			b.WriteRune(r)
		case r == '_', r == '#':
			b.WriteRune(r)
		}
	}
	return b.String()
}
