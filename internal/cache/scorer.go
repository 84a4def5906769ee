package cache

import (
	"sort"
	"strings"

	"github.com/antzucaro/matchr"
)

// Scorer computes a lexical similarity score between two normalized texts
// on a 0..100 integer scale, 100 meaning identical.
type Scorer func(a, b string) int

// scorers is the registry the fuzzy config resolves names against.
var scorers = map[string]Scorer{
	"ratio":            Ratio,
	"partial_ratio":    PartialRatio,
	"token_sort_ratio": TokenSortRatio,
	"token_set_ratio":  TokenSetRatio,
	"jaro_winkler":     JaroWinklerRatio,
}

// DefaultScorerName is used when the config names no scorer or an unknown one.
const DefaultScorerName = "token_sort_ratio"

// ScorerByName resolves a scorer from the registry. Unknown names fall back
// to the default scorer; ok reports whether the name was recognized.
func ScorerByName(name string) (s Scorer, ok bool) {
	if s, ok := scorers[name]; ok {
		return s, true
	}
	return scorers[DefaultScorerName], false
}

// Ratio is the plain Levenshtein similarity: 100 * (1 - distance/maxLen).
func Ratio(a, b string) int {
	if a == b {
		return 100
	}
	maxLen := max(len([]rune(a)), len([]rune(b)))
	if maxLen == 0 {
		return 100
	}
	dist := matchr.Levenshtein(a, b)
	if dist >= maxLen {
		return 0
	}
	return 100 * (maxLen - dist) / maxLen
}

// PartialRatio scores the shorter string against every equal-length window
// of the longer one and returns the best Ratio. "hello" inside
// "well hello there" scores 100.
func PartialRatio(a, b string) int {
	ra, rb := []rune(a), []rune(b)
	if len(ra) > len(rb) {
		ra, rb = rb, ra
	}
	if len(ra) == 0 {
		if len(rb) == 0 {
			return 100
		}
		return 0
	}
	best := 0
	for i := 0; i+len(ra) <= len(rb); i++ {
		if s := Ratio(string(ra), string(rb[i:i+len(ra)])); s > best {
			best = s
			if best == 100 {
				break
			}
		}
	}
	return best
}

// TokenSortRatio tokenizes both strings, sorts the tokens, and scores the
// rejoined results. Word order differences cost nothing.
func TokenSortRatio(a, b string) int {
	return Ratio(sortTokens(a), sortTokens(b))
}

// TokenSetRatio scores on token sets: the shared-token intersection is
// compared against each side's full sorted token string, and the best of
// the three pairings wins. Duplicated or extra words cost little.
func TokenSetRatio(a, b string) int {
	ta, tb := tokenSet(a), tokenSet(b)

	var inter, onlyA, onlyB []string
	for t := range ta {
		if tb[t] {
			inter = append(inter, t)
		} else {
			onlyA = append(onlyA, t)
		}
	}
	for t := range tb {
		if !ta[t] {
			onlyB = append(onlyB, t)
		}
	}
	sort.Strings(inter)
	sort.Strings(onlyA)
	sort.Strings(onlyB)

	base := strings.Join(inter, " ")
	fullA := strings.TrimSpace(base + " " + strings.Join(onlyA, " "))
	fullB := strings.TrimSpace(base + " " + strings.Join(onlyB, " "))

	best := Ratio(base, fullA)
	if s := Ratio(base, fullB); s > best {
		best = s
	}
	if s := Ratio(fullA, fullB); s > best {
		best = s
	}
	return best
}

// JaroWinklerRatio scales matchr's Jaro-Winkler similarity to 0..100.
func JaroWinklerRatio(a, b string) int {
	return int(matchr.JaroWinkler(a, b, false) * 100)
}

// sortTokens returns the whitespace-separated tokens of s, sorted and
// rejoined with single spaces.
func sortTokens(s string) string {
	tokens := strings.Fields(s)
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// tokenSet returns the distinct whitespace-separated tokens of s.
func tokenSet(s string) map[string]bool {
	set := make(map[string]bool)
	for _, t := range strings.Fields(s) {
		set[t] = true
	}
	return set
}
