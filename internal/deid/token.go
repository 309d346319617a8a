package deid

import (
	"fmt"
	"sort"
	"strings"

	"github.com/samber/lo"

	"phi-deid-gateway/internal/detector"
)

// tokenizer holds the token tables of a single Scrub call.
type tokenizer struct {
	subMap      SubstitutionMap
	byValue     map[string]string
	counts      map[string]int
	mintedTypes []string
	minted      int
	reused      int
}

func newTokenizer() *tokenizer {
	return &tokenizer{
		subMap:  make(SubstitutionMap),
		byValue: make(map[string]string),
		counts:  make(map[string]int),
	}
}

// token returns the token for value, minting [TYPE_N] on first sight.
func (t *tokenizer) token(entityType, value string) string {
	if tok, ok := t.byValue[value]; ok {
		t.reused++
		return tok
	}
	n := t.counts[entityType]
	t.counts[entityType] = n + 1
	tok := fmt.Sprintf("[%s_%d]", entityType, n)
	t.byValue[value] = tok
	t.subMap[tok] = value
	t.minted++
	t.mintedTypes = append(t.mintedTypes, entityType)
	return tok
}

// rewrite copies text, substituting a token for every span. spans must be
// non-overlapping, in range and sorted by start.
func (t *tokenizer) rewrite(text []rune, spans []detector.Span) string {
	var b strings.Builder
	b.Grow(len(text))
	pos := 0
	for _, s := range spans {
		b.WriteString(string(text[pos:s.Start]))
		b.WriteString(t.token(s.EntityType, string(text[s.Start:s.End])))
		pos = s.End
	}
	b.WriteString(string(text[pos:]))
	return b.String()
}

// ReInject replaces every occurrence of every token in text with its original
// value. Replacement is literal and single-pass: restored values are never
// scanned again. Unknown tokens are left as they are.
func ReInject(text string, subMap SubstitutionMap) string {
	out, _ := restore(text, subMap)
	return out
}

// restore does the ReInject scan and reports how many tokens it replaced.
// At each position the longest matching token wins, so a token is never
// shadowed by a prefix.
func restore(text string, subMap SubstitutionMap) (string, int) {
	if len(subMap) == 0 || text == "" {
		return text, 0
	}
	byFirst := tokensByFirstByte(subMap)

	var b strings.Builder
	b.Grow(len(text))
	n := 0
	for i := 0; i < len(text); {
		tok, ok := lo.Find(byFirst[text[i]], func(tok string) bool {
			return strings.HasPrefix(text[i:], tok)
		})
		if !ok {
			b.WriteByte(text[i])
			i++
			continue
		}
		b.WriteString(subMap[tok])
		i += len(tok)
		n++
	}
	return b.String(), n
}

// tokensByFirstByte indexes the non-empty tokens of subMap by their first
// byte, longest first within each bucket.
func tokensByFirstByte(subMap SubstitutionMap) map[byte][]string {
	tokens := lo.Filter(lo.Keys(subMap), func(tok string, _ int) bool { return tok != "" })
	sort.Slice(tokens, func(i, j int) bool {
		if len(tokens[i]) != len(tokens[j]) {
			return len(tokens[i]) > len(tokens[j])
		}
		return tokens[i] < tokens[j]
	})
	return lo.GroupBy(tokens, func(tok string) byte { return tok[0] })
}

// ReInject restores tokens like the package-level ReInject and records
// reinjection metrics.
func (e *Engine) ReInject(text string, subMap SubstitutionMap) string {
	out, n := restore(text, subMap)
	e.metrics.Reinjections.Add(1)
	e.metrics.TokensRestored.Add(int64(n))
	return out
}

// EntityType returns the entity type encoded in a token, or "" when tok is
// not of the form [TYPE_N].
func EntityType(tok string) string {
	if len(tok) < 4 || tok[0] != '[' || tok[len(tok)-1] != ']' {
		return ""
	}
	inner := tok[1 : len(tok)-1]
	i := strings.LastIndexByte(inner, '_')
	if i <= 0 || i == len(inner)-1 {
		return ""
	}
	for _, c := range inner[i+1:] {
		if c < '0' || c > '9' {
			return ""
		}
	}
	return inner[:i]
}

// EntityCounts counts the tokens of subMap per entity type. It never looks at
// the original values.
func EntityCounts(subMap SubstitutionMap) map[string]int {
	counts := make(map[string]int)
	for tok := range subMap {
		if typ := EntityType(tok); typ != "" {
			counts[typ]++
		}
	}
	return counts
}
