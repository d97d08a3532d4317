package retrieval

import (
	"strings"
	"unicode"
)

// defaultStopwords are dropped from every tokenized document and query.
// Small, fixed list — this is keyword ranking over short tool names and
// descriptions, not a general-purpose NLP pipeline.
var defaultStopwords = map[string]struct{}{
	"the": {}, "a": {}, "an": {}, "of": {}, "to": {}, "in": {}, "for": {},
	"on": {}, "and": {}, "or": {}, "is": {}, "are": {}, "this": {}, "that": {},
	"with": {}, "as": {}, "by": {}, "from": {}, "at": {}, "be": {}, "it": {},
	"its": {}, "into": {}, "your": {}, "you": {}, "can": {}, "will": {},
}

// tokenize lower-cases s, splits on '_' and any non-alphanumeric rune, and
// drops stopwords and single-character tokens.
func tokenize(s string) []string {
	lower := strings.ToLower(s)
	fields := strings.FieldsFunc(lower, func(r rune) bool {
		return r == '_' || !(unicode.IsLetter(r) || unicode.IsDigit(r))
	})
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) <= 1 {
			continue
		}
		if _, stop := defaultStopwords[f]; stop {
			continue
		}
		out = append(out, f)
	}
	return out
}
