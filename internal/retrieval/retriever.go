package retrieval

import "math"

// nameTokenWeight multiplies the term frequency contribution of tokens
// found in a tool's name relative to its description, so a query term
// that matches the tool's own name scores higher than one that merely
// appears somewhere in its prose description.
const nameTokenWeight = 2.0

// namespaceHintBoost multiplicatively boosts the score of any candidate
// whose Server matches the request's ServerHint.
const namespaceHintBoost = 1.5

// Candidate is a single tool available for ranking.
type Candidate struct {
	Key         string // namespaced server__tool key
	Server      string
	Name        string
	Description string
	// InputSchema is the raw JSON Schema object for the tool's input, used
	// by the Ranker for specificity tie-breaking and by the Assembler for
	// tiered emission.
	InputSchema []byte
}

// QueryContext carries the information a Retriever scores candidates
// against.
type QueryContext struct {
	SessionID  string
	Query      string
	History    []string
	ServerHint string
}

// Retriever scores candidates against a query context. Scores must be
// clamped to [0,1].
type Retriever interface {
	Score(candidates []Candidate, q QueryContext) map[string]float64
}

// PassthroughRetriever assigns every candidate a score of 1.0, deferring
// entirely to the Ranker's specificity tie-break. It is the fallback when
// no ranking signal is configured.
type PassthroughRetriever struct{}

func (PassthroughRetriever) Score(candidates []Candidate, _ QueryContext) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	for _, c := range candidates {
		scores[c.Key] = 1.0
	}
	return scores
}

// TFIDFRetriever scores candidates by TF-IDF overlap between the query
// text and each candidate's tokenized name (weighted) and description,
// with an optional namespace-hint boost. When the query carries no usable
// tokens (e.g. a bare `tools/list` with no query text) every candidate
// scores 1.0, the same as PassthroughRetriever — there is no signal to
// rank against, so the Ranker's specificity tie-break takes over.
type TFIDFRetriever struct{}

func (TFIDFRetriever) Score(candidates []Candidate, q QueryContext) map[string]float64 {
	scores := make(map[string]float64, len(candidates))
	if len(candidates) == 0 {
		return scores
	}

	queryTokens := tokenize(q.Query)
	for _, h := range q.History {
		queryTokens = append(queryTokens, tokenize(h)...)
	}
	if len(queryTokens) == 0 {
		for _, c := range candidates {
			scores[c.Key] = 1.0
		}
		return scores
	}

	type doc struct {
		key  string
		tf   map[string]float64
		norm float64
	}
	docs := make([]doc, 0, len(candidates))
	docFreq := make(map[string]int)

	for _, c := range candidates {
		tf := make(map[string]float64)
		for _, t := range tokenize(c.Name) {
			tf[t] += nameTokenWeight
		}
		for _, t := range tokenize(c.Description) {
			tf[t] += 1.0
		}
		for t := range tf {
			docFreq[t]++
		}
		docs = append(docs, doc{key: c.Key, tf: tf})
	}

	n := float64(len(docs))
	idf := make(map[string]float64, len(docFreq))
	for t, df := range docFreq {
		idf[t] = math.Log(n/(1.0+float64(df))) + 1.0
	}

	byKey := make(map[string]Candidate, len(candidates))
	for _, c := range candidates {
		byKey[c.Key] = c
	}

	raw := make(map[string]float64, len(docs))
	maxRaw := 0.0
	uniqueQuery := uniqueTokens(queryTokens)
	for _, d := range docs {
		var s float64
		for _, qt := range uniqueQuery {
			if tf, ok := d.tf[qt]; ok {
				s += tf * idf[qt]
			}
		}
		if cand, ok := byKey[d.key]; ok && q.ServerHint != "" && cand.Server == q.ServerHint {
			s *= namespaceHintBoost
		}
		raw[d.key] = s
		if s > maxRaw {
			maxRaw = s
		}
	}

	for key, s := range raw {
		if maxRaw <= 0 {
			scores[key] = 0
			continue
		}
		scores[key] = clamp01(s / maxRaw)
	}
	return scores
}

func uniqueTokens(tokens []string) []string {
	seen := make(map[string]struct{}, len(tokens))
	out := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
