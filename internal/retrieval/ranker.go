package retrieval

import (
	"encoding/json"
	"sort"
)

// tieEpsilon is the score delta below which two candidates are considered
// tied and broken by specificity instead.
const tieEpsilon = 0.05

// Ranked pairs a candidate with its resolved score, in final sorted order.
type Ranked struct {
	Candidate Candidate
	Score     float64
}

// Rank sorts candidates by score descending. Scores within tieEpsilon of
// each other are tied and broken by specificity (the number of top-level
// properties in the candidate's input schema) descending, exploiting LLM
// primacy bias to put the most specific tool first; a final tie-break on
// key keeps the order deterministic across otherwise-identical ties.
func Rank(candidates []Candidate, scores map[string]float64) []Ranked {
	ranked := make([]Ranked, 0, len(candidates))
	spec := make(map[string]int, len(candidates))
	for _, c := range candidates {
		spec[c.Key] = specificity(c.InputSchema)
		ranked = append(ranked, Ranked{Candidate: c, Score: scores[c.Key]})
	}

	sort.SliceStable(ranked, func(i, j int) bool {
		a, b := ranked[i], ranked[j]
		if absFloat(a.Score-b.Score) >= tieEpsilon {
			return a.Score > b.Score
		}
		if spec[a.Candidate.Key] != spec[b.Candidate.Key] {
			return spec[a.Candidate.Key] > spec[b.Candidate.Key]
		}
		return a.Candidate.Key < b.Candidate.Key
	})
	return ranked
}

// specificity counts the top-level properties of a JSON Schema object. A
// malformed or absent schema counts as zero rather than erroring — the
// tie-break degrades gracefully instead of failing the whole list.
func specificity(schema []byte) int {
	if len(schema) == 0 {
		return 0
	}
	var parsed struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(schema, &parsed); err != nil {
		return 0
	}
	return len(parsed.Properties)
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
