package retrieval

import (
	"encoding/json"
	"strings"

	"github.com/itstanner5216/multi-mcp-sub000/internal/util"
)

// DefaultFullTierSize is the number of top-ranked tools that receive the
// full description and schema; the rest get the summary tier.
const DefaultFullTierSize = 3

// summaryMaxRunes bounds a summary-tier description when no earlier
// sentence terminator is found.
const summaryMaxRunes = 80

const (
	// TierFull carries the complete description and input schema.
	TierFull = "full"
	// TierSummary carries a truncated description and a schema with all
	// description fields stripped.
	TierSummary = "summary"
)

// Assembled is a tool ready for serialization into a tools/list response.
type Assembled struct {
	Key         string
	Description string
	InputSchema json.RawMessage
	Tier        string
}

// TieredAssembler emits the first FullTierSize ranked tools at full
// fidelity and summarizes the rest, trading token cost for breadth
// without changing the shape of the tool list.
type TieredAssembler struct {
	FullTierSize int
}

// NewTieredAssembler returns an assembler using DefaultFullTierSize.
func NewTieredAssembler() *TieredAssembler {
	return &TieredAssembler{FullTierSize: DefaultFullTierSize}
}

// Assemble converts ranked candidates into their tiered representations,
// in rank order.
func (a *TieredAssembler) Assemble(ranked []Ranked) []Assembled {
	n := a.FullTierSize
	if n <= 0 {
		n = DefaultFullTierSize
	}
	out := make([]Assembled, 0, len(ranked))
	for i, r := range ranked {
		c := r.Candidate
		if i < n {
			out = append(out, Assembled{
				Key:         c.Key,
				Description: c.Description,
				InputSchema: deepCopySchema(c.InputSchema),
				Tier:        TierFull,
			})
			continue
		}
		out = append(out, Assembled{
			Key:         c.Key,
			Description: summarizeDescription(c.Description),
			InputSchema: stripSchemaDescriptions(c.InputSchema),
			Tier:        TierSummary,
		})
	}
	return out
}

// deepCopySchema returns an independent copy of schema so the assembled
// response can never alias (and thus let a caller mutate) the cached
// descriptor.
func deepCopySchema(schema []byte) json.RawMessage {
	if len(schema) == 0 {
		return nil
	}
	out := make([]byte, len(schema))
	copy(out, schema)
	return out
}

// summarizeDescription truncates desc to whichever is shorter of its
// first sentence or summaryMaxRunes characters, appending an ellipsis. A
// description already shorter than both bounds is returned unchanged.
func summarizeDescription(desc string) string {
	if len([]rune(desc)) == 0 {
		return desc
	}

	sentence := desc
	if idx := strings.IndexAny(desc, ".!?"); idx >= 0 {
		sentence = desc[:idx+1]
	}
	capped := strings.TrimSuffix(util.TruncateRunes(desc, summaryMaxRunes), "...")

	chosen := sentence
	if len([]rune(capped)) < len([]rune(sentence)) {
		chosen = capped
	}
	if chosen == desc {
		return desc
	}
	return strings.TrimRight(chosen, ".!? ") + "..."
}

// stripSchemaDescriptions returns a copy of schema with every
// "description" field recursively removed from any nested object,
// including (but not limited to) properties and items, so summary-tier
// tools carry their shape without their prose.
func stripSchemaDescriptions(schema []byte) json.RawMessage {
	if len(schema) == 0 {
		return nil
	}
	var v any
	if err := json.Unmarshal(schema, &v); err != nil {
		// Not valid JSON (or not an object/array) — return unmodified
		// rather than fail the whole tool list over one bad schema.
		return deepCopySchema(schema)
	}
	stripped := stripDescriptions(v)
	out, err := json.Marshal(stripped)
	if err != nil {
		return deepCopySchema(schema)
	}
	return out
}

func stripDescriptions(v any) any {
	switch val := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, sub := range val {
			if k == "description" {
				continue
			}
			out[k] = stripDescriptions(sub)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, sub := range val {
			out[i] = stripDescriptions(sub)
		}
		return out
	default:
		return val
	}
}

