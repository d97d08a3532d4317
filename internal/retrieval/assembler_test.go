package retrieval

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestAssemble_FirstNFullRestSummary(t *testing.T) {
	a := &TieredAssembler{FullTierSize: 2}
	ranked := []Ranked{
		{Candidate: Candidate{Key: "a", Description: "First tool does a thing."}},
		{Candidate: Candidate{Key: "b", Description: "Second tool does a thing."}},
		{Candidate: Candidate{Key: "c", Description: "Third tool has a very long description that goes on and on well past eighty characters for sure."}},
	}
	out := a.Assemble(ranked)
	if out[0].Tier != TierFull || out[1].Tier != TierFull {
		t.Fatalf("expected first 2 to be full tier, got %+v", out[:2])
	}
	if out[2].Tier != TierSummary {
		t.Fatalf("expected 3rd to be summary tier, got %+v", out[2])
	}
	if out[0].Description != ranked[0].Candidate.Description {
		t.Errorf("expected full tier description unchanged, got %q", out[0].Description)
	}
}

func TestSummarizeDescription_ShortDescriptionUnchanged(t *testing.T) {
	got := summarizeDescription("Short desc.")
	if got != "Short desc." {
		t.Errorf("expected unchanged, got %q", got)
	}
}

func TestSummarizeDescription_TruncatesToFirstSentence(t *testing.T) {
	got := summarizeDescription("Does the first thing. Then does a second thing that is much longer.")
	if got != "Does the first thing..." {
		t.Errorf("got %q", got)
	}
}

func TestSummarizeDescription_TruncatesTo80CharsWhenNoEarlySentence(t *testing.T) {
	long := strings.Repeat("word ", 30) // no punctuation, > 80 chars
	got := summarizeDescription(long)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("expected ellipsis suffix, got %q", got)
	}
	if len([]rune(got)) > summaryMaxRunes+3 {
		t.Fatalf("expected truncation near %d runes, got %d: %q", summaryMaxRunes, len([]rune(got)), got)
	}
}

func TestStripSchemaDescriptions_RemovesNestedDescriptions(t *testing.T) {
	schema := []byte(`{
		"description": "top level",
		"properties": {
			"name": {"type": "string", "description": "the name field"},
			"items": {"type": "array", "items": {"type": "string", "description": "an item"}}
		}
	}`)
	out := stripSchemaDescriptions(schema)

	var parsed map[string]any
	if err := json.Unmarshal(out, &parsed); err != nil {
		t.Fatalf("expected valid JSON out, got error: %v", err)
	}
	if _, ok := parsed["description"]; ok {
		t.Error("expected top-level description stripped")
	}
	raw := string(out)
	if strings.Contains(raw, "description") {
		t.Errorf("expected no description fields anywhere, got %s", raw)
	}
	if !strings.Contains(raw, "\"type\":\"string\"") && !strings.Contains(raw, "\"type\": \"string\"") {
		t.Errorf("expected non-description fields preserved, got %s", raw)
	}
}

func TestStripSchemaDescriptions_MalformedSchemaReturnedUnmodified(t *testing.T) {
	bad := []byte(`not json`)
	out := stripSchemaDescriptions(bad)
	if string(out) != string(bad) {
		t.Errorf("expected malformed schema returned unmodified, got %q", out)
	}
}

func TestDeepCopySchema_DoesNotAliasInput(t *testing.T) {
	original := []byte(`{"a":1}`)
	copy1 := deepCopySchema(original)
	copy1[0] = 'X'
	if original[0] == 'X' {
		t.Error("expected deep copy to not alias original buffer")
	}
}
