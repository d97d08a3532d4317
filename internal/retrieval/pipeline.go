package retrieval

import (
	"log"
	"sort"
)

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithRetriever overrides the default TFIDFRetriever.
func WithRetriever(r Retriever) Option {
	return func(p *Pipeline) { p.retriever = r }
}

// WithAssembler overrides the default TieredAssembler.
func WithAssembler(a *TieredAssembler) Option {
	return func(p *Pipeline) { p.assembler = a }
}

// Pipeline composes the SessionStateManager, a Retriever, the Ranker, and
// a TieredAssembler behind a single GetToolsForList entry point, plus
// OnToolCalled for progressive disclosure.
type Pipeline struct {
	state     *SessionStateManager
	retriever Retriever
	assembler *TieredAssembler
}

// NewPipeline builds a Pipeline seeded with anchors, defaulting to a
// TFIDFRetriever and a TieredAssembler with DefaultFullTierSize.
func NewPipeline(anchors []string, opts ...Option) *Pipeline {
	p := &Pipeline{
		state:     NewSessionStateManager(anchors),
		retriever: TFIDFRetriever{},
		assembler: NewTieredAssembler(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// GetToolsForList returns the tools visible to session for a tools/list
// response: the union of the session's monotonic set and the anchor
// tools, intersected with the currently registered catalog, then passed
// through the retriever, ranker, and assembler.
func (p *Pipeline) GetToolsForList(q QueryContext, catalog []Candidate) []Assembled {
	visible := p.state.Keys(q.SessionID)
	wanted := make(map[string]struct{}, len(visible))
	for _, k := range visible {
		wanted[k] = struct{}{}
	}

	candidates := make([]Candidate, 0, len(wanted))
	for _, c := range catalog {
		if _, ok := wanted[c.Key]; ok {
			candidates = append(candidates, c)
		}
	}
	// Deterministic input order before scoring/ranking.
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].Key < candidates[j].Key })

	scores := p.retriever.Score(candidates, q)
	ranked := Rank(candidates, scores)
	return p.assembler.Assemble(ranked)
}

// OnToolCalled notifies the pipeline that key was invoked for session
// with args, giving it a chance to progressively disclose related tools
// by growing the session's monotonic set. It returns true if the set
// grew, signalling the caller should emit a list_changed notification.
//
// The default pipeline has no relatedness model beyond "a called tool is
// now known to this session", so it simply adds key itself — a session
// that calls a tool outside its initial anchors will see that tool appear
// on every subsequent list. Exceptions are never propagated: a panic here
// is recovered, logged, and treated as "no growth".
func (p *Pipeline) OnToolCalled(session, key string, args any) (grew bool) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("[retrieval] recovered panic in OnToolCalled(%q): %v", key, r)
			grew = false
		}
	}()
	return p.state.AddTools(session, []string{key})
}
