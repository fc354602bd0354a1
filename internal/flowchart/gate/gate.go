// Package gate owns fan-in admission and routing resolution. Tokens arrive
// on solid edges only; dotted edges are read at admission time as context
// pulls and never admit or emit.
package gate

import (
	"fmt"
	"sort"
	"sync"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

// Token is one solid-edge arrival. Duplicates within a cycle coalesce.
type Token struct {
	SourceNodeID string
	RunCycle     int
}

// Admission is the gate's go-ahead for one node execution.
type Admission struct {
	TargetNodeID   string
	RunCycle       int
	TriggerSources []string // solid parents whose tokens were consumed
}

// OutputReader resolves the most recent output_state of a node within the
// run. The gate pulls dotted parents through it at admission time.
type OutputReader interface {
	LatestOutput(nodeID string) (map[string]any, bool)
}

// Gate tracks pending tokens per target node. One gate per run; the
// scheduler is the only caller, but the mutex keeps pool callbacks safe.
type Gate struct {
	fc  *model.Flowchart
	adj *model.Adjacency

	mu      sync.Mutex
	pending map[string]map[Token]bool
}

func New(fc *model.Flowchart, adj *model.Adjacency) *Gate {
	return &Gate{fc: fc, adj: adj, pending: map[string]map[Token]bool{}}
}

// Offer delivers one token to the target's gate and reports zero or one
// admission. fan_in_mode=all admits when every distinct solid parent has a
// token for the cycle; any admits per distinct token; custom admits after
// exactly fan_in_custom_count tokens.
func (g *Gate) Offer(target string, token Token) (*Admission, error) {
	node := g.fc.Node(target)
	if node == nil {
		return nil, fmt.Errorf("unknown target node %q", target)
	}
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.pending[target] == nil {
		g.pending[target] = map[Token]bool{}
	}
	if g.pending[target][token] {
		// Coalesce the duplicate; it must not double-admit.
		return nil, nil
	}
	g.pending[target][token] = true

	switch node.FanInMode() {
	case model.FanInAny:
		// The token stays in the ledger so an identical (source, cycle)
		// arrival coalesces instead of re-admitting. Cycles are strictly
		// increasing per source, so a genuine re-emission carries a new key.
		return &Admission{
			TargetNodeID:   target,
			RunCycle:       token.RunCycle,
			TriggerSources: []string{token.SourceNodeID},
		}, nil

	case model.FanInCustom:
		want := node.FanInCustomCount()
		parents := len(g.adj.SolidParents(target))
		if want < 1 || (parents > 0 && want > parents) {
			return nil, fmt.Errorf("node %q fan_in_custom_count %d out of range [1, %d]", target, want, parents)
		}
		if len(g.pending[target]) < want {
			return nil, nil
		}
		return g.admitPending(target, token.RunCycle), nil

	default: // all
		cycleTokens := map[string]bool{}
		for t := range g.pending[target] {
			if t.RunCycle == token.RunCycle {
				cycleTokens[t.SourceNodeID] = true
			}
		}
		for _, parent := range g.adj.SolidParents(target) {
			if !cycleTokens[parent] {
				return nil, nil
			}
		}
		return g.admitCycle(target, token.RunCycle), nil
	}
}

// admitCycle consumes every token of the cycle.
func (g *Gate) admitCycle(target string, cycle int) *Admission {
	adm := &Admission{TargetNodeID: target, RunCycle: cycle}
	for t := range g.pending[target] {
		if t.RunCycle == cycle {
			adm.TriggerSources = append(adm.TriggerSources, t.SourceNodeID)
			delete(g.pending[target], t)
		}
	}
	sort.Strings(adm.TriggerSources)
	return adm
}

// admitPending consumes all currently pending tokens (custom mode counts
// across sources and cycles).
func (g *Gate) admitPending(target string, cycle int) *Admission {
	adm := &Admission{TargetNodeID: target, RunCycle: cycle}
	for t := range g.pending[target] {
		adm.TriggerSources = append(adm.TriggerSources, t.SourceNodeID)
		delete(g.pending[target], t)
	}
	sort.Strings(adm.TriggerSources)
	return adm
}

// BuildInputContext assembles the admitted node's input: solid parents under
// upstream_nodes (plus trigger_sources), dotted parents pulled into
// dotted_upstream_nodes.
func (g *Gate) BuildInputContext(adm *Admission, outputs OutputReader) map[string]any {
	ctx := map[string]any{}

	var upstream []any
	for _, parent := range adm.TriggerSources {
		entry := map[string]any{"node_id": parent}
		if out, ok := outputs.LatestOutput(parent); ok {
			entry["output_state"] = out
		}
		upstream = append(upstream, entry)
	}
	if len(upstream) > 0 {
		ctx["upstream_nodes"] = upstream
		triggers := make([]any, 0, len(adm.TriggerSources))
		for _, parent := range adm.TriggerSources {
			triggers = append(triggers, parent)
		}
		ctx["trigger_sources"] = triggers
	}

	var dotted []any
	seen := map[string]bool{}
	for _, e := range g.adj.DottedIn[adm.TargetNodeID] {
		if seen[e.SourceNodeID] {
			continue
		}
		seen[e.SourceNodeID] = true
		out, ok := outputs.LatestOutput(e.SourceNodeID)
		if !ok {
			continue
		}
		dotted = append(dotted, map[string]any{
			"node_id":      e.SourceNodeID,
			"output_state": out,
		})
	}
	if len(dotted) > 0 {
		ctx["dotted_upstream_nodes"] = dotted
	}
	return ctx
}
