// Package migrate normalizes persisted flowchart graphs across schema
// revisions. A migration is two phases: transform (normalize legacy fields,
// fill defaults, generate missing decision condition keys, de-dupe
// connectors, drop legacy keys) and validate (the compatibility gate).
// Migration is idempotent: an unchanged graph hashes identically and triggers
// no writes; a blocked gate rolls back with no writes applied.
package migrate

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/llmctl/llmctl/internal/flowchart/model"
	"github.com/llmctl/llmctl/internal/flowchart/validate"
)

type GateStatus string

const (
	GateReady   GateStatus = "ready"
	GateBlocked GateStatus = "blocked"
)

// defaultMaxNodeExecutions is the loop guardrail applied when a persisted
// graph predates the field.
const defaultMaxNodeExecutions = 30

// legacyConfigKeys are dropped from node config during transform.
var legacyConfigKeys = []string{"ui_cache", "legacy_position", "z", "selected"}

// legacyRenames maps legacy config keys to their current names. The legacy
// value only wins when the current key is absent.
var legacyRenames = map[string]string{
	"prompt":  "task_prompt",
	"fan_in":  "fan_in_mode",
	"fanin":   "fan_in_mode",
	"rag_top": "top_k",
}

type Analysis struct {
	Pre         *model.Flowchart      `json:"-"`
	Post        *model.Flowchart      `json:"-"`
	Diagnostics []validate.Diagnostic `json:"diagnostics"`
	Changes     []string              `json:"changes"`
	BeforeHash  string                `json:"before_hash"`
	AfterHash   string                `json:"after_hash"`
	Changed     bool                  `json:"changed"`
	Gate        GateStatus            `json:"gate"`
}

// GraphWriter is the slice of the store the migration needs.
type GraphWriter interface {
	SaveFlowchart(ctx context.Context, f *model.Flowchart) error
}

// Analyze runs the transform phase over a copy of the graph and gates the
// result through validation. The input graph is never mutated.
func Analyze(f *model.Flowchart) (*Analysis, error) {
	if f == nil {
		return nil, fmt.Errorf("flowchart is nil")
	}
	beforeHash, err := SnapshotHash(f)
	if err != nil {
		return nil, fmt.Errorf("before hash: %w", err)
	}

	post := f.Clone()
	changes := transform(post)

	afterHash, err := SnapshotHash(post)
	if err != nil {
		return nil, fmt.Errorf("after hash: %w", err)
	}

	diags := validate.Validate(post)
	gate := GateReady
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			gate = GateBlocked
			break
		}
	}

	return &Analysis{
		Pre:         f,
		Post:        post,
		Diagnostics: diags,
		Changes:     changes,
		BeforeHash:  beforeHash,
		AfterHash:   afterHash,
		Changed:     beforeHash != afterHash,
		Gate:        gate,
	}, nil
}

// Apply analyzes the graph and persists the transformed result. No write
// happens when the graph is already normalized or when the gate is blocked.
func Apply(ctx context.Context, w GraphWriter, f *model.Flowchart) (*Analysis, error) {
	a, err := Analyze(f)
	if err != nil {
		return nil, err
	}
	if a.Gate == GateBlocked {
		return a, fmt.Errorf("migration gate blocked: %s", firstError(a.Diagnostics))
	}
	if !a.Changed {
		return a, nil
	}
	if w == nil {
		return a, fmt.Errorf("migration requires a graph writer")
	}
	if err := w.SaveFlowchart(ctx, a.Post); err != nil {
		return a, fmt.Errorf("persist migrated graph: %w", err)
	}
	return a, nil
}

func firstError(diags []validate.Diagnostic) string {
	for _, d := range diags {
		if d.Severity == validate.SeverityError {
			return d.Rule + ": " + d.Message
		}
	}
	return "unknown"
}

// transform mutates the graph copy in place and returns a change log.
func transform(f *model.Flowchart) []string {
	var changes []string
	note := func(format string, args ...any) {
		changes = append(changes, fmt.Sprintf(format, args...))
	}

	if f.MaxNodeExecutions <= 0 {
		f.MaxNodeExecutions = defaultMaxNodeExecutions
		note("set max_node_executions=%d", defaultMaxNodeExecutions)
	}

	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil {
			continue
		}
		for legacy, current := range legacyRenames {
			v, ok := n.Config[legacy]
			if !ok {
				continue
			}
			if _, exists := n.Config[current]; !exists {
				if n.Config == nil {
					n.Config = map[string]any{}
				}
				n.Config[current] = v
				note("node %s: renamed legacy config key %s to %s", id, legacy, current)
			}
			delete(n.Config, legacy)
		}
		for _, k := range legacyConfigKeys {
			if _, ok := n.Config[k]; ok {
				delete(n.Config, k)
				note("node %s: dropped legacy config key %s", id, k)
			}
		}
		if n.Type == model.NodeDecision {
			if n.ConfigString("no_match_policy", "") == "" {
				setConfig(n, "no_match_policy", string(model.NoMatchFail))
				note("node %s: defaulted no_match_policy=fail", id)
			}
		}
		if n.Type == model.NodeRAG && n.ConfigString("mode", "") == "" {
			setConfig(n, "mode", "query")
			note("node %s: defaulted rag mode=query", id)
		}
	}

	adj := f.BuildAdjacency()
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil {
			continue
		}
		if len(adj.SolidParents(id)) > 1 && n.ConfigString("fan_in_mode", "") == "" {
			setConfig(n, "fan_in_mode", string(model.FanInAll))
			note("node %s: defaulted fan_in_mode=all", id)
		}
	}

	changes = append(changes, dedupeEdges(f)...)
	changes = append(changes, dropMisplacedConditionKeys(f)...)
	changes = append(changes, generateDecisionKeys(f)...)

	// Canonical edge order keeps the snapshot hash stable across load paths.
	sort.SliceStable(f.Edges, func(i, j int) bool { return f.Edges[i].ID < f.Edges[j].ID })
	return changes
}

func setConfig(n *model.Node, key, value string) {
	if n.Config == nil {
		n.Config = map[string]any{}
	}
	n.Config[key] = value
}

// dedupeEdges removes exact duplicate connectors, keeping the lowest edge id.
func dedupeEdges(f *model.Flowchart) []string {
	var changes []string
	sort.SliceStable(f.Edges, func(i, j int) bool { return f.Edges[i].ID < f.Edges[j].ID })
	seen := map[string]bool{}
	kept := f.Edges[:0]
	for _, e := range f.Edges {
		if e == nil {
			continue
		}
		key := strings.Join([]string{e.SourceNodeID, e.TargetNodeID, string(e.Mode), e.ConditionKey}, "\x00")
		if seen[key] {
			changes = append(changes, fmt.Sprintf("dropped duplicate edge %s (%s -> %s)", e.ID, e.SourceNodeID, e.TargetNodeID))
			continue
		}
		seen[key] = true
		kept = append(kept, e)
	}
	f.Edges = kept
	return changes
}

// dropMisplacedConditionKeys downgrades condition keys found outside solid
// decision outputs instead of failing the whole graph at the gate.
func dropMisplacedConditionKeys(f *model.Flowchart) []string {
	var changes []string
	for _, e := range f.Edges {
		if e == nil || strings.TrimSpace(e.ConditionKey) == "" {
			continue
		}
		src := f.Node(e.SourceNodeID)
		if src != nil && src.Type == model.NodeDecision && e.Mode == model.EdgeSolid {
			continue
		}
		changes = append(changes, fmt.Sprintf("edge %s: dropped condition_key %q (not a decision solid output)", e.ID, e.ConditionKey))
		e.ConditionKey = ""
	}
	return changes
}

// generateDecisionKeys fills empty condition keys on decision solid outputs
// with route_N keys that avoid collisions with existing keys.
func generateDecisionKeys(f *model.Flowchart) []string {
	var changes []string
	adj := f.BuildAdjacency()
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil || n.Type != model.NodeDecision {
			continue
		}
		edges := append([]*model.Edge{}, adj.SolidOut[id]...)
		sort.SliceStable(edges, func(i, j int) bool { return edges[i].ID < edges[j].ID })
		taken := map[string]bool{}
		for _, e := range edges {
			if k := strings.TrimSpace(e.ConditionKey); k != "" {
				taken[k] = true
			}
		}
		next := 1
		for _, e := range edges {
			if strings.TrimSpace(e.ConditionKey) != "" {
				continue
			}
			key := fmt.Sprintf("route_%d", next)
			for taken[key] {
				next++
				key = fmt.Sprintf("route_%d", next)
			}
			e.ConditionKey = key
			taken[key] = true
			changes = append(changes, fmt.Sprintf("edge %s: generated condition_key %q", e.ID, key))
		}
	}
	return changes
}

// SnapshotHash is sha256 over a canonical JSON serialization with sorted
// keys. Structs are round-tripped through map form so key order never
// depends on field declaration order.
func SnapshotHash(f *model.Flowchart) (string, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return "", err
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return "", err
	}
	canonical, err := json.Marshal(generic) // map keys marshal sorted
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func sortedNodeIDs(f *model.Flowchart) []string {
	ids := make([]string, 0, len(f.Nodes))
	for id := range f.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
