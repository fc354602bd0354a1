// Package validate checks a flowchart graph against the structural and policy
// rules the scheduler depends on. Rules return diagnostics; ERROR severity
// blocks run start and migration writes, WARNING is recorded and passes.
package validate

import (
	"fmt"
	"sort"
	"strings"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

type Severity string

const (
	SeverityError   Severity = "ERROR"
	SeverityWarning Severity = "WARNING"
	SeverityInfo    Severity = "INFO"
)

type Diagnostic struct {
	Rule     string   `json:"rule"`
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
	NodeID   string   `json:"node_id,omitempty"`
	EdgeID   string   `json:"edge_id,omitempty"`
	Fix      string   `json:"fix,omitempty"`
}

// Rule is the interface for extra policy rules appended after built-ins.
type Rule interface {
	Name() string
	Apply(f *model.Flowchart) []Diagnostic
}

// maxDecisionRoutes bounds solid outgoing edges of a decision node.
const maxDecisionRoutes = 3

// bindingTable is the fixed binding-type compatibility table per node type.
// A binding kind absent from a node type's set is rejected.
var bindingTable = map[model.NodeType]map[string]bool{
	model.NodeStart:     {},
	model.NodeEnd:       {},
	model.NodeTask:      {"model": true, "mcp": true, "scripts": true, "skills": true, "attachments": true},
	model.NodeDecision:  {"model": true},
	model.NodeMemory:    {"model": true, "mcp": true},
	model.NodeRAG:       {"model": true, "attachments": true},
	model.NodeFlowchart: {},
	model.NodePlan:      {"model": true},
	model.NodeMilestone: {},
}

// Validate runs all built-in rules and any extra rules against the flowchart.
func Validate(f *model.Flowchart, extraRules ...Rule) []Diagnostic {
	if f == nil {
		return []Diagnostic{{Rule: "graph_nil", Severity: SeverityError, Message: "flowchart is nil"}}
	}

	var diags []Diagnostic
	diags = append(diags, checkNodeTypes(f)...)
	diags = append(diags, checkStartNode(f)...)
	diags = append(diags, checkEndNoOutgoing(f)...)
	diags = append(diags, checkEdgeEndpoints(f)...)
	diags = append(diags, checkEdgePairModes(f)...)
	diags = append(diags, checkConditionKeyPlacement(f)...)
	diags = append(diags, checkDecisionConditionKeys(f)...)
	diags = append(diags, checkSolidOutgoingBounds(f)...)
	diags = append(diags, checkFanInBounds(f)...)
	diags = append(diags, checkBindingCompatibility(f)...)
	diags = append(diags, checkMemoryMCPBinding(f)...)
	diags = append(diags, checkRAGConfig(f)...)
	diags = append(diags, checkSolidReachability(f)...)

	for _, rule := range extraRules {
		if rule != nil {
			diags = append(diags, rule.Apply(f)...)
		}
	}
	return diags
}

// ValidateOrError collapses ERROR diagnostics into a single error.
func ValidateOrError(f *model.Flowchart, extraRules ...Rule) error {
	diags := Validate(f, extraRules...)
	var errs []string
	for _, d := range diags {
		if d.Severity == SeverityError {
			errs = append(errs, d.Rule+": "+d.Message)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

func checkNodeTypes(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for id, n := range f.Nodes {
		if n == nil {
			diags = append(diags, Diagnostic{Rule: "node_nil", Severity: SeverityError, Message: "nil node entry", NodeID: id})
			continue
		}
		if _, err := model.ParseNodeType(string(n.Type)); err != nil {
			diags = append(diags, Diagnostic{
				Rule:     "node_type_known",
				Severity: SeverityError,
				Message:  err.Error(),
				NodeID:   id,
			})
		}
	}
	return diags
}

func checkStartNode(f *model.Flowchart) []Diagnostic {
	var ids []string
	for id, n := range f.Nodes {
		if n != nil && n.Type == model.NodeStart {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	if len(ids) != 1 {
		return []Diagnostic{{
			Rule:     "start_node",
			Severity: SeverityError,
			Message:  fmt.Sprintf("flowchart must have exactly one start node (found %d: %v)", len(ids), ids),
		}}
	}
	return nil
}

func checkEndNoOutgoing(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, e := range f.Edges {
		if e == nil {
			continue
		}
		src := f.Node(e.SourceNodeID)
		if src != nil && src.Type == model.NodeEnd {
			diags = append(diags, Diagnostic{
				Rule:     "end_no_outgoing",
				Severity: SeverityError,
				Message:  "end node has an outgoing edge",
				NodeID:   src.ID,
				EdgeID:   e.ID,
			})
		}
	}
	return diags
}

func checkEdgeEndpoints(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, e := range f.Edges {
		if e == nil {
			continue
		}
		if f.Node(e.SourceNodeID) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "edge_endpoints_exist",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references missing source node %q", e.SourceNodeID),
				EdgeID:   e.ID,
			})
		}
		if f.Node(e.TargetNodeID) == nil {
			diags = append(diags, Diagnostic{
				Rule:     "edge_endpoints_exist",
				Severity: SeverityError,
				Message:  fmt.Sprintf("edge references missing target node %q", e.TargetNodeID),
				EdgeID:   e.ID,
			})
		}
	}
	return diags
}

// checkEdgePairModes rejects mixing solid and dotted between the same
// (source, target) pair.
func checkEdgePairModes(f *model.Flowchart) []Diagnostic {
	modes := map[string]map[model.EdgeMode]bool{}
	for _, e := range f.Edges {
		if e == nil {
			continue
		}
		key := e.SourceNodeID + "\x00" + e.TargetNodeID
		if modes[key] == nil {
			modes[key] = map[model.EdgeMode]bool{}
		}
		modes[key][e.Mode] = true
	}
	var diags []Diagnostic
	for key, set := range modes {
		if set[model.EdgeSolid] && set[model.EdgeDotted] {
			parts := strings.SplitN(key, "\x00", 2)
			diags = append(diags, Diagnostic{
				Rule:     "edge_pair_mode_conflict",
				Severity: SeverityError,
				Message:  fmt.Sprintf("both solid and dotted edges between %q and %q", parts[0], parts[1]),
			})
		}
	}
	sort.Slice(diags, func(i, j int) bool { return diags[i].Message < diags[j].Message })
	return diags
}

func checkConditionKeyPlacement(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, e := range f.Edges {
		if e == nil || strings.TrimSpace(e.ConditionKey) == "" {
			continue
		}
		src := f.Node(e.SourceNodeID)
		if src == nil {
			continue // endpoint rule already reports this
		}
		if src.Type != model.NodeDecision || e.Mode != model.EdgeSolid {
			diags = append(diags, Diagnostic{
				Rule:     "condition_key_decision_only",
				Severity: SeverityError,
				Message:  "condition_key is only valid on solid outgoing edges of decision nodes",
				NodeID:   src.ID,
				EdgeID:   e.ID,
				Fix:      "remove the condition_key or re-source the edge from a decision node",
			})
		}
	}
	return diags
}

func checkDecisionConditionKeys(f *model.Flowchart) []Diagnostic {
	adj := f.BuildAdjacency()
	var diags []Diagnostic
	nodeIDs := sortedNodeIDs(f)
	for _, id := range nodeIDs {
		n := f.Nodes[id]
		if n == nil || n.Type != model.NodeDecision {
			continue
		}
		seen := map[string]string{}
		for _, e := range adj.SolidOut[id] {
			key := strings.TrimSpace(e.ConditionKey)
			if key == "" {
				diags = append(diags, Diagnostic{
					Rule:     "decision_condition_key_required",
					Severity: SeverityError,
					Message:  "decision solid outgoing edge has an empty condition_key",
					NodeID:   id,
					EdgeID:   e.ID,
				})
				continue
			}
			if prev, dup := seen[key]; dup {
				diags = append(diags, Diagnostic{
					Rule:     "decision_condition_key_unique",
					Severity: SeverityError,
					Message:  fmt.Sprintf("condition_key %q duplicated on edges %s and %s", key, prev, e.ID),
					NodeID:   id,
					EdgeID:   e.ID,
				})
				continue
			}
			seen[key] = e.ID
		}
		if fb := n.FallbackConditionKey(); fb != "" && n.NoMatchPolicy() == model.NoMatchFallback {
			if _, ok := seen[fb]; !ok {
				diags = append(diags, Diagnostic{
					Rule:     "decision_fallback_key_exists",
					Severity: SeverityError,
					Message:  fmt.Sprintf("fallback_condition_key %q has no matching solid outgoing edge", fb),
					NodeID:   id,
				})
			}
		}
	}
	return diags
}

func checkSolidOutgoingBounds(f *model.Flowchart) []Diagnostic {
	adj := f.BuildAdjacency()
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil {
			continue
		}
		// Start nodes fan out freely; decision nodes route up to three ways;
		// everything else carries a single solid continuation.
		if n.Type == model.NodeStart {
			continue
		}
		out := len(adj.SolidOut[id])
		limit := 1
		if n.Type == model.NodeDecision {
			limit = maxDecisionRoutes
		}
		if out > limit {
			diags = append(diags, Diagnostic{
				Rule:     "solid_outgoing_bound",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s node has %d solid outgoing edges (max %d)", n.Type, out, limit),
				NodeID:   id,
			})
		}
	}
	return diags
}

func checkFanInBounds(f *model.Flowchart) []Diagnostic {
	adj := f.BuildAdjacency()
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil || n.FanInMode() != model.FanInCustom {
			continue
		}
		parents := len(adj.SolidParents(id))
		count := n.FanInCustomCount()
		if count < 1 || count > parents {
			diags = append(diags, Diagnostic{
				Rule:     "fan_in_custom_count_bounds",
				Severity: SeverityError,
				Message:  fmt.Sprintf("fan_in_custom_count=%d out of range [1, %d]", count, parents),
				NodeID:   id,
			})
		}
	}
	return diags
}

func checkBindingCompatibility(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil {
			continue
		}
		allowed, ok := bindingTable[n.Type]
		if !ok {
			continue // node_type_known already reports this
		}
		report := func(kind string, count int) {
			if count == 0 || allowed[kind] {
				return
			}
			diags = append(diags, Diagnostic{
				Rule:     "binding_compatibility",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s binding is not allowed on %s nodes", kind, n.Type),
				NodeID:   id,
			})
		}
		if n.ModelID != "" {
			report("model", 1)
		}
		report("mcp", len(n.MCPServerIDs))
		report("scripts", len(n.ScriptIDs))
		report("skills", len(n.SkillIDs))
		report("attachments", len(n.AttachmentIDs))
	}
	return diags
}

func checkMemoryMCPBinding(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil || n.Type != model.NodeMemory {
			continue
		}
		if len(n.MCPServerIDs) > 1 {
			diags = append(diags, Diagnostic{
				Rule:     "memory_mcp_binding",
				Severity: SeverityError,
				Message:  fmt.Sprintf("memory node binds %d MCP servers (max 1)", len(n.MCPServerIDs)),
				NodeID:   id,
			})
		}
		op := n.ConfigString("memory_operation", "retrieve")
		if op == "llm_retrieve" && n.ModelID == "" {
			diags = append(diags, Diagnostic{
				Rule:     "memory_llm_retrieve_model",
				Severity: SeverityWarning,
				Message:  "llm_retrieve without a bound model falls back to the default model",
				NodeID:   id,
			})
		}
	}
	return diags
}

func checkRAGConfig(f *model.Flowchart) []Diagnostic {
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil || n.Type != model.NodeRAG {
			continue
		}
		mode := n.ConfigString("mode", "query")
		switch mode {
		case "query", "fresh_index", "delta_index":
		default:
			diags = append(diags, Diagnostic{
				Rule:     "rag_mode_known",
				Severity: SeverityError,
				Message:  fmt.Sprintf("unknown rag mode %q", mode),
				NodeID:   id,
			})
		}
		if mode == "query" && len(n.ConfigStrings("collections")) == 0 {
			diags = append(diags, Diagnostic{
				Rule:     "rag_query_collections",
				Severity: SeverityWarning,
				Message:  "rag query with no collections selected always returns empty context",
				NodeID:   id,
			})
		}
	}
	return diags
}

// checkSolidReachability warns about nodes unreachable from start via solid
// edges; dotted-only observers are legitimate, so this never errors.
func checkSolidReachability(f *model.Flowchart) []Diagnostic {
	start := f.StartNode()
	if start == nil {
		return nil // start_node rule already fired
	}
	adj := f.BuildAdjacency()
	seen := map[string]bool{start.ID: true}
	queue := []string{start.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, e := range adj.SolidOut[id] {
			if e == nil || seen[e.TargetNodeID] {
				continue
			}
			seen[e.TargetNodeID] = true
			queue = append(queue, e.TargetNodeID)
		}
	}
	var diags []Diagnostic
	for _, id := range sortedNodeIDs(f) {
		n := f.Nodes[id]
		if n == nil || seen[id] {
			continue
		}
		// Dotted-in observers are reachable only as context pulls.
		if len(adj.DottedIn[id]) > 0 && len(adj.SolidIn[id]) == 0 {
			continue
		}
		diags = append(diags, Diagnostic{
			Rule:     "solid_reachability",
			Severity: SeverityWarning,
			Message:  "node is not reachable from start via solid edges",
			NodeID:   id,
		})
	}
	return diags
}

func sortedNodeIDs(f *model.Flowchart) []string {
	ids := make([]string, 0, len(f.Nodes))
	for id := range f.Nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
