package validate

import (
	"testing"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

func chart(nodes []*model.Node, edges []*model.Edge) *model.Flowchart {
	f := &model.Flowchart{ID: "fc", Name: "t", Nodes: map[string]*model.Node{}, Edges: edges}
	for _, n := range nodes {
		n.FlowchartID = f.ID
		f.Nodes[n.ID] = n
	}
	return f
}

func hasRule(diags []Diagnostic, rule string, sev Severity) bool {
	for _, d := range diags {
		if d.Rule == rule && d.Severity == sev {
			return true
		}
	}
	return false
}

func TestValidateCleanGraph(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "a", Type: model.NodeTask},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "a", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "a", TargetNodeID: "end", Mode: model.EdgeSolid},
		},
	)
	if err := ValidateOrError(f); err != nil {
		t.Fatalf("clean graph: %v", err)
	}
}

func TestValidateExactlyOneStart(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "s1", Type: model.NodeStart},
			{ID: "s2", Type: model.NodeStart},
			{ID: "end", Type: model.NodeEnd},
		},
		nil,
	)
	if !hasRule(Validate(f), "start_node", SeverityError) {
		t.Fatalf("expected start_node error")
	}
}

func TestValidateEndNoOutgoing(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "end", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "end", TargetNodeID: "start", Mode: model.EdgeSolid},
		},
	)
	if !hasRule(Validate(f), "end_no_outgoing", SeverityError) {
		t.Fatalf("expected end_no_outgoing error")
	}
}

func TestValidateConditionKeyPlacement(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "a", Type: model.NodeTask},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "a", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "a", TargetNodeID: "end", Mode: model.EdgeSolid, ConditionKey: "route_1"},
		},
	)
	if !hasRule(Validate(f), "condition_key_decision_only", SeverityError) {
		t.Fatalf("expected condition_key_decision_only error")
	}
}

func TestValidateDecisionKeysUniqueAndNonEmpty(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "d", Type: model.NodeDecision},
			{ID: "a", Type: model.NodeTask},
			{ID: "b", Type: model.NodeTask},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "d", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "d", TargetNodeID: "a", Mode: model.EdgeSolid, ConditionKey: "route_1"},
			{ID: "e3", SourceNodeID: "d", TargetNodeID: "b", Mode: model.EdgeSolid, ConditionKey: "route_1"},
			{ID: "e4", SourceNodeID: "a", TargetNodeID: "end", Mode: model.EdgeSolid},
		},
	)
	diags := Validate(f)
	if !hasRule(diags, "decision_condition_key_unique", SeverityError) {
		t.Fatalf("expected duplicate key error, got %+v", diags)
	}

	f.Edges[2].ConditionKey = ""
	if !hasRule(Validate(f), "decision_condition_key_required", SeverityError) {
		t.Fatalf("expected empty key error")
	}
}

func TestValidateEdgePairModeConflict(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "a", Type: model.NodeTask},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "a", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "start", TargetNodeID: "a", Mode: model.EdgeDotted},
		},
	)
	if !hasRule(Validate(f), "edge_pair_mode_conflict", SeverityError) {
		t.Fatalf("expected edge_pair_mode_conflict error")
	}
}

func TestValidateFanInCustomBounds(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "t", Type: model.NodeTask, Config: map[string]any{
				"fan_in_mode": "custom", "fan_in_custom_count": float64(3),
			}},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "t", Mode: model.EdgeSolid},
		},
	)
	if !hasRule(Validate(f), "fan_in_custom_count_bounds", SeverityError) {
		t.Fatalf("expected fan_in_custom_count_bounds error")
	}
}

func TestValidateBindingCompatibility(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart, SkillIDs: []string{"sk-1"}},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "end", Mode: model.EdgeSolid},
		},
	)
	if !hasRule(Validate(f), "binding_compatibility", SeverityError) {
		t.Fatalf("expected binding_compatibility error")
	}
}

func TestValidateDottedObserverDoesNotWarn(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "obs", Type: model.NodeTask},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "end", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "start", TargetNodeID: "obs", Mode: model.EdgeDotted},
		},
	)
	if hasRule(Validate(f), "solid_reachability", SeverityWarning) {
		t.Fatalf("dotted observer should not trigger reachability warning")
	}
}

func TestValidateUnreachableNodeWarns(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "island", Type: model.NodeTask},
			{ID: "end", Type: model.NodeEnd},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "end", Mode: model.EdgeSolid},
		},
	)
	if !hasRule(Validate(f), "solid_reachability", SeverityWarning) {
		t.Fatalf("expected solid_reachability warning")
	}
}

func TestValidateSolidOutgoingBounds(t *testing.T) {
	f := chart(
		[]*model.Node{
			{ID: "start", Type: model.NodeStart},
			{ID: "a", Type: model.NodeTask},
			{ID: "b", Type: model.NodeTask},
			{ID: "c", Type: model.NodeTask},
		},
		[]*model.Edge{
			{ID: "e1", SourceNodeID: "start", TargetNodeID: "a", Mode: model.EdgeSolid},
			{ID: "e2", SourceNodeID: "a", TargetNodeID: "b", Mode: model.EdgeSolid},
			{ID: "e3", SourceNodeID: "a", TargetNodeID: "c", Mode: model.EdgeSolid},
		},
	)
	if !hasRule(Validate(f), "solid_outgoing_bound", SeverityError) {
		t.Fatalf("expected solid_outgoing_bound error for task with 2 solid outs")
	}
}
