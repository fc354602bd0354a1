package model

import "testing"

func testChart() *Flowchart {
	f := &Flowchart{
		ID:    "fc-1",
		Name:  "adjacency",
		Nodes: map[string]*Node{},
	}
	for _, n := range []*Node{
		{ID: "start", Type: NodeStart},
		{ID: "a", Type: NodeTask},
		{ID: "b", Type: NodeTask},
		{ID: "t", Type: NodeTask, Config: map[string]any{"fan_in_mode": "custom", "fan_in_custom_count": float64(2)}},
	} {
		n.FlowchartID = f.ID
		f.Nodes[n.ID] = n
	}
	f.Edges = []*Edge{
		{ID: "e1", SourceNodeID: "start", TargetNodeID: "a", Mode: EdgeSolid},
		{ID: "e2", SourceNodeID: "start", TargetNodeID: "b", Mode: EdgeSolid},
		{ID: "e3", SourceNodeID: "a", TargetNodeID: "t", Mode: EdgeSolid},
		{ID: "e4", SourceNodeID: "b", TargetNodeID: "t", Mode: EdgeSolid},
		{ID: "e5", SourceNodeID: "a", TargetNodeID: "t", Mode: EdgeDotted},
	}
	return f
}

func TestBuildAdjacencySplitsSolidAndDotted(t *testing.T) {
	adj := testChart().BuildAdjacency()
	if got := len(adj.SolidOut["start"]); got != 2 {
		t.Fatalf("solid out of start: got %d want 2", got)
	}
	if got := len(adj.SolidIn["t"]); got != 2 {
		t.Fatalf("solid in of t: got %d want 2", got)
	}
	if got := len(adj.DottedIn["t"]); got != 1 {
		t.Fatalf("dotted in of t: got %d want 1", got)
	}
	parents := adj.SolidParents("t")
	if len(parents) != 2 || parents[0] != "a" || parents[1] != "b" {
		t.Fatalf("solid parents of t: got %v", parents)
	}
}

func TestConfigAccessors(t *testing.T) {
	n := testChart().Nodes["t"]
	if n.FanInMode() != FanInCustom {
		t.Fatalf("fan_in_mode: got %q", n.FanInMode())
	}
	if n.FanInCustomCount() != 2 {
		t.Fatalf("fan_in_custom_count: got %d", n.FanInCustomCount())
	}
	if n.NoMatchPolicy() != NoMatchFail {
		t.Fatalf("no_match_policy default: got %q", n.NoMatchPolicy())
	}
	if got := n.ConfigString("missing", "dflt"); got != "dflt" {
		t.Fatalf("ConfigString default: got %q", got)
	}
}

func TestCloneIsDeep(t *testing.T) {
	f := testChart()
	c := f.Clone()
	c.Nodes["t"].Config["fan_in_custom_count"] = float64(9)
	if f.Nodes["t"].FanInCustomCount() != 2 {
		t.Fatalf("clone mutated original config")
	}
	c.Edges[0].TargetNodeID = "elsewhere"
	if f.Edges[0].TargetNodeID != "a" {
		t.Fatalf("clone mutated original edge")
	}
}

func TestParseNodeTypeRejectsUnknown(t *testing.T) {
	if _, err := ParseNodeType("task"); err != nil {
		t.Fatalf("task: %v", err)
	}
	if _, err := ParseNodeType("webhook"); err == nil {
		t.Fatalf("expected error for unknown type")
	}
}
