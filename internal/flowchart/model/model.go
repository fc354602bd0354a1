// Package model holds the persisted flowchart graph shapes and the adjacency
// index the scheduler traverses. Graphs are inherently cyclic; everything is
// keyed by node id and rebuilt at run load — never by object identity.
package model

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

type NodeType string

const (
	NodeStart     NodeType = "start"
	NodeEnd       NodeType = "end"
	NodeTask      NodeType = "task"
	NodeDecision  NodeType = "decision"
	NodeMemory    NodeType = "memory"
	NodeRAG       NodeType = "rag"
	NodeFlowchart NodeType = "flowchart"
	NodePlan      NodeType = "plan"
	NodeMilestone NodeType = "milestone"
)

// KnownNodeTypes is the closed handler enumeration. Open-world extension at
// runtime is forbidden; the validator rejects anything outside this list.
var KnownNodeTypes = []NodeType{
	NodeStart, NodeEnd, NodeTask, NodeDecision, NodeMemory,
	NodeRAG, NodeFlowchart, NodePlan, NodeMilestone,
}

func ParseNodeType(s string) (NodeType, error) {
	t := NodeType(strings.ToLower(strings.TrimSpace(s)))
	for _, k := range KnownNodeTypes {
		if t == k {
			return t, nil
		}
	}
	return "", fmt.Errorf("unknown node type: %q", s)
}

type EdgeMode string

const (
	EdgeSolid  EdgeMode = "solid"
	EdgeDotted EdgeMode = "dotted"
)

type FanInMode string

const (
	FanInAll    FanInMode = "all"
	FanInAny    FanInMode = "any"
	FanInCustom FanInMode = "custom"
)

type NoMatchPolicy string

const (
	NoMatchFail     NoMatchPolicy = "fail"
	NoMatchFallback NoMatchPolicy = "fallback"
)

type Flowchart struct {
	ID                string    `json:"id"`
	Name              string    `json:"name"`
	MaxNodeExecutions int       `json:"max_node_executions"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`

	Nodes map[string]*Node `json:"nodes"`
	Edges []*Edge          `json:"edges"`
}

type Node struct {
	ID          string   `json:"id"`
	FlowchartID string   `json:"flowchart_id"`
	Type        NodeType `json:"node_type"`
	RefID       string   `json:"ref_id,omitempty"`
	Title       string   `json:"title,omitempty"`
	X           float64  `json:"x"`
	Y           float64  `json:"y"`

	// Node-type-specific knobs (task_prompt, fan_in_mode, decision_conditions,
	// rag mode/collections/top_k, ...). Values survive a JSON round trip.
	Config map[string]any `json:"config,omitempty"`

	ModelID       string   `json:"model_id,omitempty"`
	MCPServerIDs  []string `json:"mcp_server_ids,omitempty"`
	ScriptIDs     []string `json:"script_ids,omitempty"`
	SkillIDs      []string `json:"skill_ids,omitempty"`
	AttachmentIDs []string `json:"attachment_ids,omitempty"`
}

type Edge struct {
	ID             string   `json:"id"`
	FlowchartID    string   `json:"flowchart_id"`
	SourceNodeID   string   `json:"source_node_id"`
	TargetNodeID   string   `json:"target_node_id"`
	Mode           EdgeMode `json:"edge_mode"`
	ConditionKey   string   `json:"condition_key,omitempty"`
	SourceHandleID string   `json:"source_handle_id,omitempty"`
	TargetHandleID string   `json:"target_handle_id,omitempty"`
	Label          string   `json:"label,omitempty"`
}

// ConfigString reads a string config value with a default.
func (n *Node) ConfigString(key, def string) string {
	if n == nil || n.Config == nil {
		return def
	}
	v, ok := n.Config[key]
	if !ok || v == nil {
		return def
	}
	s := strings.TrimSpace(fmt.Sprint(v))
	if s == "" {
		return def
	}
	return s
}

// ConfigInt reads an int config value; JSON decoding yields float64, string
// values are accepted too.
func (n *Node) ConfigInt(key string, def int) int {
	if n == nil || n.Config == nil {
		return def
	}
	switch v := n.Config[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		if i, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return i
		}
	}
	return def
}

func (n *Node) ConfigStrings(key string) []string {
	if n == nil || n.Config == nil {
		return nil
	}
	switch v := n.Config[key].(type) {
	case []string:
		return append([]string{}, v...)
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s := strings.TrimSpace(fmt.Sprint(item))
			if s != "" {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func (n *Node) FanInMode() FanInMode {
	switch FanInMode(n.ConfigString("fan_in_mode", string(FanInAll))) {
	case FanInAny:
		return FanInAny
	case FanInCustom:
		return FanInCustom
	default:
		return FanInAll
	}
}

func (n *Node) FanInCustomCount() int {
	return n.ConfigInt("fan_in_custom_count", 1)
}

func (n *Node) NoMatchPolicy() NoMatchPolicy {
	if NoMatchPolicy(n.ConfigString("no_match_policy", string(NoMatchFail))) == NoMatchFallback {
		return NoMatchFallback
	}
	return NoMatchFail
}

func (n *Node) FallbackConditionKey() string {
	return n.ConfigString("fallback_condition_key", "")
}

func (n *Node) DecisionConditions() []string {
	return n.ConfigStrings("decision_conditions")
}

// Adjacency is the per-run traversal index: solid edges drive admission and
// token emission, dotted edges are pull-only context channels.
type Adjacency struct {
	SolidOut  map[string][]*Edge
	SolidIn   map[string][]*Edge
	DottedOut map[string][]*Edge
	DottedIn  map[string][]*Edge
}

func (f *Flowchart) BuildAdjacency() *Adjacency {
	a := &Adjacency{
		SolidOut:  map[string][]*Edge{},
		SolidIn:   map[string][]*Edge{},
		DottedOut: map[string][]*Edge{},
		DottedIn:  map[string][]*Edge{},
	}
	for _, e := range f.Edges {
		if e == nil {
			continue
		}
		if e.Mode == EdgeDotted {
			a.DottedOut[e.SourceNodeID] = append(a.DottedOut[e.SourceNodeID], e)
			a.DottedIn[e.TargetNodeID] = append(a.DottedIn[e.TargetNodeID], e)
			continue
		}
		a.SolidOut[e.SourceNodeID] = append(a.SolidOut[e.SourceNodeID], e)
		a.SolidIn[e.TargetNodeID] = append(a.SolidIn[e.TargetNodeID], e)
	}
	return a
}

// SolidParents returns the distinct solid parent node ids of target, in a
// deterministic first-seen order.
func (a *Adjacency) SolidParents(target string) []string {
	seen := map[string]bool{}
	out := []string{}
	for _, e := range a.SolidIn[target] {
		if e == nil || seen[e.SourceNodeID] {
			continue
		}
		seen[e.SourceNodeID] = true
		out = append(out, e.SourceNodeID)
	}
	return out
}

func (f *Flowchart) StartNode() *Node {
	for _, n := range f.Nodes {
		if n != nil && n.Type == NodeStart {
			return n
		}
	}
	return nil
}

func (f *Flowchart) Node(id string) *Node {
	if f == nil || f.Nodes == nil {
		return nil
	}
	return f.Nodes[strings.TrimSpace(id)]
}

// Clone deep-copies the flowchart so a run holds a snapshot-consistent graph
// regardless of later graph writes.
func (f *Flowchart) Clone() *Flowchart {
	if f == nil {
		return nil
	}
	out := &Flowchart{
		ID:                f.ID,
		Name:              f.Name,
		MaxNodeExecutions: f.MaxNodeExecutions,
		CreatedAt:         f.CreatedAt,
		UpdatedAt:         f.UpdatedAt,
		Nodes:             make(map[string]*Node, len(f.Nodes)),
		Edges:             make([]*Edge, 0, len(f.Edges)),
	}
	for id, n := range f.Nodes {
		out.Nodes[id] = n.Clone()
	}
	for _, e := range f.Edges {
		if e == nil {
			continue
		}
		ce := *e
		out.Edges = append(out.Edges, &ce)
	}
	return out
}

func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	cn := *n
	cn.Config = cloneAnyMap(n.Config)
	cn.MCPServerIDs = append([]string{}, n.MCPServerIDs...)
	cn.ScriptIDs = append([]string{}, n.ScriptIDs...)
	cn.SkillIDs = append([]string{}, n.SkillIDs...)
	cn.AttachmentIDs = append([]string{}, n.AttachmentIDs...)
	return &cn
}

func cloneAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = cloneAnyMap(t)
		case []any:
			out[k] = append([]any{}, t...)
		case []string:
			out[k] = append([]string{}, t...)
		default:
			out[k] = v
		}
	}
	return out
}
