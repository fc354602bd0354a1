package gate

import (
	"fmt"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

// RoutingState is the decision outcome a node handler reports.
type RoutingState struct {
	MatchedConnectorIDs []string `json:"matched_connector_ids,omitempty"`
	RouteKey            string   `json:"route_key,omitempty"`
	NoMatch             bool     `json:"no_match,omitempty"`
}

// RoutingStateFromMap decodes the handler's routing_state payload.
func RoutingStateFromMap(m map[string]any) RoutingState {
	var rs RoutingState
	if m == nil {
		return rs
	}
	if v, ok := m["matched_connector_ids"]; ok {
		switch t := v.(type) {
		case []string:
			rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, t...)
		case []any:
			for _, item := range t {
				if s, ok := item.(string); ok {
					rs.MatchedConnectorIDs = append(rs.MatchedConnectorIDs, s)
				}
			}
		}
	}
	if s, ok := m["route_key"].(string); ok {
		rs.RouteKey = s
	}
	if b, ok := m["no_match"].(bool); ok {
		rs.NoMatch = b
	}
	return rs
}

// ResolveRouting returns the solid outgoing edges that carry tokens after a
// successful execution. Dotted edges never emit.
func ResolveRouting(fc *model.Flowchart, adj *model.Adjacency, nodeID string, rs RoutingState) ([]*model.Edge, error) {
	node := fc.Node(nodeID)
	if node == nil {
		return nil, fmt.Errorf("unknown node %q", nodeID)
	}
	solid := adj.SolidOut[nodeID]
	if node.Type != model.NodeDecision {
		return append([]*model.Edge{}, solid...), nil
	}

	matched := map[string]bool{}
	for _, key := range rs.MatchedConnectorIDs {
		matched[key] = true
	}
	if rs.NoMatch || len(matched) == 0 {
		if node.NoMatchPolicy() != model.NoMatchFallback {
			return nil, fmt.Errorf("decision_no_match: node %q matched no route", nodeID)
		}
		fallback := node.FallbackConditionKey()
		if fallback == "" {
			return nil, fmt.Errorf("decision_no_match: node %q has no fallback_condition_key", nodeID)
		}
		matched = map[string]bool{fallback: true}
	}

	var out []*model.Edge
	for _, e := range solid {
		if matched[e.ConditionKey] {
			out = append(out, e)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("decision_no_match: node %q routes %v match no outgoing edge", nodeID, rs.MatchedConnectorIDs)
	}
	return out, nil
}
