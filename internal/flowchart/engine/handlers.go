package engine

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/executor/contract"
	"github.com/llmctl/llmctl/internal/executor/dispatch"
	"github.com/llmctl/llmctl/internal/flowchart/model"
	"github.com/llmctl/llmctl/internal/memory"
	"github.com/llmctl/llmctl/internal/rag"
	"github.com/llmctl/llmctl/internal/store"
)

// HandlerContext is what every node-type handler receives.
type HandlerContext struct {
	RunID            string
	NodeID           string
	NodeType         model.NodeType
	NodeRefID        string
	Node             *model.Node
	NodeConfig       map[string]any
	InputContext     map[string]any
	ExecutionID      string // node-run id
	ExecutionTaskID  string
	ExecutionIndex   int
	EnabledProviders []string
	DefaultModelID   string
	MCPServerKeys    []string
}

// HandlerFunc executes one node and returns its output and routing state.
type HandlerFunc func(ctx context.Context, hc *HandlerContext) (output, routing map[string]any, err error)

// JobDispatcher is the engine's view of C3.
type JobDispatcher interface {
	Dispatch(ctx context.Context, runID, nodeRunID string, payload *contract.ExecutionPayload) (*dispatch.Dispatch, error)
	Cancel(ctx context.Context, runID string) error
}

// Retriever is the engine's view of C2.
type Retriever interface {
	Health(ctx context.Context) rag.Health
	Query(ctx context.Context, req rag.QueryRequest) (*rag.QueryResponse, error)
	Index(ctx context.Context, req rag.IndexRequest) (*rag.IndexReport, error)
}

// HandlerRegistry maps the closed node-type enumeration to handlers. No
// runtime extension: construction registers everything once.
type HandlerRegistry struct {
	handlers map[model.NodeType]HandlerFunc
}

type handlerDeps struct {
	dispatcher JobDispatcher
	retriever  Retriever
	memories   *memory.Service
	cfg        Config
	log        *zap.Logger

	// runSubflow starts a nested run for flowchart nodes; the engine wires
	// it after construction.
	runSubflow func(ctx context.Context, flowchartID string) (*store.FlowchartRun, error)
}

func newHandlerRegistry(deps *handlerDeps) *HandlerRegistry {
	r := &HandlerRegistry{handlers: map[model.NodeType]HandlerFunc{}}
	r.handlers[model.NodeStart] = handleStart
	r.handlers[model.NodeEnd] = handleEnd
	r.handlers[model.NodeTask] = deps.taskHandler("task.llm")
	r.handlers[model.NodePlan] = deps.taskHandler("plan.llm")
	r.handlers[model.NodeDecision] = handleDecision
	r.handlers[model.NodeMemory] = deps.memoryHandler()
	r.handlers[model.NodeRAG] = deps.ragHandler()
	r.handlers[model.NodeFlowchart] = deps.flowchartHandler()
	r.handlers[model.NodeMilestone] = handleMilestone
	return r
}

// Handler panics on unknown types: the validator guarantees the enumeration
// before a run starts.
func (r *HandlerRegistry) Handler(t model.NodeType) (HandlerFunc, error) {
	fn, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("no handler for node type %q", t)
	}
	return fn, nil
}

func handleStart(_ context.Context, _ *HandlerContext) (map[string]any, map[string]any, error) {
	return withCommonKeys(map[string]any{"trigger": true}, "started", nil), nil, nil
}

func handleEnd(_ context.Context, _ *HandlerContext) (map[string]any, map[string]any, error) {
	return withCommonKeys(map[string]any{}, "completed", nil), nil, nil
}

func handleMilestone(_ context.Context, hc *HandlerContext) (map[string]any, map[string]any, error) {
	out := map[string]any{"milestone": hc.Node.Title}
	return withCommonKeys(out, "completed", nil), nil, nil
}

// handleDecision evaluates the routing decision. The decision either comes
// from an upstream task's structured output or from a static rule in the
// node config.
func handleDecision(_ context.Context, hc *HandlerContext) (map[string]any, map[string]any, error) {
	matched := decisionMatches(hc)
	known := map[string]bool{}
	for _, key := range hc.Node.DecisionConditions() {
		known[key] = true
	}
	var valid []any
	var routeKey string
	for _, key := range matched {
		if len(known) > 0 && !known[key] {
			continue
		}
		valid = append(valid, key)
		if routeKey == "" {
			routeKey = key
		}
	}
	routing := map[string]any{
		"matched_connector_ids": valid,
		"no_match":              len(valid) == 0,
	}
	if routeKey != "" {
		routing["route_key"] = routeKey
	}
	if len(valid) == 0 && hc.Node.NoMatchPolicy() == model.NoMatchFail {
		return nil, routing, fmt.Errorf("decision_no_match: node %q matched none of %v", hc.NodeID, hc.Node.DecisionConditions())
	}
	out := withCommonKeys(map[string]any{"evaluated_conditions": hc.Node.DecisionConditions()}, "completed", nil)
	return out, routing, nil
}

// decisionMatches collects candidate route keys: static config first, then
// upstream routing/structured outputs.
func decisionMatches(hc *HandlerContext) []string {
	if static := hc.Node.ConfigStrings("matched_connector_ids"); len(static) > 0 {
		return static
	}
	var matched []string
	for _, up := range upstreamEntries(hc.InputContext) {
		out, _ := up["output_state"].(map[string]any)
		if out == nil {
			continue
		}
		for _, container := range []map[string]any{out, nestedMap(out, "structured_output"), nestedMap(out, "routing_state")} {
			if container == nil {
				continue
			}
			matched = append(matched, anyStrings(container["matched_connector_ids"])...)
			if s, ok := container["route_key"].(string); ok && s != "" {
				matched = append(matched, s)
			}
		}
	}
	return dedupeStrings(matched)
}

func (d *handlerDeps) memoryHandler() HandlerFunc {
	return func(ctx context.Context, hc *HandlerContext) (map[string]any, map[string]any, error) {
		if d.memories == nil {
			return nil, nil, fmt.Errorf("memory store not configured")
		}
		op := hc.Node.ConfigString("memory_operation", "retrieve")
		switch op {
		case "save":
			rec, err := d.memories.Save(ctx, &store.MemoryRecord{
				ID:      hc.NodeRefID,
				Title:   hc.Node.ConfigString("title", hc.Node.Title),
				Content: hc.Node.ConfigString("content", flattenUpstreamText(hc.InputContext)),
				Tags:    hc.Node.ConfigStrings("tags"),
			})
			if err != nil {
				return nil, nil, err
			}
			out := map[string]any{"memory_id": rec.ID, "operation": op}
			return withCommonKeys(out, "completed", nil), nil, nil
		case "delete":
			if hc.NodeRefID == "" {
				return nil, nil, fmt.Errorf("memory delete requires a bound memory id")
			}
			if err := d.memories.Delete(ctx, hc.NodeRefID); err != nil {
				return nil, nil, err
			}
			return withCommonKeys(map[string]any{"memory_id": hc.NodeRefID, "operation": op}, "completed", nil), nil, nil
		case "retrieve", "llm_retrieve":
			req := memory.RetrieveRequest{
				NodeRefID:    hc.NodeRefID,
				QueryText:    hc.Node.ConfigString("query_text", ""),
				Limit:        hc.Node.ConfigInt("limit", 0),
				Instructions: hc.Node.ConfigString("task_prompt", ""),
			}
			var res *memory.RetrieveResult
			var err error
			if op == "llm_retrieve" {
				res, err = d.memories.GuidedRetrieve(ctx, req)
			} else {
				res, err = d.memories.Retrieve(ctx, req)
			}
			if err != nil {
				return nil, nil, err
			}
			records := make([]any, 0, len(res.Records))
			for _, rec := range res.Records {
				records = append(records, map[string]any{
					"id": rec.ID, "title": rec.Title, "content": rec.Content,
				})
			}
			out := map[string]any{
				"operation":   op,
				"records":     records,
				"confidence":  res.Confidence,
				"plan_source": res.PlanSource,
			}
			return withCommonKeys(out, "completed", nil), nil, nil
		default:
			return nil, nil, fmt.Errorf("unknown memory operation %q", op)
		}
	}
}

func (d *handlerDeps) ragHandler() HandlerFunc {
	return func(ctx context.Context, hc *HandlerContext) (map[string]any, map[string]any, error) {
		if d.retriever == nil {
			return nil, nil, fmt.Errorf("retrieval store not configured")
		}
		mode := hc.Node.ConfigString("mode", "query")
		collections := hc.Node.ConfigStrings("collections")
		var stageLogs []any

		switch mode {
		case "query":
			question := mergeQuestion(hc)
			resp, err := d.retriever.Query(ctx, rag.QueryRequest{
				Question:           question,
				Collections:        collections,
				TopK:               hc.Node.ConfigInt("top_k", 0),
				RequestID:          uuid.NewString(),
				RuntimeKind:        store.RuntimeFlowchart,
				FlowchartRunID:     hc.RunID,
				FlowchartNodeRunID: hc.ExecutionID,
				Synthesize:         hc.Node.ConfigString("synthesize", "") == "true",
			})
			if err != nil {
				return nil, nil, err
			}
			stageLogs = append(stageLogs, fmt.Sprintf("retrieved %d chunks from %d collections",
				resp.Stats.ChunksReturned, resp.Stats.CollectionsQueried))
			out := map[string]any{
				"mode":      mode,
				"question":  question,
				"context":   contextRowsToAny(resp.Context),
				"citations": citationsToAny(resp.Citations),
				"stats": map[string]any{
					"collections_queried": resp.Stats.CollectionsQueried,
					"chunks_returned":     resp.Stats.ChunksReturned,
				},
			}
			if resp.Answer != "" {
				out["answer"] = resp.Answer
			}
			if resp.SynthesisError != "" {
				out["synthesis_error"] = resp.SynthesisError
			}
			return withCommonKeys(out, "completed", stageLogs), nil, nil

		case "fresh_index", "delta_index":
			indexMode, err := rag.ParseIndexMode(mode)
			if err != nil {
				return nil, nil, err
			}
			report, err := d.retriever.Index(ctx, rag.IndexRequest{
				Mode:          indexMode,
				Collections:   collections,
				ModelProvider: hc.Node.ConfigString("model_provider", ""),
				OnLog:         func(line string) { stageLogs = append(stageLogs, line) },
			})
			if err != nil {
				return nil, nil, err
			}
			out := map[string]any{
				"mode":          mode,
				"files_indexed": report.FilesIndexed,
				"files_removed": report.FilesRemoved,
				"chunks_added":  report.ChunksAdded,
			}
			return withCommonKeys(out, "completed", stageLogs), nil, nil

		default:
			return nil, nil, fmt.Errorf("unknown rag mode %q", mode)
		}
	}
}

func (d *handlerDeps) flowchartHandler() HandlerFunc {
	return func(ctx context.Context, hc *HandlerContext) (map[string]any, map[string]any, error) {
		if d.runSubflow == nil {
			return nil, nil, fmt.Errorf("nested flowchart runs not configured")
		}
		if hc.NodeRefID == "" {
			return nil, nil, fmt.Errorf("flowchart node %q has no referenced flowchart", hc.NodeID)
		}
		sub, err := d.runSubflow(ctx, hc.NodeRefID)
		if err != nil {
			return nil, nil, fmt.Errorf("subflow %q: %w", hc.NodeRefID, err)
		}
		out := map[string]any{
			"sub_run_id":    sub.ID,
			"sub_flowchart": hc.NodeRefID,
			"sub_status":    string(sub.Status),
		}
		if sub.Status != store.RunCompleted {
			return withCommonKeys(out, "failed", nil), nil,
				fmt.Errorf("subflow %q ended %s: %s", hc.NodeRefID, sub.Status, sub.Error)
		}
		return withCommonKeys(out, "completed", nil), nil, nil
	}
}

// mergeQuestion joins the configured question with upstream text so a rag
// query node sees what its solid parents produced.
func mergeQuestion(hc *HandlerContext) string {
	parts := []string{}
	if q := hc.Node.ConfigString("question", hc.Node.ConfigString("task_prompt", "")); q != "" {
		parts = append(parts, q)
	}
	if up := flattenUpstreamText(hc.InputContext); up != "" {
		parts = append(parts, up)
	}
	return strings.TrimSpace(strings.Join(parts, "\n\n"))
}

func contextRowsToAny(rows []rag.ContextRow) []any {
	out := make([]any, 0, len(rows))
	for _, r := range rows {
		out = append(out, map[string]any{
			"rank": r.Rank, "text": r.Text, "collection": r.Collection, "path": r.Path,
		})
	}
	return out
}

func citationsToAny(rows []rag.Citation) []any {
	out := make([]any, 0, len(rows))
	for _, c := range rows {
		out = append(out, map[string]any{
			"rank": c.Rank, "collection": c.Collection, "source_id": c.SourceID,
			"path": c.Path, "chunk_id": c.ChunkID, "score": c.Score,
		})
	}
	return out
}

// withCommonKeys attaches the shared output surface every handler reports.
func withCommonKeys(out map[string]any, stage string, stageLogs []any) map[string]any {
	if out == nil {
		out = map[string]any{}
	}
	out["task_current_stage"] = stage
	if len(stageLogs) > 0 {
		out["task_stage_logs"] = stageLogs
	}
	return out
}

func upstreamEntries(input map[string]any) []map[string]any {
	var out []map[string]any
	if input == nil {
		return nil
	}
	for _, key := range []string{"upstream_nodes", "dotted_upstream_nodes"} {
		items, _ := input[key].([]any)
		for _, item := range items {
			if m, ok := item.(map[string]any); ok {
				out = append(out, m)
			}
		}
	}
	return out
}

// flattenUpstreamText pulls human-readable output from upstream nodes.
func flattenUpstreamText(input map[string]any) string {
	var parts []string
	for _, up := range upstreamEntries(input) {
		out, _ := up["output_state"].(map[string]any)
		if out == nil {
			continue
		}
		for _, key := range []string{"raw_output", "answer", "content"} {
			if s, ok := out[key].(string); ok && strings.TrimSpace(s) != "" {
				parts = append(parts, s)
			}
		}
	}
	return strings.Join(parts, "\n\n")
}

func nestedMap(m map[string]any, key string) map[string]any {
	v, _ := m[key].(map[string]any)
	return v
}

func anyStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return append([]string{}, t...)
	case []any:
		var out []string
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func dedupeStrings(in []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
