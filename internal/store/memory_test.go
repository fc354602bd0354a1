package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

func TestFlowchartRoundTripIsDeep(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	f := &model.Flowchart{
		ID:    "f1",
		Name:  "demo",
		Nodes: map[string]*model.Node{"start": {ID: "start", Type: model.NodeStart}},
	}
	if err := m.SaveFlowchart(ctx, f); err != nil {
		t.Fatalf("save: %v", err)
	}
	f.Nodes["start"].Type = model.NodeTask

	got, err := m.GetFlowchart(ctx, "f1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Nodes["start"].Type != model.NodeStart {
		t.Fatalf("stored flowchart mutated through caller's copy")
	}

	if _, err := m.GetFlowchart(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestRunTerminalStatusIsFinal(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	run := &FlowchartRun{ID: "r1", FlowchartID: "f1", Status: RunRunning, CreatedAt: time.Now()}
	if err := m.CreateRun(ctx, run); err != nil {
		t.Fatalf("create: %v", err)
	}
	run.Status = RunCompleted
	if err := m.UpdateRun(ctx, run); err != nil {
		t.Fatalf("complete: %v", err)
	}
	run.Status = RunFailed
	if err := m.UpdateRun(ctx, run); err == nil {
		t.Fatalf("expected terminal-state rejection")
	}
	got, err := m.GetRun(ctx, "r1")
	if err != nil || got.Status != RunCompleted {
		t.Fatalf("run status: %v %v", got, err)
	}
}

func TestNodeRunOrderingAndDispatchID(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	mk := func(id, nodeID string, idx int) *FlowchartRunNode {
		return &FlowchartRunNode{ID: id, FlowchartRunID: "r1", FlowchartNodeID: nodeID, ExecutionIndex: idx, Status: NodeRunQueued}
	}
	for _, nr := range []*FlowchartRunNode{mk("n3", "b", 1), mk("n1", "a", 2), mk("n2", "a", 1)} {
		if err := m.CreateNodeRun(ctx, nr); err != nil {
			t.Fatalf("create %s: %v", nr.ID, err)
		}
	}
	list, err := m.ListNodeRuns(ctx, "r1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var order []string
	for _, nr := range list {
		order = append(order, nr.ID)
	}
	if order[0] != "n2" || order[1] != "n1" || order[2] != "n3" {
		t.Fatalf("unexpected order: %v", order)
	}

	bad := mk("n4", "c", 1)
	bad.ProviderDispatchID = "job-without-prefix"
	if err := m.CreateNodeRun(ctx, bad); err == nil {
		t.Fatalf("expected dispatch id rejection")
	}
	good := mk("n4", "c", 1)
	good.ProviderDispatchID = "kubernetes:llmctl/job-abc"
	if err := m.CreateNodeRun(ctx, good); err != nil {
		t.Fatalf("valid dispatch id: %v", err)
	}
}

func TestNodeRunCopiesPayloadMaps(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	nr := &FlowchartRunNode{
		ID: "n1", FlowchartRunID: "r1", FlowchartNodeID: "a", ExecutionIndex: 1,
		Status:      NodeRunRunning,
		OutputState: map[string]any{"result": "x"},
	}
	if err := m.CreateNodeRun(ctx, nr); err != nil {
		t.Fatalf("create: %v", err)
	}
	nr.OutputState["result"] = "mutated"
	got, err := m.GetNodeRun(ctx, "n1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.OutputState["result"] != "x" {
		t.Fatalf("output_state shared with caller: %v", got.OutputState)
	}
}

func TestEventLogRoomAndCursor(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, room := range []string{"flowchart_run:r1", "flowchart_run:r1", "flowchart_run:r2"} {
		ev := &Event{EventType: "flowchart_run.node.updated", Room: room, Payload: map[string]any{"i": i}}
		if err := m.AppendEvent(ctx, ev); err != nil {
			t.Fatalf("append: %v", err)
		}
		if ev.ID == 0 {
			t.Fatalf("append did not assign id")
		}
	}
	all, err := m.ListEvents(ctx, "flowchart_run:r1", 0)
	if err != nil || len(all) != 2 {
		t.Fatalf("room filter: %d %v", len(all), err)
	}
	after, err := m.ListEvents(ctx, "flowchart_run:r1", all[0].ID)
	if err != nil || len(after) != 1 {
		t.Fatalf("cursor: %d %v", len(after), err)
	}
}

func TestRAGSourceAndFileStates(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	src := &RAGSource{ID: "s1", Collection: "docs", Kind: "directory", Path: "/srv/docs", IncludeGlobs: []string{"**/*.md"}}
	if err := m.SaveSource(ctx, src); err != nil {
		t.Fatalf("save source: %v", err)
	}
	got, err := m.GetSource(ctx, "s1")
	if err != nil || got.Collection != "docs" {
		t.Fatalf("get source: %v %v", got, err)
	}
	created := got.CreatedAt

	src.LastError = "index failed"
	if err := m.SaveSource(ctx, src); err != nil {
		t.Fatalf("resave: %v", err)
	}
	got, _ = m.GetSource(ctx, "s1")
	if !got.CreatedAt.Equal(created) {
		t.Fatalf("created_at changed on update")
	}

	for _, p := range []string{"a.md", "b.md"} {
		if err := m.UpsertFileState(ctx, &SourceFileState{SourceID: "s1", Path: p, Fingerprint: "fp-" + p, Indexed: true}); err != nil {
			t.Fatalf("upsert %s: %v", p, err)
		}
	}
	states, _ := m.ListFileStates(ctx, "s1")
	if len(states) != 2 || states[0].Path != "a.md" {
		t.Fatalf("file states: %+v", states)
	}
	if err := m.DeleteFileStates(ctx, "s1", []string{"a.md"}); err != nil {
		t.Fatalf("delete: %v", err)
	}
	states, _ = m.ListFileStates(ctx, "s1")
	if len(states) != 1 || states[0].Path != "b.md" {
		t.Fatalf("after delete: %+v", states)
	}
	if err := m.ResetFileStates(ctx, "s1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	states, _ = m.ListFileStates(ctx, "s1")
	if len(states) != 0 {
		t.Fatalf("after reset: %+v", states)
	}
}

func TestRetrievalAuditsSortByRank(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	for i, rank := range []int{3, 1, 2} {
		row := &RAGRetrievalAudit{
			ID: string(rune('a' + i)), RequestID: "req-1", RuntimeKind: RuntimeFlowchart,
			Provider: "llmctl-rag", Collection: "docs", RetrievalRank: rank,
		}
		if err := m.InsertRetrievalAudit(ctx, row); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}
	rows, err := m.ListRetrievalAudits(ctx, "req-1")
	if err != nil || len(rows) != 3 {
		t.Fatalf("list: %d %v", len(rows), err)
	}
	if rows[0].RetrievalRank != 1 || rows[2].RetrievalRank != 3 {
		t.Fatalf("rank order: %+v", rows)
	}
}

func TestMemorySearch(t *testing.T) {
	ctx := context.Background()
	m := NewMemory()
	recs := []*MemoryRecord{
		{ID: "m1", Title: "Deploy checklist", Content: "steps for release", Tags: []string{"ops"}},
		{ID: "m2", Title: "API notes", Content: "rate limits and retries", Tags: []string{"api"}},
		{ID: "m3", Title: "Retro", Content: "deploy went fine", Tags: nil},
	}
	for _, r := range recs {
		if err := m.SaveMemory(ctx, r); err != nil {
			t.Fatalf("save %s: %v", r.ID, err)
		}
	}
	hits, err := m.SearchMemories(ctx, "deploy", 10)
	if err != nil || len(hits) != 2 {
		t.Fatalf("search: %d %v", len(hits), err)
	}
	hits, _ = m.SearchMemories(ctx, "", 2)
	if len(hits) != 2 {
		t.Fatalf("limit: %d", len(hits))
	}
	if err := m.DeleteMemory(ctx, "m1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := m.GetMemory(ctx, "m1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
