package rag

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/store"
)

type fakeBackend struct {
	mu          sync.Mutex
	collections map[string][]Chunk
	failUpsert  string // path that fails upserts
	deletes     []string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{collections: map[string][]Chunk{}}
}

func (f *fakeBackend) EnsureCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.collections[name]; !ok {
		f.collections[name] = nil
	}
	return nil
}

func (f *fakeBackend) DropCollection(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.collections, name)
	return nil
}

func (f *fakeBackend) ListCollections(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []string
	for name := range f.collections {
		out = append(out, name)
	}
	return out, nil
}

func (f *fakeBackend) UpsertChunks(_ context.Context, collection string, chunks []Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range chunks {
		if f.failUpsert != "" && c.Path == f.failUpsert {
			return errors.New("backend write refused")
		}
	}
	f.collections[collection] = append(f.collections[collection], chunks...)
	return nil
}

func (f *fakeBackend) DeletePaths(_ context.Context, collection, sourceID string, paths []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletes = append(f.deletes, paths...)
	drop := map[string]bool{}
	for _, p := range paths {
		drop[p] = true
	}
	var kept []Chunk
	for _, c := range f.collections[collection] {
		if c.SourceID == sourceID && drop[c.Path] {
			continue
		}
		kept = append(kept, c)
	}
	f.collections[collection] = kept
	return nil
}

func (f *fakeBackend) Search(_ context.Context, collection, question string, topK int) ([]Hit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var hits []Hit
	for i, c := range f.collections[collection] {
		if question != "" && !strings.Contains(strings.ToLower(c.Text), strings.ToLower(question)) {
			continue
		}
		hits = append(hits, Hit{Chunk: c, Score: 1.0 - float64(i)*0.01})
		if len(hits) >= topK {
			break
		}
	}
	return hits, nil
}

func (f *fakeBackend) chunkCount(collection string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.collections[collection])
}

// healthyService wires a service against a live TCP listener so Health
// reports configured_healthy.
func healthyService(t *testing.T, backend VectorBackend, st store.RAGStore, synth Synthesizer) *Service {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()
	addr := ln.Addr().(*net.TCPAddr)
	cfg := Config{Provider: "llmctl-rag", Host: "127.0.0.1", Port: addr.Port}
	return NewService(cfg, backend, st, synth, zap.NewNop())
}

func TestHealthStates(t *testing.T) {
	ctx := context.Background()

	s := NewService(Config{Provider: "llmctl-rag"}, newFakeBackend(), store.NewMemory(), nil, nil)
	if h := s.Health(ctx); h.State != HealthUnconfigured {
		t.Fatalf("unconfigured: %+v", h)
	}

	s = healthyService(t, newFakeBackend(), store.NewMemory(), nil)
	if h := s.Health(ctx); h.State != HealthConfiguredHealthy {
		t.Fatalf("healthy: %+v", h)
	}

	// Grab a port and close it so the dial is refused.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()
	s = NewService(Config{Provider: "llmctl-rag", Host: "127.0.0.1", Port: port}, newFakeBackend(), store.NewMemory(), nil, nil)
	if h := s.Health(ctx); h.State != HealthConfiguredUnhealthy || h.Error == "" {
		t.Fatalf("unhealthy: %+v", h)
	}
}

func TestQueryRejectsUnhealthyBackend(t *testing.T) {
	s := NewService(Config{Provider: "llmctl-rag"}, newFakeBackend(), store.NewMemory(), nil, nil)
	_, err := s.Query(context.Background(), QueryRequest{
		Question: "q", Collections: []string{"docs"}, RequestID: "req-1", RuntimeKind: store.RuntimeFlowchart,
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestQueryRejectsUnknownCollection(t *testing.T) {
	backend := newFakeBackend()
	backend.EnsureCollection(context.Background(), "docs")
	s := healthyService(t, backend, store.NewMemory(), nil)
	_, err := s.Query(context.Background(), QueryRequest{
		Question: "q", Collections: []string{"nope"}, RequestID: "req-1", RuntimeKind: store.RuntimeChat,
	})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("expected ErrUnavailable, got %v", err)
	}
}

func TestQueryAuditsEveryChunkAndSplitsContext(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.EnsureCollection(ctx, "docs")
	backend.UpsertChunks(ctx, "docs", []Chunk{
		{ID: "c1", Collection: "docs", SourceID: "s1", Path: "a.md", Text: "alpha deploy guide"},
		{ID: "c2", Collection: "docs", SourceID: "s1", Path: "b.md", Text: "deploy rollback notes"},
	})
	st := store.NewMemory()
	s := healthyService(t, backend, st, nil)

	resp, err := s.Query(ctx, QueryRequest{
		Question: "deploy", Collections: []string{"docs"}, TopK: 5,
		RequestID: "req-1", RuntimeKind: store.RuntimeFlowchart,
		FlowchartRunID: "r1", FlowchartNodeRunID: "nr1",
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if len(resp.Context) != 2 || len(resp.Citations) != 2 {
		t.Fatalf("rows: %d context, %d citations", len(resp.Context), len(resp.Citations))
	}
	if resp.Context[0].Rank != 1 || resp.Context[1].Rank != 2 {
		t.Fatalf("rank order: %+v", resp.Context)
	}
	if resp.Citations[0].ChunkID == "" || resp.Citations[0].Score == 0 {
		t.Fatalf("citation metadata missing: %+v", resp.Citations[0])
	}

	audits, err := st.ListRetrievalAudits(ctx, "req-1")
	if err != nil || len(audits) != 2 {
		t.Fatalf("audits: %d %v", len(audits), err)
	}
	for _, a := range audits {
		if a.Snippet == "" || a.FlowchartRunID != "r1" || a.FlowchartNodeRunID != "nr1" {
			t.Fatalf("audit row: %+v", a)
		}
	}
}

type failingSynth struct{}

func (failingSynth) SynthesizeAnswer(context.Context, string, []ContextRow) (string, error) {
	return "", errors.New("model overloaded")
}

func TestQuerySynthesisFailureIsNonFatal(t *testing.T) {
	ctx := context.Background()
	backend := newFakeBackend()
	backend.EnsureCollection(ctx, "docs")
	backend.UpsertChunks(ctx, "docs", []Chunk{
		{ID: "c1", Collection: "docs", SourceID: "s1", Path: "a.md", Text: "deploy"},
	})
	s := healthyService(t, backend, store.NewMemory(), failingSynth{})

	resp, err := s.Query(ctx, QueryRequest{
		Question: "deploy", Collections: []string{"docs"},
		RequestID: "req-1", RuntimeKind: store.RuntimeChat, Synthesize: true,
	})
	if err != nil {
		t.Fatalf("query: %v", err)
	}
	if resp.SynthesisError == "" || resp.Answer != "" {
		t.Fatalf("synthesis outcome: %+v", resp)
	}
	if len(resp.Context) != 1 || resp.Stats.ChunksReturned != 1 {
		t.Fatalf("context lost on synthesis failure: %+v", resp)
	}
}

func writeSourceFiles(t *testing.T, files map[string]string) string {
	t.Helper()
	dir := t.TempDir()
	for path, content := range files {
		full := filepath.Join(dir, filepath.FromSlash(path))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatalf("mkdir: %v", err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatalf("write %s: %v", path, err)
		}
	}
	return dir
}

func TestFreshThenDeltaOverUnchangedSource(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceFiles(t, map[string]string{
		"a.md":        "alpha\n",
		"sub/b.md":    "beta\n",
		"ignored.bin": "binary\n",
	})
	st := store.NewMemory()
	if err := st.SaveSource(ctx, &store.RAGSource{
		ID: "s1", Collection: "docs", Kind: "directory", Path: dir, IncludeGlobs: []string{"**/*.md"},
	}); err != nil {
		t.Fatalf("save source: %v", err)
	}
	backend := newFakeBackend()
	s := NewService(Config{Provider: "llmctl-rag"}, backend, st, nil, zap.NewNop())

	fresh, err := s.Index(ctx, IndexRequest{Mode: FreshIndex, Collections: []string{"docs"}})
	if err != nil {
		t.Fatalf("fresh: %v", err)
	}
	if fresh.FilesIndexed != 2 || fresh.ChunksAdded == 0 {
		t.Fatalf("fresh report: %+v", fresh)
	}
	if backend.chunkCount("docs") != fresh.ChunksAdded {
		t.Fatalf("backend chunks %d != report %d", backend.chunkCount("docs"), fresh.ChunksAdded)
	}

	delta, err := s.Index(ctx, IndexRequest{Mode: DeltaIndex, Collections: []string{"docs"}})
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if delta.FilesIndexed != 0 || delta.ChunksAdded != 0 || delta.FilesRemoved != 0 {
		t.Fatalf("delta over unchanged source: %+v", delta)
	}
}

func TestDeltaReindexesChangedAndRemovesDeleted(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceFiles(t, map[string]string{"a.md": "alpha\n", "b.md": "beta\n"})
	st := store.NewMemory()
	st.SaveSource(ctx, &store.RAGSource{ID: "s1", Collection: "docs", Kind: "directory", Path: dir, IncludeGlobs: []string{"**/*.md"}})
	backend := newFakeBackend()
	s := NewService(Config{Provider: "llmctl-rag"}, backend, st, nil, zap.NewNop())

	if _, err := s.Index(ctx, IndexRequest{Mode: FreshIndex, Collections: []string{"docs"}}); err != nil {
		t.Fatalf("fresh: %v", err)
	}

	if err := os.WriteFile(filepath.Join(dir, "a.md"), []byte("alpha v2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	if err := os.Remove(filepath.Join(dir, "b.md")); err != nil {
		t.Fatalf("remove: %v", err)
	}

	delta, err := s.Index(ctx, IndexRequest{Mode: DeltaIndex, Collections: []string{"docs"}})
	if err != nil {
		t.Fatalf("delta: %v", err)
	}
	if delta.FilesIndexed != 1 || delta.FilesRemoved != 1 {
		t.Fatalf("delta report: %+v", delta)
	}
	states, _ := st.ListFileStates(ctx, "s1")
	if len(states) != 1 || states[0].Path != "a.md" {
		t.Fatalf("file states after delta: %+v", states)
	}
}

func TestIndexFailureRollsBackAndRecordsLastError(t *testing.T) {
	ctx := context.Background()
	dir := writeSourceFiles(t, map[string]string{"a.md": "alpha\n", "z.md": "zeta\n"})
	st := store.NewMemory()
	st.SaveSource(ctx, &store.RAGSource{ID: "s1", Collection: "docs", Kind: "directory", Path: dir, IncludeGlobs: []string{"**/*.md"}})
	backend := newFakeBackend()
	s := NewService(Config{Provider: "llmctl-rag"}, backend, st, nil, zap.NewNop())

	if _, err := s.Index(ctx, IndexRequest{Mode: FreshIndex, Collections: []string{"docs"}}); err != nil {
		t.Fatalf("fresh: %v", err)
	}

	// z.md changes but its upsert is refused; the touched path must be
	// rolled back and the source must carry the failure.
	if err := os.WriteFile(filepath.Join(dir, "z.md"), []byte("zeta v2\n"), 0o644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	backend.failUpsert = "z.md"

	_, err := s.Index(ctx, IndexRequest{Mode: DeltaIndex, Collections: []string{"docs"}})
	if err == nil {
		t.Fatalf("expected index failure")
	}
	src, getErr := st.GetSource(ctx, "s1")
	if getErr != nil || src.LastError == "" {
		t.Fatalf("last_error not recorded: %+v %v", src, getErr)
	}
	for _, c := range backend.collections["docs"] {
		if c.Path == "z.md" {
			t.Fatalf("rolled-back path still present: %+v", c)
		}
	}
}

func TestParseIndexMode(t *testing.T) {
	for _, good := range []string{"fresh_index", "delta_index"} {
		if _, err := ParseIndexMode(good); err != nil {
			t.Fatalf("%s: %v", good, err)
		}
	}
	if _, err := ParseIndexMode("rebuild"); err == nil {
		t.Fatalf("expected rejection")
	}
}
