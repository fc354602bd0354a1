package store

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

// Memory is the in-memory Store. It backs tests and single-binary runs and
// mirrors the Postgres implementation's semantics: deep copies on the way in
// and out, the same not-found errors, append-only audit rows.
type Memory struct {
	mu         sync.RWMutex
	flowcharts map[string]*model.Flowchart
	runs       map[string]*FlowchartRun
	nodeRuns   map[string]*FlowchartRunNode
	events     []*Event
	nextEvent  int64
	sources    map[string]*RAGSource
	fileStates map[string]map[string]*SourceFileState // source id -> path -> row
	audits     []*RAGRetrievalAudit
	memories   map[string]*MemoryRecord
}

func NewMemory() *Memory {
	return &Memory{
		flowcharts: map[string]*model.Flowchart{},
		runs:       map[string]*FlowchartRun{},
		nodeRuns:   map[string]*FlowchartRunNode{},
		sources:    map[string]*RAGSource{},
		fileStates: map[string]map[string]*SourceFileState{},
		memories:   map[string]*MemoryRecord{},
	}
}

var _ Store = (*Memory)(nil)

func (m *Memory) SaveFlowchart(_ context.Context, f *model.Flowchart) error {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("flowchart id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.flowcharts[f.ID] = f.Clone()
	return nil
}

func (m *Memory) GetFlowchart(_ context.Context, id string) (*model.Flowchart, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	f, ok := m.flowcharts[strings.TrimSpace(id)]
	if !ok {
		return nil, fmt.Errorf("flowchart %q: %w", id, ErrNotFound)
	}
	return f.Clone(), nil
}

func (m *Memory) CreateRun(_ context.Context, run *FlowchartRun) error {
	if run == nil || run.ID == "" {
		return fmt.Errorf("run id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.ID]; exists {
		return fmt.Errorf("run %q already exists", run.ID)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) GetRun(_ context.Context, id string) (*FlowchartRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	cp := *run
	return &cp, nil
}

func (m *Memory) UpdateRun(_ context.Context, run *FlowchartRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev, ok := m.runs[run.ID]
	if !ok {
		return fmt.Errorf("run %q: %w", run.ID, ErrNotFound)
	}
	// Terminal run states are final; late writers lose.
	if prev.Status.Terminal() && prev.Status != run.Status {
		return fmt.Errorf("run %q is terminal (%s)", run.ID, prev.Status)
	}
	cp := *run
	m.runs[run.ID] = &cp
	return nil
}

func (m *Memory) CreateNodeRun(_ context.Context, nr *FlowchartRunNode) error {
	if nr == nil || nr.ID == "" {
		return fmt.Errorf("node-run id is required")
	}
	if err := validateDispatchID(nr.ProviderDispatchID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.nodeRuns[nr.ID]; exists {
		return fmt.Errorf("node-run %q already exists", nr.ID)
	}
	m.nodeRuns[nr.ID] = copyNodeRun(nr)
	return nil
}

func (m *Memory) UpdateNodeRun(_ context.Context, nr *FlowchartRunNode) error {
	if err := validateDispatchID(nr.ProviderDispatchID); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.nodeRuns[nr.ID]; !ok {
		return fmt.Errorf("node-run %q: %w", nr.ID, ErrNotFound)
	}
	m.nodeRuns[nr.ID] = copyNodeRun(nr)
	return nil
}

func (m *Memory) GetNodeRun(_ context.Context, id string) (*FlowchartRunNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	nr, ok := m.nodeRuns[id]
	if !ok {
		return nil, fmt.Errorf("node-run %q: %w", id, ErrNotFound)
	}
	return copyNodeRun(nr), nil
}

func (m *Memory) ListNodeRuns(_ context.Context, runID string) ([]*FlowchartRunNode, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*FlowchartRunNode
	for _, nr := range m.nodeRuns {
		if nr.FlowchartRunID == runID {
			out = append(out, copyNodeRun(nr))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FlowchartNodeID != out[j].FlowchartNodeID {
			return out[i].FlowchartNodeID < out[j].FlowchartNodeID
		}
		return out[i].ExecutionIndex < out[j].ExecutionIndex
	})
	return out, nil
}

func (m *Memory) AppendEvent(_ context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextEvent++
	cp := *ev
	cp.ID = m.nextEvent
	if cp.TS.IsZero() {
		cp.TS = time.Now().UTC()
	}
	cp.Payload = copyAnyMap(ev.Payload)
	m.events = append(m.events, &cp)
	ev.ID = cp.ID
	ev.TS = cp.TS
	return nil
}

func (m *Memory) ListEvents(_ context.Context, room string, afterID int64) ([]*Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*Event
	for _, ev := range m.events {
		if ev.ID <= afterID {
			continue
		}
		if room != "" && ev.Room != room {
			continue
		}
		cp := *ev
		cp.Payload = copyAnyMap(ev.Payload)
		out = append(out, &cp)
	}
	return out, nil
}

func (m *Memory) SaveSource(_ context.Context, src *RAGSource) error {
	if src == nil || src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *src
	cp.IncludeGlobs = append([]string{}, src.IncludeGlobs...)
	cp.UpdatedAt = time.Now().UTC()
	if prev, ok := m.sources[src.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.sources[src.ID] = &cp
	return nil
}

func (m *Memory) GetSource(_ context.Context, id string) (*RAGSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	src, ok := m.sources[id]
	if !ok {
		return nil, fmt.Errorf("rag source %q: %w", id, ErrNotFound)
	}
	cp := *src
	cp.IncludeGlobs = append([]string{}, src.IncludeGlobs...)
	return &cp, nil
}

func (m *Memory) ListSources(_ context.Context, collection string) ([]*RAGSource, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RAGSource
	for _, src := range m.sources {
		if collection != "" && src.Collection != collection {
			continue
		}
		cp := *src
		cp.IncludeGlobs = append([]string{}, src.IncludeGlobs...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) ListFileStates(_ context.Context, sourceID string) ([]*SourceFileState, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*SourceFileState
	for _, st := range m.fileStates[sourceID] {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (m *Memory) UpsertFileState(_ context.Context, st *SourceFileState) error {
	if st == nil || st.SourceID == "" || st.Path == "" {
		return fmt.Errorf("file state requires source_id and path")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fileStates[st.SourceID] == nil {
		m.fileStates[st.SourceID] = map[string]*SourceFileState{}
	}
	cp := *st
	m.fileStates[st.SourceID][st.Path] = &cp
	return nil
}

func (m *Memory) DeleteFileStates(_ context.Context, sourceID string, paths []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range paths {
		delete(m.fileStates[sourceID], p)
	}
	return nil
}

func (m *Memory) ResetFileStates(_ context.Context, sourceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.fileStates, sourceID)
	return nil
}

func (m *Memory) InsertRetrievalAudit(_ context.Context, row *RAGRetrievalAudit) error {
	if row == nil || row.ID == "" {
		return fmt.Errorf("audit id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *row
	if cp.CreatedAt.IsZero() {
		cp.CreatedAt = time.Now().UTC()
	}
	m.audits = append(m.audits, &cp)
	return nil
}

func (m *Memory) ListRetrievalAudits(_ context.Context, requestID string) ([]*RAGRetrievalAudit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*RAGRetrievalAudit
	for _, row := range m.audits {
		if requestID != "" && row.RequestID != requestID {
			continue
		}
		cp := *row
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RetrievalRank < out[j].RetrievalRank })
	return out, nil
}

func (m *Memory) SaveMemory(_ context.Context, rec *MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("memory id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.Tags = append([]string{}, rec.Tags...)
	cp.UpdatedAt = time.Now().UTC()
	if prev, ok := m.memories[rec.ID]; ok {
		cp.CreatedAt = prev.CreatedAt
	} else if cp.CreatedAt.IsZero() {
		cp.CreatedAt = cp.UpdatedAt
	}
	m.memories[rec.ID] = &cp
	return nil
}

func (m *Memory) GetMemory(_ context.Context, id string) (*MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.memories[id]
	if !ok {
		return nil, fmt.Errorf("memory %q: %w", id, ErrNotFound)
	}
	cp := *rec
	cp.Tags = append([]string{}, rec.Tags...)
	return &cp, nil
}

func (m *Memory) DeleteMemory(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.memories[id]; !ok {
		return fmt.Errorf("memory %q: %w", id, ErrNotFound)
	}
	delete(m.memories, id)
	return nil
}

// SearchMemories is a naive substring match over title, content, and tags,
// newest first. Good enough for deterministic retrieves; the LLM-guided path
// narrows with its own query.
func (m *Memory) SearchMemories(_ context.Context, query string, limit int) ([]*MemoryRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	q := strings.ToLower(strings.TrimSpace(query))
	var out []*MemoryRecord
	for _, rec := range m.memories {
		if q != "" && !memoryMatches(rec, q) {
			continue
		}
		cp := *rec
		cp.Tags = append([]string{}, rec.Tags...)
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func memoryMatches(rec *MemoryRecord, q string) bool {
	if strings.Contains(strings.ToLower(rec.Title), q) || strings.Contains(strings.ToLower(rec.Content), q) {
		return true
	}
	for _, tag := range rec.Tags {
		if strings.Contains(strings.ToLower(tag), q) {
			return true
		}
	}
	return false
}

func validateDispatchID(id string) error {
	if id == "" {
		return nil
	}
	if !ProviderDispatchIDPattern.MatchString(id) {
		return fmt.Errorf("provider_dispatch_id %q does not match %s", id, ProviderDispatchIDPattern)
	}
	return nil
}

func copyNodeRun(nr *FlowchartRunNode) *FlowchartRunNode {
	cp := *nr
	cp.InputContext = copyAnyMap(nr.InputContext)
	cp.OutputState = copyAnyMap(nr.OutputState)
	cp.RoutingState = copyAnyMap(nr.RoutingState)
	cp.RuntimeEvidence = copyAnyMap(nr.RuntimeEvidence)
	return &cp
}

func copyAnyMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for k, v := range in {
		switch t := v.(type) {
		case map[string]any:
			out[k] = copyAnyMap(t)
		case []any:
			out[k] = append([]any{}, t...)
		default:
			out[k] = v
		}
	}
	return out
}
