// Package store owns the durable surface: flowcharts, runs, node-runs, the
// event log, retrieval audits, RAG source file state, and memory records.
// One writer owns a run's lifecycle rows (the scheduler); the dispatcher only
// contributes runtime evidence on terminal transitions.
package store

import (
	"context"
	"errors"
	"regexp"
	"time"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

var ErrNotFound = errors.New("store: not found")

type RunStatus string

const (
	RunQueued    RunStatus = "queued"
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCanceled  RunStatus = "canceled"
)

// Terminal reports whether a run status is final. Terminal states are never
// overwritten.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunCanceled:
		return true
	}
	return false
}

type NodeRunStatus string

const (
	NodeRunQueued    NodeRunStatus = "queued"
	NodeRunRunning   NodeRunStatus = "running"
	NodeRunSucceeded NodeRunStatus = "succeeded"
	NodeRunFailed    NodeRunStatus = "failed"
	NodeRunCanceled  NodeRunStatus = "canceled"
)

func (s NodeRunStatus) Terminal() bool {
	switch s {
	case NodeRunSucceeded, NodeRunFailed, NodeRunCanceled:
		return true
	}
	return false
}

// ProviderDispatchIDPattern constrains persisted dispatch ids: the provider
// prefix is part of the id.
var ProviderDispatchIDPattern = regexp.MustCompile(`^kubernetes:[A-Za-z0-9][A-Za-z0-9_.:/-]{0,511}$`)

type FlowchartRun struct {
	ID          string     `json:"id" db:"id"`
	FlowchartID string     `json:"flowchart_id" db:"flowchart_id"`
	Status      RunStatus  `json:"status" db:"status"`
	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty" db:"finished_at"`
	Error       string     `json:"error,omitempty" db:"error"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
}

type FlowchartRunNode struct {
	ID                 string         `json:"id" db:"id"`
	FlowchartRunID     string         `json:"flowchart_run_id" db:"flowchart_run_id"`
	FlowchartNodeID    string         `json:"flowchart_node_id" db:"flowchart_node_id"`
	ExecutionIndex     int            `json:"execution_index" db:"execution_index"`
	Status             NodeRunStatus  `json:"status" db:"status"`
	InputContext       map[string]any `json:"input_context,omitempty" db:"-"`
	OutputState        map[string]any `json:"output_state,omitempty" db:"-"`
	RoutingState       map[string]any `json:"routing_state,omitempty" db:"-"`
	ProviderDispatchID string         `json:"provider_dispatch_id,omitempty" db:"provider_dispatch_id"`
	RuntimeEvidence    map[string]any `json:"runtime_evidence,omitempty" db:"-"`
	StartedAt          *time.Time     `json:"started_at,omitempty" db:"started_at"`
	FinishedAt         *time.Time     `json:"finished_at,omitempty" db:"finished_at"`
	Error              string         `json:"error,omitempty" db:"error"`
}

type Event struct {
	ID            int64          `json:"id" db:"id"`
	EventType     string         `json:"event_type" db:"event_type"`
	RequestID     string         `json:"request_id" db:"request_id"`
	CorrelationID string         `json:"correlation_id" db:"correlation_id"`
	RunID         string         `json:"run_id,omitempty" db:"run_id"`
	NodeRunID     string         `json:"node_run_id,omitempty" db:"node_run_id"`
	Room          string         `json:"room" db:"room"`
	Payload       map[string]any `json:"payload,omitempty" db:"-"`
	TS            time.Time      `json:"ts" db:"ts"`
}

type RuntimeKind string

const (
	RuntimeChat      RuntimeKind = "chat"
	RuntimeFlowchart RuntimeKind = "flowchart"
)

// RAGRetrievalAudit is written once per retrieved chunk and never mutated.
type RAGRetrievalAudit struct {
	ID                 string      `json:"id" db:"id"`
	RequestID          string      `json:"request_id" db:"request_id"`
	RuntimeKind        RuntimeKind `json:"runtime_kind" db:"runtime_kind"`
	FlowchartRunID     string      `json:"flowchart_run_id,omitempty" db:"flowchart_run_id"`
	FlowchartNodeRunID string      `json:"flowchart_node_run_id,omitempty" db:"flowchart_node_run_id"`
	Provider           string      `json:"provider" db:"provider"`
	Collection         string      `json:"collection" db:"collection"`
	SourceID           string      `json:"source_id" db:"source_id"`
	Path               string      `json:"path" db:"path"`
	ChunkID            string      `json:"chunk_id" db:"chunk_id"`
	Score              float64     `json:"score" db:"score"`
	Snippet            string      `json:"snippet" db:"snippet"`
	RetrievalRank      int         `json:"retrieval_rank" db:"retrieval_rank"`
	CreatedAt          time.Time   `json:"created_at" db:"created_at"`
}

// RAGSource is a directory (or repo/folder) that belongs to one collection.
type RAGSource struct {
	ID           string    `json:"id" db:"id"`
	Collection   string    `json:"collection" db:"collection"`
	Kind         string    `json:"kind" db:"kind"`
	Path         string    `json:"path" db:"path"`
	IncludeGlobs []string  `json:"include_globs,omitempty" db:"-"`
	LastError    string    `json:"last_error,omitempty" db:"last_error"`
	CreatedAt    time.Time `json:"created_at" db:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" db:"updated_at"`
}

// SourceFileState enables delta indexing by diffing current fingerprints
// against the stored rows.
type SourceFileState struct {
	SourceID    string `json:"source_id" db:"source_id"`
	Path        string `json:"path" db:"path"`
	Fingerprint string `json:"fingerprint" db:"fingerprint"`
	Indexed     bool   `json:"indexed" db:"indexed"`
	DocType     string `json:"doc_type" db:"doc_type"`
	ChunkCount  int    `json:"chunk_count" db:"chunk_count"`
}

type MemoryRecord struct {
	ID        string    `json:"id" db:"id"`
	Title     string    `json:"title" db:"title"`
	Content   string    `json:"content" db:"content"`
	Tags      []string  `json:"tags,omitempty" db:"-"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// Store is the full durable surface. The in-memory implementation backs
// tests and single-binary runs; Postgres backs production.
type Store interface {
	FlowchartStore
	RunStore
	EventStore
	RAGStore
	MemoryStore
}

type FlowchartStore interface {
	SaveFlowchart(ctx context.Context, f *model.Flowchart) error
	GetFlowchart(ctx context.Context, id string) (*model.Flowchart, error)
}

type RunStore interface {
	CreateRun(ctx context.Context, run *FlowchartRun) error
	GetRun(ctx context.Context, id string) (*FlowchartRun, error)
	UpdateRun(ctx context.Context, run *FlowchartRun) error

	CreateNodeRun(ctx context.Context, nr *FlowchartRunNode) error
	UpdateNodeRun(ctx context.Context, nr *FlowchartRunNode) error
	GetNodeRun(ctx context.Context, id string) (*FlowchartRunNode, error)
	ListNodeRuns(ctx context.Context, runID string) ([]*FlowchartRunNode, error)
}

type EventStore interface {
	AppendEvent(ctx context.Context, ev *Event) error
	ListEvents(ctx context.Context, room string, afterID int64) ([]*Event, error)
}

type RAGStore interface {
	SaveSource(ctx context.Context, src *RAGSource) error
	GetSource(ctx context.Context, id string) (*RAGSource, error)
	ListSources(ctx context.Context, collection string) ([]*RAGSource, error)

	ListFileStates(ctx context.Context, sourceID string) ([]*SourceFileState, error)
	UpsertFileState(ctx context.Context, st *SourceFileState) error
	DeleteFileStates(ctx context.Context, sourceID string, paths []string) error
	ResetFileStates(ctx context.Context, sourceID string) error

	InsertRetrievalAudit(ctx context.Context, row *RAGRetrievalAudit) error
	ListRetrievalAudits(ctx context.Context, requestID string) ([]*RAGRetrievalAudit, error)
}

type MemoryStore interface {
	SaveMemory(ctx context.Context, rec *MemoryRecord) error
	GetMemory(ctx context.Context, id string) (*MemoryRecord, error)
	DeleteMemory(ctx context.Context, id string) error
	SearchMemories(ctx context.Context, query string, limit int) ([]*MemoryRecord, error)
}
