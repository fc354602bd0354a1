// Package memory provides deterministic CRUD over the memory store plus an
// LLM-guided retrieve that resolves parameters first and then runs the
// deterministic path. A node-bound memory id always beats an inferred one.
package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/store"
)

// Retrieve parameter bounds.
const (
	MinLimit      = 1
	MaxLimit      = 50
	DefaultLimit  = 10
	MinConfidence = 0.0
	MaxConfidence = 1.0
)

// Planner asks a model to turn free-form instructions into retrieve
// parameters. Implementations call an LLM provider; tests script it.
type Planner interface {
	PlanRetrieve(ctx context.Context, instructions string) (*RetrievePlan, error)
}

// RetrievePlan is what the planner may infer. Every field is optional;
// bounds are enforced after merge.
type RetrievePlan struct {
	MemoryID   string  `json:"memory_id,omitempty"`
	QueryText  string  `json:"query_text,omitempty"`
	Limit      int     `json:"limit,omitempty"`
	Confidence float64 `json:"confidence,omitempty"`
}

type RetrieveRequest struct {
	// NodeRefID is the memory id bound on the node. When set it wins over
	// any planner-inferred id.
	NodeRefID    string
	QueryText    string
	Limit        int
	Confidence   float64
	Instructions string // free-form, only used by the guided path
}

type RetrieveResult struct {
	Records    []*store.MemoryRecord `json:"records"`
	Confidence float64               `json:"confidence"`
	PlanSource string                `json:"plan_source"` // "deterministic" or "llm"
}

type Service struct {
	store store.MemoryStore
	plan  Planner
	log   *zap.Logger
}

func NewService(st store.MemoryStore, planner Planner, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{store: st, plan: planner, log: log}
}

// Save creates or updates a record. A missing id gets one assigned.
func (s *Service) Save(ctx context.Context, rec *store.MemoryRecord) (*store.MemoryRecord, error) {
	if rec == nil {
		return nil, fmt.Errorf("record is nil")
	}
	if strings.TrimSpace(rec.Title) == "" && strings.TrimSpace(rec.Content) == "" {
		return nil, fmt.Errorf("memory needs a title or content")
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if err := s.store.SaveMemory(ctx, rec); err != nil {
		return nil, err
	}
	return s.store.GetMemory(ctx, rec.ID)
}

func (s *Service) Get(ctx context.Context, id string) (*store.MemoryRecord, error) {
	return s.store.GetMemory(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteMemory(ctx, id)
}

// Retrieve is the deterministic path: direct id lookup when bound, search
// otherwise.
func (s *Service) Retrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error) {
	limit, confidence, err := clampParams(req.Limit, req.Confidence)
	if err != nil {
		return nil, err
	}
	res := &RetrieveResult{Confidence: confidence, PlanSource: "deterministic"}
	if req.NodeRefID != "" {
		rec, err := s.store.GetMemory(ctx, req.NodeRefID)
		if err != nil {
			return nil, err
		}
		res.Records = []*store.MemoryRecord{rec}
		return res, nil
	}
	records, err := s.store.SearchMemories(ctx, req.QueryText, limit)
	if err != nil {
		return nil, err
	}
	res.Records = records
	return res, nil
}

// GuidedRetrieve asks the planner for parameters, then runs the
// deterministic retrieve with them. The node-bound id, when present,
// overrides anything the planner inferred.
func (s *Service) GuidedRetrieve(ctx context.Context, req RetrieveRequest) (*RetrieveResult, error) {
	if s.plan == nil {
		return s.Retrieve(ctx, req)
	}
	plan, err := s.plan.PlanRetrieve(ctx, req.Instructions)
	if err != nil {
		return nil, fmt.Errorf("plan retrieve: %w", err)
	}
	// A nil plan means the planner declined; the deterministic path resolves
	// the record and the result keeps its "deterministic" label.
	if plan == nil {
		return s.Retrieve(ctx, req)
	}
	merged := req
	if merged.NodeRefID == "" {
		merged.NodeRefID = plan.MemoryID
	}
	if merged.QueryText == "" {
		merged.QueryText = plan.QueryText
	}
	if merged.Limit == 0 {
		merged.Limit = plan.Limit
	}
	if merged.Confidence == 0 {
		merged.Confidence = plan.Confidence
	}
	res, err := s.Retrieve(ctx, merged)
	if err != nil {
		return nil, err
	}
	res.PlanSource = "llm"
	return res, nil
}

func clampParams(limit int, confidence float64) (int, float64, error) {
	if limit == 0 {
		limit = DefaultLimit
	}
	if limit < MinLimit || limit > MaxLimit {
		return 0, 0, fmt.Errorf("limit %d out of range [%d, %d]", limit, MinLimit, MaxLimit)
	}
	if confidence < MinConfidence || confidence > MaxConfidence {
		return 0, 0, fmt.Errorf("confidence %g out of range [%g, %g]", confidence, MinConfidence, MaxConfidence)
	}
	return limit, confidence, nil
}
