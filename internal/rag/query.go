package rag

import (
	"context"
	"fmt"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/store"
)

const (
	DefaultTopK     = 8
	maxSnippetRunes = 500
)

// QueryRequest is the retrieval envelope.
type QueryRequest struct {
	Question           string            `json:"question"`
	Collections        []string          `json:"collections"`
	TopK               int               `json:"top_k"`
	RequestID          string            `json:"request_id"`
	RuntimeKind        store.RuntimeKind `json:"runtime_kind"`
	FlowchartRunID     string            `json:"flowchart_run_id,omitempty"`
	FlowchartNodeRunID string            `json:"flowchart_node_run_id,omitempty"`
	Synthesize         bool              `json:"synthesize"`
}

// ContextRow feeds the prompt: rank and text plus where it came from, nothing
// else. Chunk ids, scores, and snippets stay in the citation records.
type ContextRow struct {
	Rank       int    `json:"rank"`
	Text       string `json:"text"`
	Collection string `json:"collection"`
	Path       string `json:"path"`
}

// Citation carries the full retrieval metadata for audit and display.
type Citation struct {
	Rank       int     `json:"rank"`
	Collection string  `json:"collection"`
	SourceID   string  `json:"source_id"`
	Path       string  `json:"path"`
	ChunkID    string  `json:"chunk_id"`
	Score      float64 `json:"score"`
}

type QueryStats struct {
	CollectionsQueried int `json:"collections_queried"`
	ChunksReturned     int `json:"chunks_returned"`
}

type QueryResponse struct {
	Context        []ContextRow `json:"context"`
	Citations      []Citation   `json:"citations"`
	Answer         string       `json:"answer,omitempty"`
	SynthesisError string       `json:"synthesis_error,omitempty"`
	Stats          QueryStats   `json:"stats"`
}

// Query retrieves context from the selected collections and writes one audit
// row per returned chunk. Unhealthy backend or unknown collections reject the
// whole call; synthesis failure does not.
func (s *Service) Query(ctx context.Context, req QueryRequest) (*QueryResponse, error) {
	if req.RequestID == "" {
		return nil, fmt.Errorf("request_id is required")
	}
	if len(req.Collections) == 0 {
		return &QueryResponse{}, nil
	}
	if h := s.Health(ctx); h.State != HealthConfiguredHealthy {
		return nil, fmt.Errorf("%w: backend state %s", ErrUnavailable, h.State)
	}
	known, err := s.ListCollections(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: list collections: %v", ErrUnavailable, err)
	}
	knownSet := map[string]bool{}
	for _, c := range known {
		knownSet[c] = true
	}
	for _, c := range req.Collections {
		if !knownSet[c] {
			return nil, fmt.Errorf("%w: unknown collection %q", ErrUnavailable, c)
		}
	}

	topK := req.TopK
	if topK <= 0 {
		topK = DefaultTopK
	}

	var hits []Hit
	for _, collection := range req.Collections {
		v, err := s.throughBreaker(func() (any, error) {
			return s.backend.Search(ctx, collection, req.Question, topK)
		})
		if err != nil {
			return nil, fmt.Errorf("search %q: %w", collection, err)
		}
		hits = append(hits, v.([]Hit)...)
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > topK {
		hits = hits[:topK]
	}

	resp := &QueryResponse{
		Stats: QueryStats{CollectionsQueried: len(req.Collections), ChunksReturned: len(hits)},
	}
	for i, hit := range hits {
		rank := i + 1
		resp.Context = append(resp.Context, ContextRow{
			Rank:       rank,
			Text:       hit.Text,
			Collection: hit.Collection,
			Path:       hit.Path,
		})
		resp.Citations = append(resp.Citations, Citation{
			Rank:       rank,
			Collection: hit.Collection,
			SourceID:   hit.SourceID,
			Path:       hit.Path,
			ChunkID:    hit.ID,
			Score:      hit.Score,
		})
		audit := &store.RAGRetrievalAudit{
			ID:                 uuid.NewString(),
			RequestID:          req.RequestID,
			RuntimeKind:        req.RuntimeKind,
			FlowchartRunID:     req.FlowchartRunID,
			FlowchartNodeRunID: req.FlowchartNodeRunID,
			Provider:           s.cfg.Provider,
			Collection:         hit.Collection,
			SourceID:           hit.SourceID,
			Path:               hit.Path,
			ChunkID:            hit.ID,
			Score:              hit.Score,
			Snippet:            snippet(hit.Text),
			RetrievalRank:      rank,
		}
		if err := s.store.InsertRetrievalAudit(ctx, audit); err != nil {
			return nil, fmt.Errorf("audit chunk %q: %w", hit.ID, err)
		}
	}

	if req.Synthesize && s.synth != nil && len(resp.Context) > 0 {
		answer, err := s.synth.SynthesizeAnswer(ctx, req.Question, resp.Context)
		if err != nil {
			resp.SynthesisError = err.Error()
			s.log.Warn("answer synthesis failed",
				zap.String("request_id", req.RequestID), zap.Error(err))
		} else {
			resp.Answer = answer
		}
	}
	return resp, nil
}

func snippet(text string) string {
	r := []rune(text)
	if len(r) <= maxSnippetRunes {
		return text
	}
	return string(r[:maxSnippetRunes])
}
