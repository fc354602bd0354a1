// Package rag is the retrieval contract store: collection health, query with
// audit rows, and deterministic fresh/delta indexing over registered sources.
// The vector backend is opaque; this package owns the contract around it.
package rag

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/store"
)

// ErrUnavailable is returned by Query when health is not configured_healthy
// and the caller selected collections, or when a named collection is unknown.
var ErrUnavailable = errors.New("RAG_UNAVAILABLE_FOR_SELECTED_COLLECTIONS")

// Chunk is one indexed unit of a source file.
type Chunk struct {
	ID         string `json:"id"`
	Collection string `json:"collection"`
	SourceID   string `json:"source_id"`
	Path       string `json:"path"`
	Text       string `json:"text"`
	DocType    string `json:"doc_type"`
	Ordinal    int    `json:"ordinal"`
}

// Hit is a chunk with its retrieval score.
type Hit struct {
	Chunk
	Score float64 `json:"score"`
}

// VectorBackend is the opaque collection store. Implementations wrap a real
// embedding retrieval service; tests use an in-memory fake.
type VectorBackend interface {
	EnsureCollection(ctx context.Context, name string) error
	DropCollection(ctx context.Context, name string) error
	ListCollections(ctx context.Context) ([]string, error)
	UpsertChunks(ctx context.Context, collection string, chunks []Chunk) error
	DeletePaths(ctx context.Context, collection, sourceID string, paths []string) error
	Search(ctx context.Context, collection, question string, topK int) ([]Hit, error)
}

// Synthesizer produces an optional answer over retrieved context. Failure is
// non-fatal to Query.
type Synthesizer interface {
	SynthesizeAnswer(ctx context.Context, question string, rows []ContextRow) (string, error)
}

// Config locates the backend for the health probe.
type Config struct {
	Provider string
	Host     string
	Port     int
}

// Service implements the retrieval contract. Backend calls pass through a
// circuit breaker so a dead backend fails fast instead of stacking probes.
type Service struct {
	cfg     Config
	backend VectorBackend
	store   store.RAGStore
	synth   Synthesizer
	log     *zap.Logger
	breaker *gobreaker.CircuitBreaker

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per-collection index lock
}

func NewService(cfg Config, backend VectorBackend, st store.RAGStore, synth Synthesizer, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "rag-backend",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	return &Service{
		cfg:     cfg,
		backend: backend,
		store:   st,
		synth:   synth,
		log:     log,
		breaker: breaker,
		locks:   map[string]*sync.Mutex{},
	}
}

// collectionLock serializes index writes per collection.
func (s *Service) collectionLock(name string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[name]
	if !ok {
		l = &sync.Mutex{}
		s.locks[name] = l
	}
	return l
}

func (s *Service) throughBreaker(fn func() (any, error)) (any, error) {
	return s.breaker.Execute(fn)
}

// ListCollections reports the collections the backend knows about.
func (s *Service) ListCollections(ctx context.Context) ([]string, error) {
	v, err := s.throughBreaker(func() (any, error) {
		return s.backend.ListCollections(ctx)
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}
