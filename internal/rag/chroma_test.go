package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

func TestChromaBackendSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method + " " + r.URL.Path {
		case "POST /api/v1/collections":
			json.NewEncoder(w).Encode(chromaCollection{ID: "col-123", Name: "docs"})
		case "POST /api/v1/collections/col-123/upsert":
			w.WriteHeader(http.StatusOK)
		case "POST /api/v1/collections/col-123/query":
			json.NewEncoder(w).Encode(chromaQueryResponse{
				IDs:       [][]string{{"c1", "c2"}},
				Documents: [][]string{{"alpha", "beta"}},
				Metadatas: [][]map[string]any{{
					{"source_id": "s1", "path": "a.md", "doc_type": "markdown", "ordinal": float64(0)},
					{"source_id": "s1", "path": "b.md", "doc_type": "markdown", "ordinal": float64(1)},
				}},
				Distances: [][]float64{{0.0, 1.0}},
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	b := NewChromaBackend(srv.URL, nil)
	ctx := context.Background()
	if err := b.EnsureCollection(ctx, "docs"); err != nil {
		t.Fatalf("ensure: %v", err)
	}
	if err := b.UpsertChunks(ctx, "docs", []Chunk{{ID: "c1", Text: "alpha"}}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	hits, err := b.Search(ctx, "docs", "alpha?", 2)
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(hits) != 2 || hits[0].ID != "c1" || hits[0].Path != "a.md" {
		t.Fatalf("hits: %+v", hits)
	}
	if hits[0].Score <= hits[1].Score {
		t.Fatalf("closer hit must score higher: %+v", hits)
	}
}

func TestChromaBackendConcurrentSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/v1/collections/") {
			name := strings.TrimPrefix(r.URL.Path, "/api/v1/collections/")
			json.NewEncoder(w).Encode(chromaCollection{ID: "id-" + name, Name: name})
			return
		}
		if r.Method == http.MethodPost && strings.HasSuffix(r.URL.Path, "/query") {
			json.NewEncoder(w).Encode(chromaQueryResponse{
				IDs:       [][]string{{"c1"}},
				Documents: [][]string{{"alpha"}},
				Distances: [][]float64{{0.1}},
			})
			return
		}
		http.NotFound(w, r)
	}))
	defer srv.Close()

	b := NewChromaBackend(srv.URL, nil)
	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		collection := fmt.Sprintf("docs-%d", i%4)
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := b.Search(context.Background(), collection, "alpha?", 1); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatalf("search: %v", err)
	}
}

func TestChromaBackendErrorSurface(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"no such collection"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	b := NewChromaBackend(srv.URL, nil)
	if _, err := b.Search(context.Background(), "ghost", "q", 1); err == nil {
		t.Fatalf("expected error for missing collection")
	}
}
