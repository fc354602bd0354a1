package rag

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// ChromaBackend talks to a Chroma server over its REST API. Collection
// names are resolved to ids once and cached; Chroma addresses documents by
// collection id. One backend is shared across concurrent node runs, so the
// id cache is mutex-guarded.
type ChromaBackend struct {
	baseURL string
	client  *http.Client

	mu  sync.RWMutex
	ids map[string]string
}

func NewChromaBackend(baseURL string, client *http.Client) *ChromaBackend {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &ChromaBackend{baseURL: baseURL, client: client, ids: map[string]string{}}
}

var _ VectorBackend = (*ChromaBackend)(nil)

func (c *ChromaBackend) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("chroma %s %s: %s: %s", method, path, resp.Status, truncate(string(data), 200))
	}
	if out != nil && len(data) > 0 {
		return json.Unmarshal(data, out)
	}
	return nil
}

type chromaCollection struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

func (c *ChromaBackend) collectionID(ctx context.Context, name string) (string, error) {
	c.mu.RLock()
	id, ok := c.ids[name]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}
	var col chromaCollection
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections/"+name, nil, &col); err != nil {
		return "", err
	}
	c.mu.Lock()
	c.ids[name] = col.ID
	c.mu.Unlock()
	return col.ID, nil
}

func (c *ChromaBackend) EnsureCollection(ctx context.Context, name string) error {
	var col chromaCollection
	err := c.do(ctx, http.MethodPost, "/api/v1/collections", map[string]any{
		"name":          name,
		"get_or_create": true,
	}, &col)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.ids[name] = col.ID
	c.mu.Unlock()
	return nil
}

func (c *ChromaBackend) DropCollection(ctx context.Context, name string) error {
	c.mu.Lock()
	delete(c.ids, name)
	c.mu.Unlock()
	return c.do(ctx, http.MethodDelete, "/api/v1/collections/"+name, nil, nil)
}

func (c *ChromaBackend) ListCollections(ctx context.Context) ([]string, error) {
	var cols []chromaCollection
	if err := c.do(ctx, http.MethodGet, "/api/v1/collections", nil, &cols); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(cols))
	for _, col := range cols {
		names = append(names, col.Name)
	}
	return names, nil
}

func (c *ChromaBackend) UpsertChunks(ctx context.Context, collection string, chunks []Chunk) error {
	if len(chunks) == 0 {
		return nil
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	ids := make([]string, 0, len(chunks))
	docs := make([]string, 0, len(chunks))
	metas := make([]map[string]any, 0, len(chunks))
	for _, ch := range chunks {
		ids = append(ids, ch.ID)
		docs = append(docs, ch.Text)
		metas = append(metas, map[string]any{
			"source_id": ch.SourceID,
			"path":      ch.Path,
			"doc_type":  ch.DocType,
			"ordinal":   ch.Ordinal,
		})
	}
	return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/upsert", map[string]any{
		"ids":       ids,
		"documents": docs,
		"metadatas": metas,
	}, nil)
}

func (c *ChromaBackend) DeletePaths(ctx context.Context, collection, sourceID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/delete", map[string]any{
		"where": map[string]any{
			"$and": []any{
				map[string]any{"source_id": sourceID},
				map[string]any{"path": map[string]any{"$in": paths}},
			},
		},
	}, nil)
}

type chromaQueryResponse struct {
	IDs       [][]string         `json:"ids"`
	Documents [][]string         `json:"documents"`
	Metadatas [][]map[string]any `json:"metadatas"`
	Distances [][]float64        `json:"distances"`
}

func (c *ChromaBackend) Search(ctx context.Context, collection, question string, topK int) ([]Hit, error) {
	id, err := c.collectionID(ctx, collection)
	if err != nil {
		return nil, err
	}
	var resp chromaQueryResponse
	err = c.do(ctx, http.MethodPost, "/api/v1/collections/"+id+"/query", map[string]any{
		"query_texts": []string{question},
		"n_results":   topK,
		"include":     []string{"documents", "metadatas", "distances"},
	}, &resp)
	if err != nil {
		return nil, err
	}
	if len(resp.IDs) == 0 {
		return nil, nil
	}
	hits := make([]Hit, 0, len(resp.IDs[0]))
	for i, chunkID := range resp.IDs[0] {
		hit := Hit{Chunk: Chunk{ID: chunkID, Collection: collection}}
		if len(resp.Documents) > 0 && i < len(resp.Documents[0]) {
			hit.Text = resp.Documents[0][i]
		}
		if len(resp.Metadatas) > 0 && i < len(resp.Metadatas[0]) {
			meta := resp.Metadatas[0][i]
			hit.SourceID, _ = meta["source_id"].(string)
			hit.Path, _ = meta["path"].(string)
			hit.DocType, _ = meta["doc_type"].(string)
			if ord, ok := meta["ordinal"].(float64); ok {
				hit.Ordinal = int(ord)
			}
		}
		if len(resp.Distances) > 0 && i < len(resp.Distances[0]) {
			// Chroma reports distances; smaller is closer.
			hit.Score = 1.0 / (1.0 + resp.Distances[0][i])
		}
		hits = append(hits, hit)
	}
	return hits, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
