package rag

import (
	"context"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/zeebo/blake3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/llmctl/llmctl/internal/store"
)

type IndexMode string

const (
	FreshIndex IndexMode = "fresh_index"
	DeltaIndex IndexMode = "delta_index"
)

func ParseIndexMode(s string) (IndexMode, error) {
	switch IndexMode(s) {
	case FreshIndex, DeltaIndex:
		return IndexMode(s), nil
	}
	return "", fmt.Errorf("unknown index mode %q", s)
}

const fingerprintWorkers = 8

type IndexRequest struct {
	Mode          IndexMode
	Collections   []string
	ModelProvider string
	OnLog         func(string)
}

type IndexReport struct {
	Mode         IndexMode      `json:"mode"`
	Collections  []string       `json:"collections"`
	FilesIndexed int            `json:"files_indexed"`
	FilesRemoved int            `json:"files_removed"`
	ChunksAdded  int            `json:"chunks_added"`
	PerSource    map[string]int `json:"per_source"`
}

// Index runs fresh or delta ingestion over every source of the selected
// collections. Any per-source failure rolls back that source's partial
// writes, records last_error on the source row, and fails the whole run.
func (s *Service) Index(ctx context.Context, req IndexRequest) (*IndexReport, error) {
	if len(req.Collections) == 0 {
		return nil, fmt.Errorf("index requires at least one collection")
	}
	logf := req.OnLog
	if logf == nil {
		logf = func(string) {}
	}
	report := &IndexReport{Mode: req.Mode, Collections: req.Collections, PerSource: map[string]int{}}

	for _, collection := range req.Collections {
		lock := s.collectionLock(collection)
		lock.Lock()
		err := s.indexCollection(ctx, req.Mode, collection, report, logf)
		lock.Unlock()
		if err != nil {
			return nil, err
		}
	}
	return report, nil
}

func (s *Service) indexCollection(ctx context.Context, mode IndexMode, collection string, report *IndexReport, logf func(string)) error {
	sources, err := s.store.ListSources(ctx, collection)
	if err != nil {
		return fmt.Errorf("list sources for %q: %w", collection, err)
	}
	logf(fmt.Sprintf("indexing collection %q (%s, %d sources)", collection, mode, len(sources)))

	if mode == FreshIndex {
		// Drop and recreate up front; file state resets per source below.
		if _, err := s.throughBreaker(func() (any, error) {
			return nil, s.backend.DropCollection(ctx, collection)
		}); err != nil {
			return fmt.Errorf("drop collection %q: %w", collection, err)
		}
	}
	if _, err := s.throughBreaker(func() (any, error) {
		return nil, s.backend.EnsureCollection(ctx, collection)
	}); err != nil {
		return fmt.Errorf("ensure collection %q: %w", collection, err)
	}

	for _, src := range sources {
		if err := s.indexSource(ctx, mode, collection, src, report, logf); err != nil {
			src.LastError = err.Error()
			if saveErr := s.store.SaveSource(ctx, src); saveErr != nil {
				s.log.Error("record source last_error", zap.String("source_id", src.ID), zap.Error(saveErr))
			}
			return fmt.Errorf("source %q: %w", src.ID, err)
		}
		src.LastError = ""
		if err := s.store.SaveSource(ctx, src); err != nil {
			return fmt.Errorf("clear source %q last_error: %w", src.ID, err)
		}
	}
	return nil
}

func (s *Service) indexSource(ctx context.Context, mode IndexMode, collection string, src *store.RAGSource, report *IndexReport, logf func(string)) error {
	current, err := fingerprintSource(ctx, src)
	if err != nil {
		return fmt.Errorf("fingerprint: %w", err)
	}

	var toIndex, toRemove []string
	switch mode {
	case FreshIndex:
		if err := s.store.ResetFileStates(ctx, src.ID); err != nil {
			return fmt.Errorf("reset file state: %w", err)
		}
		for path := range current {
			toIndex = append(toIndex, path)
		}
	case DeltaIndex:
		stored, err := s.store.ListFileStates(ctx, src.ID)
		if err != nil {
			return fmt.Errorf("load file state: %w", err)
		}
		prev := map[string]*store.SourceFileState{}
		for _, st := range stored {
			prev[st.Path] = st
		}
		for path, fp := range current {
			st, known := prev[path]
			if !known || st.Fingerprint != fp || !st.Indexed {
				toIndex = append(toIndex, path)
			}
		}
		for path := range prev {
			if _, exists := current[path]; !exists {
				toRemove = append(toRemove, path)
			}
		}
	default:
		return fmt.Errorf("unknown index mode %q", mode)
	}
	sort.Strings(toIndex)
	sort.Strings(toRemove)
	logf(fmt.Sprintf("source %q: %d to index, %d to remove", src.ID, len(toIndex), len(toRemove)))

	touched := append([]string{}, toIndex...)
	rollback := func() {
		if mode == FreshIndex {
			// Fresh rollback drops the half-written collection entirely.
			if _, err := s.throughBreaker(func() (any, error) {
				return nil, s.backend.DropCollection(ctx, collection)
			}); err == nil {
				s.throughBreaker(func() (any, error) {
					return nil, s.backend.EnsureCollection(ctx, collection)
				})
			}
			return
		}
		if len(touched) > 0 {
			s.throughBreaker(func() (any, error) {
				return nil, s.backend.DeletePaths(ctx, collection, src.ID, touched)
			})
		}
	}

	if len(toRemove) > 0 {
		if _, err := s.throughBreaker(func() (any, error) {
			return nil, s.backend.DeletePaths(ctx, collection, src.ID, toRemove)
		}); err != nil {
			return fmt.Errorf("delete removed paths: %w", err)
		}
		if err := s.store.DeleteFileStates(ctx, src.ID, toRemove); err != nil {
			return fmt.Errorf("delete file state rows: %w", err)
		}
		report.FilesRemoved += len(toRemove)
	}

	for _, path := range toIndex {
		// Changed paths are replaced, never appended to.
		if mode == DeltaIndex {
			if _, err := s.throughBreaker(func() (any, error) {
				return nil, s.backend.DeletePaths(ctx, collection, src.ID, []string{path})
			}); err != nil {
				rollback()
				return fmt.Errorf("clear path %q: %w", path, err)
			}
		}
		chunks, docType, err := chunkFile(collection, src, path)
		if err != nil {
			rollback()
			return fmt.Errorf("chunk %q: %w", path, err)
		}
		if len(chunks) > 0 {
			if _, err := s.throughBreaker(func() (any, error) {
				return nil, s.backend.UpsertChunks(ctx, collection, chunks)
			}); err != nil {
				rollback()
				return fmt.Errorf("upsert %q: %w", path, err)
			}
		}
		if err := s.store.UpsertFileState(ctx, &store.SourceFileState{
			SourceID:    src.ID,
			Path:        path,
			Fingerprint: current[path],
			Indexed:     true,
			DocType:     docType,
			ChunkCount:  len(chunks),
		}); err != nil {
			rollback()
			return fmt.Errorf("record file state %q: %w", path, err)
		}
		report.FilesIndexed++
		report.ChunksAdded += len(chunks)
		report.PerSource[src.ID]++
	}
	return nil
}

// fingerprintSource walks the source directory and hashes every matching
// file. Paths are relative to the source root, slash-separated.
func fingerprintSource(ctx context.Context, src *store.RAGSource) (map[string]string, error) {
	paths, err := listSourceFiles(src)
	if err != nil {
		return nil, err
	}

	out := make(map[string]string, len(paths))
	var mu sync.Mutex
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(fingerprintWorkers)
	for _, path := range paths {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			data, err := os.ReadFile(filepath.Join(src.Path, filepath.FromSlash(path)))
			if err != nil {
				return fmt.Errorf("read %q: %w", path, err)
			}
			sum := blake3.Sum256(data)
			mu.Lock()
			out[path] = hex.EncodeToString(sum[:])
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}

func listSourceFiles(src *store.RAGSource) ([]string, error) {
	globs := src.IncludeGlobs
	if len(globs) == 0 {
		globs = []string{"**/*"}
	}
	root := os.DirFS(src.Path)
	seen := map[string]bool{}
	var paths []string
	for _, glob := range globs {
		matches, err := doublestar.Glob(root, glob)
		if err != nil {
			return nil, fmt.Errorf("glob %q: %w", glob, err)
		}
		for _, m := range matches {
			if seen[m] {
				continue
			}
			info, err := fs.Stat(root, m)
			if err != nil {
				return nil, err
			}
			if info.IsDir() {
				continue
			}
			seen[m] = true
			paths = append(paths, m)
		}
	}
	sort.Strings(paths)
	return paths, nil
}

const (
	chunkSizeBytes    = 2000
	chunkOverlapLines = 2
)

// chunkFile splits a file into line-aligned windows of roughly
// chunkSizeBytes with a small line overlap between consecutive chunks.
func chunkFile(collection string, src *store.RAGSource, path string) ([]Chunk, string, error) {
	data, err := os.ReadFile(filepath.Join(src.Path, filepath.FromSlash(path)))
	if err != nil {
		return nil, "", err
	}
	docType := docTypeOf(path)
	text := string(data)
	if strings.TrimSpace(text) == "" {
		return nil, docType, nil
	}

	lines := strings.Split(text, "\n")
	var chunks []Chunk
	start := 0
	for start < len(lines) {
		size := 0
		end := start
		for end < len(lines) && (size == 0 || size+len(lines[end])+1 <= chunkSizeBytes) {
			size += len(lines[end]) + 1
			end++
		}
		body := strings.Join(lines[start:end], "\n")
		if strings.TrimSpace(body) != "" {
			ordinal := len(chunks)
			chunks = append(chunks, Chunk{
				ID:         chunkID(src.ID, path, ordinal),
				Collection: collection,
				SourceID:   src.ID,
				Path:       path,
				Text:       body,
				DocType:    docType,
				Ordinal:    ordinal,
			})
		}
		if end >= len(lines) {
			break
		}
		next := end - chunkOverlapLines
		if next <= start {
			next = end
		}
		start = next
	}
	return chunks, docType, nil
}

func chunkID(sourceID, path string, ordinal int) string {
	sum := blake3.Sum256([]byte(fmt.Sprintf("%s\x00%s\x00%d", sourceID, path, ordinal)))
	return hex.EncodeToString(sum[:16])
}

func docTypeOf(path string) string {
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(path)), ".")
	if ext == "" {
		return "text"
	}
	return ext
}
