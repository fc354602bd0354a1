package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	"github.com/pressly/goose/v3"

	"github.com/llmctl/llmctl/internal/flowchart/model"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Postgres is the production Store. JSONB columns carry the map-shaped
// fields; the deep-copy discipline of the in-memory store falls out of the
// round trip for free.
type Postgres struct {
	db *sqlx.DB
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	db, err := sqlx.ConnectContext(ctx, "pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)
	return &Postgres{db: db}, nil
}

var _ Store = (*Postgres)(nil)

// Migrate applies the embedded goose migrations.
func (p *Postgres) Migrate(ctx context.Context) error {
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, p.db.DB, "migrations")
}

func (p *Postgres) Close() error { return p.db.Close() }

func (p *Postgres) SaveFlowchart(ctx context.Context, f *model.Flowchart) error {
	if f == nil || strings.TrimSpace(f.ID) == "" {
		return fmt.Errorf("flowchart id is required")
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encode flowchart: %w", err)
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flowcharts (id, doc, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET doc = EXCLUDED.doc, updated_at = now()`,
		f.ID, doc)
	return err
}

func (p *Postgres) GetFlowchart(ctx context.Context, id string) (*model.Flowchart, error) {
	var doc []byte
	err := p.db.GetContext(ctx, &doc, `SELECT doc FROM flowcharts WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("flowchart %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	var f model.Flowchart
	if err := json.Unmarshal(doc, &f); err != nil {
		return nil, fmt.Errorf("decode flowchart %q: %w", id, err)
	}
	return &f, nil
}

func (p *Postgres) CreateRun(ctx context.Context, run *FlowchartRun) error {
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO flowchart_runs (id, flowchart_id, status, started_at, finished_at, error, created_at)
		VALUES (:id, :flowchart_id, :status, :started_at, :finished_at, :error, :created_at)`, run)
	return err
}

func (p *Postgres) GetRun(ctx context.Context, id string) (*FlowchartRun, error) {
	var run FlowchartRun
	err := p.db.GetContext(ctx, &run, `SELECT * FROM flowchart_runs WHERE id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %q: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

func (p *Postgres) UpdateRun(ctx context.Context, run *FlowchartRun) error {
	// Guard in SQL: a terminal row only accepts a same-status write.
	res, err := p.db.ExecContext(ctx, `
		UPDATE flowchart_runs
		SET status = $2, started_at = $3, finished_at = $4, error = $5
		WHERE id = $1
		  AND (status NOT IN ('completed', 'failed', 'canceled') OR status = $2)`,
		run.ID, run.Status, run.StartedAt, run.FinishedAt, run.Error)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		prev, getErr := p.GetRun(ctx, run.ID)
		if getErr != nil {
			return getErr
		}
		return fmt.Errorf("run %q is terminal (%s)", run.ID, prev.Status)
	}
	return nil
}

func (p *Postgres) CreateNodeRun(ctx context.Context, nr *FlowchartRunNode) error {
	if err := validateDispatchID(nr.ProviderDispatchID); err != nil {
		return err
	}
	input, output, routing, evidence, err := nodeRunJSON(nr)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO flowchart_run_nodes
			(id, flowchart_run_id, flowchart_node_id, execution_index, status,
			 input_context, output_state, routing_state, provider_dispatch_id,
			 runtime_evidence, started_at, finished_at, error)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		nr.ID, nr.FlowchartRunID, nr.FlowchartNodeID, nr.ExecutionIndex, nr.Status,
		input, output, routing, nr.ProviderDispatchID,
		evidence, nr.StartedAt, nr.FinishedAt, nr.Error)
	return err
}

func (p *Postgres) UpdateNodeRun(ctx context.Context, nr *FlowchartRunNode) error {
	if err := validateDispatchID(nr.ProviderDispatchID); err != nil {
		return err
	}
	input, output, routing, evidence, err := nodeRunJSON(nr)
	if err != nil {
		return err
	}
	res, err := p.db.ExecContext(ctx, `
		UPDATE flowchart_run_nodes
		SET status = $2, input_context = $3, output_state = $4, routing_state = $5,
		    provider_dispatch_id = $6, runtime_evidence = $7,
		    started_at = $8, finished_at = $9, error = $10
		WHERE id = $1`,
		nr.ID, nr.Status, input, output, routing,
		nr.ProviderDispatchID, evidence, nr.StartedAt, nr.FinishedAt, nr.Error)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("node-run %q: %w", nr.ID, ErrNotFound)
	}
	return nil
}

func (p *Postgres) GetNodeRun(ctx context.Context, id string) (*FlowchartRunNode, error) {
	row := p.db.QueryRowxContext(ctx, `
		SELECT id, flowchart_run_id, flowchart_node_id, execution_index, status,
		       input_context, output_state, routing_state, provider_dispatch_id,
		       runtime_evidence, started_at, finished_at, error
		FROM flowchart_run_nodes WHERE id = $1`, id)
	nr, err := scanNodeRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("node-run %q: %w", id, ErrNotFound)
	}
	return nr, err
}

func (p *Postgres) ListNodeRuns(ctx context.Context, runID string) ([]*FlowchartRunNode, error) {
	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, flowchart_run_id, flowchart_node_id, execution_index, status,
		       input_context, output_state, routing_state, provider_dispatch_id,
		       runtime_evidence, started_at, finished_at, error
		FROM flowchart_run_nodes
		WHERE flowchart_run_id = $1
		ORDER BY flowchart_node_id, execution_index`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*FlowchartRunNode
	for rows.Next() {
		nr, err := scanNodeRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, nr)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanNodeRun(row rowScanner) (*FlowchartRunNode, error) {
	var nr FlowchartRunNode
	var input, output, routing, evidence []byte
	err := row.Scan(
		&nr.ID, &nr.FlowchartRunID, &nr.FlowchartNodeID, &nr.ExecutionIndex, &nr.Status,
		&input, &output, &routing, &nr.ProviderDispatchID,
		&evidence, &nr.StartedAt, &nr.FinishedAt, &nr.Error)
	if err != nil {
		return nil, err
	}
	for _, pair := range []struct {
		raw []byte
		dst *map[string]any
	}{
		{input, &nr.InputContext},
		{output, &nr.OutputState},
		{routing, &nr.RoutingState},
		{evidence, &nr.RuntimeEvidence},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, fmt.Errorf("decode node-run %q: %w", nr.ID, err)
		}
	}
	return &nr, nil
}

func nodeRunJSON(nr *FlowchartRunNode) (input, output, routing, evidence []byte, err error) {
	enc := func(m map[string]any) ([]byte, error) {
		if m == nil {
			return nil, nil
		}
		return json.Marshal(m)
	}
	if input, err = enc(nr.InputContext); err != nil {
		return
	}
	if output, err = enc(nr.OutputState); err != nil {
		return
	}
	if routing, err = enc(nr.RoutingState); err != nil {
		return
	}
	evidence, err = enc(nr.RuntimeEvidence)
	return
}

func (p *Postgres) AppendEvent(ctx context.Context, ev *Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	var payload []byte
	if ev.Payload != nil {
		b, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event payload: %w", err)
		}
		payload = b
	}
	return p.db.QueryRowContext(ctx, `
		INSERT INTO events (event_type, request_id, correlation_id, run_id, node_run_id, room, payload, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id`,
		ev.EventType, ev.RequestID, ev.CorrelationID, ev.RunID, ev.NodeRunID, ev.Room, payload, ev.TS,
	).Scan(&ev.ID)
}

func (p *Postgres) ListEvents(ctx context.Context, room string, afterID int64) ([]*Event, error) {
	query := `
		SELECT id, event_type, request_id, correlation_id, run_id, node_run_id, room, payload, ts
		FROM events WHERE id > $1`
	args := []any{afterID}
	if room != "" {
		query += ` AND room = $2`
		args = append(args, room)
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*Event
	for rows.Next() {
		var ev Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.EventType, &ev.RequestID, &ev.CorrelationID,
			&ev.RunID, &ev.NodeRunID, &ev.Room, &payload, &ev.TS); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &ev.Payload); err != nil {
				return nil, fmt.Errorf("decode event %d payload: %w", ev.ID, err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}

func (p *Postgres) SaveSource(ctx context.Context, src *RAGSource) error {
	if src == nil || src.ID == "" {
		return fmt.Errorf("source id is required")
	}
	globs, err := json.Marshal(src.IncludeGlobs)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO rag_sources (id, collection, kind, path, include_globs, last_error, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			collection = EXCLUDED.collection, kind = EXCLUDED.kind, path = EXCLUDED.path,
			include_globs = EXCLUDED.include_globs, last_error = EXCLUDED.last_error,
			updated_at = now()`,
		src.ID, src.Collection, src.Kind, src.Path, globs, src.LastError)
	return err
}

func (p *Postgres) GetSource(ctx context.Context, id string) (*RAGSource, error) {
	row := p.db.QueryRowxContext(ctx, `
		SELECT id, collection, kind, path, include_globs, last_error, created_at, updated_at
		FROM rag_sources WHERE id = $1`, id)
	src, err := scanSource(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("rag source %q: %w", id, ErrNotFound)
	}
	return src, err
}

func (p *Postgres) ListSources(ctx context.Context, collection string) ([]*RAGSource, error) {
	query := `
		SELECT id, collection, kind, path, include_globs, last_error, created_at, updated_at
		FROM rag_sources`
	var args []any
	if collection != "" {
		query += ` WHERE collection = $1`
		args = append(args, collection)
	}
	query += ` ORDER BY id`
	rows, err := p.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*RAGSource
	for rows.Next() {
		src, err := scanSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

func scanSource(row rowScanner) (*RAGSource, error) {
	var src RAGSource
	var globs []byte
	err := row.Scan(&src.ID, &src.Collection, &src.Kind, &src.Path, &globs,
		&src.LastError, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(globs) > 0 {
		if err := json.Unmarshal(globs, &src.IncludeGlobs); err != nil {
			return nil, fmt.Errorf("decode source %q globs: %w", src.ID, err)
		}
	}
	return &src, nil
}

func (p *Postgres) ListFileStates(ctx context.Context, sourceID string) ([]*SourceFileState, error) {
	var out []*SourceFileState
	err := p.db.SelectContext(ctx, &out, `
		SELECT source_id, path, fingerprint, indexed, doc_type, chunk_count
		FROM rag_source_files WHERE source_id = $1 ORDER BY path`, sourceID)
	return out, err
}

func (p *Postgres) UpsertFileState(ctx context.Context, st *SourceFileState) error {
	if st == nil || st.SourceID == "" || st.Path == "" {
		return fmt.Errorf("file state requires source_id and path")
	}
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO rag_source_files (source_id, path, fingerprint, indexed, doc_type, chunk_count)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (source_id, path) DO UPDATE SET
			fingerprint = EXCLUDED.fingerprint, indexed = EXCLUDED.indexed,
			doc_type = EXCLUDED.doc_type, chunk_count = EXCLUDED.chunk_count`,
		st.SourceID, st.Path, st.Fingerprint, st.Indexed, st.DocType, st.ChunkCount)
	return err
}

func (p *Postgres) DeleteFileStates(ctx context.Context, sourceID string, paths []string) error {
	if len(paths) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`DELETE FROM rag_source_files WHERE source_id = ? AND path IN (?)`, sourceID, paths)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, p.db.Rebind(query), args...)
	return err
}

func (p *Postgres) ResetFileStates(ctx context.Context, sourceID string) error {
	_, err := p.db.ExecContext(ctx, `DELETE FROM rag_source_files WHERE source_id = $1`, sourceID)
	return err
}

func (p *Postgres) InsertRetrievalAudit(ctx context.Context, row *RAGRetrievalAudit) error {
	if row == nil || row.ID == "" {
		return fmt.Errorf("audit id is required")
	}
	if row.CreatedAt.IsZero() {
		row.CreatedAt = time.Now().UTC()
	}
	_, err := p.db.NamedExecContext(ctx, `
		INSERT INTO rag_retrieval_audits
			(id, request_id, runtime_kind, flowchart_run_id, flowchart_node_run_id,
			 provider, collection, source_id, path, chunk_id, score, snippet,
			 retrieval_rank, created_at)
		VALUES
			(:id, :request_id, :runtime_kind, :flowchart_run_id, :flowchart_node_run_id,
			 :provider, :collection, :source_id, :path, :chunk_id, :score, :snippet,
			 :retrieval_rank, :created_at)`, row)
	return err
}

func (p *Postgres) ListRetrievalAudits(ctx context.Context, requestID string) ([]*RAGRetrievalAudit, error) {
	var out []*RAGRetrievalAudit
	err := p.db.SelectContext(ctx, &out, `
		SELECT id, request_id, runtime_kind, flowchart_run_id, flowchart_node_run_id,
		       provider, collection, source_id, path, chunk_id, score, snippet,
		       retrieval_rank, created_at
		FROM rag_retrieval_audits WHERE request_id = $1
		ORDER BY retrieval_rank`, requestID)
	return out, err
}

func (p *Postgres) SaveMemory(ctx context.Context, rec *MemoryRecord) error {
	if rec == nil || rec.ID == "" {
		return fmt.Errorf("memory id is required")
	}
	tags, err := json.Marshal(rec.Tags)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO memories (id, title, content, tags, created_at, updated_at)
		VALUES ($1, $2, $3, $4, now(), now())
		ON CONFLICT (id) DO UPDATE SET
			title = EXCLUDED.title, content = EXCLUDED.content,
			tags = EXCLUDED.tags, updated_at = now()`,
		rec.ID, rec.Title, rec.Content, tags)
	return err
}

func (p *Postgres) GetMemory(ctx context.Context, id string) (*MemoryRecord, error) {
	row := p.db.QueryRowxContext(ctx, `
		SELECT id, title, content, tags, created_at, updated_at FROM memories WHERE id = $1`, id)
	rec, err := scanMemory(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("memory %q: %w", id, ErrNotFound)
	}
	return rec, err
}

func (p *Postgres) DeleteMemory(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx, `DELETE FROM memories WHERE id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("memory %q: %w", id, ErrNotFound)
	}
	return nil
}

func (p *Postgres) SearchMemories(ctx context.Context, query string, limit int) ([]*MemoryRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	q := "%" + strings.ToLower(strings.TrimSpace(query)) + "%"
	rows, err := p.db.QueryxContext(ctx, `
		SELECT id, title, content, tags, created_at, updated_at
		FROM memories
		WHERE lower(title) LIKE $1 OR lower(content) LIKE $1 OR lower(tags::text) LIKE $1
		ORDER BY updated_at DESC, id
		LIMIT $2`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []*MemoryRecord
	for rows.Next() {
		rec, err := scanMemory(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanMemory(row rowScanner) (*MemoryRecord, error) {
	var rec MemoryRecord
	var tags []byte
	err := row.Scan(&rec.ID, &rec.Title, &rec.Content, &tags, &rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(tags) > 0 {
		if err := json.Unmarshal(tags, &rec.Tags); err != nil {
			return nil, fmt.Errorf("decode memory %q tags: %w", rec.ID, err)
		}
	}
	return &rec, nil
}
