// Package engine hosts the per-run scheduler and the node-type handlers.
// Each run is owned by a single scheduler goroutine (one writer for the
// run's state); node executions fan out to a bounded worker pool and report
// back over a channel.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/events"
	"github.com/llmctl/llmctl/internal/flowchart/model"
	"github.com/llmctl/llmctl/internal/flowchart/validate"
	"github.com/llmctl/llmctl/internal/memory"
	"github.com/llmctl/llmctl/internal/rag"
	"github.com/llmctl/llmctl/internal/store"
)

type Config struct {
	Workers                  int
	DefaultModelID           string
	EnabledProviders         []string
	MCPServerKeys            []string
	DefaultTimeoutSeconds    int
	DefaultCaptureLimitBytes int
	CancelGraceSeconds       int
	WorkspaceRoot            string
	CustomInstructionFile    string
}

func (c *Config) applyDefaults() {
	if c.Workers <= 0 {
		c.Workers = 8
	}
	if c.DefaultTimeoutSeconds <= 0 {
		c.DefaultTimeoutSeconds = 600
	}
	if c.DefaultCaptureLimitBytes <= 0 {
		c.DefaultCaptureLimitBytes = 65536
	}
	if c.CancelGraceSeconds <= 0 {
		c.CancelGraceSeconds = 30
	}
}

const defaultMaxNodeExecutions = 30

var errRunCancelled = errors.New("run cancellation requested")

type Engine struct {
	store    store.Store
	rec      *events.Recorder
	deps     *handlerDeps
	handlers *HandlerRegistry
	cfg      Config
	log      *zap.Logger

	mu      sync.Mutex
	cancels map[string]context.CancelCauseFunc
}

func New(st store.Store, rec *events.Recorder, dispatcher JobDispatcher, retriever Retriever, memories *memory.Service, cfg Config, log *zap.Logger) *Engine {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		store:   st,
		rec:     rec,
		cfg:     cfg,
		log:     log,
		cancels: map[string]context.CancelCauseFunc{},
	}
	e.deps = &handlerDeps{
		dispatcher: dispatcher,
		retriever:  retriever,
		memories:   memories,
		cfg:        cfg,
		log:        log,
	}
	e.deps.runSubflow = func(ctx context.Context, flowchartID string) (*store.FlowchartRun, error) {
		return e.Run(ctx, flowchartID)
	}
	e.handlers = newHandlerRegistry(e.deps)
	return e
}

// Run executes the flowchart to a terminal run state. It blocks; use
// StartRun for fire-and-forget with an immediate run id.
func (e *Engine) Run(ctx context.Context, flowchartID string) (*store.FlowchartRun, error) {
	run, fc, err := e.prepare(ctx, flowchartID)
	if err != nil {
		return nil, err
	}
	return e.execute(ctx, run, fc)
}

// StartRun creates the run row, then executes in the background. The
// returned channel delivers the terminal run exactly once.
func (e *Engine) StartRun(ctx context.Context, flowchartID string) (*store.FlowchartRun, <-chan *store.FlowchartRun, error) {
	run, fc, err := e.prepare(ctx, flowchartID)
	if err != nil {
		return nil, nil, err
	}
	done := make(chan *store.FlowchartRun, 1)
	go func() {
		final, err := e.execute(ctx, run, fc)
		if err != nil {
			e.log.Error("run execution", zap.String("run_id", run.ID), zap.Error(err))
			final = run
		}
		done <- final
	}()
	return run, done, nil
}

func (e *Engine) prepare(ctx context.Context, flowchartID string) (*store.FlowchartRun, *model.Flowchart, error) {
	fc, err := e.store.GetFlowchart(ctx, flowchartID)
	if err != nil {
		return nil, nil, err
	}
	run := &store.FlowchartRun{
		ID:          ulid.Make().String(),
		FlowchartID: flowchartID,
		Status:      store.RunQueued,
		CreatedAt:   time.Now().UTC(),
	}
	if err := e.store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}
	e.record(ctx, run.ID, events.TypeRunStarted, map[string]any{"flowchart_id": flowchartID})
	return run, fc, nil
}

func (e *Engine) execute(ctx context.Context, run *store.FlowchartRun, fc *model.Flowchart) (*store.FlowchartRun, error) {
	if err := e.preRunValidate(ctx, run, fc); err != nil {
		return e.finishRun(ctx, run, store.RunFailed, err.Error()), nil
	}

	runCtx, cancel := context.WithCancelCause(ctx)
	e.mu.Lock()
	e.cancels[run.ID] = cancel
	e.mu.Unlock()
	defer func() {
		cancel(nil)
		e.mu.Lock()
		delete(e.cancels, run.ID)
		e.mu.Unlock()
	}()

	now := time.Now().UTC()
	run.Status = store.RunRunning
	run.StartedAt = &now
	if err := e.store.UpdateRun(ctx, run); err != nil {
		return nil, err
	}

	s := newRunScheduler(e, run, fc)
	return s.loop(runCtx), nil
}

// CancelRun requests cancellation of an active run: outstanding dispatches
// are terminated, the run context is cancelled, queued node-runs become
// canceled. Unknown or finished runs report an error.
func (e *Engine) CancelRun(ctx context.Context, runID string) error {
	e.mu.Lock()
	cancel := e.cancels[runID]
	e.mu.Unlock()
	if cancel == nil {
		return fmt.Errorf("run %q is not active", runID)
	}
	if e.deps.dispatcher != nil {
		if err := e.deps.dispatcher.Cancel(ctx, runID); err != nil {
			e.log.Warn("dispatch cancel", zap.String("run_id", runID), zap.Error(err))
		}
	}
	cancel(errRunCancelled)
	return nil
}

// preRunValidate runs structural validation and, when rag query nodes are
// present, the retrieval health probe. Any error fails the run before any
// node executes.
func (e *Engine) preRunValidate(ctx context.Context, run *store.FlowchartRun, fc *model.Flowchart) error {
	if err := validate.ValidateOrError(fc); err != nil {
		return fmt.Errorf("pre-run validation failed: %v", err)
	}
	var ragNodes []*model.Node
	for _, n := range fc.Nodes {
		if n.Type == model.NodeRAG {
			ragNodes = append(ragNodes, n)
		}
	}
	if len(ragNodes) == 0 {
		return nil
	}
	state := string(rag.HealthUnconfigured)
	if e.deps.retriever != nil {
		h := e.deps.retriever.Health(ctx)
		state = string(h.State)
		if h.State == rag.HealthConfiguredHealthy {
			return nil
		}
	}
	for _, n := range ragNodes {
		nr := &store.FlowchartRunNode{
			ID:              ulid.Make().String(),
			FlowchartRunID:  run.ID,
			FlowchartNodeID: n.ID,
			ExecutionIndex:  1,
			Status:          store.NodeRunFailed,
			Error:           "pre-run validation failed: rag backend " + state,
		}
		if err := e.store.CreateNodeRun(ctx, nr); err != nil {
			e.log.Error("record pre-run failure", zap.Error(err))
		}
		e.recordNode(ctx, run.ID, nr)
	}
	return fmt.Errorf("pre-run validation failed: rag backend %s", state)
}

func (e *Engine) finishRun(ctx context.Context, run *store.FlowchartRun, status store.RunStatus, errMsg string) *store.FlowchartRun {
	persistCtx := context.WithoutCancel(ctx)
	now := time.Now().UTC()
	run.Status = status
	run.FinishedAt = &now
	run.Error = errMsg
	if err := e.store.UpdateRun(persistCtx, run); err != nil {
		e.log.Error("finish run", zap.String("run_id", run.ID), zap.Error(err))
	}
	eventType := events.TypeRunCompleted
	switch status {
	case store.RunFailed:
		eventType = events.TypeRunFailed
	case store.RunCanceled:
		eventType = events.TypeRunCanceled
	}
	payload := map[string]any{"status": string(status)}
	if errMsg != "" {
		payload["error"] = errMsg
	}
	e.record(persistCtx, run.ID, eventType, payload)
	return run
}

func (e *Engine) record(ctx context.Context, runID, eventType string, payload map[string]any) {
	if e.rec == nil {
		return
	}
	if err := e.rec.RecordRun(ctx, runID, eventType, payload); err != nil {
		e.log.Error("record event", zap.String("event_type", eventType), zap.Error(err))
	}
}

func (e *Engine) recordNode(ctx context.Context, runID string, nr *store.FlowchartRunNode) {
	if e.rec == nil {
		return
	}
	payload := map[string]any{
		"node_id":         nr.FlowchartNodeID,
		"status":          string(nr.Status),
		"execution_index": nr.ExecutionIndex,
	}
	if nr.Error != "" {
		payload["error"] = nr.Error
	}
	if err := e.rec.RecordNode(ctx, runID, nr.ID, events.TypeNodeUpdated, payload); err != nil {
		e.log.Error("record node event", zap.Error(err))
	}
}
