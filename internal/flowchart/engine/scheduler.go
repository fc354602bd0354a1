package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/flowchart/gate"
	"github.com/llmctl/llmctl/internal/flowchart/model"
	"github.com/llmctl/llmctl/internal/store"
)

// work is one admitted node execution waiting for a worker slot.
type work struct {
	adm *gate.Admission
	nr  *store.FlowchartRunNode
	hc  *HandlerContext
}

type nodeDone struct {
	w       *work
	output  map[string]any
	routing map[string]any
	err     error
}

// runScheduler owns one run. All state below is touched only by the
// scheduler goroutine; workers communicate through the completed channel.
type runScheduler struct {
	e   *Engine
	run *store.FlowchartRun
	fc  *model.Flowchart
	adj *model.Adjacency
	g   *gate.Gate

	execCount  map[string]int              // executions admitted per node id
	outputs    map[string]map[string]any   // latest successful output per node id
	running    map[string]bool             // node ids with an in-flight execution
	readyCount map[string]int              // node ids queued in ready
	deferred   map[string][]*work          // serialized re-executions per node id
	ready      []*work
	completed  chan *nodeDone
	inflight   int
	maxExec    int
	failure    error
}

func newRunScheduler(e *Engine, run *store.FlowchartRun, fc *model.Flowchart) *runScheduler {
	maxExec := fc.MaxNodeExecutions
	if maxExec <= 0 {
		maxExec = defaultMaxNodeExecutions
	}
	adj := fc.BuildAdjacency()
	return &runScheduler{
		e:          e,
		run:        run,
		fc:         fc,
		adj:        adj,
		g:          gate.New(fc, adj),
		execCount:  map[string]int{},
		outputs:    map[string]map[string]any{},
		running:    map[string]bool{},
		readyCount: map[string]int{},
		deferred:   map[string][]*work{},
		completed:  make(chan *nodeDone, e.cfg.Workers),
		maxExec:    maxExec,
	}
}

// LatestOutput implements gate.OutputReader over the run's successful
// executions.
func (s *runScheduler) LatestOutput(nodeID string) (map[string]any, bool) {
	out, ok := s.outputs[nodeID]
	return out, ok
}

func (s *runScheduler) loop(ctx context.Context) *store.FlowchartRun {
	persistCtx := context.WithoutCancel(ctx)

	start := s.fc.StartNode()
	if start == nil {
		return s.e.finishRun(persistCtx, s.run, store.RunFailed, "flowchart has no start node")
	}
	s.admit(persistCtx, &gate.Admission{TargetNodeID: start.ID, RunCycle: 0})

	for s.failure == nil && ctx.Err() == nil && (s.inflight > 0 || len(s.ready) > 0) {
		if len(s.ready) > 0 && s.inflight < s.e.cfg.Workers {
			w := s.ready[0]
			s.ready = s.ready[1:]
			s.readyCount[w.nr.FlowchartNodeID]--
			s.start(ctx, persistCtx, w)
			continue
		}
		select {
		case done := <-s.completed:
			s.finish(ctx, persistCtx, done, true)
		case <-ctx.Done():
		}
	}

	s.drain(ctx, persistCtx)
	return s.finalize(ctx, persistCtx)
}

// admit records a queued node-run for the admission, or fails the run when
// the execution guardrail is exceeded. Executions of the same node id are
// serialized: a later admission waits until the earlier one finishes.
func (s *runScheduler) admit(persistCtx context.Context, adm *gate.Admission) {
	node := s.fc.Node(adm.TargetNodeID)
	if node == nil {
		s.failure = fmt.Errorf("admission for unknown node %q", adm.TargetNodeID)
		return
	}
	next := s.execCount[node.ID] + 1
	nr := &store.FlowchartRunNode{
		ID:              ulid.Make().String(),
		FlowchartRunID:  s.run.ID,
		FlowchartNodeID: node.ID,
		ExecutionIndex:  next,
	}
	if next > s.maxExec {
		nr.Status = store.NodeRunFailed
		nr.Error = fmt.Sprintf("max_node_executions exceeded: node %q would run %d times (limit %d)", node.ID, next, s.maxExec)
		if err := s.e.store.CreateNodeRun(persistCtx, nr); err != nil {
			s.e.log.Error("create node run", zap.Error(err))
		}
		s.e.recordNode(persistCtx, s.run.ID, nr)
		s.failure = errors.New(nr.Error)
		return
	}
	s.execCount[node.ID] = next

	nr.Status = store.NodeRunQueued
	nr.InputContext = s.g.BuildInputContext(adm, s)
	if err := s.e.store.CreateNodeRun(persistCtx, nr); err != nil {
		s.failure = fmt.Errorf("create node run for %q: %w", node.ID, err)
		return
	}
	s.e.recordNode(persistCtx, s.run.ID, nr)

	w := &work{
		adm: adm,
		nr:  nr,
		hc: &HandlerContext{
			RunID:            s.run.ID,
			NodeID:           node.ID,
			NodeType:         node.Type,
			NodeRefID:        node.RefID,
			Node:             node,
			NodeConfig:       node.Config,
			InputContext:     nr.InputContext,
			ExecutionID:      nr.ID,
			ExecutionTaskID:  uuid.NewString(),
			ExecutionIndex:   nr.ExecutionIndex,
			EnabledProviders: s.e.cfg.EnabledProviders,
			DefaultModelID:   s.e.cfg.DefaultModelID,
			MCPServerKeys:    s.e.cfg.MCPServerKeys,
		},
	}
	if s.running[node.ID] || s.readyCount[node.ID] > 0 || len(s.deferred[node.ID]) > 0 {
		s.deferred[node.ID] = append(s.deferred[node.ID], w)
		return
	}
	s.readyCount[node.ID]++
	s.ready = append(s.ready, w)
}

func (s *runScheduler) start(ctx, persistCtx context.Context, w *work) {
	now := time.Now().UTC()
	w.nr.Status = store.NodeRunRunning
	w.nr.StartedAt = &now
	if err := s.e.store.UpdateNodeRun(persistCtx, w.nr); err != nil {
		s.e.log.Error("update node run", zap.Error(err))
	}
	s.e.recordNode(persistCtx, s.run.ID, w.nr)

	s.running[w.nr.FlowchartNodeID] = true
	s.inflight++
	go func() {
		defer func() {
			if r := recover(); r != nil {
				s.completed <- &nodeDone{w: w, err: fmt.Errorf("handler panic: %v", r)}
			}
		}()
		fn, err := s.e.handlers.Handler(w.hc.NodeType)
		if err != nil {
			s.completed <- &nodeDone{w: w, err: err}
			return
		}
		out, routing, err := fn(ctx, w.hc)
		s.completed <- &nodeDone{w: w, output: out, routing: routing, err: err}
	}()
}

// finish settles one completed execution. With emit set, a successful node
// emits tokens on its solid out-edges and deferred same-node work is
// released.
func (s *runScheduler) finish(ctx, persistCtx context.Context, done *nodeDone, emit bool) {
	s.inflight--
	w := done.w
	nodeID := w.nr.FlowchartNodeID
	delete(s.running, nodeID)

	now := time.Now().UTC()
	w.nr.FinishedAt = &now
	w.nr.OutputState = done.output
	w.nr.RoutingState = done.routing
	if done.output != nil {
		if ev, ok := done.output["runtime_evidence"].(map[string]any); ok {
			w.nr.RuntimeEvidence = ev
			if id, ok := ev["provider_dispatch_id"].(string); ok && id != "" {
				w.nr.ProviderDispatchID = id
			}
		}
	}
	switch {
	case done.err == nil:
		w.nr.Status = store.NodeRunSucceeded
		s.outputs[nodeID] = done.output
	case ctx.Err() != nil || errors.Is(done.err, context.Canceled):
		w.nr.Status = store.NodeRunCanceled
		w.nr.Error = done.err.Error()
	default:
		w.nr.Status = store.NodeRunFailed
		w.nr.Error = done.err.Error()
		if s.failure == nil {
			s.failure = done.err
		}
	}
	if err := s.e.store.UpdateNodeRun(persistCtx, w.nr); err != nil {
		s.e.log.Error("update node run", zap.Error(err))
	}
	s.e.recordNode(persistCtx, s.run.ID, w.nr)

	if !emit {
		return
	}
	if done.err == nil {
		s.emit(persistCtx, w)
	}
	if q := s.deferred[nodeID]; len(q) > 0 && s.failure == nil {
		next := q[0]
		if len(q) == 1 {
			delete(s.deferred, nodeID)
		} else {
			s.deferred[nodeID] = q[1:]
		}
		s.readyCount[nodeID]++
		s.ready = append(s.ready, next)
	}
}

// emit resolves routing for a successful execution and offers tokens to the
// selected targets. The token's cycle is the source's zero-based execution
// ordinal so loop iterations gate independently.
func (s *runScheduler) emit(persistCtx context.Context, w *work) {
	edges, err := gate.ResolveRouting(s.fc, s.adj, w.nr.FlowchartNodeID, gate.RoutingStateFromMap(w.nr.RoutingState))
	if err != nil {
		s.failure = err
		return
	}
	token := gate.Token{SourceNodeID: w.nr.FlowchartNodeID, RunCycle: w.nr.ExecutionIndex - 1}
	for _, e := range edges {
		adm, err := s.g.Offer(e.TargetNodeID, token)
		if err != nil {
			s.failure = err
			return
		}
		if adm != nil {
			s.admit(persistCtx, adm)
		}
		if s.failure != nil {
			return
		}
	}
}

// drain settles the tail of a run that stopped early: queued work becomes
// canceled and in-flight executions get a bounded grace period to report.
func (s *runScheduler) drain(ctx, persistCtx context.Context) {
	for _, w := range s.ready {
		s.cancelQueued(persistCtx, w)
	}
	s.ready = nil
	for nodeID, q := range s.deferred {
		for _, w := range q {
			s.cancelQueued(persistCtx, w)
		}
		delete(s.deferred, nodeID)
	}
	if s.inflight == 0 {
		return
	}
	grace := time.Duration(s.e.cfg.CancelGraceSeconds) * time.Second
	timer := time.NewTimer(grace)
	defer timer.Stop()
	for s.inflight > 0 {
		select {
		case done := <-s.completed:
			s.finish(ctx, persistCtx, done, false)
		case <-timer.C:
			// Stragglers land in the buffered channel and are dropped; their
			// node-runs stay in the running state with the run already final.
			s.e.log.Warn("cancel grace elapsed with executions in flight",
				zap.String("run_id", s.run.ID), zap.Int("inflight", s.inflight))
			return
		}
	}
}

func (s *runScheduler) cancelQueued(persistCtx context.Context, w *work) {
	now := time.Now().UTC()
	w.nr.Status = store.NodeRunCanceled
	w.nr.FinishedAt = &now
	w.nr.Error = "not executed: run ended"
	if err := s.e.store.UpdateNodeRun(persistCtx, w.nr); err != nil {
		s.e.log.Error("update node run", zap.Error(err))
	}
	s.e.recordNode(persistCtx, s.run.ID, w.nr)
}

func (s *runScheduler) finalize(ctx, persistCtx context.Context) *store.FlowchartRun {
	switch {
	case errors.Is(context.Cause(ctx), errRunCancelled):
		return s.e.finishRun(persistCtx, s.run, store.RunCanceled, "run cancelled")
	case ctx.Err() != nil:
		return s.e.finishRun(persistCtx, s.run, store.RunFailed, ctx.Err().Error())
	case s.failure != nil:
		return s.e.finishRun(persistCtx, s.run, store.RunFailed, s.failure.Error())
	default:
		return s.e.finishRun(persistCtx, s.run, store.RunCompleted, "")
	}
}
