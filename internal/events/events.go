// Package events is the append-only activity log plus live fan-out. Every
// observable state change is persisted as an event row first, then broadcast
// to the room's live subscribers. A crashed broadcast never loses history:
// the row is already durable.
package events

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/store"
)

// Event type names. Node task events carry the task lifecycle; run-scoped
// events carry scheduler transitions.
const (
	TypeRunStarted   = "flowchart_run.started"
	TypeRunCompleted = "flowchart_run.completed"
	TypeRunFailed    = "flowchart_run.failed"
	TypeRunCanceled  = "flowchart_run.canceled"

	TypeNodeUpdated = "flowchart_run.node.updated"

	TypeTaskCreated   = "node.task.created"
	TypeTaskUpdated   = "node.task.updated"
	TypeTaskCompleted = "node.task.completed"

	TypeRAGRetrievalUsed = "rag.retrieval.used"
	TypeRAGIndexStarted  = "rag.index.started"
	TypeRAGIndexFinished = "rag.index.finished"

	TypeMemorySaved = "memory.saved"

	TypeMigrationApplied = "flowchart.migration.applied"
)

// Room names scope subscriptions.
func RunRoom(runID string) string     { return "flowchart_run:" + runID }
func TaskRoom(taskID string) string   { return "task:" + taskID }
func ThreadRoom(thread string) string { return "thread:" + thread }

// Recorder persists events and then fans them out. The write is the source
// of truth; broadcast is best-effort delivery to live listeners.
type Recorder struct {
	store store.EventStore
	bus   *Bus
	log   *zap.Logger
}

func NewRecorder(st store.EventStore, bus *Bus, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{store: st, bus: bus, log: log}
}

// Record appends the event and broadcasts it to its room. The store assigns
// the event id and timestamp.
func (r *Recorder) Record(ctx context.Context, ev *store.Event) error {
	if ev == nil {
		return fmt.Errorf("event is nil")
	}
	if ev.Room == "" {
		return fmt.Errorf("event %q has no room", ev.EventType)
	}
	if ev.TS.IsZero() {
		ev.TS = time.Now().UTC()
	}
	if err := r.store.AppendEvent(ctx, ev); err != nil {
		return fmt.Errorf("append event %q: %w", ev.EventType, err)
	}
	if r.bus != nil {
		r.bus.Publish(ev.Room, eventSnapshot(ev))
	}
	r.log.Debug("event recorded",
		zap.String("event_type", ev.EventType),
		zap.String("room", ev.Room),
		zap.Int64("event_id", ev.ID))
	return nil
}

// RecordRun is Record with the run room and ids prefilled.
func (r *Recorder) RecordRun(ctx context.Context, runID, eventType string, payload map[string]any) error {
	return r.Record(ctx, &store.Event{
		EventType: eventType,
		RunID:     runID,
		Room:      RunRoom(runID),
		Payload:   payload,
	})
}

// RecordNode is Record for a node-run transition, emitted into the run room.
func (r *Recorder) RecordNode(ctx context.Context, runID, nodeRunID, eventType string, payload map[string]any) error {
	return r.Record(ctx, &store.Event{
		EventType: eventType,
		RunID:     runID,
		NodeRunID: nodeRunID,
		Room:      RunRoom(runID),
		Payload:   payload,
	})
}

func eventSnapshot(ev *store.Event) map[string]any {
	m := map[string]any{
		"id":         ev.ID,
		"event_type": ev.EventType,
		"room":       ev.Room,
		"ts":         ev.TS.Format(time.RFC3339Nano),
	}
	if ev.RequestID != "" {
		m["request_id"] = ev.RequestID
	}
	if ev.CorrelationID != "" {
		m["correlation_id"] = ev.CorrelationID
	}
	if ev.RunID != "" {
		m["run_id"] = ev.RunID
	}
	if ev.NodeRunID != "" {
		m["node_run_id"] = ev.NodeRunID
	}
	if ev.Payload != nil {
		m["payload"] = ev.Payload
	}
	return m
}
