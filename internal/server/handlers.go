package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"regexp"
	"time"

	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/events"
	"github.com/llmctl/llmctl/internal/flowchart/migrate"
	"github.com/llmctl/llmctl/internal/flowchart/model"
	"github.com/llmctl/llmctl/internal/flowchart/validate"
	"github.com/llmctl/llmctl/internal/rag"
	"github.com/llmctl/llmctl/internal/store"
)

// validID matches ULIDs, UUIDs, and other safe identifiers.
var validID = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]{0,127}$`)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"active_runs": len(s.runs.Active()),
	})
}

// handleSaveFlowchart normalizes the submitted graph through the migration
// transform and persists it only when validation gates it as ready.
func (s *Server) handleSaveFlowchart(w http.ResponseWriter, r *http.Request) {
	var fc model.Flowchart
	if err := json.NewDecoder(r.Body).Decode(&fc); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid request body: %v", err))
		return
	}
	if !validID.MatchString(fc.ID) {
		writeError(w, http.StatusBadRequest, "flowchart id must be alphanumeric with dashes/underscores, 1-128 chars")
		return
	}

	a, err := migrate.Analyze(&fc)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if a.Gate == migrate.GateBlocked {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":       "validation blocked the save",
			"diagnostics": a.Diagnostics,
		})
		return
	}
	if err := s.store.SaveFlowchart(r.Context(), a.Post); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"id":          a.Post.ID,
		"changed":     a.Changed,
		"changes":     a.Changes,
		"diagnostics": a.Diagnostics,
	})
}

func (s *Server) handleGetFlowchart(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.flowchartByPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, fc)
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.flowchartByPath(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"flowchart_id": fc.ID,
		"diagnostics":  validate.Validate(fc),
	})
}

func (s *Server) handleMigrate(w http.ResponseWriter, r *http.Request) {
	fc, ok := s.flowchartByPath(w, r)
	if !ok {
		return
	}
	a, err := migrate.Apply(r.Context(), s.store, fc)
	if err != nil {
		status := http.StatusInternalServerError
		if a != nil && a.Gate == migrate.GateBlocked {
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, map[string]any{
			"error":       err.Error(),
			"diagnostics": diagnosticsOf(a),
		})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	flowchartID := r.PathValue("id")
	if !validID.MatchString(flowchartID) {
		writeError(w, http.StatusBadRequest, "flowchart id is required")
		return
	}

	// The run outlives the HTTP request; tie it to the server context.
	run, done, err := s.eng.StartRun(s.baseCtx, flowchartID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("flowchart %s not found", flowchartID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	rs := &RunState{RunID: run.ID, FlowchartID: flowchartID, StartedAt: time.Now().UTC()}
	s.runs.Register(rs)
	go func() {
		final := <-done
		rs.SetFinal(final)
		s.bus.CloseRoom(events.RunRoom(run.ID))
		s.log.Info("run finished",
			zap.String("run_id", run.ID),
			zap.String("status", string(final.Status)))
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(StartRunResponse{
		RunID:       run.ID,
		FlowchartID: flowchartID,
		Status:      string(run.Status),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	run, err := s.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	nodeRuns, err := s.store.ListNodeRuns(r.Context(), runID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, RunStatus{
		RunID:      run.ID,
		Status:     string(run.Status),
		Error:      run.Error,
		StartedAt:  run.StartedAt,
		FinishedAt: run.FinishedAt,
		NodeRuns:   nodeRuns,
	})
}

func (s *Server) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	if err := s.eng.CancelRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "canceling"})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("id")
	if !validID.MatchString(runID) {
		writeError(w, http.StatusBadRequest, "run id is required")
		return
	}
	if _, err := s.store.GetRun(r.Context(), runID); err != nil {
		writeError(w, http.StatusNotFound, fmt.Sprintf("run %s not found", runID))
		return
	}
	WriteSSE(w, r, s.bus, events.RunRoom(runID))
}

func (s *Server) handleRAGHealth(w http.ResponseWriter, r *http.Request) {
	if s.rag == nil {
		writeJSON(w, http.StatusOK, rag.Health{State: rag.HealthUnconfigured})
		return
	}
	writeJSON(w, http.StatusOK, s.rag.Health(r.Context()))
}

// --- Helpers ---

func (s *Server) flowchartByPath(w http.ResponseWriter, r *http.Request) (*model.Flowchart, bool) {
	id := r.PathValue("id")
	if !validID.MatchString(id) {
		writeError(w, http.StatusBadRequest, "flowchart id is required")
		return nil, false
	}
	fc, err := s.store.GetFlowchart(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, fmt.Sprintf("flowchart %s not found", id))
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return nil, false
	}
	return fc, true
}

func diagnosticsOf(a *migrate.Analysis) []validate.Diagnostic {
	if a == nil {
		return nil
	}
	return a.Diagnostics
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
