package server

import (
	"time"

	"github.com/llmctl/llmctl/internal/store"
)

// StartRunResponse is the POST /api/flowcharts/{id}/runs response body.
type StartRunResponse struct {
	RunID       string `json:"run_id"`
	FlowchartID string `json:"flowchart_id"`
	Status      string `json:"status"`
}

// RunStatus is returned by GET /api/runs/{id}.
type RunStatus struct {
	RunID      string                    `json:"run_id"`
	Status     string                    `json:"status"`
	Error      string                    `json:"error,omitempty"`
	StartedAt  *time.Time                `json:"started_at,omitempty"`
	FinishedAt *time.Time                `json:"finished_at,omitempty"`
	NodeRuns   []*store.FlowchartRunNode `json:"node_runs"`
}

// ErrorResponse is a standard error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}
