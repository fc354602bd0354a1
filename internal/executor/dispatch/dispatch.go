// Package dispatch turns a validated ExecutionPayload into an isolated
// Kubernetes Job and normalizes whatever comes back into an
// ExecutionResult plus runtime evidence. The dispatcher never retries; the
// retryability of a failure lives on the returned error.
package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/llmctl/llmctl/internal/executor/contract"
)

type DispatchStatus string

const (
	DispatchPending   DispatchStatus = "dispatch_pending"
	DispatchSubmitted DispatchStatus = "dispatch_submitted"
	DispatchConfirmed DispatchStatus = "dispatch_confirmed"
	DispatchFailed    DispatchStatus = "dispatch_failed"
)

// APIFailureCategory classifies ambiguous or failed provider API calls.
type APIFailureCategory string

const (
	FailureSocketMissing     APIFailureCategory = "socket_missing"
	FailureSocketUnreachable APIFailureCategory = "socket_unreachable"
	FailureAPIUnreachable    APIFailureCategory = "api_unreachable"
	FailureAuthError         APIFailureCategory = "auth_error"
	FailureTLSError          APIFailureCategory = "tls_error"
	FailureTimeout           APIFailureCategory = "timeout"
	FailurePreflight         APIFailureCategory = "preflight_failed"
	FailureUnknown           APIFailureCategory = "unknown"
)

const ProviderKubernetes = "kubernetes"

type Config struct {
	Namespace                   string
	Image                       string
	WorkspaceIdentity           string
	DispatchTimeoutSeconds      int
	ExecutionTimeoutSeconds     int
	LogCollectionTimeoutSeconds int
	CancelGraceTimeoutSeconds   int
}

func (c *Config) applyDefaults() {
	if c.Namespace == "" {
		c.Namespace = "llmctl"
	}
	if c.DispatchTimeoutSeconds <= 0 {
		c.DispatchTimeoutSeconds = 30
	}
	if c.ExecutionTimeoutSeconds <= 0 {
		c.ExecutionTimeoutSeconds = contract.MaxTimeoutSeconds
	}
	if c.LogCollectionTimeoutSeconds <= 0 {
		c.LogCollectionTimeoutSeconds = 30
	}
	if c.CancelGraceTimeoutSeconds <= 0 {
		c.CancelGraceTimeoutSeconds = 30
	}
}

// JobOutcome is what the runner observed once a job reached a terminal
// state.
type JobOutcome struct {
	Succeeded      bool
	ExitCode       int
	PodName        string
	TerminalReason string
}

// jobRunner is the narrow surface the dispatcher needs from Kubernetes.
// The production implementation wraps client-go; tests script it.
type jobRunner interface {
	CreateJob(ctx context.Context, jobName string, payload *contract.ExecutionPayload) error
	WaitJob(ctx context.Context, jobName string) (*JobOutcome, error)
	PodLogs(ctx context.Context, podName string) (string, error)
	DeleteJob(ctx context.Context, jobName string, graceSeconds int64) error
}

// Dispatch is the normalized outcome of one job.
type Dispatch struct {
	Result             *contract.ExecutionResult
	ProviderDispatchID string
	Status             DispatchStatus
	Uncertain          bool
	FailureCategory    APIFailureCategory
	PodName            string
	TerminalReason     string
	Evidence           map[string]any
}

type Dispatcher struct {
	cfg    Config
	runner jobRunner
	log    *zap.Logger

	mu        sync.Mutex
	active    map[string]map[string]bool // run id -> job names in flight
	cancelled map[string]bool            // run_end_requested
}

func New(cfg Config, runner jobRunner, log *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	if log == nil {
		log = zap.NewNop()
	}
	return &Dispatcher{
		cfg:       cfg,
		runner:    runner,
		log:       log,
		active:    map[string]map[string]bool{},
		cancelled: map[string]bool{},
	}
}

// NewKubernetes builds a dispatcher backed by a real clientset.
func NewKubernetes(cfg Config, client kubernetesInterface, log *zap.Logger) *Dispatcher {
	cfg.applyDefaults()
	return New(cfg, newK8sRunner(cfg, client), log)
}

// Dispatch validates, submits, waits, and normalizes. The returned Dispatch
// always carries evidence; the error is non-nil only for terminal dispatch
// failures where no result exists.
func (d *Dispatcher) Dispatch(ctx context.Context, runID, nodeRunID string, payload *contract.ExecutionPayload) (*Dispatch, error) {
	out := &Dispatch{Status: DispatchPending}
	defer func() { out.Evidence = d.evidence(out) }()

	if err := payload.Validate(); err != nil {
		out.Status = DispatchFailed
		out.Result = d.failureResult(contract.StatusDispatchFailed, contract.ErrValidation, err.Error())
		return out, err
	}

	jobName := jobNameFor(nodeRunID, payload.RequestID)
	if d.runEnded(runID) {
		out.Status = DispatchFailed
		out.Result = d.failureResult(contract.StatusCancelled, contract.ErrCancelled, "run cancellation requested before dispatch")
		return out, fmt.Errorf("run %q already cancelled", runID)
	}

	createCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.DispatchTimeoutSeconds)*time.Second)
	err := d.runner.CreateJob(createCtx, jobName, payload)
	cancel()
	if err != nil {
		category := classifyAPIError(createCtx, err)
		if ambiguous(category) {
			// The job may or may not exist; surface uncertainty instead of
			// guessing.
			out.Uncertain = true
			out.FailureCategory = category
			out.Status = DispatchFailed
			out.Result = d.failureResult(contract.StatusDispatchUncertain, contract.ErrDispatch, err.Error())
			return out, fmt.Errorf("job create ambiguous (%s): %w", category, err)
		}
		out.FailureCategory = category
		out.Status = DispatchFailed
		out.Result = d.failureResult(contract.StatusDispatchFailed, contract.ErrDispatch, err.Error())
		return out, fmt.Errorf("job create failed (%s): %w", category, err)
	}

	out.Status = DispatchSubmitted
	out.ProviderDispatchID = fmt.Sprintf("%s:%s/%s", ProviderKubernetes, d.cfg.Namespace, jobName)
	d.track(runID, jobName)
	defer d.untrack(runID, jobName)

	waitCtx, cancelWait := context.WithTimeout(ctx, time.Duration(d.cfg.ExecutionTimeoutSeconds)*time.Second)
	defer cancelWait()
	outcome, err := d.runner.WaitJob(waitCtx, jobName)
	if err != nil {
		if d.runEnded(runID) {
			out.Result = d.failureResult(contract.StatusCancelled, contract.ErrCancelled, "run cancelled while job was in flight")
			return out, nil
		}
		out.Uncertain = true
		out.FailureCategory = classifyAPIError(waitCtx, err)
		out.Result = d.failureResult(contract.StatusDispatchUncertain, contract.ErrDispatch, err.Error())
		return out, fmt.Errorf("wait for job %q: %w", jobName, err)
	}
	out.Status = DispatchConfirmed
	out.PodName = outcome.PodName
	out.TerminalReason = outcome.TerminalReason

	result := d.collectResult(ctx, outcome)
	if d.runEnded(runID) && result.Status == contract.StatusSuccess {
		// Late success after cancellation: the run outcome is already
		// decided, record the ambiguity instead of resurrecting the node.
		d.log.Warn("late success after cancellation",
			zap.String("run_id", runID), zap.String("job", jobName))
		out.Uncertain = true
		result = d.failureResult(contract.StatusCancelled, contract.ErrCancelled, "run cancelled; late job success ignored")
	}
	out.Result = result
	return out, nil
}

// collectResult reads the pod's logs for the authoritative result line,
// falling back to exit-code mapping.
func (d *Dispatcher) collectResult(ctx context.Context, outcome *JobOutcome) *contract.ExecutionResult {
	logCtx, cancel := context.WithTimeout(ctx, time.Duration(d.cfg.LogCollectionTimeoutSeconds)*time.Second)
	defer cancel()

	var logs string
	if outcome.PodName != "" {
		var err error
		logs, err = d.runner.PodLogs(logCtx, outcome.PodName)
		if err != nil {
			d.log.Warn("pod log collection failed", zap.String("pod", outcome.PodName), zap.Error(err))
		}
	}
	if logs != "" {
		res, found, err := contract.ParseResultLine(logs)
		if err == nil && found {
			truncateResult(res)
			return res
		}
		if err != nil {
			return d.failureResult(contract.StatusInfraError, contract.ErrInfra, err.Error())
		}
	}
	return resultFromExit(outcome)
}

// resultFromExit maps an exit code when no result line was recovered:
// 0 success, 124 timeout, 130 cancelled, anything else execution_error.
func resultFromExit(outcome *JobOutcome) *contract.ExecutionResult {
	res := &contract.ExecutionResult{
		ContractVersion: contract.Version,
		ExitCode:        outcome.ExitCode,
		FinishedAt:      time.Now().UTC(),
	}
	switch outcome.ExitCode {
	case contract.ExitSuccess:
		res.Status = contract.StatusSuccess
	case contract.ExitTimeout:
		res.Status = contract.StatusTimeout
		res.Error = contract.NewResultError(contract.ErrTimeout, "executor reported timeout")
	case contract.ExitCancelled:
		res.Status = contract.StatusCancelled
		res.Error = contract.NewResultError(contract.ErrCancelled, "executor reported cancellation")
	default:
		res.Status = contract.StatusFailed
		res.Error = contract.NewResultError(contract.ErrExecution,
			fmt.Sprintf("executor exited %d (%s)", outcome.ExitCode, outcome.TerminalReason))
	}
	return res
}

func truncateResult(res *contract.ExecutionResult) {
	var cut bool
	if res.Stdout, cut = contract.Truncate(res.Stdout, contract.MaxCaptureLimitBytes); cut {
		res.Warnings = append(res.Warnings, "stdout truncated at capture limit")
	}
	if res.Stderr, cut = contract.Truncate(res.Stderr, contract.MaxCaptureLimitBytes); cut {
		res.Warnings = append(res.Warnings, "stderr truncated at capture limit")
	}
}

// Cancel records run_end_requested and deletes every in-flight job with the
// configured grace period. Idempotent.
func (d *Dispatcher) Cancel(ctx context.Context, runID string) error {
	d.mu.Lock()
	alreadyRequested := d.cancelled[runID]
	d.cancelled[runID] = true
	var jobs []string
	for name := range d.active[runID] {
		jobs = append(jobs, name)
	}
	d.mu.Unlock()

	if alreadyRequested {
		return nil
	}
	grace := int64(d.cfg.CancelGraceTimeoutSeconds)
	var firstErr error
	for _, name := range jobs {
		if err := d.runner.DeleteJob(ctx, name, grace); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("delete job %q: %w", name, err)
		}
	}
	return firstErr
}

// RunEnded reports whether cancellation was requested for the run.
func (d *Dispatcher) RunEnded(runID string) bool { return d.runEnded(runID) }

func (d *Dispatcher) runEnded(runID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.cancelled[runID]
}

func (d *Dispatcher) track(runID, jobName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.active[runID] == nil {
		d.active[runID] = map[string]bool{}
	}
	d.active[runID][jobName] = true
}

func (d *Dispatcher) untrack(runID, jobName string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.active[runID], jobName)
}

func (d *Dispatcher) failureResult(status contract.Status, code contract.ErrorCode, msg string) *contract.ExecutionResult {
	exit := contract.ExitFailure
	switch status {
	case contract.StatusCancelled:
		exit = contract.ExitCancelled
	case contract.StatusTimeout:
		exit = contract.ExitTimeout
	}
	return &contract.ExecutionResult{
		ContractVersion: contract.Version,
		Status:          status,
		ExitCode:        exit,
		FinishedAt:      time.Now().UTC(),
		Error:           contract.NewResultError(code, msg),
	}
}

func (d *Dispatcher) evidence(out *Dispatch) map[string]any {
	ev := map[string]any{
		"selected_provider":  ProviderKubernetes,
		"final_provider":     ProviderKubernetes,
		"dispatch_status":    string(out.Status),
		"fallback_attempted": false,
		"dispatch_uncertain": out.Uncertain,
	}
	if out.ProviderDispatchID != "" {
		ev["provider_dispatch_id"] = out.ProviderDispatchID
	}
	if d.cfg.WorkspaceIdentity != "" {
		ev["workspace_identity"] = d.cfg.WorkspaceIdentity
	}
	if out.FailureCategory != "" {
		ev["api_failure_category"] = string(out.FailureCategory)
	}
	if out.ProviderDispatchID != "" {
		parts := strings.SplitN(strings.TrimPrefix(out.ProviderDispatchID, ProviderKubernetes+":"), "/", 2)
		if len(parts) == 2 {
			ev["k8s_job_name"] = parts[1]
		}
	}
	if out.PodName != "" {
		ev["k8s_pod_name"] = out.PodName
	}
	if out.TerminalReason != "" {
		ev["k8s_terminal_reason"] = out.TerminalReason
	}
	return ev
}

func ambiguous(category APIFailureCategory) bool {
	return category == FailureTimeout || category == FailureUnknown
}

// jobNameFor derives a DNS-safe job name from the node-run and request ids.
func jobNameFor(nodeRunID, requestID string) string {
	base := nodeRunID
	if base == "" {
		base = requestID
	}
	base = strings.ToLower(base)
	var b strings.Builder
	for _, r := range base {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	name := strings.Trim(b.String(), "-")
	if name == "" {
		name = "job"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return "llmctl-" + name
}

// EncodePayload renders the payload for the job's environment.
func EncodePayload(payload *contract.ExecutionPayload) (string, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
