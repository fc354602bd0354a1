// Package contract defines the executor wire contract: the payload the
// dispatcher hands to an isolated job and the structured result the executor
// reports back. Both sides carry contract_version and refuse to run on a
// mismatch.
package contract

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

const Version = "v1"

// Wire literals. The executor emits exactly one ResultLinePrefix line on
// stdout; the dispatcher treats it as authoritative over exit codes.
const (
	ResultLinePrefix = "LLMCTL_EXECUTOR_RESULT_JSON="
	StartMarker      = "LLMCTL_EXECUTOR_STARTED"

	EnvPayloadFile = "LLMCTL_EXECUTOR_PAYLOAD_FILE"
	EnvPayloadJSON = "LLMCTL_EXECUTOR_PAYLOAD_JSON"
	EnvOutputFile  = "LLMCTL_EXECUTOR_OUTPUT_FILE"
)

// Exit codes of the executor process.
const (
	ExitSuccess   = 0
	ExitFailure   = 1
	ExitTimeout   = 124
	ExitCancelled = 130
)

// Payload bounds.
const (
	MinTimeoutSeconds    = 1
	MaxTimeoutSeconds    = 86400
	MinCaptureLimitBytes = 1024
	MaxCaptureLimitBytes = 10_000_000
)

// TruncationMarker is appended to stdout/stderr cut at the capture limit.
const TruncationMarker = "\n...[output truncated]"

type Status string

const (
	StatusSuccess           Status = "success"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusTimeout           Status = "timeout"
	StatusDispatchFailed    Status = "dispatch_failed"
	StatusDispatchUncertain Status = "dispatch_uncertain"
	StatusInfraError        Status = "infra_error"
)

type ErrorCode string

const (
	ErrValidation ErrorCode = "validation_error"
	ErrProvider   ErrorCode = "provider_error"
	ErrDispatch   ErrorCode = "dispatch_error"
	ErrTimeout    ErrorCode = "timeout"
	ErrCancelled  ErrorCode = "cancelled"
	ErrExecution  ErrorCode = "execution_error"
	ErrInfra      ErrorCode = "infra_error"
	ErrUnknown    ErrorCode = "unknown"
)

// DefaultRetryable is the retryability table for error kinds. Retryability is
// a property of the returned error, never a dispatcher behavior.
func DefaultRetryable(code ErrorCode) bool {
	switch code {
	case ErrValidation, ErrCancelled, ErrExecution:
		return false
	default:
		return true
	}
}

type ResultError struct {
	Code      ErrorCode      `json:"code"`
	Message   string         `json:"message"`
	Retryable bool           `json:"retryable"`
	Details   map[string]any `json:"details,omitempty"`
}

func NewResultError(code ErrorCode, message string) *ResultError {
	return &ResultError{Code: code, Message: message, Retryable: DefaultRetryable(code)}
}

// NodeExecution dispatches back into a registered in-process entrypoint
// instead of an external command.
type NodeExecution struct {
	Entrypoint     string         `json:"entrypoint"`
	Request        map[string]any `json:"request,omitempty"`
	RequestContext map[string]any `json:"request_context,omitempty"`
}

type ExecutionPayload struct {
	ContractVersion   string            `json:"contract_version"`
	RequestID         string            `json:"request_id"`
	Provider          string            `json:"provider"`
	Command           []string          `json:"command,omitempty"`
	ShellCommand      string            `json:"shell_command,omitempty"`
	NodeExecution     *NodeExecution    `json:"node_execution,omitempty"`
	Env               map[string]string `json:"env,omitempty"`
	Cwd               string            `json:"cwd,omitempty"`
	Stdin             string            `json:"stdin,omitempty"`
	TimeoutSeconds    int               `json:"timeout_seconds"`
	CaptureLimitBytes int               `json:"capture_limit_bytes"`
	EmitStartMarkers  bool              `json:"emit_start_markers"`
	Metadata          map[string]string `json:"metadata,omitempty"`
}

type ExecutionResult struct {
	ContractVersion  string         `json:"contract_version"`
	Status           Status         `json:"status"`
	ExitCode         int            `json:"exit_code"`
	StartedAt        time.Time      `json:"started_at"`
	FinishedAt       time.Time      `json:"finished_at"`
	Stdout           string         `json:"stdout"`
	Stderr           string         `json:"stderr"`
	Error            *ResultError   `json:"error,omitempty"`
	ProviderMetadata map[string]any `json:"provider_metadata,omitempty"`
	Usage            map[string]any `json:"usage,omitempty"`
	Metrics          map[string]any `json:"metrics,omitempty"`
	Warnings         []string       `json:"warnings,omitempty"`
	OutputState      map[string]any `json:"output_state,omitempty"`
	RoutingState     map[string]any `json:"routing_state,omitempty"`
}

// Validate enforces the payload contract before dispatch: version match,
// bounds, exactly one work source, and normalized env keys.
func (p *ExecutionPayload) Validate() error {
	if p == nil {
		return fmt.Errorf("payload is nil")
	}
	if p.ContractVersion != Version {
		return fmt.Errorf("contract_version mismatch: got %q want %q", p.ContractVersion, Version)
	}
	if strings.TrimSpace(p.RequestID) == "" {
		return fmt.Errorf("request_id is required")
	}
	sources := 0
	if len(p.Command) > 0 {
		sources++
	}
	if strings.TrimSpace(p.ShellCommand) != "" {
		sources++
	}
	if p.NodeExecution != nil {
		if strings.TrimSpace(p.NodeExecution.Entrypoint) == "" {
			return fmt.Errorf("node_execution.entrypoint is required")
		}
		sources++
	}
	if sources != 1 {
		return fmt.Errorf("payload must carry exactly one of command, shell_command, node_execution (got %d)", sources)
	}
	if p.TimeoutSeconds < MinTimeoutSeconds || p.TimeoutSeconds > MaxTimeoutSeconds {
		return fmt.Errorf("timeout_seconds %d out of range [%d, %d]", p.TimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds)
	}
	if p.CaptureLimitBytes < MinCaptureLimitBytes || p.CaptureLimitBytes > MaxCaptureLimitBytes {
		return fmt.Errorf("capture_limit_bytes %d out of range [%d, %d]", p.CaptureLimitBytes, MinCaptureLimitBytes, MaxCaptureLimitBytes)
	}
	for k := range p.Env {
		if strings.TrimSpace(k) == "" {
			return fmt.Errorf("env contains an empty key")
		}
	}
	return nil
}

// NormalizeEnv coerces arbitrary env values to strings and rejects empty
// keys. Non-string scalars stringify; nil values become empty strings.
func NormalizeEnv(in map[string]any) (map[string]string, error) {
	if len(in) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		if strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("env contains an empty key")
		}
		switch t := v.(type) {
		case nil:
			out[k] = ""
		case string:
			out[k] = t
		case bool, int, int64, float64:
			out[k] = fmt.Sprint(t)
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, fmt.Errorf("env %q: %w", k, err)
			}
			out[k] = string(b)
		}
	}
	return out, nil
}

// EncodeResultLine renders the single authoritative stdout line.
func EncodeResultLine(res *ExecutionResult) (string, error) {
	if res == nil {
		return "", fmt.Errorf("result is nil")
	}
	b, err := json.Marshal(res)
	if err != nil {
		return "", err
	}
	return ResultLinePrefix + string(b), nil
}

// ParseResultLine scans captured output from the tail for the last result
// line. Returns (nil, false, nil) when no line is present.
func ParseResultLine(output string) (*ExecutionResult, bool, error) {
	lines := strings.Split(output, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if !strings.HasPrefix(line, ResultLinePrefix) {
			continue
		}
		raw := strings.TrimPrefix(line, ResultLinePrefix)
		var res ExecutionResult
		if err := json.Unmarshal([]byte(raw), &res); err != nil {
			return nil, true, fmt.Errorf("malformed result line: %w", err)
		}
		if res.ContractVersion != Version {
			return nil, true, fmt.Errorf("contract_version mismatch in result: got %q want %q", res.ContractVersion, Version)
		}
		return &res, true, nil
	}
	return nil, false, nil
}

// StartEvent is the JSON line that follows the start marker when
// emit_start_markers is set.
func StartEvent(ts time.Time) string {
	b, _ := json.Marshal(map[string]any{
		"event":            "executor_started",
		"contract_version": Version,
		"ts":               ts.UTC().Format(time.RFC3339Nano),
	})
	return string(b)
}

// Truncate cuts s at limit bytes, appending the truncation marker when a cut
// happened.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	return s[:limit] + TruncationMarker, true
}

// SortedEnv renders env as deterministic KEY=VALUE pairs for process spawn.
func SortedEnv(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
