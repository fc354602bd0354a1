// Package run implements the executor side of the wire contract: load the
// payload from one of the precedence-ordered sources, run exactly one work
// source under the payload's timeout, and report a single result line.
package run

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/llmctl/llmctl/internal/executor/contract"
)

// Options wires the executor to its process environment. Tests substitute
// every field.
type Options struct {
	PayloadFile string // --payload-file
	PayloadJSON string // --payload-json
	Getenv      func(string) string
	Stdin       io.Reader
	StdinIsTTY  bool
	Stdout      io.Writer
	Entrypoints *Registry
	Now         func() time.Time
}

func (o *Options) getenv(key string) string {
	if o.Getenv != nil {
		return o.Getenv(key)
	}
	return os.Getenv(key)
}

func (o *Options) now() time.Time {
	if o.Now != nil {
		return o.Now()
	}
	return time.Now()
}

// LoadPayload resolves the payload from the highest-precedence source:
// --payload-file, --payload-json, env file, env JSON, then stdin when it is
// not a terminal.
func LoadPayload(opts *Options) (*contract.ExecutionPayload, error) {
	switch {
	case opts.PayloadFile != "":
		raw, err := os.ReadFile(opts.PayloadFile)
		if err != nil {
			return nil, fmt.Errorf("read payload file: %w", err)
		}
		return contract.DecodePayload(raw)
	case opts.PayloadJSON != "":
		return contract.DecodePayload([]byte(opts.PayloadJSON))
	}
	if path := opts.getenv(contract.EnvPayloadFile); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read payload file from env: %w", err)
		}
		return contract.DecodePayload(raw)
	}
	if raw := opts.getenv(contract.EnvPayloadJSON); raw != "" {
		return contract.DecodePayload([]byte(raw))
	}
	if opts.Stdin != nil && !opts.StdinIsTTY {
		raw, err := io.ReadAll(opts.Stdin)
		if err != nil {
			return nil, fmt.Errorf("read payload from stdin: %w", err)
		}
		if len(bytes.TrimSpace(raw)) > 0 {
			return contract.DecodePayload(raw)
		}
	}
	return nil, fmt.Errorf("no payload provided")
}

// Main is the executor entry: load, execute, report. The returned code is
// the process exit code.
func Main(ctx context.Context, opts *Options) int {
	payload, err := LoadPayload(opts)
	if err != nil {
		res := &contract.ExecutionResult{
			ContractVersion: contract.Version,
			Status:          contract.StatusInfraError,
			ExitCode:        contract.ExitFailure,
			StartedAt:       opts.now().UTC(),
			FinishedAt:      opts.now().UTC(),
			Error:           contract.NewResultError(contract.ErrInfra, err.Error()),
		}
		report(opts, res)
		return contract.ExitFailure
	}
	res := Execute(ctx, payload, opts)
	report(opts, res)
	return res.ExitCode
}

// Execute runs the payload's single work source and normalizes the outcome.
func Execute(ctx context.Context, payload *contract.ExecutionPayload, opts *Options) *contract.ExecutionResult {
	started := opts.now().UTC()
	if payload.EmitStartMarkers {
		fmt.Fprintln(opts.Stdout, contract.StartMarker)
		fmt.Fprintln(opts.Stdout, contract.StartEvent(started))
	}

	res := &contract.ExecutionResult{
		ContractVersion:  contract.Version,
		Status:           contract.StatusSuccess,
		StartedAt:        started,
		ProviderMetadata: map[string]any{"executor": "llmctl-executor"},
	}

	timeout := time.Duration(payload.TimeoutSeconds) * time.Second
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	switch {
	case payload.NodeExecution != nil:
		runEntrypoint(runCtx, payload, opts, res)
	default:
		runCommand(runCtx, payload, opts, res)
	}

	// Timeout and external cancellation override whatever the work source
	// reported.
	if runCtx.Err() != nil {
		if errors.Is(ctx.Err(), context.Canceled) {
			res.Status = contract.StatusCancelled
			res.ExitCode = contract.ExitCancelled
			res.Error = contract.NewResultError(contract.ErrCancelled, "execution cancelled")
		} else {
			res.Status = contract.StatusTimeout
			res.ExitCode = contract.ExitTimeout
			res.Error = contract.NewResultError(contract.ErrTimeout,
				fmt.Sprintf("execution exceeded timeout_seconds=%d", payload.TimeoutSeconds))
		}
	}

	res.FinishedAt = opts.now().UTC()
	return res
}

func runCommand(ctx context.Context, payload *contract.ExecutionPayload, opts *Options, res *contract.ExecutionResult) {
	var cmd *exec.Cmd
	if payload.ShellCommand != "" {
		cmd = exec.CommandContext(ctx, "sh", "-c", payload.ShellCommand)
	} else {
		cmd = exec.CommandContext(ctx, payload.Command[0], payload.Command[1:]...)
	}
	if payload.Cwd != "" {
		cmd.Dir = payload.Cwd
	}
	cmd.Env = append(os.Environ(), contract.SortedEnv(payload.Env)...)
	if payload.Stdin != "" {
		cmd.Stdin = strings.NewReader(payload.Stdin)
	}
	var stdout, stderr cappedBuffer
	stdout.limit = payload.CaptureLimitBytes
	stderr.limit = payload.CaptureLimitBytes
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	res.Stdout = stdout.String()
	res.Stderr = stderr.String()
	if stdout.truncated {
		res.Warnings = append(res.Warnings, "stdout truncated at capture limit")
	}
	if stderr.truncated {
		res.Warnings = append(res.Warnings, "stderr truncated at capture limit")
	}

	switch {
	case err == nil:
		res.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			res.ExitCode = exitErr.ExitCode()
		} else {
			res.ExitCode = contract.ExitFailure
		}
		res.Status = contract.StatusFailed
		res.Error = contract.NewResultError(contract.ErrExecution, err.Error())
		if res.ExitCode != 0 {
			res.Error.Details = map[string]any{"exit_code": res.ExitCode}
		}
		// The process result is 1 for any plain failure.
		res.ExitCode = normalizeFailureExit(res.ExitCode)
	}
}

// normalizeFailureExit maps arbitrary non-zero child exits onto the
// contract's failure code, preserving the reserved codes.
func normalizeFailureExit(code int) int {
	switch code {
	case contract.ExitTimeout, contract.ExitCancelled:
		return code
	default:
		return contract.ExitFailure
	}
}

func runEntrypoint(ctx context.Context, payload *contract.ExecutionPayload, opts *Options, res *contract.ExecutionResult) {
	reg := opts.Entrypoints
	if reg == nil {
		reg = defaultRegistry
	}
	fn, ok := reg.lookup(payload.NodeExecution.Entrypoint)
	if !ok {
		res.Status = contract.StatusFailed
		res.ExitCode = contract.ExitFailure
		res.Error = contract.NewResultError(contract.ErrValidation,
			fmt.Sprintf("unknown entrypoint %q", payload.NodeExecution.Entrypoint))
		return
	}
	output, routing, err := fn(ctx, payload.NodeExecution.Request, payload.NodeExecution.RequestContext)
	if err != nil {
		res.Status = contract.StatusFailed
		res.ExitCode = contract.ExitFailure
		res.Error = contract.NewResultError(contract.ErrExecution, err.Error())
		return
	}
	res.ExitCode = 0
	res.OutputState = output
	res.RoutingState = routing
}

// report emits the authoritative result line and mirrors it to the output
// file when one is configured.
func report(opts *Options, res *contract.ExecutionResult) {
	line, err := contract.EncodeResultLine(res)
	if err != nil {
		fmt.Fprintf(opts.Stdout, "%s\n", contract.ResultLinePrefix+`{"contract_version":"v1","status":"infra_error","exit_code":1}`)
		return
	}
	fmt.Fprintln(opts.Stdout, line)
	if path := opts.getenv(contract.EnvOutputFile); path != "" {
		raw := strings.TrimPrefix(line, contract.ResultLinePrefix)
		if err := os.WriteFile(path, []byte(raw), 0o644); err != nil {
			fmt.Fprintf(os.Stderr, "write output file: %v\n", err)
		}
	}
}

// cappedBuffer captures up to limit bytes and drops the rest, appending the
// truncation marker once on read-out.
type cappedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if b.limit > 0 && b.buf.Len()+len(p) > b.limit {
		keep := b.limit - b.buf.Len()
		if keep > 0 {
			b.buf.Write(p[:keep])
		}
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *cappedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + contract.TruncationMarker
	}
	return b.buf.String()
}
