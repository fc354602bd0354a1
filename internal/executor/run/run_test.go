package run

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/llmctl/llmctl/internal/executor/contract"
)

func payloadJSON(shell string, timeout int) string {
	return fmt.Sprintf(`{
		"contract_version": "v1",
		"request_id": "req-1",
		"provider": "kubernetes",
		"shell_command": %q,
		"timeout_seconds": %d,
		"capture_limit_bytes": 65536
	}`, shell, timeout)
}

func TestLoadPayloadPrecedence(t *testing.T) {
	dir := t.TempDir()
	filePayload := payloadJSON("echo from-file", 5)
	path := filepath.Join(dir, "payload.json")
	if err := os.WriteFile(path, []byte(filePayload), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	opts := &Options{
		PayloadFile: path,
		PayloadJSON: payloadJSON("echo from-flag-json", 5),
		Getenv: func(key string) string {
			if key == contract.EnvPayloadJSON {
				return payloadJSON("echo from-env", 5)
			}
			return ""
		},
		Stdin: strings.NewReader(payloadJSON("echo from-stdin", 5)),
	}
	p, err := LoadPayload(opts)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if p.ShellCommand != "echo from-file" {
		t.Fatalf("file must win: %q", p.ShellCommand)
	}

	opts.PayloadFile = ""
	p, _ = LoadPayload(opts)
	if p.ShellCommand != "echo from-flag-json" {
		t.Fatalf("flag json next: %q", p.ShellCommand)
	}

	opts.PayloadJSON = ""
	p, _ = LoadPayload(opts)
	if p.ShellCommand != "echo from-env" {
		t.Fatalf("env next: %q", p.ShellCommand)
	}

	opts.Getenv = func(string) string { return "" }
	p, err = LoadPayload(opts)
	if err != nil {
		t.Fatalf("stdin: %v", err)
	}
	if p.ShellCommand != "echo from-stdin" {
		t.Fatalf("stdin last: %q", p.ShellCommand)
	}

	opts.Stdin = strings.NewReader("")
	if _, err := LoadPayload(opts); err == nil {
		t.Fatalf("expected no-payload error")
	}
}

func TestExecuteSuccessEmitsResultLine(t *testing.T) {
	var out bytes.Buffer
	code := Main(context.Background(), &Options{
		PayloadJSON: payloadJSON("echo hello", 10),
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
	})
	if code != 0 {
		t.Fatalf("exit code: %d", code)
	}
	res, found, err := contract.ParseResultLine(out.String())
	if err != nil || !found {
		t.Fatalf("result line: found=%v err=%v", found, err)
	}
	if res.Status != contract.StatusSuccess || res.ExitCode != 0 {
		t.Fatalf("result: %+v", res)
	}
	if res.ProviderMetadata["executor"] != "llmctl-executor" {
		t.Fatalf("provider metadata: %+v", res.ProviderMetadata)
	}
	if !strings.Contains(res.Stdout, "hello") {
		t.Fatalf("captured stdout: %q", res.Stdout)
	}
}

func TestExecuteStartMarkers(t *testing.T) {
	var out bytes.Buffer
	payload := `{
		"contract_version": "v1", "request_id": "req-1", "provider": "kubernetes",
		"shell_command": "true", "timeout_seconds": 5, "capture_limit_bytes": 65536,
		"emit_start_markers": true
	}`
	Main(context.Background(), &Options{PayloadJSON: payload, Getenv: func(string) string { return "" }, Stdout: &out})
	lines := strings.Split(out.String(), "\n")
	if lines[0] != contract.StartMarker {
		t.Fatalf("first line: %q", lines[0])
	}
	if !strings.Contains(lines[1], `"event":"executor_started"`) {
		t.Fatalf("second line: %q", lines[1])
	}
}

func TestExecuteTimeout(t *testing.T) {
	var out bytes.Buffer
	code := Main(context.Background(), &Options{
		PayloadJSON: payloadJSON("sleep 5", 1),
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
	})
	if code != contract.ExitTimeout {
		t.Fatalf("exit code: %d", code)
	}
	res, _, err := contract.ParseResultLine(out.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if res.Status != contract.StatusTimeout || res.ExitCode != 124 {
		t.Fatalf("result: %+v", res)
	}
	if res.Error == nil || res.Error.Code != contract.ErrTimeout || !res.Error.Retryable {
		t.Fatalf("error: %+v", res.Error)
	}
}

func TestExecuteCancelled(t *testing.T) {
	var out bytes.Buffer
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	code := Main(ctx, &Options{
		PayloadJSON: payloadJSON("sleep 10", 60),
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
	})
	if code != contract.ExitCancelled {
		t.Fatalf("exit code: %d", code)
	}
	res, _, _ := contract.ParseResultLine(out.String())
	if res.Status != contract.StatusCancelled || res.ExitCode != 130 {
		t.Fatalf("result: %+v", res)
	}
	if res.Error == nil || res.Error.Retryable {
		t.Fatalf("cancelled must not be retryable: %+v", res.Error)
	}
}

func TestExecuteFailureExitCode(t *testing.T) {
	var out bytes.Buffer
	code := Main(context.Background(), &Options{
		PayloadJSON: payloadJSON("exit 7", 5),
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
	})
	if code != contract.ExitFailure {
		t.Fatalf("exit code: %d", code)
	}
	res, _, _ := contract.ParseResultLine(out.String())
	if res.Status != contract.StatusFailed || res.Error == nil || res.Error.Code != contract.ErrExecution {
		t.Fatalf("result: %+v", res)
	}
	if res.Error.Retryable {
		t.Fatalf("execution_error must not be retryable")
	}
}

func TestExecuteCaptureTruncation(t *testing.T) {
	var out bytes.Buffer
	payload := `{
		"contract_version": "v1", "request_id": "req-1", "provider": "kubernetes",
		"shell_command": "yes x | head -c 5000", "timeout_seconds": 10, "capture_limit_bytes": 1024
	}`
	Main(context.Background(), &Options{PayloadJSON: payload, Getenv: func(string) string { return "" }, Stdout: &out})
	res, _, err := contract.ParseResultLine(out.String())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !strings.HasSuffix(res.Stdout, contract.TruncationMarker) {
		t.Fatalf("stdout not truncated: %d bytes", len(res.Stdout))
	}
	if len(res.Warnings) == 0 {
		t.Fatalf("expected truncation warning")
	}
}

func TestExecuteWritesOutputFile(t *testing.T) {
	dir := t.TempDir()
	outPath := filepath.Join(dir, "result.json")
	var out bytes.Buffer
	Main(context.Background(), &Options{
		PayloadJSON: payloadJSON("echo ok", 5),
		Getenv: func(key string) string {
			if key == contract.EnvOutputFile {
				return outPath
			}
			return ""
		},
		Stdout: &out,
	})
	raw, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("output file: %v", err)
	}
	if !strings.Contains(string(raw), `"status":"success"`) {
		t.Fatalf("output file content: %s", raw)
	}
}

func TestEntrypointDispatch(t *testing.T) {
	reg := NewRegistry()
	err := reg.Register("task.echo", func(_ context.Context, req, _ map[string]any) (map[string]any, map[string]any, error) {
		return map[string]any{"echo": req["msg"]}, nil, nil
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Register("task.echo", nil); err == nil {
		t.Fatalf("expected duplicate registration error")
	}

	var out bytes.Buffer
	payload := `{
		"contract_version": "v1", "request_id": "req-1", "provider": "kubernetes",
		"node_execution": {"entrypoint": "task.echo", "request": {"msg": "hi"}},
		"timeout_seconds": 5, "capture_limit_bytes": 65536
	}`
	code := Main(context.Background(), &Options{
		PayloadJSON: payload,
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
		Entrypoints: reg,
	})
	if code != 0 {
		t.Fatalf("exit: %d", code)
	}
	res, _, _ := contract.ParseResultLine(out.String())
	if res.OutputState["echo"] != "hi" {
		t.Fatalf("output state: %+v", res.OutputState)
	}
}

func TestEntrypointUnknownFails(t *testing.T) {
	var out bytes.Buffer
	payload := `{
		"contract_version": "v1", "request_id": "req-1", "provider": "kubernetes",
		"node_execution": {"entrypoint": "task.missing"},
		"timeout_seconds": 5, "capture_limit_bytes": 65536
	}`
	code := Main(context.Background(), &Options{
		PayloadJSON: payload,
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
		Entrypoints: NewRegistry(),
	})
	if code != contract.ExitFailure {
		t.Fatalf("exit: %d", code)
	}
	res, _, _ := contract.ParseResultLine(out.String())
	if res.Error == nil || res.Error.Code != contract.ErrValidation {
		t.Fatalf("error: %+v", res.Error)
	}
}

func TestMainBadPayloadIsInfraError(t *testing.T) {
	var out bytes.Buffer
	code := Main(context.Background(), &Options{
		PayloadJSON: `{"contract_version":"v9"}`,
		Getenv:      func(string) string { return "" },
		Stdout:      &out,
	})
	if code != contract.ExitFailure {
		t.Fatalf("exit: %d", code)
	}
	res, found, err := contract.ParseResultLine(out.String())
	if err != nil || !found {
		t.Fatalf("result line: %v %v", found, err)
	}
	if res.Status != contract.StatusInfraError {
		t.Fatalf("status: %s", res.Status)
	}
	if res.Error == nil || res.Error.Code != contract.ErrInfra {
		t.Fatalf("error: %+v", res.Error)
	}
}
