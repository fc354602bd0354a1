package dispatch

import (
	"context"
	"errors"
	"regexp"
	"sync"
	"testing"
	"time"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime/schema"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/llmctl/llmctl/internal/executor/contract"
)

var dispatchIDPattern = regexp.MustCompile(`^kubernetes:[A-Za-z0-9][A-Za-z0-9_.:/-]{0,511}$`)

type scriptedRunner struct {
	mu        sync.Mutex
	createErr error
	waitErr   error
	outcome   *JobOutcome
	logs      string
	logsErr   error
	deleted   []string
	created   []string
	waitHold  chan struct{} // when set, WaitJob blocks until closed
}

func (s *scriptedRunner) CreateJob(_ context.Context, jobName string, _ *contract.ExecutionPayload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return s.createErr
	}
	s.created = append(s.created, jobName)
	return nil
}

func (s *scriptedRunner) WaitJob(ctx context.Context, _ string) (*JobOutcome, error) {
	if s.waitHold != nil {
		select {
		case <-s.waitHold:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.waitErr != nil {
		return nil, s.waitErr
	}
	return s.outcome, nil
}

func (s *scriptedRunner) PodLogs(context.Context, string) (string, error) {
	return s.logs, s.logsErr
}

func (s *scriptedRunner) DeleteJob(_ context.Context, jobName string, _ int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = append(s.deleted, jobName)
	return nil
}

func validPayload() *contract.ExecutionPayload {
	return &contract.ExecutionPayload{
		ContractVersion:   contract.Version,
		RequestID:         "req-1",
		Provider:          ProviderKubernetes,
		ShellCommand:      "echo ok",
		TimeoutSeconds:    60,
		CaptureLimitBytes: 65536,
	}
}

func resultLogs(t *testing.T, res *contract.ExecutionResult) string {
	t.Helper()
	line, err := contract.EncodeResultLine(res)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return "startup noise\n" + line + "\n"
}

func TestDispatchSuccessParsesResultLine(t *testing.T) {
	runner := &scriptedRunner{
		outcome: &JobOutcome{Succeeded: true, ExitCode: 0, PodName: "pod-1", TerminalReason: "Complete"},
	}
	runner.logs = resultLogs(t, &contract.ExecutionResult{
		ContractVersion:  contract.Version,
		Status:           contract.StatusSuccess,
		ExitCode:         0,
		ProviderMetadata: map[string]any{"executor": "llmctl-executor"},
	})
	d := New(Config{Namespace: "llmctl"}, runner, nil)

	out, err := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Result.Status != contract.StatusSuccess || out.Result.ExitCode != 0 {
		t.Fatalf("result: %+v", out.Result)
	}
	if out.Result.ProviderMetadata["executor"] != "llmctl-executor" {
		t.Fatalf("provider metadata: %+v", out.Result.ProviderMetadata)
	}
	if out.Status != DispatchConfirmed {
		t.Fatalf("status: %s", out.Status)
	}
	if !dispatchIDPattern.MatchString(out.ProviderDispatchID) {
		t.Fatalf("dispatch id: %q", out.ProviderDispatchID)
	}
	ev := out.Evidence
	if ev["dispatch_status"] != string(DispatchConfirmed) || ev["fallback_attempted"] != false {
		t.Fatalf("evidence: %+v", ev)
	}
	if ev["k8s_pod_name"] != "pod-1" {
		t.Fatalf("evidence pod: %+v", ev)
	}
}

func TestDispatchTimeoutResultPassesThrough(t *testing.T) {
	runner := &scriptedRunner{
		outcome: &JobOutcome{Succeeded: false, ExitCode: contract.ExitTimeout, PodName: "pod-1"},
	}
	runner.logs = resultLogs(t, &contract.ExecutionResult{
		ContractVersion: contract.Version,
		Status:          contract.StatusTimeout,
		ExitCode:        contract.ExitTimeout,
		Error:           contract.NewResultError(contract.ErrTimeout, "execution exceeded timeout_seconds=1"),
	})
	d := New(Config{}, runner, nil)

	out, err := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Result.Status != contract.StatusTimeout || out.Result.ExitCode != 124 {
		t.Fatalf("result: %+v", out.Result)
	}
	if out.Result.Error.Code != contract.ErrTimeout {
		t.Fatalf("error: %+v", out.Result.Error)
	}
}

func TestDispatchFallsBackToExitCode(t *testing.T) {
	runner := &scriptedRunner{
		outcome: &JobOutcome{Succeeded: false, ExitCode: contract.ExitCancelled, PodName: "pod-1", TerminalReason: "DeadlineExceeded"},
	}
	d := New(Config{}, runner, nil)
	out, err := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if out.Result.Status != contract.StatusCancelled || out.Result.ExitCode != 130 {
		t.Fatalf("result: %+v", out.Result)
	}
}

func TestDispatchCreateAuthFailure(t *testing.T) {
	runner := &scriptedRunner{createErr: apierrors.NewUnauthorized("token expired")}
	d := New(Config{}, runner, nil)
	out, err := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	if out.Status != DispatchFailed || out.Uncertain {
		t.Fatalf("dispatch: %+v", out)
	}
	if out.FailureCategory != FailureAuthError {
		t.Fatalf("category: %s", out.FailureCategory)
	}
	if out.Result.Status != contract.StatusDispatchFailed {
		t.Fatalf("result: %+v", out.Result)
	}
	if !out.Result.Error.Retryable {
		t.Fatalf("dispatch_error should default retryable")
	}
}

func TestDispatchCreateTimeoutIsUncertain(t *testing.T) {
	runner := &scriptedRunner{createErr: context.DeadlineExceeded}
	d := New(Config{}, runner, nil)
	out, err := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
	if err == nil {
		t.Fatalf("expected dispatch error")
	}
	if !out.Uncertain || out.FailureCategory != FailureTimeout {
		t.Fatalf("dispatch: uncertain=%v category=%s", out.Uncertain, out.FailureCategory)
	}
	if out.Result.Status != contract.StatusDispatchUncertain {
		t.Fatalf("result: %+v", out.Result)
	}
	if out.Evidence["api_failure_category"] != string(FailureTimeout) {
		t.Fatalf("evidence: %+v", out.Evidence)
	}
}

func TestDispatchValidationFailure(t *testing.T) {
	d := New(Config{}, &scriptedRunner{}, nil)
	bad := validPayload()
	bad.TimeoutSeconds = 0
	out, err := d.Dispatch(context.Background(), "r1", "nr-1", bad)
	if err == nil {
		t.Fatalf("expected validation error")
	}
	if out.Result.Error.Code != contract.ErrValidation || out.Result.Error.Retryable {
		t.Fatalf("error: %+v", out.Result.Error)
	}
}

func TestCancelDeletesInFlightJobsOnce(t *testing.T) {
	hold := make(chan struct{})
	runner := &scriptedRunner{
		waitHold: hold,
		outcome:  &JobOutcome{Succeeded: true, ExitCode: 0},
	}
	d := New(Config{CancelGraceTimeoutSeconds: 5}, runner, nil)

	done := make(chan *Dispatch, 1)
	go func() {
		out, _ := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
		done <- out
	}()

	// Wait for the job to be in flight.
	deadline := time.After(2 * time.Second)
	for {
		runner.mu.Lock()
		n := len(runner.created)
		runner.mu.Unlock()
		if n == 1 {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("job never created")
		default:
			time.Sleep(5 * time.Millisecond)
		}
	}

	if err := d.Cancel(context.Background(), "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if err := d.Cancel(context.Background(), "r1"); err != nil {
		t.Fatalf("second cancel: %v", err)
	}
	runner.mu.Lock()
	deletes := len(runner.deleted)
	runner.mu.Unlock()
	if deletes != 1 {
		t.Fatalf("cancel must delete once, got %d", deletes)
	}

	close(hold)
	out := <-done
	// Job finished successfully after cancellation: late success is ignored.
	if out.Result.Status != contract.StatusCancelled || !out.Uncertain {
		t.Fatalf("late success handling: %+v", out.Result)
	}
}

func TestDispatchRefusedAfterCancel(t *testing.T) {
	d := New(Config{}, &scriptedRunner{}, nil)
	if err := d.Cancel(context.Background(), "r1"); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	_, err := d.Dispatch(context.Background(), "r1", "nr-1", validPayload())
	if err == nil {
		t.Fatalf("expected refusal after cancel")
	}
}

func TestClassifyAPIError(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		err  error
		want APIFailureCategory
	}{
		{context.DeadlineExceeded, FailureTimeout},
		{apierrors.NewUnauthorized("no"), FailureAuthError},
		{apierrors.NewForbidden(schema.GroupResource{Resource: "jobs"}, "j", errors.New("rbac")), FailureAuthError},
		{errors.New("x509: certificate signed by unknown authority"), FailureTLSError},
		{errors.New("dial tcp: connection refused"), FailureAPIUnreachable},
		{errors.New("something odd"), FailureUnknown},
	}
	for _, tc := range cases {
		if got := classifyAPIError(ctx, tc.err); got != tc.want {
			t.Fatalf("classify(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestJobNameFor(t *testing.T) {
	name := jobNameFor("NR_1/abc", "req")
	if !regexp.MustCompile(`^llmctl-[a-z0-9-]+$`).MatchString(name) {
		t.Fatalf("job name: %q", name)
	}
	if jobNameFor("", "") != "llmctl-job" {
		t.Fatalf("empty inputs: %q", jobNameFor("", ""))
	}
}

func TestK8sRunnerCreateJobSpec(t *testing.T) {
	client := fake.NewSimpleClientset()
	cfg := Config{Namespace: "llmctl", Image: "llmctl/executor:v1", ExecutionTimeoutSeconds: 600}
	runner := newK8sRunner(cfg, client)

	if err := runner.CreateJob(context.Background(), "llmctl-nr-1", validPayload()); err != nil {
		t.Fatalf("create: %v", err)
	}
	job, err := client.BatchV1().Jobs("llmctl").Get(context.Background(), "llmctl-nr-1", metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if *job.Spec.BackoffLimit != 0 {
		t.Fatalf("backoff limit: %d", *job.Spec.BackoffLimit)
	}
	if *job.Spec.ActiveDeadlineSeconds != 600 {
		t.Fatalf("deadline: %d", *job.Spec.ActiveDeadlineSeconds)
	}
	container := job.Spec.Template.Spec.Containers[0]
	if container.Image != "llmctl/executor:v1" {
		t.Fatalf("image: %s", container.Image)
	}
	if container.Env[0].Name != contract.EnvPayloadJSON || container.Env[0].Value == "" {
		t.Fatalf("payload env: %+v", container.Env)
	}
}
