package dispatch

import (
	"context"
	"fmt"
	"io"
	"time"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"

	"github.com/llmctl/llmctl/internal/executor/contract"
)

// kubernetesInterface narrows the client-go dependency to what the runner
// uses; the fake clientset satisfies it in tests.
type kubernetesInterface = kubernetes.Interface

const jobPollInterval = 2 * time.Second

// k8sRunner is the production jobRunner over the Kubernetes API.
type k8sRunner struct {
	cfg    Config
	client kubernetesInterface
}

func newK8sRunner(cfg Config, client kubernetesInterface) *k8sRunner {
	return &k8sRunner{cfg: cfg, client: client}
}

func (r *k8sRunner) CreateJob(ctx context.Context, jobName string, payload *contract.ExecutionPayload) error {
	encoded, err := EncodePayload(payload)
	if err != nil {
		return fmt.Errorf("encode payload: %w", err)
	}
	backoffLimit := int32(0)
	deadline := int64(r.cfg.ExecutionTimeoutSeconds)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      jobName,
			Namespace: r.cfg.Namespace,
			Labels: map[string]string{
				"app.kubernetes.io/managed-by": "llmctl",
				"llmctl/request-id":            payload.RequestID,
			},
		},
		Spec: batchv1.JobSpec{
			BackoffLimit:          &backoffLimit,
			ActiveDeadlineSeconds: &deadline,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{
					Labels: map[string]string{"job-name": jobName},
				},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					Containers: []corev1.Container{{
						Name:    "executor",
						Image:   r.cfg.Image,
						Command: []string{"llmctl-executor"},
						Env: []corev1.EnvVar{{
							Name:  contract.EnvPayloadJSON,
							Value: encoded,
						}},
					}},
				},
			},
		},
	}
	_, err = r.client.BatchV1().Jobs(r.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	return err
}

// WaitJob polls until the job reports a terminal condition, then resolves
// the pod's container exit.
func (r *k8sRunner) WaitJob(ctx context.Context, jobName string) (*JobOutcome, error) {
	ticker := time.NewTicker(jobPollInterval)
	defer ticker.Stop()
	for {
		job, err := r.client.BatchV1().Jobs(r.cfg.Namespace).Get(ctx, jobName, metav1.GetOptions{})
		if err != nil {
			return nil, fmt.Errorf("get job: %w", err)
		}
		if done, succeeded, reason := jobTerminal(job); done {
			outcome := &JobOutcome{Succeeded: succeeded, TerminalReason: reason}
			r.resolvePod(ctx, jobName, outcome)
			return outcome, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func jobTerminal(job *batchv1.Job) (done, succeeded bool, reason string) {
	for _, cond := range job.Status.Conditions {
		if cond.Status != corev1.ConditionTrue {
			continue
		}
		switch cond.Type {
		case batchv1.JobComplete:
			return true, true, string(cond.Type)
		case batchv1.JobFailed:
			return true, false, cond.Reason
		}
	}
	return false, false, ""
}

func (r *k8sRunner) resolvePod(ctx context.Context, jobName string, outcome *JobOutcome) {
	pods, err := r.client.CoreV1().Pods(r.cfg.Namespace).List(ctx, metav1.ListOptions{
		LabelSelector: "job-name=" + jobName,
	})
	if err != nil || len(pods.Items) == 0 {
		if outcome.Succeeded {
			outcome.ExitCode = contract.ExitSuccess
		} else {
			outcome.ExitCode = contract.ExitFailure
		}
		return
	}
	pod := pods.Items[len(pods.Items)-1]
	outcome.PodName = pod.Name
	for _, cs := range pod.Status.ContainerStatuses {
		if cs.State.Terminated != nil {
			outcome.ExitCode = int(cs.State.Terminated.ExitCode)
			if outcome.TerminalReason == "" {
				outcome.TerminalReason = cs.State.Terminated.Reason
			}
			return
		}
	}
	if outcome.Succeeded {
		outcome.ExitCode = contract.ExitSuccess
	} else {
		outcome.ExitCode = contract.ExitFailure
	}
}

func (r *k8sRunner) PodLogs(ctx context.Context, podName string) (string, error) {
	req := r.client.CoreV1().Pods(r.cfg.Namespace).GetLogs(podName, &corev1.PodLogOptions{})
	stream, err := req.Stream(ctx)
	if err != nil {
		return "", fmt.Errorf("stream logs: %w", err)
	}
	defer stream.Close()
	raw, err := io.ReadAll(io.LimitReader(stream, int64(contract.MaxCaptureLimitBytes)))
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func (r *k8sRunner) DeleteJob(ctx context.Context, jobName string, graceSeconds int64) error {
	propagation := metav1.DeletePropagationBackground
	err := r.client.BatchV1().Jobs(r.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{
		GracePeriodSeconds: &graceSeconds,
		PropagationPolicy:  &propagation,
	})
	if apierrors.IsNotFound(err) {
		return nil
	}
	return err
}
