package chaosmesh

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"

	"github.com/faultline/faultline/pkg/engine"
)

// KubectlSubmitter drives the cluster API by shelling out to kubectl.
// Stderr output is classified so callers can distinguish retryable
// connectivity failures from rejected manifests.
type KubectlSubmitter struct {
	binary  string
	context string
	logger  zerolog.Logger
}

// NewKubectlSubmitter creates a submitter using the given kubectl binary.
// An empty binary defaults to "kubectl"; an empty kubeContext uses the
// current context.
func NewKubectlSubmitter(binary, kubeContext string, logger zerolog.Logger) *KubectlSubmitter {
	if binary == "" {
		binary = "kubectl"
	}
	return &KubectlSubmitter{
		binary:  binary,
		context: kubeContext,
		logger:  logger.With().Str("component", "kubectl-submitter").Logger(),
	}
}

// Apply implements Submitter by piping the manifest to kubectl apply.
func (s *KubectlSubmitter) Apply(ctx context.Context, manifest []byte) error {
	args := s.baseArgs("apply", "-f", "-")
	cmd := exec.CommandContext(ctx, s.binary, args...)
	cmd.Stdin = bytes.NewReader(manifest)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	s.logger.Debug().Strs("args", args).Msg("applying manifest")
	if err := cmd.Run(); err != nil {
		return classifyKubectlError("apply", stderr.String(), err)
	}
	return nil
}

// Delete implements Submitter.
func (s *KubectlSubmitter) Delete(ctx context.Context, namespace, kind, name string) error {
	args := s.baseArgs("delete", kind, name, "-n", namespace, "--wait=false")
	cmd := exec.CommandContext(ctx, s.binary, args...)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return classifyKubectlError("delete", stderr.String(), err)
	}
	return nil
}

// Phase implements Submitter by reading the object's experiment phase.
func (s *KubectlSubmitter) Phase(ctx context.Context, namespace, kind, name string) (string, error) {
	args := s.baseArgs("get", kind, name, "-n", namespace,
		"-o", "jsonpath={.status.experiment.desiredPhase}")
	cmd := exec.CommandContext(ctx, s.binary, args...)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", classifyKubectlError("get", stderr.String(), err)
	}
	return strings.TrimSpace(stdout.String()), nil
}

func (s *KubectlSubmitter) baseArgs(args ...string) []string {
	if s.context != "" {
		return append([]string{"--context", s.context}, args...)
	}
	return args
}

// classifyKubectlError maps kubectl stderr output to the engine's error
// taxonomy. Connectivity problems are transient and safe to retry; a
// rejected manifest must not be retried.
func classifyKubectlError(op, stderr string, cause error) error {
	msg := strings.TrimSpace(stderr)
	if msg == "" {
		msg = cause.Error()
	}
	lower := strings.ToLower(msg)

	switch {
	case strings.Contains(lower, "notfound") || strings.Contains(lower, "not found"):
		return engine.NewPermanentError(fmt.Sprintf("kubectl %s: %s", op, msg), cause).
			WithCode(engine.ErrCodeNotFound).
			WithOperation(op)

	case strings.Contains(lower, "connection refused"),
		strings.Contains(lower, "unable to connect"),
		strings.Contains(lower, "i/o timeout"),
		strings.Contains(lower, "timed out"),
		strings.Contains(lower, "tls handshake"),
		strings.Contains(lower, "no such host"),
		strings.Contains(lower, "server is currently unable"):
		return engine.NewTransientError(fmt.Sprintf("kubectl %s: %s", op, msg), cause).
			WithOperation(op)

	case strings.Contains(lower, "admission webhook"),
		strings.Contains(lower, "denied"),
		strings.Contains(lower, "forbidden"),
		strings.Contains(lower, "is invalid"),
		strings.Contains(lower, "error validating"),
		strings.Contains(lower, "unknown field"):
		return engine.NewPermanentError(fmt.Sprintf("kubectl %s: %s", op, msg), cause).
			WithCode(engine.ErrCodeApplyRejected).
			WithOperation(op)

	default:
		return engine.NewPermanentError(fmt.Sprintf("kubectl %s: %s", op, msg), cause).
			WithCode(engine.ErrCodeApplyFailed).
			WithOperation(op)
	}
}
