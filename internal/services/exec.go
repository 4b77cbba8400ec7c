package services

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"strings"
)

// CommandRunner abstracts command execution so collaborator adapters can be
// tested without the real binaries.
type CommandRunner interface {
	Run(ctx context.Context, name string, args ...string) (stdout []byte, stderr []byte, err error)
}

// ExecRunner runs commands with os/exec.
type ExecRunner struct{}

// Run executes name and captures both output streams.
func (ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// ClassifyCommandError tags a failed command invocation with the appropriate
// marker: missing binaries are configuration errors, deadlines are timeouts,
// and stderr hints of an unreachable controller are transient.
func ClassifyCommandError(ctx context.Context, stage, operation string, stderr []byte, err error) error {
	if err == nil {
		return nil
	}
	msg := strings.TrimSpace(string(stderr))
	var execErr *exec.Error
	switch {
	case errors.As(err, &execErr):
		return Wrap(ErrConfiguration, stage, operation, "command not available", err)
	case errors.Is(ctx.Err(), context.DeadlineExceeded), errors.Is(err, context.DeadlineExceeded):
		return Wrap(ErrTimeout, stage, operation, "command timed out", err)
	case looksTransient(msg):
		return Wrap(ErrTransient, stage, operation, msg, err)
	default:
		if msg == "" {
			msg = "command failed"
		}
		return Wrap(ErrExternalTool, stage, operation, msg, err)
	}
}

var transientHints = []string{
	"socket timed out",
	"unable to contact",
	"connection refused",
	"try again",
	"temporarily unavailable",
	"slurm_persist_conn_open",
}

func looksTransient(msg string) bool {
	lower := strings.ToLower(msg)
	for _, hint := range transientHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}
