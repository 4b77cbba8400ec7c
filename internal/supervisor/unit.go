package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

// Unit is one long-running member of the group. Run blocks until the unit
// exits and must return promptly once ctx is cancelled.
type Unit interface {
	Name() string
	Run(ctx context.Context) error
}

type funcUnit struct {
	name string
	fn   func(ctx context.Context) error
}

// Func adapts fn into a Unit.
func Func(name string, fn func(ctx context.Context) error) Unit {
	return &funcUnit{name: name, fn: fn}
}

func (u *funcUnit) Name() string                  { return u.name }
func (u *funcUnit) Run(ctx context.Context) error { return u.fn(ctx) }

// ProcessUnit runs a child process, normally this binary with a unit
// subcommand.
type ProcessUnit struct {
	name   string
	path   string
	args   []string
	env    []string
	grace  time.Duration
	stdout io.Writer
	stderr io.Writer
}

// ProcessOption configures a ProcessUnit.
type ProcessOption func(*ProcessUnit)

// WithEnv appends KEY=VALUE entries to the inherited environment.
func WithEnv(env ...string) ProcessOption {
	return func(p *ProcessUnit) { p.env = append(p.env, env...) }
}

// WithGrace bounds how long a cancelled child may take to exit after SIGTERM.
func WithGrace(d time.Duration) ProcessOption {
	return func(p *ProcessUnit) { p.grace = d }
}

// WithOutput redirects the child's stdout and stderr.
func WithOutput(stdout, stderr io.Writer) ProcessOption {
	return func(p *ProcessUnit) {
		p.stdout = stdout
		p.stderr = stderr
	}
}

// Process constructs a unit that runs path with args.
func Process(name, path string, args []string, opts ...ProcessOption) *ProcessUnit {
	p := &ProcessUnit{
		name:   name,
		path:   path,
		args:   args,
		grace:  10 * time.Second,
		stdout: os.Stdout,
		stderr: os.Stderr,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Name returns the unit name.
func (p *ProcessUnit) Name() string { return p.name }

// Run starts the child and waits for it. On cancellation the child's process
// group receives SIGTERM, then SIGKILL once the grace period expires.
func (p *ProcessUnit) Run(ctx context.Context) error {
	cmd := exec.Command(p.path, p.args...)
	cmd.Stdout = p.stdout
	cmd.Stderr = p.stderr
	cmd.Env = append(os.Environ(), p.env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start %s: %w", p.name, err)
	}

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		return exitError(p.name, err)
	case <-ctx.Done():
	}

	pgid := cmd.Process.Pid
	_ = unix.Kill(-pgid, unix.SIGTERM)
	timer := time.NewTimer(p.grace)
	defer timer.Stop()
	select {
	case err := <-done:
		return exitError(p.name, err)
	case <-timer.C:
		_ = unix.Kill(-pgid, unix.SIGKILL)
		<-done
		return fmt.Errorf("%s killed after %s grace period", p.name, p.grace)
	}
}

func exitError(name string, err error) error {
	if err == nil {
		return nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("%s exited with status %d: %w", name, exitErr.ExitCode(), err)
	}
	return fmt.Errorf("%s: %w", name, err)
}
