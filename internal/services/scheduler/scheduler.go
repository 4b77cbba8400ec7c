package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"folio/internal/config"
	"folio/internal/services"
)

const stage = "scheduler"

// Subdirectories created inside every batch working directory.
const (
	ChunksDir = "chunks"
	LogsDir   = "logs"
)

// Status is the normalized state of an external job.
type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusUnknown   Status = "unknown"
)

// JobSpec describes one batch submission.
type JobSpec struct {
	BatchID string
	Dir     string
	Weight  int
}

// Client submits and queries jobs.
type Client struct {
	submitCommand  string
	statusCommand  string
	script         string
	partition      string
	jobPrefix      string
	startupSeconds int
	perPageSeconds float64
	walltimeFactor float64
	outputSubdir   string
	outputGlob     string
	timeout        time.Duration
	runner         services.CommandRunner
}

// Option configures the client.
type Option func(*Client)

// WithRunner injects a custom command runner (primarily for tests).
func WithRunner(r services.CommandRunner) Option {
	return func(c *Client) {
		if r != nil {
			c.runner = r
		}
	}
}

// New constructs a scheduler client from configuration.
func New(cfg *config.Config, opts ...Option) *Client {
	c := &Client{
		submitCommand:  cfg.Scheduler.SubmitCommand,
		statusCommand:  cfg.Scheduler.StatusCommand,
		script:         cfg.Scheduler.Script,
		partition:      cfg.Scheduler.Partition,
		jobPrefix:      cfg.Scheduler.JobPrefix,
		startupSeconds: cfg.Scheduler.StartupSeconds,
		perPageSeconds: cfg.Scheduler.PerPageSeconds,
		walltimeFactor: cfg.Scheduler.WalltimeFactor,
		outputSubdir:   cfg.Scheduler.OutputSubdir,
		outputGlob:     cfg.Scheduler.OutputGlob,
		timeout:        cfg.CommandTimeout(),
		runner:         services.ExecRunner{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CheckConfigured reports a configuration error when no job script is set.
func (c *Client) CheckConfigured() error {
	if strings.TrimSpace(c.script) == "" {
		return services.Wrap(services.ErrConfiguration, stage, "configure", "scheduler.script is required to submit batches", nil)
	}
	if _, err := os.Stat(c.script); err != nil {
		return services.Wrap(services.ErrConfiguration, stage, "configure", "scheduler.script is not readable", err)
	}
	return nil
}

// Submit hands the batch to the scheduler and returns its job handle.
func (c *Client) Submit(ctx context.Context, job JobSpec) (string, error) {
	if err := c.CheckConfigured(); err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Join(job.Dir, LogsDir), 0o755); err != nil {
		return "", fmt.Errorf("ensure batch logs dir: %w", err)
	}
	if err := os.MkdirAll(c.OutputDir(job.Dir), 0o755); err != nil {
		return "", fmt.Errorf("ensure batch output dir: %w", err)
	}

	args := c.submitArgs(job)
	runCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	stdout, stderr, err := c.runner.Run(runCtx, c.submitCommand, args...)
	if err != nil {
		return "", services.ClassifyCommandError(runCtx, stage, "submit", stderr, err)
	}
	handle, err := ParseSubmitOutput(string(stdout))
	if err != nil {
		return "", services.Wrap(services.ErrExternalTool, stage, "submit", "unrecognised submit output", err)
	}
	return handle, nil
}

func (c *Client) submitArgs(job JobSpec) []string {
	args := []string{
		"--parsable",
		"--job-name", c.jobPrefix + "_" + job.BatchID,
		"--output", filepath.Join(job.Dir, LogsDir, "slurm-%j.out"),
		"--time", Walltime(job.Weight, c.startupSeconds, c.perPageSeconds, c.walltimeFactor),
		"--chdir", job.Dir,
		"--export", fmt.Sprintf("ALL,PDF_DIR=%s,RESULTS_DIR=%s,BATCH_ID=%s",
			filepath.Join(job.Dir, ChunksDir), c.OutputDir(job.Dir), job.BatchID),
	}
	if c.partition != "" {
		args = append(args, "--partition", c.partition)
	}
	return append(args, c.script)
}

// Status queries the scheduler accounting for handle.
func (c *Client) Status(ctx context.Context, handle string) (Status, error) {
	if strings.TrimSpace(handle) == "" {
		return StatusUnknown, services.Wrap(services.ErrValidation, stage, "status", "empty job handle", nil)
	}
	runCtx, cancel := c.withTimeout(ctx)
	defer cancel()
	stdout, stderr, err := c.runner.Run(runCtx, c.statusCommand,
		"-j", handle, "--format=State", "--noheader", "--parsable2", "-X")
	if err != nil {
		return StatusUnknown, services.ClassifyCommandError(runCtx, stage, "status", stderr, err)
	}
	return MapState(string(stdout)), nil
}

// OutputDir is where the job writes its combined raw output.
func (c *Client) OutputDir(batchDir string) string {
	return filepath.Join(batchDir, c.outputSubdir)
}

// OutputFiles lists the raw output files a completed job produced. The
// output directory is searched recursively since jobs may nest their results.
func (c *Client) OutputFiles(batchDir string) ([]string, error) {
	if _, err := filepath.Match(c.outputGlob, ""); err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stage, "output", "invalid scheduler.output_glob", err)
	}
	var files []string
	err := filepath.WalkDir(c.OutputDir(batchDir), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		if ok, _ := filepath.Match(c.outputGlob, d.Name()); ok {
			files = append(files, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan job output: %w", err)
	}
	sort.Strings(files)
	return files, nil
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// ParseSubmitOutput extracts the job id from sbatch output in either
// --parsable form ("123" or "123;cluster") or the verbose
// "Submitted batch job 123" form.
func ParseSubmitOutput(out string) (string, error) {
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if rest, ok := strings.CutPrefix(line, "Submitted batch job "); ok {
			line = rest
		}
		id, _, _ := strings.Cut(line, ";")
		id = strings.TrimSpace(id)
		if id != "" && isDigits(id) {
			return id, nil
		}
	}
	return "", fmt.Errorf("no job id in %q", strings.TrimSpace(out))
}

// MapState normalizes scheduler state text. Empty output, which accounting
// returns briefly after submission, maps to unknown.
func MapState(out string) Status {
	var first string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			first = line
			break
		}
	}
	fields := strings.Fields(strings.ToUpper(first))
	if len(fields) == 0 {
		return StatusUnknown
	}
	switch strings.TrimSuffix(fields[0], "+") {
	case "COMPLETED":
		return StatusCompleted
	case "FAILED", "CANCELLED", "TIMEOUT", "OUT_OF_MEMORY", "NODE_FAIL", "BOOT_FAIL", "DEADLINE", "PREEMPTED":
		return StatusFailed
	case "RUNNING", "PENDING", "CONFIGURING", "COMPLETING", "REQUEUED", "RESIZING", "SUSPENDED":
		return StatusRunning
	default:
		return StatusUnknown
	}
}

// Walltime estimates the job time limit as HH:MM:SS.
func Walltime(weight, startupSeconds int, perPageSeconds, factor float64) string {
	if factor < 1 {
		factor = 1
	}
	if weight < 1 {
		weight = 1
	}
	seconds := int(math.Ceil((float64(startupSeconds)+float64(weight)*perPageSeconds)*factor - 1e-9))
	if seconds < 60 {
		seconds = 60
	}
	return fmt.Sprintf("%02d:%02d:%02d", seconds/3600, (seconds%3600)/60, seconds%60)
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return s != ""
}
