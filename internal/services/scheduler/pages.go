package scheduler

import (
	"context"
	"strconv"
	"strings"
	"time"

	"folio/internal/config"
	"folio/internal/services"
)

// PageCounter measures document page counts with pdfinfo.
type PageCounter struct {
	command string
	timeout time.Duration
	runner  services.CommandRunner
}

// NewPageCounter constructs a counter from configuration.
func NewPageCounter(cfg *config.Config, runner services.CommandRunner) *PageCounter {
	if runner == nil {
		runner = services.ExecRunner{}
	}
	return &PageCounter{command: cfg.Scheduler.PageCommand, timeout: cfg.CommandTimeout(), runner: runner}
}

// Pages returns the page count of path, or 1 when it cannot be determined.
// The error is returned alongside the fallback so callers can log it.
func (p *PageCounter) Pages(ctx context.Context, path string) (int, error) {
	runCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	stdout, stderr, err := p.runner.Run(runCtx, p.command, path)
	if err != nil {
		return 1, services.ClassifyCommandError(runCtx, "pages", "pdfinfo", stderr, err)
	}
	return ParsePages(string(stdout)), nil
}

// ParsePages extracts the "Pages:" field from pdfinfo output, defaulting to 1.
func ParsePages(out string) int {
	for _, line := range strings.Split(out, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok || strings.TrimSpace(key) != "Pages" {
			continue
		}
		if n, err := strconv.Atoi(strings.TrimSpace(value)); err == nil && n > 0 {
			return n
		}
	}
	return 1
}
