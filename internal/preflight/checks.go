package preflight

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"folio/internal/capacity"
	"folio/internal/config"
	"folio/internal/index"
)

// Requirement names an external binary folio shells out to.
type Requirement struct {
	Name        string
	Command     string
	Description string
	Optional    bool
}

// SchedulerRequirements lists the binaries the dispatcher and acquisition
// worker invoke.
func SchedulerRequirements(cfg *config.Config) []Requirement {
	return []Requirement{
		{Name: "Submit command", Command: cfg.Scheduler.SubmitCommand, Description: "Required to submit batches"},
		{Name: "Status command", Command: cfg.Scheduler.StatusCommand, Description: "Required to poll batches"},
		{Name: "Page counter", Command: cfg.Scheduler.PageCommand, Description: "Weights items by page count", Optional: true},
	}
}

// CheckBinaries resolves each requirement on PATH.
func CheckBinaries(requirements []Requirement) []Result {
	results := make([]Result, 0, len(requirements))
	for _, req := range requirements {
		cmd := strings.TrimSpace(req.Command)
		res := Result{Name: req.Name, Optional: req.Optional}
		switch {
		case cmd == "":
			res.Detail = "command not configured"
		default:
			path, err := exec.LookPath(cmd)
			if err != nil {
				res.Detail = fmt.Sprintf("binary %q not found", cmd)
				if req.Optional {
					res.Detail += " (" + strings.ToLower(req.Description) + " disabled)"
				}
			} else {
				res.Passed = true
				res.Detail = path
			}
		}
		results = append(results, res)
	}
	return results
}

// CheckJobScript verifies the batch job script exists and is readable.
func CheckJobScript(path string) Result {
	const name = "Job script"
	if strings.TrimSpace(path) == "" {
		return Result{Name: name, Detail: "scheduler.script not configured"}
	}
	info, err := os.Stat(path)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: %v)", path, err)}
	}
	if info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: not readable: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: path}
}

// CheckDirectoryAccess verifies that the directory exists and is readable/writable.
func CheckDirectoryAccess(name, path string) Result {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Result{Name: name, Detail: fmt.Sprintf("%s (error: does not exist)", path)}
		}
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: stat: %v)", path, err)}
	}
	if !info.IsDir() {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: is not a directory)", path)}
	}
	if err := unix.Access(path, unix.R_OK|unix.W_OK|unix.X_OK); err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("%s (error: insufficient permissions: %v)", path, err)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("%s (read/write ok)", path)}
}

// CheckHeadroom reports filesystem usage against the acquisition threshold.
// Usage above the threshold is not a failure; acquisition simply pauses.
func CheckHeadroom(path string, threshold float64) Result {
	const name = "Disk headroom"
	usage, err := capacity.NewFSMonitor(path).UsageFraction()
	if err != nil {
		return Result{Name: name, Detail: err.Error()}
	}
	detail := fmt.Sprintf("%.1f%% used (threshold %.0f%%)", usage*100, threshold*100)
	if usage >= threshold {
		detail += "; acquisition will pause"
	}
	return Result{Name: name, Passed: true, Detail: detail}
}

// CheckArchive verifies the archive endpoint answers HTTP requests.
func CheckArchive(ctx context.Context, baseURL, userAgent string) Result {
	const name = "Archive"

	base := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if base == "" {
		return Result{Name: name, Detail: "missing base url"}
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	client := &http.Client{Timeout: 5 * time.Second}
	req, err := http.NewRequestWithContext(checkCtx, http.MethodHead, base+"/", nil)
	if err != nil {
		return Result{Name: name, Detail: fmt.Sprintf("request failed (%v)", err)}
	}
	if userAgent != "" {
		req.Header.Set("User-Agent", userAgent)
	}

	resp, err := client.Do(req)
	if err != nil {
		return Result{Name: name, Detail: summarizeNetError(err)}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusInternalServerError {
		return Result{Name: name, Detail: fmt.Sprintf("unhealthy (%d)", resp.StatusCode)}
	}
	return Result{Name: name, Passed: true, Detail: fmt.Sprintf("Reachable (%d)", resp.StatusCode)}
}

// CheckIndex opens the configured secondary index and pings it. The index is
// optional, so a failure does not block startup.
func CheckIndex(ctx context.Context, cfg *config.Config) Result {
	const name = "Secondary index"

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	idx, err := index.Open(checkCtx, cfg)
	if err != nil {
		return Result{Name: name, Optional: true, Detail: err.Error()}
	}
	if idx == nil {
		return Result{Name: name, Optional: true, Passed: true, Detail: "Disabled"}
	}
	defer idx.Close()
	if err := idx.Ping(checkCtx); err != nil {
		return Result{Name: name, Optional: true, Detail: summarizeNetError(err)}
	}
	return Result{Name: name, Optional: true, Passed: true, Detail: idx.Driver() + " reachable"}
}

func summarizeNetError(err error) string {
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out"
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "timed out (unreachable)"
	}
	return err.Error()
}
