package preflight

import (
	"context"

	"folio/internal/config"
)

// Result reports the outcome of a single preflight check.
type Result struct {
	Name     string
	Passed   bool
	Optional bool
	Detail   string
}

// RunAll executes every applicable preflight check for cfg.
func RunAll(ctx context.Context, cfg *config.Config) []Result {
	if cfg == nil {
		return nil
	}

	results := []Result{
		CheckDirectoryAccess("Download directory", cfg.Paths.DownloadDir),
		CheckDirectoryAccess("Pending directory", cfg.Paths.PendingDir),
		CheckDirectoryAccess("Batch directory", cfg.Paths.BatchDir),
		CheckDirectoryAccess("Processed directory", cfg.Paths.ProcessedDir),
		CheckDirectoryAccess("Manifest directory", cfg.Paths.ManifestDir),
		CheckDirectoryAccess("Log directory", cfg.Paths.LogDir),
		CheckHeadroom(cfg.Paths.PendingDir, cfg.Acquire.CapacityThreshold),
	}
	results = append(results, CheckBinaries(SchedulerRequirements(cfg))...)
	results = append(results, CheckJobScript(cfg.Scheduler.Script))
	results = append(results, CheckArchive(ctx, cfg.Archive.BaseURL, cfg.Archive.UserAgent))
	if cfg.Index.Driver != "" {
		results = append(results, CheckIndex(ctx, cfg))
	}
	return results
}

// Failed reports whether any required check did not pass.
func Failed(results []Result) bool {
	for _, r := range results {
		if !r.Passed && !r.Optional {
			return true
		}
	}
	return false
}
