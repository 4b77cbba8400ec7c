package logging

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// UnitLogRetention prunes the timestamped log files one unit leaves in its log
// directory. The file the unit is writing now is never removed.
type UnitLogRetention struct {
	Dir     string
	Unit    string
	Days    int
	Current string
}

// Prune removes the unit's logs last modified more than Days before now and
// returns their paths. Days of zero or less keeps everything.
func (r UnitLogRetention) Prune(logger *slog.Logger, now time.Time) []string {
	if r.Days <= 0 || r.Dir == "" || r.Unit == "" {
		return nil
	}
	if logger == nil {
		logger = NewNop()
	}
	matches, err := filepath.Glob(filepath.Join(r.Dir, r.Unit+"-*.log"))
	if err != nil {
		return nil
	}
	cutoff := now.AddDate(0, 0, -r.Days)
	current := filepath.Clean(r.Current)

	var removed []string
	for _, path := range matches {
		if path == current {
			continue
		}
		info, err := os.Lstat(path)
		if err != nil || !info.Mode().IsRegular() || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			WarnWithContext(logger, "old unit log not removed", "log_retention_failed",
				String("path", path),
				Error(err),
				String(FieldErrorHint, "check permissions on paths.log_dir"),
				String(FieldImpact, "old unit log remains on disk"),
			)
			continue
		}
		removed = append(removed, path)
	}
	if len(removed) > 0 {
		logger.Debug("unit logs pruned", String(FieldUnit, r.Unit), Int("removed", len(removed)))
	}
	return removed
}
