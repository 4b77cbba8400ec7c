package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

func (c *Config) normalize() error {
	c.applyEnv()
	if err := c.normalizePaths(); err != nil {
		return err
	}
	c.normalizeLogging()
	c.normalizeArchive()
	c.normalizeAcquire()
	c.normalizeBatch()
	c.normalizeScheduler()
	c.normalizeIndex()
	c.Metrics.Bind = strings.TrimSpace(c.Metrics.Bind)
	return nil
}

// applyEnv lets FOLIO_* variables override collaborator endpoints so that
// secrets such as index DSNs stay out of config files.
func (c *Config) applyEnv() {
	overrides := []struct {
		key    string
		target *string
	}{
		{"FOLIO_ROOT", &c.Paths.Root},
		{"FOLIO_ARCHIVE_BASE_URL", &c.Archive.BaseURL},
		{"FOLIO_INDEX_DRIVER", &c.Index.Driver},
		{"FOLIO_INDEX_DSN", &c.Index.DSN},
		{"FOLIO_SCHEDULER_PARTITION", &c.Scheduler.Partition},
		{"FOLIO_SCHEDULER_SCRIPT", &c.Scheduler.Script},
		{"FOLIO_METRICS_BIND", &c.Metrics.Bind},
	}
	for _, o := range overrides {
		if value, ok := os.LookupEnv(o.key); ok && strings.TrimSpace(value) != "" {
			*o.target = strings.TrimSpace(value)
		}
	}
}

func (c *Config) normalizePaths() error {
	var err error
	if strings.TrimSpace(c.Paths.Root) == "" {
		c.Paths.Root = defaultRoot
	}
	if c.Paths.Root, err = expandPath(c.Paths.Root); err != nil {
		return fmt.Errorf("paths.root: %w", err)
	}

	derived := []struct {
		name   string
		target *string
		dir    string
	}{
		{"paths.download_dir", &c.Paths.DownloadDir, DownloadDirName},
		{"paths.pending_dir", &c.Paths.PendingDir, PendingDirName},
		{"paths.batch_dir", &c.Paths.BatchDir, BatchDirName},
		{"paths.processed_dir", &c.Paths.ProcessedDir, ProcessedDirName},
		{"paths.error_dir", &c.Paths.ErrorDir, ErrorDirName},
		{"paths.manifest_dir", &c.Paths.ManifestDir, ManifestDirName},
		{"paths.log_dir", &c.Paths.LogDir, LogDirName},
	}
	for _, d := range derived {
		if strings.TrimSpace(*d.target) == "" {
			*d.target = filepath.Join(c.Paths.Root, d.dir)
		}
		if *d.target, err = expandPath(*d.target); err != nil {
			return fmt.Errorf("%s: %w", d.name, err)
		}
	}

	if strings.TrimSpace(c.Paths.IdentifiersFile) == "" {
		c.Paths.IdentifiersFile = filepath.Join(c.Paths.ManifestDir, "identifiers.json")
	}
	if c.Paths.IdentifiersFile, err = expandPath(c.Paths.IdentifiersFile); err != nil {
		return fmt.Errorf("paths.identifiers_file: %w", err)
	}
	if c.Scheduler.Script != "" {
		if c.Scheduler.Script, err = expandPath(c.Scheduler.Script); err != nil {
			return fmt.Errorf("scheduler.script: %w", err)
		}
	}
	return nil
}

func (c *Config) normalizeLogging() {
	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = defaultLogFormat
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = defaultLogLevel
	}
}

func (c *Config) normalizeArchive() {
	c.Archive.BaseURL = strings.TrimRight(strings.TrimSpace(c.Archive.BaseURL), "/")
	if c.Archive.BaseURL == "" {
		c.Archive.BaseURL = defaultArchiveBaseURL
	}
	if strings.TrimSpace(c.Archive.UserAgent) == "" {
		c.Archive.UserAgent = defaultUserAgent
	}
}

func (c *Config) normalizeAcquire() {
	c.Acquire.ArtifactFormat = strings.TrimSpace(c.Acquire.ArtifactFormat)
	if c.Acquire.ArtifactFormat == "" {
		c.Acquire.ArtifactFormat = defaultArtifactFormat
	}
	c.Acquire.ArtifactSuffix = strings.ToLower(strings.TrimSpace(c.Acquire.ArtifactSuffix))
	if c.Acquire.ArtifactSuffix == "" {
		c.Acquire.ArtifactSuffix = defaultArtifactSuffix
	}
	if !strings.HasPrefix(c.Acquire.ArtifactSuffix, ".") {
		c.Acquire.ArtifactSuffix = "." + c.Acquire.ArtifactSuffix
	}
	cleaned := make([]string, 0, len(c.Acquire.ExcludeSuffixes))
	for _, suffix := range c.Acquire.ExcludeSuffixes {
		if s := strings.ToLower(strings.TrimSpace(suffix)); s != "" {
			cleaned = append(cleaned, s)
		}
	}
	c.Acquire.ExcludeSuffixes = cleaned
	if c.Acquire.CursorEvery <= 0 {
		c.Acquire.CursorEvery = 1
	}
	c.Acquire.Collection = strings.TrimSpace(c.Acquire.Collection)
}

func (c *Config) normalizeBatch() {
	c.Batch.WeightMode = strings.ToLower(strings.TrimSpace(c.Batch.WeightMode))
	if c.Batch.WeightMode == "" {
		c.Batch.WeightMode = WeightModePages
	}
}

func (c *Config) normalizeScheduler() {
	trimDefault := func(value *string, fallback string) {
		*value = strings.TrimSpace(*value)
		if *value == "" {
			*value = fallback
		}
	}
	trimDefault(&c.Scheduler.SubmitCommand, defaultSubmitCommand)
	trimDefault(&c.Scheduler.StatusCommand, defaultStatusCommand)
	trimDefault(&c.Scheduler.PageCommand, defaultPageCommand)
	trimDefault(&c.Scheduler.JobPrefix, defaultJobPrefix)
	trimDefault(&c.Scheduler.OutputSubdir, defaultOutputSubdir)
	trimDefault(&c.Scheduler.OutputGlob, defaultOutputGlob)
	c.Scheduler.Partition = strings.TrimSpace(c.Scheduler.Partition)
}

func (c *Config) normalizeIndex() {
	c.Index.Driver = strings.ToLower(strings.TrimSpace(c.Index.Driver))
	if c.Index.Driver == "postgresql" {
		c.Index.Driver = IndexDriverPostgres
	}
	c.Index.DSN = strings.TrimSpace(c.Index.DSN)
	if c.Index.Driver == IndexDriverSQLite && c.Index.DSN == "" {
		c.Index.DSN = filepath.Join(c.Paths.ManifestDir, "index.db")
	}
}
