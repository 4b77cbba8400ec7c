package config

import "time"

const (
	defaultRoot            = "~/.local/share/folio"
	defaultArchiveBaseURL  = "https://archive.org"
	defaultUserAgent       = "folio/1.0 (+batch digitization pipeline)"
	defaultArtifactFormat  = "PDF"
	defaultArtifactSuffix  = ".pdf"
	defaultSubmitCommand   = "sbatch"
	defaultStatusCommand   = "sacct"
	defaultPageCommand     = "pdfinfo"
	defaultJobPrefix       = "ocr"
	defaultOutputSubdir    = "results"
	defaultOutputGlob      = "*.jsonl"
	defaultLogFormat       = "console"
	defaultLogLevel        = "info"
	defaultLogRetention    = 30
	defaultGracePeriodDays = 7
	defaultMaxDeletions    = 2000

	WeightModePages = "pages"
	WeightModeItems = "items"

	IndexDriverSQLite   = "sqlite"
	IndexDriverPostgres = "postgres"
)

// Directory names under Paths.Root.
const (
	DownloadDirName  = "01_downloaded"
	PendingDirName   = "02_ocr_pending"
	BatchDirName     = "03_ocr_processing"
	ProcessedDirName = "05_processed"
	ErrorDirName     = "99_errors"
	ManifestDirName  = "_manifests"
	LogDirName       = "logs"
)

// Default returns a Config populated with repository defaults.
func Default() Config {
	return Config{
		Paths: Paths{
			Root: defaultRoot,
		},
		Logging: Logging{
			Format:        defaultLogFormat,
			Level:         defaultLogLevel,
			RetentionDays: defaultLogRetention,
		},
		Archive: Archive{
			BaseURL:        defaultArchiveBaseURL,
			UserAgent:      defaultUserAgent,
			RequestTimeout: 120,
			SearchPageSize: 1000,
		},
		Acquire: Acquire{
			CapacityThreshold: 0.90,
			PauseInterval:     30,
			Delay:             1.0,
			CursorEvery:       1,
			ArtifactFormat:    defaultArtifactFormat,
			ArtifactSuffix:    defaultArtifactSuffix,
			ExcludeSuffixes:   []string{"_text.pdf"},
		},
		Batch: Batch{
			MaxWeight:    500,
			MinWeight:    100,
			WeightMode:   WeightModePages,
			ScanInterval: 60,
		},
		Scheduler: Scheduler{
			SubmitCommand:  defaultSubmitCommand,
			StatusCommand:  defaultStatusCommand,
			PageCommand:    defaultPageCommand,
			JobPrefix:      defaultJobPrefix,
			StartupSeconds: 120,
			PerPageSeconds: 7,
			WalltimeFactor: 1.2,
			PollInterval:   600,
			CommandTimeout: 60,
			OutputSubdir:   defaultOutputSubdir,
			OutputGlob:     defaultOutputGlob,
			RetryAttempts:  5,
			RetryBackoff:   2,
		},
		Cleanup: Cleanup{
			GracePeriodDays: defaultGracePeriodDays,
			MaxDeletions:    defaultMaxDeletions,
			RequireConfirm:  true,
		},
		Supervisor: Supervisor{
			Stagger:       5,
			CheckInterval: 10,
			ShutdownGrace: 10,
		},
	}
}

// PauseInterval returns the backpressure polling interval.
func (c *Config) PauseInterval() time.Duration {
	return time.Duration(c.Acquire.PauseInterval) * time.Second
}

// AcquireDelay returns the pause between identifiers.
func (c *Config) AcquireDelay() time.Duration {
	return time.Duration(c.Acquire.Delay * float64(time.Second))
}

// ScanInterval returns the packer scan cadence.
func (c *Config) ScanInterval() time.Duration {
	return time.Duration(c.Batch.ScanInterval) * time.Second
}

// PollInterval returns the job status polling cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Scheduler.PollInterval) * time.Second
}

// CommandTimeout bounds a single scheduler invocation.
func (c *Config) CommandTimeout() time.Duration {
	return time.Duration(c.Scheduler.CommandTimeout) * time.Second
}

// RetryBackoff returns the initial backoff between scheduler retries.
func (c *Config) RetryBackoff() time.Duration {
	return time.Duration(c.Scheduler.RetryBackoff) * time.Second
}

// GracePeriod returns the minimum age of a consolidated result before its
// original artifact may be deleted.
func (c *Config) GracePeriod() time.Duration {
	return time.Duration(c.Cleanup.GracePeriodDays) * 24 * time.Hour
}

// CleanupInterval returns the deletion cadence; zero means one-shot.
func (c *Config) CleanupInterval() time.Duration {
	return time.Duration(c.Cleanup.Interval) * time.Second
}

// RequestTimeout bounds a single acquisition source request.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Archive.RequestTimeout) * time.Second
}

// Stagger returns the delay between unit launches.
func (c *Config) Stagger() time.Duration {
	return time.Duration(c.Supervisor.Stagger) * time.Second
}

// CheckInterval returns the supervisor liveness check cadence.
func (c *Config) CheckInterval() time.Duration {
	return time.Duration(c.Supervisor.CheckInterval) * time.Second
}

// ShutdownGrace bounds the wait between termination signal and forced kill.
func (c *Config) ShutdownGrace() time.Duration {
	return time.Duration(c.Supervisor.ShutdownGrace) * time.Second
}
