package testsupport

import (
	"os"
	"path/filepath"
	"testing"

	"folio/internal/config"
)

// ConfigOption allows callers to customize the generated test configuration.
type ConfigOption func(*configBuilder)

type configBuilder struct {
	t       testing.TB
	baseDir string
	cfg     *config.Config
}

// NewConfig produces a config whose working area lives in a unique temp
// directory per test. Intervals are zeroed so loops never sleep in tests.
func NewConfig(t testing.TB, opts ...ConfigOption) *config.Config {
	t.Helper()

	base := t.TempDir()
	cfgVal := config.Default()
	cfgVal.Paths = config.Paths{
		Root:         base,
		DownloadDir:  filepath.Join(base, config.DownloadDirName),
		PendingDir:   filepath.Join(base, config.PendingDirName),
		BatchDir:     filepath.Join(base, config.BatchDirName),
		ProcessedDir: filepath.Join(base, config.ProcessedDirName),
		ErrorDir:     filepath.Join(base, config.ErrorDirName),
		ManifestDir:  filepath.Join(base, config.ManifestDirName),
		LogDir:       filepath.Join(base, config.LogDirName),
	}
	cfgVal.Paths.IdentifiersFile = filepath.Join(cfgVal.Paths.ManifestDir, "identifiers.json")
	cfgVal.Archive.BaseURL = "http://127.0.0.1:0"
	cfgVal.Acquire.Delay = 0
	cfgVal.Acquire.PauseInterval = 0
	cfgVal.Batch.ScanInterval = 0
	cfgVal.Scheduler.PollInterval = 0
	cfgVal.Scheduler.RetryBackoff = 0
	cfgVal.Scheduler.Script = filepath.Join(base, "ocr_job.sh")
	cfgVal.Supervisor.Stagger = 0
	cfgVal.Supervisor.CheckInterval = 1
	cfgVal.Supervisor.ShutdownGrace = 1

	builder := &configBuilder{
		t:       t,
		baseDir: base,
		cfg:     &cfgVal,
	}

	for _, opt := range opts {
		opt(builder)
	}

	return builder.cfg
}

// WithBatchBounds overrides the packer weight limits.
func WithBatchBounds(maxWeight, minWeight int) ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Batch.MaxWeight = maxWeight
		b.cfg.Batch.MinWeight = minWeight
	}
}

// WithFetchAll switches acquisition to one item per matching artifact.
func WithFetchAll() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Acquire.FetchAll = true
	}
}

// WithSQLiteIndex enables the secondary index backed by a temp database.
func WithSQLiteIndex() ConfigOption {
	return func(b *configBuilder) {
		b.cfg.Index.Driver = config.IndexDriverSQLite
		b.cfg.Index.DSN = filepath.Join(b.baseDir, "index.db")
	}
}

// WithStubbedBinaries writes stub executables for the provided names and
// prepends them to PATH. If names is empty, the default scheduler binaries
// are stubbed.
func WithStubbedBinaries(names ...string) ConfigOption {
	return func(b *configBuilder) {
		if len(names) == 0 {
			names = []string{"sbatch", "sacct", "pdfinfo"}
		}
		binDir := filepath.Join(b.baseDir, "bin")
		if err := os.MkdirAll(binDir, 0o755); err != nil {
			b.t.Fatalf("mkdir bin dir: %v", err)
		}
		script := []byte("#!/bin/sh\nexit 0\n")
		for _, name := range names {
			target := filepath.Join(binDir, name)
			if err := os.WriteFile(target, script, 0o755); err != nil {
				b.t.Fatalf("write stub %s: %v", name, err)
			}
		}
		if err := os.WriteFile(b.cfg.Scheduler.Script, script, 0o755); err != nil {
			b.t.Fatalf("write job script: %v", err)
		}

		oldPath := os.Getenv("PATH")
		if err := os.Setenv("PATH", binDir+string(os.PathListSeparator)+oldPath); err != nil {
			b.t.Fatalf("set PATH: %v", err)
		}
		b.t.Cleanup(func() {
			_ = os.Setenv("PATH", oldPath)
		})
	}
}

// BaseDir returns the root temp directory backing the generated config.
func BaseDir(cfg *config.Config) string {
	return cfg.Paths.Root
}
