package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains the working-area layout. Only Root is required; the
// remaining directories are derived from it when left empty.
type Paths struct {
	Root            string `toml:"root" yaml:"root"`
	DownloadDir     string `toml:"download_dir" yaml:"download_dir"`
	PendingDir      string `toml:"pending_dir" yaml:"pending_dir"`
	BatchDir        string `toml:"batch_dir" yaml:"batch_dir"`
	ProcessedDir    string `toml:"processed_dir" yaml:"processed_dir"`
	ErrorDir        string `toml:"error_dir" yaml:"error_dir"`
	ManifestDir     string `toml:"manifest_dir" yaml:"manifest_dir"`
	LogDir          string `toml:"log_dir" yaml:"log_dir"`
	IdentifiersFile string `toml:"identifiers_file" yaml:"identifiers_file"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format        string `toml:"format" yaml:"format"`
	Level         string `toml:"level" yaml:"level"`
	RetentionDays int    `toml:"retention_days" yaml:"retention_days"`
}

// Archive describes the acquisition source endpoint.
type Archive struct {
	BaseURL        string `toml:"base_url" yaml:"base_url"`
	UserAgent      string `toml:"user_agent" yaml:"user_agent"`
	RequestTimeout int    `toml:"request_timeout" yaml:"request_timeout"`
	SearchPageSize int    `toml:"search_page_size" yaml:"search_page_size"`
}

// Acquire controls the acquisition worker.
type Acquire struct {
	CapacityThreshold float64  `toml:"capacity_threshold" yaml:"capacity_threshold"`
	PauseInterval     int      `toml:"pause_interval" yaml:"pause_interval"`
	Delay             float64  `toml:"delay" yaml:"delay"`
	FetchAll          bool     `toml:"fetch_all" yaml:"fetch_all"`
	CursorEvery       int      `toml:"cursor_every" yaml:"cursor_every"`
	ArtifactFormat    string   `toml:"artifact_format" yaml:"artifact_format"`
	ArtifactSuffix    string   `toml:"artifact_suffix" yaml:"artifact_suffix"`
	ExcludeSuffixes   []string `toml:"exclude_suffixes" yaml:"exclude_suffixes"`
	Collection        string   `toml:"collection" yaml:"collection"`
	StartIndex        int      `toml:"start_index" yaml:"start_index"`
}

// Batch controls the batch packer.
type Batch struct {
	MaxWeight    int    `toml:"max_weight" yaml:"max_weight"`
	MinWeight    int    `toml:"min_weight" yaml:"min_weight"`
	WeightMode   string `toml:"weight_mode" yaml:"weight_mode"`
	ScanInterval int    `toml:"scan_interval" yaml:"scan_interval"`
}

// Scheduler describes the external batch-compute system.
type Scheduler struct {
	SubmitCommand  string  `toml:"submit_command" yaml:"submit_command"`
	StatusCommand  string  `toml:"status_command" yaml:"status_command"`
	PageCommand    string  `toml:"page_command" yaml:"page_command"`
	Script         string  `toml:"script" yaml:"script"`
	Partition      string  `toml:"partition" yaml:"partition"`
	JobPrefix      string  `toml:"job_prefix" yaml:"job_prefix"`
	StartupSeconds int     `toml:"startup_seconds" yaml:"startup_seconds"`
	PerPageSeconds float64 `toml:"per_page_seconds" yaml:"per_page_seconds"`
	WalltimeFactor float64 `toml:"walltime_factor" yaml:"walltime_factor"`
	PollInterval   int     `toml:"poll_interval" yaml:"poll_interval"`
	CommandTimeout int     `toml:"command_timeout" yaml:"command_timeout"`
	OutputSubdir   string  `toml:"output_subdir" yaml:"output_subdir"`
	OutputGlob     string  `toml:"output_glob" yaml:"output_glob"`
	RetryAttempts  int     `toml:"retry_attempts" yaml:"retry_attempts"`
	RetryBackoff   int     `toml:"retry_backoff" yaml:"retry_backoff"`
}

// Cleanup controls the safety-gated deletion module.
type Cleanup struct {
	GracePeriodDays int  `toml:"grace_period_days" yaml:"grace_period_days"`
	MaxDeletions    int  `toml:"max_deletions" yaml:"max_deletions"`
	Interval        int  `toml:"interval" yaml:"interval"`
	RequireConfirm  bool `toml:"require_confirm" yaml:"require_confirm"`
}

// Index configures the optional secondary relational index.
type Index struct {
	Driver string `toml:"driver" yaml:"driver"`
	DSN    string `toml:"dsn" yaml:"dsn"`
}

// Metrics configures the optional prometheus listener.
type Metrics struct {
	Bind string `toml:"bind" yaml:"bind"`
}

// Supervisor controls the pipeline coordinator.
type Supervisor struct {
	Stagger       int `toml:"stagger" yaml:"stagger"`
	CheckInterval int `toml:"check_interval" yaml:"check_interval"`
	ShutdownGrace int `toml:"shutdown_grace" yaml:"shutdown_grace"`
}

// Config encapsulates all configuration values for folio.
//
// Configuration sections by subsystem:
//   - Paths: working-area layout and log directory
//   - Logging: log format, level, and retention
//   - Archive: acquisition source endpoint
//   - Acquire: backpressure threshold, pacing, and artifact selection
//   - Batch: packing bounds and scan cadence
//   - Scheduler: external batch-compute commands and polling
//   - Cleanup: deletion gate and circuit breaker
//   - Index: optional secondary index
//   - Metrics: optional prometheus endpoint
//   - Supervisor: unit startup stagger and shutdown grace
type Config struct {
	Paths      Paths      `toml:"paths" yaml:"paths"`
	Logging    Logging    `toml:"logging" yaml:"logging"`
	Archive    Archive    `toml:"archive" yaml:"archive"`
	Acquire    Acquire    `toml:"acquire" yaml:"acquire"`
	Batch      Batch      `toml:"batch" yaml:"batch"`
	Scheduler  Scheduler  `toml:"scheduler" yaml:"scheduler"`
	Cleanup    Cleanup    `toml:"cleanup" yaml:"cleanup"`
	Index      Index      `toml:"index" yaml:"index"`
	Metrics    Metrics    `toml:"metrics" yaml:"metrics"`
	Supervisor Supervisor `toml:"supervisor" yaml:"supervisor"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/folio/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config has all
// path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		if err := decodeFile(resolvedPath, &cfg); err != nil {
			return nil, "", false, err
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func decodeFile(path string, cfg *Config) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config: %w", err)
	}
	defer file.Close()

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.NewDecoder(file).Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
			return fmt.Errorf("parse config: %w", err)
		}
	default:
		if err := toml.NewDecoder(file).Decode(cfg); err != nil {
			return fmt.Errorf("parse config: %w", err)
		}
	}
	return nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path == "" {
		if env := strings.TrimSpace(os.Getenv("FOLIO_CONFIG")); env != "" {
			path = env
		}
	}
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := DefaultConfigPath()
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("folio.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates the working-area layout.
func (c *Config) EnsureDirectories() error {
	dirs := []string{
		c.Paths.DownloadDir,
		c.Paths.PendingDir,
		c.Paths.BatchDir,
		c.Paths.ProcessedDir,
		c.Paths.ErrorDir,
		c.Paths.ManifestDir,
		c.Paths.LogDir,
	}
	for _, dir := range dirs {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// Encode renders the effective configuration as TOML.
func (c *Config) Encode() ([]byte, error) {
	return toml.Marshal(c)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
