package config

import (
	"errors"
	"fmt"
)

// Validate ensures the configuration is usable.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validateLogging(); err != nil {
		return err
	}
	if err := c.validateAcquire(); err != nil {
		return err
	}
	if err := c.validateBatch(); err != nil {
		return err
	}
	if err := c.validateScheduler(); err != nil {
		return err
	}
	if err := c.validateCleanup(); err != nil {
		return err
	}
	if err := c.validateIndex(); err != nil {
		return err
	}
	return c.validateSupervisor()
}

func (c *Config) validatePaths() error {
	if c.Paths.Root == "" {
		return errors.New("paths.root must be set")
	}
	if c.Paths.PendingDir == c.Paths.BatchDir {
		return errors.New("paths.pending_dir and paths.batch_dir must differ")
	}
	return nil
}

func (c *Config) validateLogging() error {
	switch c.Logging.Format {
	case "console", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q", c.Logging.Format)
	}
	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level: unsupported value %q", c.Logging.Level)
	}
	if c.Logging.RetentionDays < 0 {
		return errors.New("logging.retention_days must be >= 0")
	}
	return nil
}

func (c *Config) validateAcquire() error {
	if c.Acquire.CapacityThreshold <= 0 || c.Acquire.CapacityThreshold > 1 {
		return errors.New("acquire.capacity_threshold must be in (0, 1]")
	}
	if c.Acquire.PauseInterval <= 0 {
		return errors.New("acquire.pause_interval must be positive")
	}
	if c.Acquire.Delay < 0 {
		return errors.New("acquire.delay must be >= 0")
	}
	if c.Acquire.StartIndex < 0 {
		return errors.New("acquire.start_index must be >= 0")
	}
	return nil
}

func (c *Config) validateBatch() error {
	if c.Batch.MaxWeight <= 0 {
		return errors.New("batch.max_weight must be positive")
	}
	if c.Batch.MinWeight < 0 {
		return errors.New("batch.min_weight must be >= 0")
	}
	if c.Batch.MinWeight > c.Batch.MaxWeight {
		return errors.New("batch.min_weight must not exceed batch.max_weight")
	}
	switch c.Batch.WeightMode {
	case WeightModePages, WeightModeItems:
	default:
		return fmt.Errorf("batch.weight_mode: unsupported value %q", c.Batch.WeightMode)
	}
	if c.Batch.ScanInterval <= 0 {
		return errors.New("batch.scan_interval must be positive")
	}
	return nil
}

func (c *Config) validateScheduler() error {
	if c.Scheduler.PollInterval <= 0 {
		return errors.New("scheduler.poll_interval must be positive")
	}
	if c.Scheduler.CommandTimeout <= 0 {
		return errors.New("scheduler.command_timeout must be positive")
	}
	if c.Scheduler.WalltimeFactor < 1 {
		return errors.New("scheduler.walltime_factor must be >= 1")
	}
	if c.Scheduler.PerPageSeconds < 0 || c.Scheduler.StartupSeconds < 0 {
		return errors.New("scheduler.per_page_seconds and scheduler.startup_seconds must be >= 0")
	}
	if c.Scheduler.RetryAttempts <= 0 {
		return errors.New("scheduler.retry_attempts must be positive")
	}
	if c.Scheduler.RetryBackoff < 0 {
		return errors.New("scheduler.retry_backoff must be >= 0")
	}
	return nil
}

func (c *Config) validateCleanup() error {
	if c.Cleanup.GracePeriodDays < 0 {
		return errors.New("cleanup.grace_period_days must be >= 0")
	}
	if c.Cleanup.MaxDeletions <= 0 {
		return errors.New("cleanup.max_deletions must be positive")
	}
	if c.Cleanup.Interval < 0 {
		return errors.New("cleanup.interval must be >= 0")
	}
	return nil
}

func (c *Config) validateIndex() error {
	switch c.Index.Driver {
	case "":
		return nil
	case IndexDriverSQLite:
		return nil
	case IndexDriverPostgres:
		if c.Index.DSN == "" {
			return errors.New("index.dsn is required when index.driver is postgres (or set FOLIO_INDEX_DSN)")
		}
		return nil
	default:
		return fmt.Errorf("index.driver: unsupported value %q", c.Index.Driver)
	}
}

func (c *Config) validateSupervisor() error {
	if c.Supervisor.Stagger < 0 {
		return errors.New("supervisor.stagger must be >= 0")
	}
	if c.Supervisor.CheckInterval <= 0 {
		return errors.New("supervisor.check_interval must be positive")
	}
	if c.Supervisor.ShutdownGrace <= 0 {
		return errors.New("supervisor.shutdown_grace must be positive")
	}
	return nil
}
