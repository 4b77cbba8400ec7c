package unitrun

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"folio/internal/config"
	"folio/internal/index"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/metrics"
	"folio/internal/services"
)

// ErrAlreadyRunning reports that another process holds the unit lock.
var ErrAlreadyRunning = errors.New("unit already running")

// Options configures unit runtime behavior.
type Options struct {
	Unit        string
	LogLevel    string
	Development bool
	// Console keeps logs on stdout only and skips the per-run log file.
	Console bool
}

// Env carries the collaborators a unit body needs.
type Env struct {
	Config  *config.Config
	Logger  *slog.Logger
	RunID   string
	Store   *manifest.Store
	Index   *index.Index
	Metrics *metrics.Metrics
}

// Body is one unit's work. It returns the number of items processed.
type Body func(ctx context.Context, env *Env) (int, error)

// Run prepares the unit runtime and invokes body until it returns or a
// termination signal arrives. Cancellation by signal is not an error.
func Run(cmdCtx context.Context, cfg *config.Config, opts Options, body Body) error {
	if cfg == nil {
		return fmt.Errorf("config is required")
	}
	if opts.Unit == "" {
		return fmt.Errorf("unit name is required")
	}
	if err := cfg.EnsureDirectories(); err != nil {
		return services.Wrap(services.ErrConfiguration, opts.Unit, "prepare directories", "working area is not writable", err)
	}

	ctx, cancel := signal.NotifyContext(cmdCtx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// The lock comes first so a refused instance leaves the running unit's
	// log file and pointer alone.
	logDir := cfg.Paths.LogDir
	lock := flock.New(filepath.Join(logDir, opts.Unit+".lock"))
	ok, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s (lock %s)", ErrAlreadyRunning, opts.Unit, lock.Path())
	}
	defer func() {
		if err := lock.Unlock(); err != nil {
			fmt.Fprintf(os.Stderr, "warn: failed to release %s lock: %v\n", opts.Unit, err)
		}
	}()

	runID := uuid.NewString()
	logPath := filepath.Join(logDir, fmt.Sprintf("%s-%s.log", opts.Unit, time.Now().UTC().Format("20060102T150405")))
	outputs := []string{"stdout", logPath}
	if opts.Console {
		outputs = []string{"stdout"}
	}
	level := opts.LogLevel
	if level == "" {
		level = cfg.Logging.Level
	}
	base, err := logging.New(logging.Options{
		Level:       level,
		Format:      cfg.Logging.Format,
		OutputPaths: outputs,
		Development: opts.Development,
	})
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	logger := base.With(
		logging.String(logging.FieldUnit, opts.Unit),
		logging.String(logging.FieldRunID, runID),
	)

	if !opts.Console {
		if err := ensureCurrentLogPointer(logDir, opts.Unit, logPath); err != nil {
			fmt.Fprintf(os.Stderr, "warn: unable to update %s.log link: %v\n", opts.Unit, err)
		}
		logging.UnitLogRetention{
			Dir:     logDir,
			Unit:    opts.Unit,
			Days:    cfg.Logging.RetentionDays,
			Current: logPath,
		}.Prune(logger, time.Now())
	}

	pidPath := filepath.Join(logDir, opts.Unit+".pid")
	if err := writePIDFile(pidPath); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	defer os.Remove(pidPath)

	store, err := manifest.Open(cfg)
	if err != nil {
		logger.Error("open manifest store", logging.Error(err))
		return err
	}

	idx, err := index.Open(ctx, cfg)
	if err != nil {
		logging.WarnWithContext(logger, "secondary index unavailable", "index_open_failed",
			logging.Error(err),
			logging.String(logging.FieldImpact, "run continues on the manifest alone"),
			logging.String(logging.FieldErrorHint, "check index.driver and index.dsn"),
		)
		idx = nil
	}
	if idx != nil {
		defer idx.Close()
	}

	m := metrics.New(opts.Unit)
	if err := m.Serve(ctx, cfg.Metrics.Bind, logger); err != nil {
		logging.WarnWithContext(logger, "metrics listener failed to start", "metrics_bind_failed",
			logging.Error(err),
			logging.String("bind", cfg.Metrics.Bind),
			logging.String(logging.FieldImpact, "metrics unavailable for this run"),
		)
	}

	ctx = services.WithRunID(ctx, runID)
	if idx != nil {
		snapshot := *cfg
		if snapshot.Index.DSN != "" {
			snapshot.Index.DSN = "<redacted>"
		}
		if err := idx.StartRun(ctx, runID, opts.Unit, snapshot); err != nil {
			logging.WarnWithContext(logger, "record run start failed", "index_run_failed", logging.Error(err))
		}
	}

	logger.Info("unit started",
		logging.String(logging.FieldEventType, "unit_started"),
		logging.String("root", cfg.Paths.Root),
		logging.String("log_path", logPath),
		logging.Bool("index", idx != nil),
	)
	env := &Env{Config: cfg, Logger: logger, RunID: runID, Store: store, Index: idx, Metrics: m}
	processed, runErr := body(ctx, env)
	if runErr != nil && ctx.Err() != nil && errors.Is(runErr, context.Canceled) {
		runErr = nil
	}

	if idx != nil {
		// The run context may already be cancelled by a signal.
		finishCtx, finishCancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := idx.FinishRun(finishCtx, runID, processed, runErr); err != nil {
			logging.WarnWithContext(logger, "record run finish failed", "index_run_failed", logging.Error(err))
		}
		finishCancel()
	}

	if runErr != nil {
		logging.ErrorWithContext(logger, "unit failed", "unit_failed",
			logging.Error(runErr),
			logging.Int("processed", processed),
			logging.String(logging.FieldErrorHint, services.Hint(runErr)),
		)
		return runErr
	}
	logger.Info("unit stopped",
		logging.String(logging.FieldEventType, "unit_stopped"),
		logging.Int("processed", processed),
		logging.Bool("interrupted", ctx.Err() != nil),
	)
	return nil
}

func ensureCurrentLogPointer(logDir, unit, target string) error {
	if logDir == "" || target == "" {
		return nil
	}
	current := filepath.Join(logDir, unit+".log")
	if err := os.Remove(current); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove existing log pointer: %w", err)
	}
	if err := os.Symlink(target, current); err == nil {
		return nil
	}
	if err := os.Link(target, current); err != nil {
		return fmt.Errorf("link log pointer: %w", err)
	}
	return nil
}

func writePIDFile(path string) error {
	value := strconv.Itoa(os.Getpid()) + "\n"
	return os.WriteFile(path, []byte(value), 0o644)
}
