package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"folio/internal/logging"
	"folio/internal/metrics"
	"folio/internal/preflight"
	"folio/internal/supervisor"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var withCleanup bool
	var keepRunning bool
	var skipPreflight bool

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run acquisition and dispatch together under one coordinator",
		Long: "Starts each unit as a child process with a short stagger. A unit that exits " +
			"cleanly has finished its work; a unit that fails stops the whole group and " +
			"folio exits non-zero. Ctrl-C stops every unit gracefully.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			colorize := shouldColorize(out)

			if !skipPreflight {
				results := preflight.RunAll(cmd.Context(), cfg)
				if preflight.Failed(results) {
					renderPreflight(out, results, colorize)
					return &exitCodeError{code: 1, err: fmt.Errorf("preflight checks failed; fix the items above or pass --skip-preflight")}
				}
			}

			level := ctx.logLevel()
			if level == "" {
				level = cfg.Logging.Level
			}
			logger, err := logging.New(logging.Options{Level: level, Format: cfg.Logging.Format})
			if err != nil {
				return fmt.Errorf("init logger: %w", err)
			}
			logger = logger.With(logging.String(logging.FieldUnit, "coordinator"))

			exe, err := os.Executable()
			if err != nil {
				return fmt.Errorf("resolve executable: %w", err)
			}

			names := []string{unitAcquire, unitDispatch}
			if withCleanup {
				names = append(names, unitCleanup)
			}
			units := make([]supervisor.Unit, 0, len(names))
			for i, name := range names {
				unitArgs := []string{name}
				switch name {
				case unitDispatch:
					if !keepRunning {
						unitArgs = append(unitArgs, "--exit-when-drained")
					}
				case unitCleanup:
					unitArgs = append(unitArgs, "--daemon")
				}
				unitArgs = append(unitArgs, ctx.unitArgs()...)

				opts := []supervisor.ProcessOption{supervisor.WithGrace(cfg.ShutdownGrace())}
				if cfg.Metrics.Bind != "" {
					opts = append(opts, supervisor.WithEnv("FOLIO_METRICS_BIND="+metrics.OffsetBind(cfg.Metrics.Bind, i)))
				}
				units = append(units, supervisor.Process(name, exe, unitArgs, opts...))
			}

			signalCtx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			sup := supervisor.New(units,
				supervisor.WithStagger(cfg.Stagger()),
				supervisor.WithCheckInterval(cfg.CheckInterval()),
				supervisor.WithLogger(logger),
			)
			code, err := sup.Run(signalCtx)
			if code != 0 {
				return &exitCodeError{code: code, err: err}
			}
			logger.Info("pipeline stopped")
			return nil
		},
	}
	cmd.Flags().BoolVar(&withCleanup, "with-cleanup", false, "Also run unattended cleanup every cleanup.interval (runs until interrupted)")
	cmd.Flags().BoolVar(&keepRunning, "keep-running", false, "Keep dispatching after the pipeline drains")
	cmd.Flags().BoolVar(&skipPreflight, "skip-preflight", false, "Start units even when preflight checks fail")
	return cmd
}
