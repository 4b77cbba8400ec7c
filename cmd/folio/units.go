package main

import (
	"context"
	"errors"
	"fmt"

	"folio/internal/acquire"
	"folio/internal/capacity"
	"folio/internal/cleanup"
	"folio/internal/config"
	"folio/internal/consolidate"
	"folio/internal/identifiers"
	"folio/internal/jobs"
	"folio/internal/manifest"
	"folio/internal/packer"
	"folio/internal/services"
	"folio/internal/services/archive"
	"folio/internal/services/scheduler"
	"folio/internal/unitrun"
)

// Unit names double as subcommand names, log prefixes, and lock names.
const (
	unitAcquire  = "acquire"
	unitDispatch = "dispatch"
	unitCleanup  = "cleanup"
)

func acquireBody(ctx context.Context, env *unitrun.Env) (int, error) {
	cfg := env.Config
	list, err := identifiers.Load(cfg.Paths.IdentifiersFile)
	if err != nil {
		if errors.Is(err, manifest.ErrNotFound) {
			return 0, services.Wrap(services.ErrConfiguration, unitAcquire, "load identifiers",
				fmt.Sprintf("%s not found; run `folio identifiers fetch` first", cfg.Paths.IdentifiersFile), err)
		}
		return 0, fmt.Errorf("load identifiers: %w", err)
	}

	opts := []acquire.Option{
		acquire.WithLogger(env.Logger),
		acquire.WithMetrics(env.Metrics),
	}
	if cfg.Batch.WeightMode == config.WeightModePages {
		opts = append(opts, acquire.WithPageCounter(scheduler.NewPageCounter(cfg, services.ExecRunner{})))
	}
	if env.Index != nil {
		opts = append(opts, acquire.WithIndex(env.Index))
	}
	worker := acquire.NewWorker(cfg, env.Store, archive.New(cfg), capacity.NewFSMonitor(cfg.Paths.PendingDir), opts...)

	cursor, err := worker.Run(ctx, list.Identifiers)
	return cursor.Stats.Downloaded, err
}

func newDispatcher(env *unitrun.Env, exitWhenDrained bool) (*jobs.Dispatcher, error) {
	cfg := env.Config
	sched := scheduler.New(cfg)
	if err := sched.CheckConfigured(); err != nil {
		return nil, err
	}

	jobOpts := []jobs.Option{jobs.WithLogger(env.Logger), jobs.WithMetrics(env.Metrics)}
	packOpts := []packer.Option{packer.WithLogger(env.Logger), packer.WithMetrics(env.Metrics)}
	if env.Index != nil {
		jobOpts = append(jobOpts, jobs.WithIndex(env.Index))
		packOpts = append(packOpts, packer.WithIndex(env.Index))
	}

	cons := consolidate.New(env.Store, consolidate.WithLogger(env.Logger), consolidate.WithMetrics(env.Metrics))
	pk := packer.New(cfg, env.Store, packOpts...)
	sub := jobs.NewSubmitter(cfg, env.Store, sched, jobOpts...)
	poll := jobs.NewPoller(cfg, env.Store, sched, cons, jobOpts...)
	return jobs.NewDispatcher(cfg, env.Store, pk, sub, poll,
		jobs.ExitWhenDrained(exitWhenDrained),
		jobs.WithDispatcherLogger(env.Logger),
	), nil
}

func dispatchBody(exitWhenDrained bool) unitrun.Body {
	return func(ctx context.Context, env *unitrun.Env) (int, error) {
		d, err := newDispatcher(env, exitWhenDrained)
		if err != nil {
			return 0, err
		}
		return 0, d.Run(ctx)
	}
}

func newCleaner(env *unitrun.Env) *cleanup.Cleaner {
	opts := []cleanup.Option{
		cleanup.WithLogger(env.Logger),
		cleanup.WithMetrics(env.Metrics),
		cleanup.WithRunID(env.RunID),
	}
	if env.Index != nil {
		opts = append(opts, cleanup.WithIndex(env.Index))
	}
	return cleanup.New(env.Config, env.Store, opts...)
}

// cleanupDaemonBody runs unattended deletion passes on the configured
// interval. Confirmation is never requested.
func cleanupDaemonBody(ctx context.Context, env *unitrun.Env) (int, error) {
	every := env.Config.CleanupInterval()
	if every <= 0 {
		return 0, services.Wrap(services.ErrConfiguration, unitCleanup, "schedule", "cleanup.interval must be positive for unattended cleanup", nil)
	}
	return 0, newCleaner(env).RunEvery(ctx, cleanup.RunOptions{}, every)
}
