package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"folio/internal/config"
	"folio/internal/fileutil"
	"folio/internal/logging"
	"folio/internal/manifest"
	"folio/internal/packer"
	"folio/internal/services"
)

// Dispatcher drives the packer, submitter, and poller on a fixed cadence.
type Dispatcher struct {
	store        *manifest.Store
	packer       *packer.Packer
	submitter    *Submitter
	poller       *Poller
	scanInterval time.Duration
	pollInterval time.Duration
	exitDrained  bool
	logger       *slog.Logger
	now          func() time.Time
	sleep        func(context.Context, time.Duration) error
	lastPoll     time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// ExitWhenDrained stops Run once acquisition has finished and every batch
// has settled.
func ExitWhenDrained(enabled bool) DispatcherOption {
	return func(d *Dispatcher) { d.exitDrained = enabled }
}

// WithDispatcherLogger overrides the dispatcher logger.
func WithDispatcherLogger(logger *slog.Logger) DispatcherOption {
	return func(d *Dispatcher) { d.logger = logger }
}

// WithDispatcherClock overrides the time source and the sleep between cycles.
func WithDispatcherClock(now func() time.Time, sleep func(context.Context, time.Duration) error) DispatcherOption {
	return func(d *Dispatcher) {
		if now != nil {
			d.now = now
		}
		if sleep != nil {
			d.sleep = sleep
		}
	}
}

// NewDispatcher wires the three batch stages together.
func NewDispatcher(cfg *config.Config, store *manifest.Store, pk *packer.Packer, sub *Submitter, poll *Poller, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		store:        store,
		packer:       pk,
		submitter:    sub,
		poller:       poll,
		scanInterval: cfg.ScanInterval(),
		pollInterval: cfg.PollInterval(),
		now:          time.Now,
		sleep:        sleepContext,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = logging.NewComponentLogger(d.logger, "dispatcher")
	return d
}

// Run loops until ctx ends, a fatal error occurs, or, with ExitWhenDrained,
// nothing is left to dispatch.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started",
		logging.Duration("scan_interval", d.scanInterval),
		logging.Duration("poll_interval", d.pollInterval),
		logging.Bool("exit_when_drained", d.exitDrained),
	)
	for {
		drained, err := d.Cycle(ctx)
		if ctx.Err() != nil {
			d.logger.Info("dispatcher stopping")
			return nil
		}
		if err != nil {
			if services.IsFatal(err) {
				return err
			}
			logging.WarnWithContext(d.logger, "dispatch cycle failed", "dispatch_cycle_failed",
				logging.Error(err),
				logging.String("error_kind", services.Kind(err)),
				logging.String(logging.FieldImpact, "cycle retried after the scan interval"),
			)
		}
		if drained && d.exitDrained {
			d.logger.Info("all work dispatched and settled; exiting")
			return nil
		}
		if err := d.sleep(ctx, d.scanInterval); err != nil {
			d.logger.Info("dispatcher stopping")
			return nil
		}
	}
}

// Cycle runs one scan, submit, and (when due) poll pass, then refreshes the
// registry. It reports whether the pipeline is drained. A failed scan or
// submit pass does not stop the later steps; the errors are returned joined.
func (d *Dispatcher) Cycle(ctx context.Context) (bool, error) {
	cursor, err := d.store.LoadCursor()
	if err != nil {
		return false, err
	}
	var errs []error
	if _, err := d.packer.Scan(ctx, cursor.Finished); err != nil {
		if services.IsFatal(err) {
			return false, err
		}
		errs = append(errs, fmt.Errorf("pack: %w", err))
	}
	if _, err := d.submitter.SubmitPending(ctx); err != nil {
		if services.IsFatal(err) {
			return false, err
		}
		errs = append(errs, fmt.Errorf("submit: %w", err))
	}
	now := d.now()
	if d.lastPoll.IsZero() || now.Sub(d.lastPoll) >= d.pollInterval {
		summary, err := d.poller.PollOnce(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("poll: %w", err))
		} else {
			d.lastPoll = now
			if summary.Active > 0 {
				d.logger.Debug("poll pass complete",
					logging.Int("active", summary.Active),
					logging.Int("completed", summary.Completed),
					logging.Int("failed", summary.Failed),
				)
			}
		}
	}
	if err := RefreshRegistry(d.store, d.now()); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return false, errors.Join(errs...)
	}
	if !cursor.Finished {
		return false, nil
	}
	return d.drained()
}

// drained reports whether no batch is waiting on this process and no pending
// item with a present artifact is left to pack. Items held back after a failed
// move do not keep the dispatcher alive.
func (d *Dispatcher) drained() (bool, error) {
	batches, err := d.store.ListBatches()
	if err != nil {
		return false, err
	}
	for _, b := range batches {
		if b.State == manifest.BatchCreated || b.Active() {
			return false, nil
		}
	}
	pending, err := d.store.ItemsInState(manifest.ItemPending)
	if err != nil {
		return false, err
	}
	for _, item := range pending {
		ok, err := fileutil.Exists(item.ArtifactPath)
		if err != nil {
			return false, err
		}
		if ok && !d.packer.Held(item.ID) {
			return false, nil
		}
	}
	return true, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
