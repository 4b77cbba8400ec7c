package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"folio/internal/logging"
)

// Supervisor starts units, watches them, and tears the group down.
type Supervisor struct {
	units   []Unit
	stagger time.Duration
	check   time.Duration
	logger  *slog.Logger
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithStagger sets the delay between consecutive unit starts.
func WithStagger(d time.Duration) Option {
	return func(s *Supervisor) { s.stagger = d }
}

// WithCheckInterval sets how often liveness is logged.
func WithCheckInterval(d time.Duration) Option {
	return func(s *Supervisor) { s.check = d }
}

// WithLogger overrides the supervisor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// New constructs a supervisor over units in start order.
func New(units []Unit, opts ...Option) *Supervisor {
	s := &Supervisor{units: units, check: 10 * time.Second}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.NewComponentLogger(s.logger, "supervisor")
	return s
}

type exit struct {
	name string
	err  error
}

// Run starts every unit and blocks until all have exited. It returns exit
// code 1 and the first failure when a unit failed, and 0 when every unit
// finished or ctx ended.
func (s *Supervisor) Run(ctx context.Context) (int, error) {
	if len(s.units) == 0 {
		return 0, nil
	}
	groupCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	exits := make(chan exit, len(s.units))
	alive := make(map[string]bool, len(s.units))
	launch := time.After(0)
	launched := 0
	halting := false
	var failure *exit

	check := s.check
	if check <= 0 {
		check = 10 * time.Second
	}
	ticker := time.NewTicker(check)
	defer ticker.Stop()
	parentDone := ctx.Done()

	for {
		if len(alive) == 0 && (launched == len(s.units) || halting) {
			break
		}
		select {
		case <-launch:
			unit := s.units[launched]
			launched++
			alive[unit.Name()] = true
			s.logger.Info("starting unit", logging.String(logging.FieldUnit, unit.Name()))
			go func(u Unit) {
				exits <- exit{name: u.Name(), err: u.Run(groupCtx)}
			}(unit)
			launch = nil
			if launched < len(s.units) {
				launch = time.After(s.stagger)
			}

		case e := <-exits:
			delete(alive, e.name)
			switch {
			case halting || ctx.Err() != nil:
				s.logger.Info("unit stopped", logging.String(logging.FieldUnit, e.name))
			case e.err == nil:
				s.logger.Info("unit finished", logging.String(logging.FieldUnit, e.name))
			default:
				failure = &e
				halting = true
				launch = nil
				logging.ErrorWithContext(s.logger, "unit exited unexpectedly; halting group", "unit_failed",
					logging.String(logging.FieldUnit, e.name),
					logging.Error(e.err),
					logging.Int("remaining", len(alive)),
					logging.String(logging.FieldErrorHint, "inspect the unit log in paths.log_dir before restarting"),
				)
				cancel()
			}

		case <-ticker.C:
			names := make([]string, 0, len(alive))
			for name := range alive {
				names = append(names, name)
			}
			s.logger.Debug("units alive", logging.Any("units", names))

		case <-parentDone:
			parentDone = nil
			if !halting {
				halting = true
				launch = nil
				s.logger.Info("shutdown requested; stopping units", logging.Int("running", len(alive)))
				cancel()
			}
		}
	}

	if failure != nil {
		return 1, fmt.Errorf("unit %s failed: %w", failure.name, failure.err)
	}
	return 0, nil
}
