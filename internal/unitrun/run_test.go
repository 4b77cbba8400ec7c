package unitrun_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gofrs/flock"

	"folio/internal/services"
	"folio/internal/testsupport"
	"folio/internal/unitrun"
)

func TestRunProvidesEnvAndRecordsRun(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteIndex())
	var seen *unitrun.Env
	err := unitrun.Run(context.Background(), cfg, unitrun.Options{Unit: "dispatch", Console: true},
		func(ctx context.Context, env *unitrun.Env) (int, error) {
			seen = env
			if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "dispatch.pid")); err != nil {
				t.Errorf("pid file missing during run: %v", err)
			}
			if id, ok := services.RunIDFromContext(ctx); !ok || id != env.RunID {
				t.Errorf("run id not on context: %q", id)
			}
			return 3, nil
		})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if seen == nil || seen.Store == nil || seen.Index == nil || seen.RunID == "" {
		t.Fatalf("incomplete env: %+v", seen)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "dispatch.pid")); !os.IsNotExist(err) {
		t.Fatalf("pid file should be removed, got %v", err)
	}

	idx := testsupport.MustOpenIndex(t, cfg)
	runs, err := idx.RecentRuns(context.Background(), 5)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	if len(runs) != 1 || runs[0].Phase != "dispatch" || runs[0].ItemsProcessed != 3 {
		t.Fatalf("unexpected runs: %+v", runs)
	}
}

func TestRunRefusesSecondInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	held := flock.New(filepath.Join(cfg.Paths.LogDir, "cleanup.lock"))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	called := false
	err := unitrun.Run(context.Background(), cfg, unitrun.Options{Unit: "cleanup", Console: true},
		func(context.Context, *unitrun.Env) (int, error) {
			called = true
			return 0, nil
		})
	if !errors.Is(err, unitrun.ErrAlreadyRunning) || called {
		t.Fatalf("expected ErrAlreadyRunning without running body, got %v called=%v", err, called)
	}
}

func TestRunReturnsBodyErrorAndTreatsCancelAsClean(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	boom := errors.New("boom")
	err := unitrun.Run(context.Background(), cfg, unitrun.Options{Unit: "acquire", Console: true},
		func(context.Context, *unitrun.Env) (int, error) { return 0, boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected body error, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	err = unitrun.Run(ctx, cfg, unitrun.Options{Unit: "acquire", Console: true},
		func(ctx context.Context, _ *unitrun.Env) (int, error) {
			cancel()
			<-ctx.Done()
			return 1, ctx.Err()
		})
	if err != nil {
		t.Fatalf("cancellation should be clean, got %v", err)
	}
}

func TestRunWritesLogPointer(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	err := unitrun.Run(context.Background(), cfg, unitrun.Options{Unit: "acquire"},
		func(context.Context, *unitrun.Env) (int, error) { return 0, nil })
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if _, err := os.Stat(filepath.Join(cfg.Paths.LogDir, "acquire.log")); err != nil {
		t.Fatalf("current log pointer missing: %v", err)
	}
}

func TestRefusedInstanceLeavesLogPointerAlone(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	if err := unitrun.Run(context.Background(), cfg, unitrun.Options{Unit: "dispatch"},
		func(context.Context, *unitrun.Env) (int, error) { return 0, nil }); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	pointer := filepath.Join(cfg.Paths.LogDir, "dispatch.log")
	before, err := os.Readlink(pointer)
	if err != nil {
		t.Fatalf("Readlink: %v", err)
	}
	logs, _ := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "dispatch-*.log"))

	held := flock.New(filepath.Join(cfg.Paths.LogDir, "dispatch.lock"))
	if ok, err := held.TryLock(); err != nil || !ok {
		t.Fatalf("TryLock: %v %v", ok, err)
	}
	defer held.Unlock()

	// Log names carry a one-second stamp; make sure a second run would get a new one.
	time.Sleep(1100 * time.Millisecond)
	err = unitrun.Run(context.Background(), cfg, unitrun.Options{Unit: "dispatch"},
		func(context.Context, *unitrun.Env) (int, error) { return 0, nil })
	if !errors.Is(err, unitrun.ErrAlreadyRunning) {
		t.Fatalf("expected ErrAlreadyRunning, got %v", err)
	}
	after, err := os.Readlink(pointer)
	if err != nil || after != before {
		t.Fatalf("pointer moved from %q to %q (err %v)", before, after, err)
	}
	if again, _ := filepath.Glob(filepath.Join(cfg.Paths.LogDir, "dispatch-*.log")); len(again) != len(logs) {
		t.Fatalf("refused run created a log file: %v", again)
	}
}
