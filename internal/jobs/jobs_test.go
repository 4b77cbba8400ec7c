package jobs_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"folio/internal/consolidate"
	"folio/internal/jobs"
	"folio/internal/manifest"
	"folio/internal/packer"
	"folio/internal/services"
	"folio/internal/services/scheduler"
	"folio/internal/testsupport"
)

type fakeScheduler struct {
	mu        sync.Mutex
	submitted []scheduler.JobSpec
	submitErr error
	statuses  map[string]scheduler.Status
	fallback  scheduler.Status
	outputFor func(batchDir string) ([]string, error)
	next      int
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{statuses: map[string]scheduler.Status{}, fallback: scheduler.StatusUnknown}
}

func (f *fakeScheduler) Submit(_ context.Context, job scheduler.JobSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.next++
	f.submitted = append(f.submitted, job)
	return fmt.Sprintf("%d", 1000+f.next), nil
}

func (f *fakeScheduler) Status(_ context.Context, handle string) (scheduler.Status, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if status, ok := f.statuses[handle]; ok {
		return status, nil
	}
	return f.fallback, nil
}

func (f *fakeScheduler) OutputFiles(batchDir string) ([]string, error) {
	if f.outputFor == nil {
		return nil, nil
	}
	return f.outputFor(batchDir)
}

// echoOutputs writes one record per chunk so every member gets a result.
func echoOutputs(t *testing.T) func(string) ([]string, error) {
	return func(batchDir string) ([]string, error) {
		entries, err := os.ReadDir(filepath.Join(batchDir, scheduler.ChunksDir))
		if err != nil {
			return nil, err
		}
		var lines []string
		for _, e := range entries {
			lines = append(lines, fmt.Sprintf(`{"text":"page","metadata":{"Source-File":"chunks/%s"}}`, e.Name()))
		}
		path := filepath.Join(batchDir, "results", "output_0.jsonl")
		testsupport.WriteText(t, path, strings.Join(lines, "\n")+"\n")
		return []string{path}, nil
	}
}

type fixture struct {
	store     *manifest.Store
	sched     *fakeScheduler
	packer    *packer.Packer
	submitter *jobs.Submitter
	poller    *jobs.Poller
	at        time.Time
}

func newFixture(t *testing.T, ids ...string) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t, testsupport.WithBatchBounds(10, 1))
	cfg.Scheduler.RetryAttempts = 2
	store, err := manifest.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	at := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	clock := func() time.Time { return at }
	for i, id := range ids {
		path := filepath.Join(store.Layout().PendingDir, id+".pdf")
		testsupport.WriteFile(t, path, 32)
		item := &manifest.Item{
			ID: id, Identifier: id, Filename: id + ".pdf", ArtifactPath: path,
			FileSize: 32, Weight: 1, State: manifest.ItemPending,
			AcquiredAt: at.Add(time.Duration(i) * time.Second),
		}
		if err := store.PutItem(item); err != nil {
			t.Fatalf("PutItem: %v", err)
		}
	}
	sched := newFakeScheduler()
	cons := consolidate.New(store, consolidate.WithClock(clock))
	return &fixture{
		store:     store,
		sched:     sched,
		packer:    packer.New(cfg, store, packer.WithClock(clock)),
		submitter: jobs.NewSubmitter(cfg, store, sched, jobs.WithClock(clock)),
		poller:    jobs.NewPoller(cfg, store, sched, cons, jobs.WithClock(clock)),
		at:        at,
	}
}

func (f *fixture) packAndSubmit(t *testing.T) *manifest.Batch {
	t.Helper()
	batches, err := f.packer.Scan(context.Background(), true)
	if err != nil || len(batches) != 1 {
		t.Fatalf("Scan: %v (%d batches)", err, len(batches))
	}
	if n, err := f.submitter.SubmitPending(context.Background()); err != nil || n != 1 {
		t.Fatalf("SubmitPending: n=%d err=%v", n, err)
	}
	return f.batch(t, batches[0].ID)
}

func (f *fixture) batch(t *testing.T, id string) *manifest.Batch {
	t.Helper()
	b, err := f.store.GetBatch(id)
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	return b
}

func (f *fixture) requireItems(t *testing.T, want manifest.ItemState, ids ...string) {
	t.Helper()
	for _, id := range ids {
		item, err := f.store.GetItem(id)
		if err != nil {
			t.Fatalf("GetItem %s: %v", id, err)
		}
		if item.State != want {
			t.Fatalf("item %s: state %s, want %s", id, item.State, want)
		}
	}
}

func TestSubmitRecordsHandleAndAdvancesMembers(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := f.packAndSubmit(t)
	if b.State != manifest.BatchSubmitted || b.JobHandle != "1001" || b.SubmittedAt == nil {
		t.Fatalf("unexpected batch after submit: %+v", b)
	}
	if len(f.sched.submitted) != 1 || f.sched.submitted[0].Weight != 2 || f.sched.submitted[0].Dir != b.Dir {
		t.Fatalf("unexpected job spec: %+v", f.sched.submitted)
	}
	f.requireItems(t, manifest.ItemSubmitted, "alpha", "beta")

	if n, err := f.submitter.SubmitPending(context.Background()); err != nil || n != 0 {
		t.Fatalf("second pass should submit nothing: n=%d err=%v", n, err)
	}
}

func TestSubmitFailureKeepsBatchCreated(t *testing.T) {
	f := newFixture(t, "alpha")
	if _, err := f.packer.Scan(context.Background(), true); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	f.sched.submitErr = services.Wrap(services.ErrTransient, "scheduler", "submit", "queue unavailable", nil)

	n, err := f.submitter.SubmitPending(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("transient failure should be absorbed: n=%d err=%v", n, err)
	}
	b := f.batch(t, "batch_0001")
	if b.State != manifest.BatchCreated || b.JobHandle != "" || b.SubmitAttempts != 1 || b.LastError == "" {
		t.Fatalf("unexpected batch after failed submit: %+v", b)
	}
	f.requireItems(t, manifest.ItemBatched, "alpha")

	f.sched.submitErr = nil
	if n, err := f.submitter.SubmitPending(context.Background()); err != nil || n != 1 {
		t.Fatalf("retry pass: n=%d err=%v", n, err)
	}
}

func TestSubmitConfigurationErrorStopsPass(t *testing.T) {
	f := newFixture(t, "alpha")
	if _, err := f.packer.Scan(context.Background(), true); err != nil {
		t.Fatalf("Scan: %v", err)
	}
	f.sched.submitErr = services.Wrap(services.ErrConfiguration, "scheduler", "submit", "script missing", nil)
	if _, err := f.submitter.SubmitPending(context.Background()); !services.IsFatal(err) {
		t.Fatalf("expected fatal error, got %v", err)
	}
}

func TestPollRunningThenUnknownLeavesState(t *testing.T) {
	f := newFixture(t, "alpha")
	b := f.packAndSubmit(t)

	f.sched.statuses[b.JobHandle] = scheduler.StatusRunning
	if _, err := f.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := f.batch(t, b.ID).State; got != manifest.BatchRunning {
		t.Fatalf("expected running, got %s", got)
	}

	delete(f.sched.statuses, b.JobHandle)
	summary, err := f.poller.PollOnce(context.Background())
	if err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if summary.Unknown != 1 || f.batch(t, b.ID).State != manifest.BatchRunning {
		t.Fatalf("unknown status must not change state: %+v", summary)
	}
	f.requireItems(t, manifest.ItemSubmitted, "alpha")
}

func TestPollFailedJobReturnsMembersToBatched(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := f.packAndSubmit(t)
	f.sched.statuses[b.JobHandle] = scheduler.StatusFailed

	if _, err := f.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	got := f.batch(t, b.ID)
	if got.State != manifest.BatchFailed || got.FailureKind != manifest.FailureJob || got.FinishedAt == nil {
		t.Fatalf("unexpected failed batch: %+v", got)
	}
	f.requireItems(t, manifest.ItemBatched, "alpha", "beta")

	summary, err := f.poller.PollOnce(context.Background())
	if err != nil || summary.Active != 0 {
		t.Fatalf("failed batch must not be polled again: %+v err %v", summary, err)
	}
}

func TestPollCompletedConsolidatesOnce(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := f.packAndSubmit(t)
	f.sched.statuses[b.JobHandle] = scheduler.StatusCompleted
	calls := 0
	echo := echoOutputs(t)
	f.sched.outputFor = func(dir string) ([]string, error) {
		calls++
		return echo(dir)
	}

	for i := 0; i < 2; i++ {
		if _, err := f.poller.PollOnce(context.Background()); err != nil {
			t.Fatalf("PollOnce %d: %v", i, err)
		}
	}
	if calls != 1 {
		t.Fatalf("completed batch consolidated %d times", calls)
	}
	got := f.batch(t, b.ID)
	if got.State != manifest.BatchCompleted || got.Consolidation == nil || got.Consolidation.Written != 2 {
		t.Fatalf("unexpected completed batch: %+v", got)
	}
	f.requireItems(t, manifest.ItemConsolidated, "alpha", "beta")
	if _, err := f.store.GetResult("alpha", "alpha"); err != nil {
		t.Fatalf("result missing: %v", err)
	}
}

func TestPollCompletedWithoutGroupsIsConsolidationFailure(t *testing.T) {
	f := newFixture(t, "alpha")
	b := f.packAndSubmit(t)
	f.sched.statuses[b.JobHandle] = scheduler.StatusCompleted
	f.sched.outputFor = func(dir string) ([]string, error) {
		path := filepath.Join(dir, "results", "output_0.jsonl")
		testsupport.WriteText(t, path, "not json\n")
		return []string{path}, nil
	}

	if _, err := f.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	got := f.batch(t, b.ID)
	if got.State != manifest.BatchFailed || got.FailureKind != manifest.FailureConsolidation {
		t.Fatalf("expected consolidation failure, got %+v", got)
	}
	f.requireItems(t, manifest.ItemBatched, "alpha")
}

func TestResubmitResetsFailedBatch(t *testing.T) {
	f := newFixture(t, "alpha")
	b := f.packAndSubmit(t)
	f.sched.statuses[b.JobHandle] = scheduler.StatusFailed
	if _, err := f.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	reset, err := f.submitter.Resubmit(context.Background(), b.ID, false)
	if err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	if reset.State != manifest.BatchCreated || reset.JobHandle != "" || reset.FailureKind != "" {
		t.Fatalf("unexpected reset batch: %+v", reset)
	}
	if n, err := f.submitter.SubmitPending(context.Background()); err != nil || n != 1 {
		t.Fatalf("resubmit pass: n=%d err=%v", n, err)
	}
	if got := f.batch(t, b.ID); got.JobHandle != "1002" {
		t.Fatalf("expected a fresh handle, got %q", got.JobHandle)
	}
}

func TestResubmitRequeueReturnsMembersToPending(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := f.packAndSubmit(t)
	f.sched.statuses[b.JobHandle] = scheduler.StatusFailed
	if _, err := f.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}

	if _, err := f.submitter.Resubmit(context.Background(), b.ID, true); err != nil {
		t.Fatalf("Resubmit: %v", err)
	}
	for _, id := range []string{"alpha", "beta"} {
		item, _ := f.store.GetItem(id)
		if item.State != manifest.ItemPending || item.BatchID != "" {
			t.Fatalf("item %s not requeued: %+v", id, item)
		}
		if filepath.Dir(item.ArtifactPath) != f.store.Layout().PendingDir {
			t.Fatalf("artifact not back in pending: %s", item.ArtifactPath)
		}
		if _, err := os.Stat(item.ArtifactPath); err != nil {
			t.Fatalf("artifact missing: %v", err)
		}
	}
	batches, err := f.packer.Scan(context.Background(), true)
	if err != nil || len(batches) != 1 || batches[0].ID != "batch_0002" {
		t.Fatalf("requeued items should repack into a new batch: %+v err %v", batches, err)
	}
}

func TestResubmitRejectsActiveBatch(t *testing.T) {
	f := newFixture(t, "alpha")
	b := f.packAndSubmit(t)
	_, err := f.submitter.Resubmit(context.Background(), b.ID, false)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := f.submitter.Resubmit(context.Background(), "batch_0099", false); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestDispatcherExitsWhenDrained(t *testing.T) {
	f := newFixture(t, "alpha", "beta", "gamma")
	if err := f.store.SaveCursor(manifest.Cursor{CurrentIndex: 3, Total: 3, Finished: true}); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	f.sched.fallback = scheduler.StatusCompleted
	f.sched.outputFor = echoOutputs(t)

	cfg := testsupport.NewConfig(t)
	cycles := 0
	d := jobs.NewDispatcher(cfg, f.store, f.packer, f.submitter, f.poller,
		jobs.ExitWhenDrained(true),
		jobs.WithDispatcherClock(func() time.Time { return f.at }, func(ctx context.Context, _ time.Duration) error {
			cycles++
			if cycles > 5 {
				return errors.New("dispatcher did not drain")
			}
			return ctx.Err()
		}),
	)
	if err := d.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cycles > 5 {
		t.Fatalf("dispatcher looped %d times", cycles)
	}
	f.requireItems(t, manifest.ItemConsolidated, "alpha", "beta", "gamma")
	reg, err := f.store.ReadRegistry()
	if err != nil {
		t.Fatalf("ReadRegistry: %v", err)
	}
	if len(reg.Batches) != 1 || reg.Batches[0].Status != manifest.BatchCompleted {
		t.Fatalf("unexpected registry: %+v", reg)
	}
}

func TestDispatcherHoldsUntilAcquisitionFinishes(t *testing.T) {
	f := newFixture(t, "alpha")
	cfg := testsupport.NewConfig(t)
	d := jobs.NewDispatcher(cfg, f.store, f.packer, f.submitter, f.poller, jobs.ExitWhenDrained(true))

	drained, err := d.Cycle(context.Background())
	if err != nil {
		t.Fatalf("Cycle: %v", err)
	}
	if drained {
		t.Fatalf("unfinished acquisition must not count as drained")
	}
	// Bounds are 10/1, so the single item is dispatched without a final flush.
	if got := f.batch(t, "batch_0001"); got.State != manifest.BatchSubmitted || got.FinalFlush {
		t.Fatalf("unexpected batch: %+v", got)
	}
}

func TestResubmitRequeueCompletedBatchMovesOnlyFailedMembers(t *testing.T) {
	f := newFixture(t, "alpha", "beta")
	b := f.packAndSubmit(t)
	f.sched.statuses[b.JobHandle] = scheduler.StatusCompleted
	f.sched.outputFor = func(batchDir string) ([]string, error) {
		path := filepath.Join(batchDir, "results", "output_0.jsonl")
		testsupport.WriteText(t, path, `{"text":"a","metadata":{"Source-File":"chunks/alpha.pdf"}}`+"\n")
		return []string{path}, nil
	}
	if _, err := f.poller.PollOnce(context.Background()); err != nil {
		t.Fatalf("PollOnce: %v", err)
	}
	if got := f.batch(t, b.ID); got.State != manifest.BatchCompleted {
		t.Fatalf("expected completed batch, got %s", got.State)
	}
	f.requireItems(t, manifest.ItemFailed, "beta")

	if _, err := f.submitter.Resubmit(context.Background(), b.ID, false); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("plain resubmit of a completed batch should be rejected, got %v", err)
	}
	if _, err := f.submitter.Resubmit(context.Background(), b.ID, true); err != nil {
		t.Fatalf("Resubmit requeue: %v", err)
	}
	beta, _ := f.store.GetItem("beta")
	if beta.State != manifest.ItemPending || beta.BatchID != "" || filepath.Dir(beta.ArtifactPath) != f.store.Layout().PendingDir {
		t.Fatalf("beta not requeued: %+v", beta)
	}
	f.requireItems(t, manifest.ItemConsolidated, "alpha")
	if got := f.batch(t, b.ID); got.State != manifest.BatchCompleted {
		t.Fatalf("requeue must leave the completed batch completed, got %s", got.State)
	}
	if _, err := f.submitter.Resubmit(context.Background(), b.ID, true); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("second requeue should find nothing to move, got %v", err)
	}
}

func TestDispatcherKeepsPollingWhenAMoveFails(t *testing.T) {
	f := newFixture(t, "alpha")
	first := f.packAndSubmit(t)
	f.sched.statuses[first.JobHandle] = scheduler.StatusCompleted
	f.sched.outputFor = echoOutputs(t)

	path := filepath.Join(f.store.Layout().PendingDir, "gamma.pdf")
	testsupport.WriteFile(t, path, 32)
	gamma := &manifest.Item{
		ID: "gamma", Identifier: "gamma", Filename: "gamma.pdf", ArtifactPath: path,
		FileSize: 32, Weight: 1, State: manifest.ItemPending, AcquiredAt: f.at,
	}
	if err := f.store.PutItem(gamma); err != nil {
		t.Fatalf("PutItem: %v", err)
	}

	stuck := packer.New(testsupport.NewConfig(t, testsupport.WithBatchBounds(10, 1)), f.store,
		packer.WithClock(func() time.Time { return f.at }),
		packer.WithMover(func(src, dst string) error {
			return errors.New("copy size mismatch")
		}),
	)
	cfg := testsupport.NewConfig(t)
	d := jobs.NewDispatcher(cfg, f.store, stuck, f.submitter, f.poller, jobs.ExitWhenDrained(true),
		jobs.WithDispatcherClock(func() time.Time { return f.at }, nil))

	drained, err := d.Cycle(context.Background())
	if err != nil {
		t.Fatalf("a failed move must not fail the cycle: %v", err)
	}
	if drained {
		t.Fatal("unfinished acquisition must not count as drained")
	}
	if got := f.batch(t, first.ID); got.State != manifest.BatchCompleted {
		t.Fatalf("submitted batch was not polled: %s", got.State)
	}
	f.requireItems(t, manifest.ItemPending, "gamma")

	if err := f.store.SaveCursor(manifest.Cursor{CurrentIndex: 2, Total: 2, Finished: true}); err != nil {
		t.Fatalf("SaveCursor: %v", err)
	}
	drained, err = d.Cycle(context.Background())
	if err != nil || !drained {
		t.Fatalf("held item should not keep the dispatcher alive: drained=%v err=%v", drained, err)
	}
}
