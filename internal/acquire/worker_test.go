package acquire_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"folio/internal/acquire"
	"folio/internal/capacity"
	"folio/internal/manifest"
	"folio/internal/services"
	"folio/internal/services/archive"
	"folio/internal/testsupport"
)

type fakeSource struct {
	mu         sync.Mutex
	records    map[string]*archive.ItemRecord
	failures   map[string]error
	downloads  []string
	onDownload func(identifier string) error
	failFile   map[string]error
}

func newFakeSource() *fakeSource {
	return &fakeSource{records: map[string]*archive.ItemRecord{}, failures: map[string]error{}}
}

func (f *fakeSource) add(identifier string, files ...string) {
	rec := &archive.ItemRecord{
		Identifier: identifier,
		Metadata: map[string]any{
			"title":      "Title of " + identifier,
			"creator":    []any{"A. Author", "B. Author"},
			"date":       "1923-04-01",
			"collection": []any{"americana", "texts"},
		},
	}
	for _, name := range files {
		format := "DjVuTXT"
		if strings.HasSuffix(name, ".pdf") {
			format = "Text PDF"
		}
		rec.Files = append(rec.Files, archive.File{Name: name, Format: format, Size: "4"})
	}
	f.records[identifier] = rec
}

func (f *fakeSource) FetchItem(_ context.Context, identifier string) (*archive.ItemRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err, ok := f.failures[identifier]; ok {
		return nil, err
	}
	rec, ok := f.records[identifier]
	if !ok {
		return nil, services.Wrap(services.ErrNotFound, "archive", "metadata", identifier, nil)
	}
	return rec, nil
}

func (f *fakeSource) Download(_ context.Context, identifier string, file archive.File, dest string) (int64, error) {
	if f.onDownload != nil {
		if err := f.onDownload(identifier); err != nil {
			return 0, err
		}
	}
	f.mu.Lock()
	if err, ok := f.failFile[file.Name]; ok {
		f.mu.Unlock()
		return 0, err
	}
	f.downloads = append(f.downloads, identifier+"/"+file.Name)
	f.mu.Unlock()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(dest, []byte("%PDF"), 0o644); err != nil {
		return 0, err
	}
	return 4, nil
}

func (f *fakeSource) ItemURL(identifier string) string {
	return "https://example.org/details/" + identifier
}

type fixedPages int

func (p fixedPages) Pages(context.Context, string) (int, error) { return int(p), nil }

func noSleep(context.Context, time.Duration) error { return nil }

func setup(t *testing.T, fetchAll bool) (*manifest.Store, *fakeSource, func(capacity.Monitor) *acquire.Worker) {
	t.Helper()
	var opts []testsupport.ConfigOption
	if fetchAll {
		opts = append(opts, testsupport.WithFetchAll())
	}
	cfg := testsupport.NewConfig(t, opts...)
	store, err := manifest.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	src := newFakeSource()
	build := func(mon capacity.Monitor) *acquire.Worker {
		return acquire.NewWorker(cfg, store, src, mon,
			acquire.WithPageCounter(fixedPages(7)),
			acquire.WithClock(nil, noSleep),
		)
	}
	return store, src, build
}

func idle() capacity.Monitor {
	return capacity.Func(func() (float64, error) { return 0.10, nil })
}

func TestRunAcquiresIntoPendingWithManifest(t *testing.T) {
	store, src, build := setup(t, false)
	src.add("alpha", "alpha_text.pdf", "alpha.pdf")
	src.add("beta", "beta.pdf")

	cursor, err := build(idle()).Run(context.Background(), []string{"alpha", "beta"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !cursor.Finished || cursor.CurrentIndex != 2 || cursor.Stats.Downloaded != 2 {
		t.Fatalf("unexpected cursor: %+v", cursor)
	}

	item, err := store.GetItem("alpha")
	if err != nil {
		t.Fatalf("GetItem: %v", err)
	}
	if item.State != manifest.ItemPending || item.Weight != 7 {
		t.Fatalf("unexpected item: %+v", item)
	}
	if item.Creator != "A. Author; B. Author" || item.Year != "1923" || item.Collection != "americana" {
		t.Fatalf("unexpected descriptive fields: %+v", item)
	}
	if filepath.Dir(item.ArtifactPath) != store.Layout().PendingDir {
		t.Fatalf("artifact not in pending: %s", item.ArtifactPath)
	}
	if _, err := os.Stat(item.ArtifactPath); err != nil {
		t.Fatalf("artifact missing: %v", err)
	}
	if src.downloads[0] != "alpha/alpha.pdf" {
		t.Fatalf("derived text file should be excluded, got %v", src.downloads)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	store, src, build := setup(t, false)
	src.add("alpha", "alpha.pdf")

	if _, err := build(idle()).Run(context.Background(), []string{"alpha"}); err != nil {
		t.Fatalf("first run: %v", err)
	}
	if err := store.SaveCursor(manifest.Cursor{}); err != nil {
		t.Fatalf("reset cursor: %v", err)
	}
	cursor, err := build(idle()).Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("second run: %v", err)
	}
	if len(src.downloads) != 1 {
		t.Fatalf("expected a single download, got %v", src.downloads)
	}
	if cursor.Stats.Skipped != 1 {
		t.Fatalf("expected skip on re-run, got %+v", cursor.Stats)
	}
	items, _ := store.ListItems()
	if len(items) != 1 {
		t.Fatalf("expected one manifest, got %d", len(items))
	}
}

func TestRunPausesOnCapacityAndCountsOneSuspension(t *testing.T) {
	store, src, build := setup(t, false)
	src.add("alpha", "alpha.pdf")

	readings := []float64{0.92, 0.92, 0.92, 0.85}
	calls := 0
	mon := capacity.Func(func() (float64, error) {
		v := readings[len(readings)-1]
		if calls < len(readings) {
			v = readings[calls]
		}
		calls++
		return v, nil
	})

	cursor, err := build(mon).Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cursor.Stats.PausedCount != 1 {
		t.Fatalf("expected one pause, got %d", cursor.Stats.PausedCount)
	}
	if calls != 4 {
		t.Fatalf("expected monitor consulted until usage dropped, got %d calls", calls)
	}
	if ok, _ := store.HasItem("alpha"); !ok {
		t.Fatal("expected item acquired after resume")
	}
}

func TestRunTreatsMonitorErrorAsFull(t *testing.T) {
	_, src, build := setup(t, false)
	src.add("alpha", "alpha.pdf")

	calls := 0
	mon := capacity.Func(func() (float64, error) {
		calls++
		if calls == 1 {
			return 0, errors.New("statfs failed")
		}
		return 0.2, nil
	})
	cursor, err := build(mon).Run(context.Background(), []string{"alpha"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cursor.Stats.PausedCount != 1 || cursor.Stats.Downloaded != 1 {
		t.Fatalf("unexpected stats: %+v", cursor.Stats)
	}
}

func TestRunRecordsPerItemFailuresAndContinues(t *testing.T) {
	store, src, build := setup(t, false)
	src.add("good", "good.pdf")
	src.add("empty", "empty_djvu.txt")
	src.failures["broken"] = services.Wrap(services.ErrValidation, "archive", "metadata", "bad document", nil)

	cursor, err := build(idle()).Run(context.Background(), []string{"broken", "missing", "empty", "good"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if cursor.Stats.Failed != 2 || cursor.Stats.NoArtifact != 1 || cursor.Stats.Downloaded != 1 {
		t.Fatalf("unexpected stats: %+v", cursor.Stats)
	}
	records, err := store.ListErrors()
	if err != nil {
		t.Fatalf("ListErrors: %v", err)
	}
	kinds := map[string]string{}
	for _, rec := range records {
		kinds[rec.Identifier] = rec.ErrorType
	}
	want := map[string]string{"broken": "validation", "missing": "not_found", "empty": "no_artifact"}
	for id, kind := range want {
		if kinds[id] != kind {
			t.Fatalf("error record for %s: got %q want %q (all: %v)", id, kinds[id], kind, kinds)
		}
	}
}

func TestRunStopsOnConfigurationError(t *testing.T) {
	_, src, build := setup(t, false)
	src.failures["alpha"] = services.Wrap(services.ErrConfiguration, "archive", "metadata", "bad base url", nil)
	src.add("beta", "beta.pdf")

	cursor, err := build(idle()).Run(context.Background(), []string{"alpha", "beta"})
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
	if cursor.CurrentIndex != 0 || cursor.Finished {
		t.Fatalf("cursor should not advance past a fatal error: %+v", cursor)
	}
}

func TestRunResumesFromCursorAfterCancellation(t *testing.T) {
	store, src, build := setup(t, false)
	for _, id := range []string{"a", "b", "c"} {
		src.add(id, id+".pdf")
	}
	ctx, cancel := context.WithCancel(context.Background())
	src.onDownload = func(identifier string) error {
		if identifier == "b" {
			cancel()
			return context.Canceled
		}
		return nil
	}

	cursor, err := build(idle()).Run(ctx, []string{"a", "b", "c"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation, got %v", err)
	}
	if cursor.CurrentIndex != 1 {
		t.Fatalf("expected cursor at interrupted identifier, got %d", cursor.CurrentIndex)
	}
	persisted, _ := store.LoadCursor()
	if persisted.CurrentIndex != 1 || persisted.Finished {
		t.Fatalf("unexpected persisted cursor: %+v", persisted)
	}
	if ok, _ := store.HasItem("b"); ok {
		t.Fatal("interrupted identifier must not have a manifest")
	}

	src.onDownload = nil
	cursor, err = build(idle()).Run(context.Background(), []string{"a", "b", "c"})
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !cursor.Finished || cursor.Stats.Downloaded != 3 {
		t.Fatalf("unexpected cursor after resume: %+v", cursor)
	}
	if len(src.downloads) != 3 {
		t.Fatalf("expected a, b, c downloaded once each, got %v", src.downloads)
	}
}

func TestProcessAdoptsOrphanedPendingArtifact(t *testing.T) {
	store, src, build := setup(t, false)
	src.add("alpha", "alpha.pdf")
	orphan := filepath.Join(store.Layout().PendingDir, "alpha.pdf")
	testsupport.WriteFile(t, orphan, 128)

	result, err := build(idle()).Process(context.Background(), "alpha")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if result.Outcome != acquire.OutcomeDownloaded || len(result.Items) != 1 {
		t.Fatalf("unexpected result: %+v", result)
	}
	if len(src.downloads) != 0 {
		t.Fatalf("orphan should be adopted without download, got %v", src.downloads)
	}
	if result.Items[0].FileSize != 128 {
		t.Fatalf("expected adopted size, got %d", result.Items[0].FileSize)
	}
}

func TestFetchAllCreatesOneItemPerArtifact(t *testing.T) {
	store, src, build := setup(t, true)
	src.add("vol", "vol 1.pdf", "vol-2.pdf", "vol_text.pdf")

	result, err := build(idle()).Process(context.Background(), "vol")
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if len(result.Items) != 2 {
		t.Fatalf("expected two items, got %d", len(result.Items))
	}
	for _, id := range []string{"vol__vol_1", "vol__vol-2"} {
		if ok, _ := store.HasItem(id); !ok {
			t.Fatalf("missing item %s", id)
		}
	}
	again, err := build(idle()).Process(context.Background(), "vol")
	if err != nil {
		t.Fatalf("second Process: %v", err)
	}
	if again.Outcome != acquire.OutcomeSkipped {
		t.Fatalf("expected skip, got %s", again.Outcome)
	}
}

func TestFetchAllResumesPartiallyAcquiredIdentifier(t *testing.T) {
	store, src, build := setup(t, true)
	src.add("vol", "a.pdf", "b.pdf")
	src.failFile = map[string]error{
		"b.pdf": services.Wrap(services.ErrValidation, "archive", "download", "b.pdf", errors.New("truncated body")),
	}

	if _, err := build(idle()).Process(context.Background(), "vol"); err == nil {
		t.Fatal("expected the second download to fail")
	}
	if ok, _ := store.HasItem("vol__a"); !ok {
		t.Fatal("first artifact should be recorded")
	}
	if ok, _ := store.HasItem("vol__b"); ok {
		t.Fatal("failed artifact must not be recorded")
	}

	src.failFile = nil
	result, err := build(idle()).Process(context.Background(), "vol")
	if err != nil {
		t.Fatalf("retry Process: %v", err)
	}
	if result.Outcome != acquire.OutcomeDownloaded || len(result.Items) != 1 || result.Items[0].ID != "vol__b" {
		t.Fatalf("expected only vol__b on retry, got %s %+v", result.Outcome, result.Items)
	}
	if got := strings.Join(src.downloads, ","); got != "vol/a.pdf,vol/b.pdf" {
		t.Fatalf("unexpected downloads: %s", got)
	}
}
