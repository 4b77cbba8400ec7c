package index_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"folio/internal/config"
	"folio/internal/index"
	"folio/internal/manifest"
	"folio/internal/services"
	"folio/internal/testsupport"
)

func TestOpenDisabledReturnsNil(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	idx, err := index.Open(context.Background(), cfg)
	if err != nil || idx != nil {
		t.Fatalf("expected disabled index, got %v %v", idx, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	_, err := index.OpenDSN(context.Background(), "mysql", "x")
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestUpsertItemAndBatchAreIdempotent(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteIndex())
	idx := testsupport.MustOpenIndex(t, cfg)
	ctx := context.Background()
	at := time.Date(2026, 2, 3, 4, 5, 6, 0, time.UTC)

	item := &manifest.Item{
		ID: "alpha", Identifier: "alpha", Filename: "alpha.pdf", Weight: 3,
		State: manifest.ItemPending, AcquiredAt: at, UpdatedAt: at,
		SourceMetadata: map[string]any{"title": "Alpha"},
	}
	if err := idx.UpsertItem(ctx, item); err != nil {
		t.Fatalf("UpsertItem: %v", err)
	}
	item.State = manifest.ItemBatched
	item.BatchID = "batch_0001"
	if err := idx.UpsertItem(ctx, item); err != nil {
		t.Fatalf("UpsertItem again: %v", err)
	}
	batch := &manifest.Batch{ID: "batch_0001", Number: 1, Members: []string{"alpha"}, TotalWeight: 3, State: manifest.BatchCreated, CreatedAt: at, UpdatedAt: at}
	for _, state := range []manifest.BatchState{manifest.BatchCreated, manifest.BatchSubmitted} {
		batch.State = state
		if err := idx.UpsertBatch(ctx, batch); err != nil {
			t.Fatalf("UpsertBatch %s: %v", state, err)
		}
	}

	summary, err := idx.Summarize(ctx)
	if err != nil {
		t.Fatalf("Summarize: %v", err)
	}
	if summary.Items["batched"] != 1 || summary.Items["pending"] != 0 || len(summary.Items) != 1 {
		t.Fatalf("unexpected item counts: %v", summary.Items)
	}
	if summary.Batches["submitted"] != 1 || len(summary.Batches) != 1 {
		t.Fatalf("unexpected batch counts: %v", summary.Batches)
	}
}

func TestRunLifecycle(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteIndex())
	idx := testsupport.MustOpenIndex(t, cfg)
	ctx := context.Background()

	if err := idx.StartRun(ctx, "run-1", "acquire", map[string]int{"max_weight": 500}); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := idx.StartRun(ctx, "run-2", "cleanup", nil); err != nil {
		t.Fatalf("StartRun: %v", err)
	}
	if err := idx.FinishRun(ctx, "run-1", 12, nil); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}
	if err := idx.FinishRun(ctx, "run-2", 0, errors.New("deletion failed")); err != nil {
		t.Fatalf("FinishRun: %v", err)
	}

	runs, err := idx.RecentRuns(ctx, 10)
	if err != nil {
		t.Fatalf("RecentRuns: %v", err)
	}
	byID := map[string]index.Run{}
	for _, r := range runs {
		byID[r.ID] = r
	}
	if r := byID["run-1"]; r.Status != index.RunCompleted || r.ItemsProcessed != 12 || r.FinishedAt == nil {
		t.Fatalf("unexpected run-1: %+v", r)
	}
	if r := byID["run-2"]; r.Status != index.RunFailed || r.Error != "deletion failed" {
		t.Fatalf("unexpected run-2: %+v", r)
	}
}

func TestReopenKeepsSchema(t *testing.T) {
	cfg := testsupport.NewConfig(t, testsupport.WithSQLiteIndex())
	first, err := index.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	_ = first.Close()
	second, err := index.OpenDSN(context.Background(), config.IndexDriverSQLite, cfg.Index.DSN)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = second.Close()
}
