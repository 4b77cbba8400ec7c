package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"folio/internal/config"
	"folio/internal/manifest"
)

func writeConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	root := t.TempDir()
	path := filepath.Join(root, "folio.toml")
	body := "[paths]\nroot = \"" + filepath.Join(root, "work") + "\"\n\n[logging]\nretention_days = 0\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, _, _, err := config.Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if err := cfg.EnsureDirectories(); err != nil {
		t.Fatalf("EnsureDirectories: %v", err)
	}
	return path, cfg
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetIn(strings.NewReader(""))
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestConfigInitRefusesOverwrite(t *testing.T) {
	target := filepath.Join(t.TempDir(), "folio.toml")
	out, err := execute(t, "config", "init", "--path", target)
	if err != nil {
		t.Fatalf("config init: %v", err)
	}
	if !strings.Contains(out, target) {
		t.Fatalf("expected path in output, got %q", out)
	}
	if _, err := execute(t, "config", "init", "--path", target); err == nil {
		t.Fatal("expected second init to fail without --overwrite")
	}
	if _, err := execute(t, "config", "init", "--path", target, "--overwrite"); err != nil {
		t.Fatalf("overwrite: %v", err)
	}
}

func TestConfigShowPrintsEffectiveValues(t *testing.T) {
	path, cfg := writeConfig(t)
	out, err := execute(t, "--config", path, "config", "show")
	if err != nil {
		t.Fatalf("config show: %v", err)
	}
	if !strings.Contains(out, cfg.Paths.PendingDir) {
		t.Fatalf("expected derived pending dir in output:\n%s", out)
	}
}

func seedBatch(t *testing.T, cfg *config.Config, id string, state manifest.BatchState) *manifest.Store {
	t.Helper()
	store, err := manifest.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	now := time.Date(2026, 6, 1, 8, 0, 0, 0, time.UTC)
	item := &manifest.Item{
		ID: "doc1", Identifier: "doc1", Filename: "doc1.pdf", Weight: 4,
		State: manifest.ItemBatched, BatchID: id, AcquiredAt: now, UpdatedAt: now,
	}
	if err := store.PutItem(item); err != nil {
		t.Fatalf("PutItem: %v", err)
	}
	batch := &manifest.Batch{
		ID: id, Number: 1, Members: []string{"doc1"}, TotalWeight: 4, State: state,
		JobHandle: "777", Dir: store.BatchDirFor(id), CreatedAt: now, UpdatedAt: now,
		LastError: "job failed on node",
	}
	if err := store.PutBatch(batch); err != nil {
		t.Fatalf("PutBatch: %v", err)
	}
	return store
}

func TestBatchesListAndResubmit(t *testing.T) {
	path, cfg := writeConfig(t)

	out, err := execute(t, "--config", path, "batches", "list")
	if err != nil || !strings.Contains(out, "No batches") {
		t.Fatalf("expected empty listing, got %q %v", out, err)
	}

	store := seedBatch(t, cfg, "batch_0001", manifest.BatchFailed)
	out, err = execute(t, "--config", path, "batches", "list", "--state", "failed")
	if err != nil || !strings.Contains(out, "batch_0001") {
		t.Fatalf("expected failed batch listed, got %q %v", out, err)
	}

	out, err = execute(t, "--config", path, "batches", "resubmit", "batch_0001")
	if err != nil {
		t.Fatalf("resubmit: %v\n%s", err, out)
	}
	batch, err := store.GetBatch("batch_0001")
	if err != nil {
		t.Fatalf("GetBatch: %v", err)
	}
	if batch.State != manifest.BatchCreated || batch.JobHandle != "" {
		t.Fatalf("expected reset batch, got %+v", batch)
	}

	if _, err := execute(t, "--config", path, "batches", "resubmit", "batch_0001"); err == nil {
		t.Fatal("resubmitting a created batch should fail")
	}
}

func TestStatusRendersSections(t *testing.T) {
	path, cfg := writeConfig(t)
	seedBatch(t, cfg, "batch_0001", manifest.BatchRunning)
	out, err := execute(t, "--config", path, "status")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	for _, want := range []string{"== Units ==", "== Acquisition ==", "== Queue ==", "batch_0001", "running"} {
		if !strings.Contains(out, want) {
			t.Fatalf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestCleanupDryRunWithNothingToDo(t *testing.T) {
	path, _ := writeConfig(t)
	out, err := execute(t, "--config", path, "cleanup", "--dry-run")
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if !strings.Contains(out, "Cleanup (dry run)") {
		t.Fatalf("expected dry run report, got:\n%s", out)
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{"30d", 30 * 24 * time.Hour, false},
		{"72h", 72 * time.Hour, false},
		{"0d", 0, false},
		{"xd", 0, true},
		{"-5h", 0, true},
		{"soon", 0, true},
	}
	for _, tc := range tests {
		got, err := parseAge(tc.in)
		if (err != nil) != tc.wantErr || got != tc.want {
			t.Errorf("parseAge(%q) = %s, %v", tc.in, got, err)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	cases := map[int64]string{
		512:             "512 B",
		2048:            "2.0 KiB",
		5 * 1024 * 1024: "5.0 MiB",
	}
	for in, want := range cases {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}
