package cleanup_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"folio/internal/cleanup"
	"folio/internal/manifest"
	"folio/internal/testsupport"
)

var consolidatedAt = time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	t     *testing.T
	store *manifest.Store
	now   time.Time
	build func() *cleanup.Cleaner
}

func newFixture(t *testing.T, opts ...cleanup.Option) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store, err := manifest.Open(cfg)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	f := &fixture{t: t, store: store, now: consolidatedAt.Add(8 * 24 * time.Hour)}
	f.build = func() *cleanup.Cleaner {
		all := append([]cleanup.Option{cleanup.WithClock(func() time.Time { return f.now })}, opts...)
		return cleanup.New(cfg, store, all...)
	}
	return f
}

func (f *fixture) cleaner() *cleanup.Cleaner { return f.build() }

// addConsolidated records an item with an artifact on disk and a result
// consolidated at consolidatedAt.
func (f *fixture) addConsolidated(id, collection string, order int) *manifest.Item {
	f.t.Helper()
	path := filepath.Join(f.store.BatchDirFor("batch_0001"), "chunks", id+".pdf")
	testsupport.WriteFile(f.t, path, 128)
	item := &manifest.Item{
		ID: id, Identifier: id, Collection: collection, Filename: id + ".pdf",
		ArtifactPath: path, FileSize: 128, Weight: 1,
		State: manifest.ItemConsolidated, BatchID: "batch_0001",
		AcquiredAt: consolidatedAt.Add(-time.Duration(10-order) * 24 * time.Hour),
	}
	if err := f.store.PutItem(item); err != nil {
		f.t.Fatalf("PutItem: %v", err)
	}
	result := &manifest.ConsolidatedResult{
		ItemID: id, Identifier: id, OriginalFilename: id + ".pdf",
		RecordCount: 1, BatchID: "batch_0001", ConsolidatedAt: consolidatedAt,
	}
	if err := f.store.PutResult(result, []map[string]any{{"text": "page"}}); err != nil {
		f.t.Fatalf("PutResult: %v", err)
	}
	return item
}

func (f *fixture) item(id string) *manifest.Item {
	f.t.Helper()
	item, err := f.store.GetItem(id)
	if err != nil {
		f.t.Fatalf("GetItem: %v", err)
	}
	return item
}

func TestGraceBoundary(t *testing.T) {
	f := newFixture(t)
	f.addConsolidated("alpha", "", 0)

	f.now = consolidatedAt.Add(6 * 24 * time.Hour)
	safe, reason := f.cleaner().IsSafeToDelete(f.item("alpha"))
	if safe || !strings.HasPrefix(reason, "grace period not elapsed") {
		t.Fatalf("expected grace rejection at 6d, got %v %q", safe, reason)
	}

	f.now = consolidatedAt.Add(8 * 24 * time.Hour)
	safe, reason = f.cleaner().IsSafeToDelete(f.item("alpha"))
	if !safe || reason != cleanup.ReasonSafe {
		t.Fatalf("expected safe at 8d, got %v %q", safe, reason)
	}
}

func TestGateFailsClosed(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(f *fixture, item *manifest.Item)
		reason string
	}{
		{"deleted", func(_ *fixture, item *manifest.Item) {
			item.State = manifest.ItemDeleted
		}, "artifact already deleted"},
		{"no path", func(_ *fixture, item *manifest.Item) {
			item.ArtifactPath = ""
		}, "no artifact path recorded"},
		{"missing file", func(f *fixture, item *manifest.Item) {
			if err := os.Remove(item.ArtifactPath); err != nil {
				f.t.Fatalf("remove: %v", err)
			}
		}, "artifact not found"},
		{"not consolidated", func(_ *fixture, item *manifest.Item) {
			item.State = manifest.ItemSubmitted
		}, "item state is"},
		{"no result", func(f *fixture, item *manifest.Item) {
			meta, _ := f.store.ResultPaths(item.Identifier, item.ID)
			if err := os.Remove(meta); err != nil {
				f.t.Fatalf("remove: %v", err)
			}
		}, "no consolidated result"},
		{"corrupt result", func(f *fixture, item *manifest.Item) {
			meta, _ := f.store.ResultPaths(item.Identifier, item.ID)
			testsupport.WriteText(f.t, meta, "{not json")
		}, "consolidated result unreadable"},
		{"empty result", func(f *fixture, item *manifest.Item) {
			result := &manifest.ConsolidatedResult{ItemID: item.ID, Identifier: item.Identifier, ConsolidatedAt: consolidatedAt}
			if err := f.store.PutResult(result, []any{}); err != nil {
				f.t.Fatalf("PutResult: %v", err)
			}
		}, "consolidated result is empty"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			item := f.addConsolidated("alpha", "", 0)
			tc.mutate(f, item)
			safe, reason := f.cleaner().IsSafeToDelete(item)
			if safe || !strings.HasPrefix(reason, tc.reason) {
				t.Fatalf("expected %q, got %v %q", tc.reason, safe, reason)
			}
		})
	}
}

func TestGateRecoversFromPanic(t *testing.T) {
	f := newFixture(t)
	item := f.addConsolidated("alpha", "", 0)
	c := cleanup.New(testsupport.NewConfig(t), f.store, cleanup.WithClock(func() time.Time { panic("clock broken") }))
	safe, reason := c.IsSafeToDelete(item)
	if safe || !strings.HasPrefix(reason, "gate error") {
		t.Fatalf("panic must fail closed, got %v %q", safe, reason)
	}
}

func TestGateIsMonotonicInTime(t *testing.T) {
	f := newFixture(t)
	f.addConsolidated("alpha", "", 0)
	seenSafe := false
	for hours := 0; hours <= 10*24; hours += 6 {
		f.now = consolidatedAt.Add(time.Duration(hours) * time.Hour)
		safe, _ := f.cleaner().IsSafeToDelete(f.item("alpha"))
		if seenSafe && !safe {
			t.Fatalf("gate flipped back to unsafe at +%dh", hours)
		}
		if safe && time.Duration(hours)*time.Hour < 7*24*time.Hour {
			t.Fatalf("gate passed before the grace period at +%dh", hours)
		}
		seenSafe = seenSafe || safe
	}
	if !seenSafe {
		t.Fatalf("gate never passed")
	}
}

func TestMissingContentOnlyWarns(t *testing.T) {
	f := newFixture(t)
	item := f.addConsolidated("alpha", "", 0)
	_, content := f.store.ResultPaths(item.Identifier, item.ID)
	if err := os.Remove(content); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if safe, reason := f.cleaner().IsSafeToDelete(item); !safe {
		t.Fatalf("missing content must not block deletion: %q", reason)
	}
}

func TestCorruptOrEmptyContentBlocksDeletion(t *testing.T) {
	tests := []struct {
		name    string
		content string
		reason  string
	}{
		{"truncated", "{truncated", "not valid JSON"},
		{"empty list", "[]", "no records"},
		{"not a list", `{"text":"page"}`, "not valid JSON"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			item := f.addConsolidated("alpha", "", 0)
			_, content := f.store.ResultPaths(item.Identifier, item.ID)
			testsupport.WriteText(t, content, tc.content)

			safe, reason := f.cleaner().IsSafeToDelete(item)
			if safe || !strings.Contains(reason, tc.reason) {
				t.Fatalf("expected refusal mentioning %q, got safe=%v reason=%q", tc.reason, safe, reason)
			}
			if _, err := os.Stat(item.ArtifactPath); err != nil {
				t.Fatalf("artifact must be untouched: %v", err)
			}
		})
	}
}

func TestDryRunMatchesLiveWithoutMutation(t *testing.T) {
	f := newFixture(t)
	f.addConsolidated("old", "", 0)
	f.addConsolidated("fresh", "", 1)
	f.addConsolidated("orphan", "", 2)
	fresh := &manifest.ConsolidatedResult{ItemID: "fresh", Identifier: "fresh", RecordCount: 1, ConsolidatedAt: f.now.Add(-time.Hour)}
	if err := f.store.PutResult(fresh, []any{"x"}); err != nil {
		t.Fatalf("PutResult: %v", err)
	}
	meta, _ := f.store.ResultPaths("orphan", "orphan")
	if err := os.Remove(meta); err != nil {
		t.Fatalf("remove: %v", err)
	}
	oldPath := f.item("old").ArtifactPath

	dry, err := f.cleaner().Run(context.Background(), cleanup.RunOptions{DryRun: true})
	if err != nil {
		t.Fatalf("dry run: %v", err)
	}
	if dry.Safe != 1 || dry.Deleted != 0 {
		t.Fatalf("unexpected dry run report: %+v", dry)
	}
	if _, err := os.Stat(oldPath); err != nil {
		t.Fatalf("dry run removed a file: %v", err)
	}
	if got := f.item("old"); got.State != manifest.ItemConsolidated || got.ArtifactPath != oldPath {
		t.Fatalf("dry run mutated the manifest: %+v", got)
	}
	if recs, _ := f.store.ListDeletions(); len(recs) != 0 {
		t.Fatalf("dry run wrote audit records: %+v", recs)
	}

	live, err := f.cleaner().Run(context.Background(), cleanup.RunOptions{})
	if err != nil {
		t.Fatalf("live run: %v", err)
	}
	if len(live.Decisions) != len(dry.Decisions) {
		t.Fatalf("decision count differs: %d vs %d", len(live.Decisions), len(dry.Decisions))
	}
	for i := range dry.Decisions {
		d, l := dry.Decisions[i], live.Decisions[i]
		if d.ItemID != l.ItemID || d.Safe != l.Safe || d.Reason != l.Reason {
			t.Fatalf("classification differs for %s: dry %+v live %+v", d.ItemID, d, l)
		}
	}
	if live.Deleted != 1 || live.ReclaimedBytes != 128 {
		t.Fatalf("unexpected live report: %+v", live)
	}
	got := f.item("old")
	if got.State != manifest.ItemDeleted || got.ArtifactPath != "" {
		t.Fatalf("item not marked deleted: %+v", got)
	}
	if _, err := os.Stat(oldPath); !os.IsNotExist(err) {
		t.Fatalf("artifact still present: %v", err)
	}
	recs, err := f.store.ListDeletions()
	if err != nil || len(recs) != 1 || recs[0].OriginalPath != oldPath || recs[0].FileSize != 128 {
		t.Fatalf("unexpected audit: %+v err %v", recs, err)
	}
}

func TestFailedUnlinkLeavesItemUntouched(t *testing.T) {
	f := newFixture(t, cleanup.WithRemover(func(string) error { return errors.New("permission denied") }))
	item := f.addConsolidated("alpha", "", 0)

	report, err := f.cleaner().Run(context.Background(), cleanup.RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !report.HasFailures() || report.Failed != 1 || report.Decisions[0].Outcome != cleanup.OutcomeFailed {
		t.Fatalf("failure not reported: %+v", report)
	}
	got := f.item("alpha")
	if got.State != manifest.ItemConsolidated || got.ArtifactPath != item.ArtifactPath {
		t.Fatalf("item changed after failed unlink: %+v", got)
	}
	if recs, _ := f.store.ListDeletions(); len(recs) != 0 {
		t.Fatalf("audit written after failed unlink: %+v", recs)
	}
}

func TestMaxDeletionsDefersRemainder(t *testing.T) {
	f := newFixture(t)
	for i, id := range []string{"a", "b", "c"} {
		f.addConsolidated(id, "", i)
	}
	report, err := f.cleaner().Run(context.Background(), cleanup.RunOptions{MaxDeletions: 2})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Deleted != 2 || report.Deferred != 1 || report.Decisions[2].Outcome != cleanup.OutcomeDeferred {
		t.Fatalf("unexpected report: %+v", report)
	}
	if f.item("c").State != manifest.ItemConsolidated {
		t.Fatalf("deferred item must be untouched")
	}
}

func TestDeclinedConfirmationDeletesNothing(t *testing.T) {
	f := newFixture(t)
	item := f.addConsolidated("alpha", "", 0)
	asked := 0
	_, err := f.cleaner().Run(context.Background(), cleanup.RunOptions{
		Confirm: func(safe []cleanup.Decision) (bool, error) {
			asked = len(safe)
			return false, nil
		},
	})
	if !errors.Is(err, cleanup.ErrDeclined) || asked != 1 {
		t.Fatalf("expected declined after one prompt, got %v (asked %d)", err, asked)
	}
	if _, err := os.Stat(item.ArtifactPath); err != nil {
		t.Fatalf("artifact removed despite decline: %v", err)
	}
}

func TestFindCandidatesFilters(t *testing.T) {
	f := newFixture(t)
	f.addConsolidated("a1", "maps", 0)
	f.addConsolidated("a2", "maps", 1)
	f.addConsolidated("b1", "letters", 2)
	c := f.cleaner()

	tests := []struct {
		name    string
		filters cleanup.Filters
		want    []string
	}{
		{"all", cleanup.Filters{}, []string{"a1", "a2", "b1"}},
		{"collection", cleanup.Filters{Collection: "MAPS"}, []string{"a1", "a2"}},
		{"identifier", cleanup.Filters{Identifier: "b1"}, []string{"b1"}},
		{"limit", cleanup.Filters{Limit: 1}, []string{"a1"}},
		// a1 was acquired 18 days before f.now, a2 17, b1 16.
		{"older than", cleanup.Filters{OlderThan: 17 * 24 * time.Hour}, []string{"a1", "a2"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			items, err := c.FindCandidates(tc.filters)
			if err != nil {
				t.Fatalf("FindCandidates: %v", err)
			}
			var got []string
			for _, item := range items {
				got = append(got, item.ID)
			}
			if strings.Join(got, ",") != strings.Join(tc.want, ",") {
				t.Fatalf("got %v, want %v", got, tc.want)
			}
		})
	}
}
