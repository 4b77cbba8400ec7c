package testsupport

import (
	"context"
	"testing"

	"folio/internal/config"
	"folio/internal/index"
)

// MustOpenIndex opens the index described by cfg and closes it on cleanup.
// cfg must enable an index, typically through WithSQLiteIndex.
func MustOpenIndex(t testing.TB, cfg *config.Config) *index.Index {
	t.Helper()

	idx, err := index.Open(context.Background(), cfg)
	if err != nil {
		t.Fatalf("open index: %v", err)
	}
	if idx == nil {
		t.Fatalf("index disabled in test config")
	}
	t.Cleanup(func() {
		_ = idx.Close()
	})
	return idx
}
