package archive

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"folio/internal/services"
)

func TestFetchItemDecodesMetadataAndFiles(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/metadata/book1" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if ua := r.Header.Get("User-Agent"); ua != "folio-test" {
			t.Fatalf("unexpected user agent %q", ua)
		}
		fmt.Fprint(w, `{"metadata":{"title":"Book One","creator":["A","B"]},"files":[{"name":"book1.pdf","format":"Text PDF","size":"12"}]}`)
	}))
	defer server.Close()

	client := NewWithHTTP(server.URL, "folio-test", server.Client())
	record, err := client.FetchItem(context.Background(), "book1")
	if err != nil {
		t.Fatalf("FetchItem: %v", err)
	}
	if record.Identifier != "book1" || record.Metadata["title"] != "Book One" {
		t.Fatalf("unexpected record %+v", record)
	}
	if len(record.Files) != 1 || record.Files[0].SizeBytes() != 12 {
		t.Fatalf("unexpected files %+v", record.Files)
	}
}

func TestFetchItemEmptyDocumentIsNotFound(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{}`)
	}))
	defer server.Close()

	_, err := NewWithHTTP(server.URL, "", server.Client()).FetchItem(context.Background(), "ghost")
	if !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestStatusClassification(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            services.ErrNotFound,
		http.StatusServiceUnavailable:  services.ErrTransient,
		http.StatusTooManyRequests:     services.ErrTransient,
		http.StatusForbidden:           services.ErrExternalTool,
		http.StatusUnprocessableEntity: services.ErrValidation,
	}
	for code, want := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "nope", code)
		}))
		_, err := NewWithHTTP(server.URL, "", server.Client()).FetchItem(context.Background(), "x")
		server.Close()
		if !errors.Is(err, want) {
			t.Fatalf("status %d: expected %v, got %v", code, want, err)
		}
	}
}

func TestDownloadWritesAtomically(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/download/book1/book1.pdf" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		fmt.Fprint(w, "%PDF-1.4 body")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "incoming", "book1.pdf")
	client := NewWithHTTP(server.URL, "", server.Client())
	n, err := client.Download(context.Background(), "book1", File{Name: "book1.pdf", Size: "13"}, dest)
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if n != 13 {
		t.Fatalf("expected 13 bytes, got %d", n)
	}
	if _, err := os.Stat(dest + ".part"); !os.IsNotExist(err) {
		t.Fatalf("expected no partial file, got %v", err)
	}
}

func TestDownloadShortReadIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "short")
	}))
	defer server.Close()

	dest := filepath.Join(t.TempDir(), "book.pdf")
	_, err := NewWithHTTP(server.URL, "", server.Client()).Download(context.Background(), "book", File{Name: "book.pdf", Size: "999"}, dest)
	if !services.IsTransient(err) {
		t.Fatalf("expected transient error, got %v", err)
	}
	if _, statErr := os.Stat(dest); !os.IsNotExist(statErr) {
		t.Fatal("expected no final file after short read")
	}
}

func TestSearchFollowsCursor(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("q") != "collection:americana" || q.Get("sorts") != "date asc" {
			t.Fatalf("unexpected query %v", q)
		}
		switch q.Get("cursor") {
		case "":
			fmt.Fprint(w, `{"items":[{"identifier":"a"},{"identifier":"b"}],"cursor":"next","total":3}`)
		case "next":
			fmt.Fprint(w, `{"items":[{"identifier":"c"}],"total":3}`)
		default:
			t.Fatalf("unexpected cursor %q", q.Get("cursor"))
		}
	}))
	defer server.Close()

	ids, total, err := NewWithHTTP(server.URL, "", server.Client()).Search(context.Background(), "collection:americana", "date asc", 2)
	if err != nil {
		t.Fatalf("Search: %v", err)
	}
	if total != 3 || len(ids) != 3 || ids[2] != "c" {
		t.Fatalf("unexpected results %v total=%d", ids, total)
	}
}
