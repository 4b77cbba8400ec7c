package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"folio/internal/config"
	"folio/internal/services"
)

const stage = "archive"

// HTTPDoer describes the HTTP client used by the archive client.
type HTTPDoer interface {
	Do(req *http.Request) (*http.Response, error)
}

// File is one entry of an item's file listing.
type File struct {
	Name   string `json:"name"`
	Format string `json:"format"`
	Size   string `json:"size"`
	Source string `json:"source"`
}

// SizeBytes parses the listing size, returning 0 when absent.
func (f File) SizeBytes() int64 {
	n, err := strconv.ParseInt(strings.TrimSpace(f.Size), 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// ItemRecord is the metadata document for one identifier.
type ItemRecord struct {
	Identifier string         `json:"-"`
	Metadata   map[string]any `json:"metadata"`
	Files      []File         `json:"files"`
}

// Client talks to the acquisition source over HTTP.
type Client struct {
	baseURL   string
	userAgent string
	client    HTTPDoer
}

// New constructs a client from configuration.
func New(cfg *config.Config) *Client {
	timeout := 2 * time.Minute
	baseURL, agent := "", ""
	if cfg != nil {
		if d := cfg.RequestTimeout(); d > 0 {
			timeout = d
		}
		baseURL, agent = cfg.Archive.BaseURL, cfg.Archive.UserAgent
	}
	return NewWithHTTP(baseURL, agent, &http.Client{Timeout: timeout})
}

// NewWithHTTP constructs a client with an injected HTTP doer.
func NewWithHTTP(baseURL, userAgent string, client HTTPDoer) *Client {
	if client == nil {
		client = http.DefaultClient
	}
	return &Client{
		baseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		userAgent: strings.TrimSpace(userAgent),
		client:    client,
	}
}

// ItemURL is the human-facing page for an identifier.
func (c *Client) ItemURL(identifier string) string {
	return c.baseURL + "/details/" + url.PathEscape(identifier)
}

// FetchItem returns the metadata document and file listing for identifier.
func (c *Client) FetchItem(ctx context.Context, identifier string) (*ItemRecord, error) {
	endpoint := c.baseURL + "/metadata/" + url.PathEscape(identifier)
	resp, err := c.get(ctx, "metadata", endpoint)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var record ItemRecord
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return nil, services.Wrap(services.ErrValidation, stage, "metadata", "decode response", err)
	}
	if len(record.Metadata) == 0 && len(record.Files) == 0 {
		// The metadata endpoint answers 200 with {} for unknown identifiers.
		return nil, services.Wrap(services.ErrNotFound, stage, "metadata", identifier, nil)
	}
	record.Identifier = identifier
	return &record, nil
}

// Download streams one file of identifier into destPath. The body is written
// to destPath+".part" and renamed on completion so a partial download never
// appears under the final name.
func (c *Client) Download(ctx context.Context, identifier string, file File, destPath string) (int64, error) {
	endpoint := c.baseURL + "/download/" + url.PathEscape(identifier) + "/" + escapeFilePath(file.Name)
	resp, err := c.get(ctx, "download", endpoint)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return 0, fmt.Errorf("ensure download dir: %w", err)
	}
	partPath := destPath + ".part"
	out, err := os.Create(partPath)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", partPath, err)
	}
	written, copyErr := io.Copy(out, resp.Body)
	syncErr := out.Sync()
	closeErr := out.Close()
	if err := errors.Join(copyErr, syncErr, closeErr); err != nil {
		_ = os.Remove(partPath)
		return 0, classify("download", err)
	}
	if expected := file.SizeBytes(); expected > 0 && written != expected {
		_ = os.Remove(partPath)
		return 0, services.Wrap(services.ErrTransient, stage, "download",
			fmt.Sprintf("short read: got %d of %d bytes", written, expected), nil)
	}
	if err := os.Rename(partPath, destPath); err != nil {
		_ = os.Remove(partPath)
		return 0, fmt.Errorf("finalize %s: %w", destPath, err)
	}
	return written, nil
}

// SearchPage is one page of identifier search results.
type SearchPage struct {
	Items  []SearchHit `json:"items"`
	Cursor string      `json:"cursor"`
	Total  int         `json:"total"`
}

// SearchHit is one search result.
type SearchHit struct {
	Identifier string `json:"identifier"`
}

// Search pages through every identifier matching query in the given order.
func (c *Client) Search(ctx context.Context, query, sortOrder string, pageSize int) ([]string, int, error) {
	if strings.TrimSpace(query) == "" {
		return nil, 0, services.Wrap(services.ErrValidation, stage, "search", "query required", nil)
	}
	if pageSize <= 0 {
		pageSize = 1000
	}
	var (
		identifiers []string
		total       int
		cursor      string
	)
	for {
		params := url.Values{}
		params.Set("q", query)
		params.Set("fields", "identifier")
		params.Set("count", strconv.Itoa(pageSize))
		if sortOrder != "" {
			params.Set("sorts", sortOrder)
		}
		if cursor != "" {
			params.Set("cursor", cursor)
		}
		resp, err := c.get(ctx, "search", c.baseURL+"/services/search/v1/scrape?"+params.Encode())
		if err != nil {
			return nil, 0, err
		}
		var page SearchPage
		decodeErr := json.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if decodeErr != nil {
			return nil, 0, services.Wrap(services.ErrValidation, stage, "search", "decode response", decodeErr)
		}
		if page.Total > 0 {
			total = page.Total
		}
		for _, item := range page.Items {
			if id := strings.TrimSpace(item.Identifier); id != "" {
				identifiers = append(identifiers, id)
			}
		}
		if page.Cursor == "" || len(page.Items) == 0 {
			break
		}
		cursor = page.Cursor
	}
	if total < len(identifiers) {
		total = len(identifiers)
	}
	return identifiers, total, nil
}

func (c *Client) get(ctx context.Context, op, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, services.Wrap(services.ErrConfiguration, stage, op, "build request", err)
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classify(op, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		resp.Body.Close()
		msg := fmt.Sprintf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
		return nil, services.Wrap(statusMarker(resp.StatusCode), stage, op, msg, nil)
	}
	return resp, nil
}

func statusMarker(code int) error {
	switch {
	case code == http.StatusNotFound || code == http.StatusGone:
		return services.ErrNotFound
	case code == http.StatusTooManyRequests || code == http.StatusRequestTimeout || code >= 500:
		return services.ErrTransient
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return services.ErrExternalTool
	default:
		return services.ErrValidation
	}
}

func classify(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		return services.Wrap(services.ErrTimeout, stage, op, "request timed out", err)
	}
	return services.Wrap(services.ErrTransient, stage, op, "request failed", err)
}

func escapeFilePath(name string) string {
	parts := strings.Split(name, "/")
	for i, p := range parts {
		parts[i] = url.PathEscape(p)
	}
	return strings.Join(parts, "/")
}
