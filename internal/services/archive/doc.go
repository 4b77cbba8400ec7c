// Package archive is the HTTP client for the acquisition source: identifier
// search, per-item metadata with file listings, and file download.
//
// Responses are classified with the services error markers so callers can
// retry transient failures (5xx, 429, network, timeouts) and record the rest
// as per-item errors.
package archive
