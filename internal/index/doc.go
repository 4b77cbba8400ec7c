// Package index mirrors item, batch, and run records into an optional
// relational database for reporting.
//
// The manifest store stays authoritative. Every write here is best effort:
// callers log failures and carry on, and the pipeline runs unchanged when
// the index is disabled or unreachable. SQLite (modernc.org/sqlite) is the
// default backend; PostgreSQL (lib/pq) serves sites that share one index
// across hosts. Several units write concurrently, so statements that hit
// lock contention are retried with a short exponential backoff.
package index
