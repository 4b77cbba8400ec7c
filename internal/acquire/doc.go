// Package acquire implements the acquisition worker: it walks the persisted
// identifier list from the resume cursor, fetches each item's primary
// artifact, records the item manifest, and places the artifact into the
// pending queue.
//
// Before every fetch the worker consults the capacity monitor and suspends
// while usage is at or above the configured threshold. Per-identifier failures
// are recorded as error records and never stop the run; only configuration
// errors and cancellation end it early. The cursor and cumulative statistics
// are persisted together so a restarted worker resumes where it stopped and
// reports running totals.
package acquire
