// Package logging builds the slog loggers shared by every folio unit.
//
// Two output formats are supported: a human-oriented console layout that
// promotes the unit, item identifier, and batch into the line header, and a
// JSON layout for machine ingestion. Helpers in this package standardise
// field keys so that log lines from independently running units can be
// correlated by identifier or batch id.
package logging
