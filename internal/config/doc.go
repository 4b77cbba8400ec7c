// Package config loads, normalizes, and validates folio configuration.
//
// Configuration is read from TOML (or YAML for sites migrating older pipeline
// configs), merged over Default(), expanded so every path is absolute, and
// validated before any unit touches the working area. Collaborator endpoints
// may be overridden through FOLIO_* environment variables.
package config
