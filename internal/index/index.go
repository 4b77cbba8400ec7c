package index

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"

	"folio/internal/config"
	"folio/internal/services"
)

//go:embed schema.sql
var schemaSQL string

// schemaVersion is bumped whenever schema.sql changes incompatibly.
const schemaVersion = 1

// ErrSchemaMismatch indicates the database was created by another version.
var ErrSchemaMismatch = errors.New("index schema version mismatch")

// Index is a handle on the secondary database.
type Index struct {
	db     *sql.DB
	driver string
	retry  services.RetryPolicy
}

// Open connects to the configured index. It returns nil without error when
// the index is disabled.
func Open(ctx context.Context, cfg *config.Config) (*Index, error) {
	if cfg == nil || cfg.Index.Driver == "" {
		return nil, nil
	}
	return OpenDSN(ctx, cfg.Index.Driver, cfg.Index.DSN)
}

// OpenDSN connects to driver at dsn and ensures the schema exists.
func OpenDSN(ctx context.Context, driver, dsn string) (*Index, error) {
	var sqlDriver string
	switch driver {
	case config.IndexDriverSQLite:
		sqlDriver = "sqlite"
	case config.IndexDriverPostgres:
		sqlDriver = "postgres"
	default:
		return nil, services.Wrap(services.ErrConfiguration, "index", "open", fmt.Sprintf("unsupported driver %q", driver), nil)
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s index: %w", driver, err)
	}
	if driver == config.IndexDriverSQLite {
		db.SetMaxOpenConns(1)
		pragmas := []string{
			"PRAGMA journal_mode=WAL",
			"PRAGMA busy_timeout = 5000",
		}
		for _, pragma := range pragmas {
			if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
				_ = db.Close()
				return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
			}
		}
	}
	idx := &Index{
		db:     db,
		driver: driver,
		retry: services.RetryPolicy{
			Attempts:   5,
			Initial:    10 * time.Millisecond,
			Max:        200 * time.Millisecond,
			Multiplier: 2,
		},
	}
	if err := idx.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return idx, nil
}

// Close releases the connection pool.
func (x *Index) Close() error {
	if x == nil || x.db == nil {
		return nil
	}
	return x.db.Close()
}

// Ping checks that the database is reachable.
func (x *Index) Ping(ctx context.Context) error {
	return x.db.PingContext(ctx)
}

// Driver reports the configured backend name.
func (x *Index) Driver() string {
	return x.driver
}

func (x *Index) initSchema(ctx context.Context) error {
	if err := x.retryOnBusy(ctx, func(ctx context.Context) error {
		_, err := x.db.ExecContext(ctx, schemaSQL)
		return err
	}); err != nil {
		return fmt.Errorf("create index schema: %w", err)
	}
	var version int
	err := x.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return x.exec(ctx, "INSERT INTO schema_version (version) VALUES (?)", schemaVersion)
	case err != nil:
		return fmt.Errorf("read index schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, schemaVersion)
	}
	return nil
}

// exec runs a write statement with busy retries.
func (x *Index) exec(ctx context.Context, query string, args ...any) error {
	query = x.rebind(query)
	return x.retryOnBusy(ctx, func(ctx context.Context) error {
		_, err := x.db.ExecContext(ctx, query, args...)
		return err
	})
}

// retryOnBusy retries fn while the database reports lock contention.
func (x *Index) retryOnBusy(ctx context.Context, fn func(context.Context) error) error {
	return services.Retry(ctx, x.retry, func(ctx context.Context) error {
		err := fn(ctx)
		if err != nil && isBusy(err) {
			return services.Wrap(services.ErrTransient, "index", "exec", "database busy", err)
		}
		return err
	})
}

// rebind rewrites ? placeholders to $n for postgres.
func (x *Index) rebind(query string) string {
	if x.driver != config.IndexDriverPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
