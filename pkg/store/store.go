// Package store owns the relational schema behind the sync engine: lists, their members, the
// per-list CRDT documents and the editing sessions that reference them. Every engine operation
// runs inside a single transaction obtained from [DB.InTx]; that transaction is the only
// mutual exclusion between concurrent requests for the same list.
//
// Queries use $N placeholders for both backends. SQLite numbers them by first appearance, so
// each query must introduce $1, $2, ... in ascending order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

// Driver names a supported database backend.
type Driver string

const (
	DriverSQLite   Driver = "sqlite3"
	DriverPostgres Driver = "postgres"
)

// DB is a handle on the engine's database.
type DB struct {
	db     *sql.DB
	driver Driver
	url    string
}

// Open connects to the database described by driver and url and pings it. For sqlite3 the url
// is a file path; for postgres it is a connection URL.
func Open(driver Driver, url string) (*DB, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, errors.New("database url must be set")
	}
	var (
		db  *sql.DB
		err error
	)
	switch driver {
	case DriverSQLite:
		db, err = sql.Open("sqlite3", sqliteDSN(url))
	case DriverPostgres:
		db, err = sql.Open("pgx", url)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &DB{db: db, driver: driver, url: url}, nil
}

// sqliteDSN opens writers with BEGIN IMMEDIATE so that every engine transaction takes the
// database write lock up front; that is what serialises operations on the same list.
func sqliteDSN(path string) string {
	path = strings.TrimPrefix(path, "file:")
	if i := strings.IndexByte(path, '?'); i >= 0 {
		path = path[:i]
	}
	return "file:" + path + "?_txlock=immediate&_busy_timeout=10000&_foreign_keys=on"
}

// Driver returns the backend in use.
func (d *DB) Driver() Driver {
	return d.driver
}

// Ping checks the database connection.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Close releases the connection pool.
func (d *DB) Close() error {
	return d.db.Close()
}

// InTx runs fn inside a transaction. The transaction commits when fn returns nil and rolls
// back otherwise.
func (d *DB) InTx(ctx context.Context, fn func(tx *Tx) error) error {
	sqlTx, err := d.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return fmt.Errorf("failed to start tx: %w", err)
	}
	defer func() {
		if err := sqlTx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			slog.Error("failed to rollback", "err", err)
		}
	}()
	if err := fn(&Tx{tx: sqlTx, driver: d.driver}); err != nil {
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit: %w", err)
	}
	return nil
}

// Tx is an open engine transaction.
type Tx struct {
	tx     *sql.Tx
	driver Driver
}

func (t *Tx) exec(ctx context.Context, query string, args ...interface{}) (sql.Result, error) {
	return t.tx.ExecContext(ctx, query, args...)
}

func (t *Tx) queryRow(ctx context.Context, query string, args ...interface{}) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}

func (t *Tx) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
