package data

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
	"github.com/pkg/errors"
	_ "modernc.org/sqlite"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// ErrNotFound is returned when a keyed lookup matches no row.
var ErrNotFound = errors.New("not found")

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type scanner interface {
	Scan(dest ...interface{}) error
}

// Database is the relational store behind every component. A Database
// returned by InTx shares the parent's connection pool but runs all
// statements inside the transaction.
type Database struct {
	db     *sql.DB
	q      querier
	driver string
}

func Connection(driver, connectionString string) (*Database, error) {
	switch driver {
	case DriverPostgres:
	case DriverSQLite:
		connectionString = sqliteDSN(connectionString)
	default:
		return nil, errors.Errorf("unsupported database driver %q", driver)
	}

	db, err := sql.Open(driver, connectionString)
	if nil != err {
		return nil, errors.Wrap(err, "unable to establish connection to database")
	}

	// SQLite allows one writer; a single connection keeps transactions and
	// plain statements from fighting over the file lock.
	if driver == DriverSQLite {
		db.SetMaxOpenConns(1)
	}

	return &Database{
		db:     db,
		q:      db,
		driver: driver,
	}, nil
}

func sqliteDSN(path string) string {
	return fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
}

func (d *Database) Driver() string {
	return d.driver
}

func (d *Database) Ping(ctx context.Context) error {
	return errors.Wrap(d.db.PingContext(ctx), "unable to ping database")
}

func (d *Database) Close() error {
	if nil != d.db {
		return d.db.Close()
	}
	return nil
}

// InTx runs fn inside a transaction, committing when fn returns nil.
func (d *Database) InTx(ctx context.Context, fn func(tx *Database) error) error {
	if _, ok := d.q.(*sql.Tx); ok {
		return fn(d)
	}

	tx, err := d.db.BeginTx(ctx, nil)
	if nil != err {
		return errors.Wrap(err, "unable to begin transaction")
	}

	if err := fn(&Database{db: d.db, q: tx, driver: d.driver}); nil != err {
		if rerr := tx.Rollback(); nil != rerr {
			return errors.Wrapf(err, "rollback failed: %v", rerr)
		}
		return err
	}
	return errors.Wrap(tx.Commit(), "unable to commit transaction")
}

func (d *Database) count(ctx context.Context, query string, args ...interface{}) (int64, error) {
	var n int64
	if err := d.q.QueryRowContext(ctx, query, args...).Scan(&n); nil != err {
		return 0, err
	}
	return n, nil
}

func (d *Database) exec(ctx context.Context, query string, args ...interface{}) (int64, error) {
	res, err := d.q.ExecContext(ctx, query, args...)
	if nil != err {
		return 0, err
	}
	return res.RowsAffected()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}
