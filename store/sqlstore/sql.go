// Package sqlstore implements store.Store and store.Appender over a SQL
// database. Postgres (github.com/lib/pq) and SQLite
// (github.com/mattn/go-sqlite3) are supported. Values live in a single table
// of (key, value) rows, and compare-and-swap is a conditional UPDATE whose
// affected row count decides the outcome.
package sqlstore

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net"

	"github.com/lib/pq"
	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"go.gazette.dev/topiclog/store"
)

// Driver names accepted by Open.
const (
	Postgres = "postgres"
	SQLite   = "sqlite3"
)

// Store is a store.Store backed by a SQL database.
type Store struct {
	db *sql.DB
}

// Statements are written with ordered $N placeholders, which both drivers accept.
const (
	createTable = `CREATE TABLE IF NOT EXISTS topiclog_kv (
		k TEXT NOT NULL PRIMARY KEY,
		v BIGINT NOT NULL
	);`
	selectValue = `SELECT v FROM topiclog_kv WHERE k = $1;`
	upsertValue = `INSERT INTO topiclog_kv (k, v) VALUES ($1, $2)
		ON CONFLICT (k) DO UPDATE SET v = excluded.v;`
	updateIfEqual  = `UPDATE topiclog_kv SET v = $1 WHERE k = $2 AND v = $3;`
	insertIfAbsent = `INSERT INTO topiclog_kv (k, v) VALUES ($1, $2) ON CONFLICT (k) DO NOTHING;`
	countKey       = `SELECT COUNT(*) FROM topiclog_kv WHERE k = $1;`
)

// Open a Store using |driverName| and |dsn|, and ensure its table exists.
func Open(ctx context.Context, driverName, dsn string) (*Store, error) {
	if driverName != Postgres && driverName != SQLite {
		return nil, errors.Errorf("unsupported SQL driver %q", driverName)
	}
	var db, err = sql.Open(driverName, dsn)
	if err != nil {
		return nil, errors.WithMessage(err, "sql.Open")
	}
	if driverName == SQLite {
		// SQLite serializes writers. Do so in the pool, rather than by
		// surfacing SQLITE_BUSY to callers.
		db.SetMaxOpenConns(1)
	}
	if err = db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "pinging database")
	}
	if _, err = db.ExecContext(ctx, createTable); err != nil {
		_ = db.Close()
		return nil, errors.WithMessage(err, "creating table")
	}

	log.WithField("driver", driverName).Info("opened SQL store")
	return &Store{db: db}, nil
}

// Close the database.
func (s *Store) Close() error { return s.db.Close() }

// Get implements store.Store.
func (s *Store) Get(ctx context.Context, key string) (int64, error) {
	var v int64
	var err = s.db.QueryRowContext(ctx, selectValue, key).Scan(&v)
	if err == sql.ErrNoRows {
		return 0, store.ErrNotFound
	}
	return v, mapErr(err)
}

// Put implements store.Store.
func (s *Store) Put(ctx context.Context, key string, value int64) error {
	var _, err = s.db.ExecContext(ctx, upsertValue, key, value)
	return mapErr(err)
}

// CompareAndSwap implements store.Store.
func (s *Store) CompareAndSwap(ctx context.Context, key string, expected, next int64, createIfMissing bool) error {
	return mapErr(cas(ctx, s.db, key, expected, next, createIfMissing))
}

// CompareAndSwapAndPut implements store.Appender, applying both statements
// within one database transaction.
func (s *Store) CompareAndSwapAndPut(ctx context.Context,
	counterKey string, expected, next int64, createIfMissing bool,
	entryKey string, value int64) error {

	var tx, err = s.db.BeginTx(ctx, nil)
	if err != nil {
		return mapErr(err)
	}
	if err = cas(ctx, tx, counterKey, expected, next, createIfMissing); err == nil {
		_, err = tx.ExecContext(ctx, upsertValue, entryKey, value)
	}
	if err != nil {
		_ = tx.Rollback()
		return mapErr(err)
	}
	return mapErr(tx.Commit())
}

type execQuerier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

func cas(ctx context.Context, db execQuerier, key string, expected, next int64, createIfMissing bool) error {
	if ok, err := affectsRow(db.ExecContext(ctx, updateIfEqual, next, key, expected)); err != nil || ok {
		return err
	}

	if createIfMissing {
		// The key either doesn't exist, or has a different value. Insertion
		// succeeds only in the former case.
		if ok, err := affectsRow(db.ExecContext(ctx, insertIfAbsent, key, next)); err != nil || ok {
			return err
		}
		return store.ErrPreconditionFailed
	}

	var count int
	if err := db.QueryRowContext(ctx, countKey, key).Scan(&count); err != nil {
		return err
	} else if count == 0 {
		return store.ErrNotFound
	}
	return store.ErrPreconditionFailed
}

func affectsRow(res sql.Result, err error) (bool, error) {
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// mapErr maps connectivity and contention failures of the database and its
// drivers onto store.ErrUnavailable.
func mapErr(err error) error {
	if err == nil {
		return nil
	}
	switch err {
	case store.ErrNotFound, store.ErrPreconditionFailed:
		return err
	case driver.ErrBadConn, sql.ErrConnDone, context.DeadlineExceeded, context.Canceled:
		return store.Unavailable(err)
	}
	switch e := err.(type) {
	case *pq.Error:
		// Class 08 is "connection exception", 40 "transaction rollback",
		// and 57 "operator intervention" (eg, admin shutdown).
		switch e.Code.Class() {
		case "08", "40", "57":
			return store.Unavailable(err)
		}
	case sqlite3.Error:
		if e.Code == sqlite3.ErrBusy || e.Code == sqlite3.ErrLocked {
			return store.Unavailable(err)
		}
	case net.Error:
		return store.Unavailable(err)
	}
	return err
}
