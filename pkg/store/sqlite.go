package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"net/url"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"

	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("baton-offline/store")

var _ Store = (*SQLite)(nil)

const kvTableVersion = "2"
const kvTableName = "offline_sync_kv"
const kvTableSchema = `
CREATE TABLE IF NOT EXISTS %s (
	key TEXT PRIMARY KEY,
	value BLOB NOT NULL,
	version INTEGER NOT NULL,
	deleted INTEGER NOT NULL DEFAULT 0,
	updated_at INTEGER NOT NULL
);`

const (
	maxUpdateAttempts  = 64
	defaultBusyTimeout = 5 * time.Second
)

type pragma struct {
	name  string
	value string
}

// SQLite is a Store backed by a sqlite database file. Several processes may open the
// same file; single-key updates use a row version so concurrent writers never lose updates.
// Deleting a key leaves a tombstone row behind so that its version keeps increasing and a
// read-modify-write can never land on a row that was deleted and recreated after the read.
type SQLite struct {
	rawDB       *sql.DB
	db          *goqu.Database
	path        string
	busyTimeout time.Duration
	pragmas     []pragma
}

type SQLiteOption func(*SQLite)

func WithPragma(name string, value string) SQLiteOption {
	return func(s *SQLite) {
		s.pragmas = append(s.pragmas, pragma{name, value})
	}
}

func WithBusyTimeout(d time.Duration) SQLiteOption {
	return func(s *SQLite) {
		s.busyTimeout = d
	}
}

func tableName() string {
	return fmt.Sprintf("v%s_%s", kvTableVersion, kvTableName)
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `%`, `\%`)
	s = strings.ReplaceAll(s, `_`, `\_`)
	return s
}

// OpenSQLite opens (creating if needed) the store at path.
func OpenSQLite(ctx context.Context, path string, opts ...SQLiteOption) (*SQLite, error) {
	ctx, span := tracer.Start(ctx, "store.OpenSQLite")
	defer span.End()

	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("store: sqlite path is required")
	}

	s := &SQLite{
		path:        path,
		busyTimeout: defaultBusyTimeout,
		pragmas:     []pragma{{"journal_mode", "WAL"}},
	}
	for _, opt := range opts {
		opt(s)
	}

	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", s.busyTimeout.Milliseconds()))
	for _, p := range s.pragmas {
		q.Add("_pragma", fmt.Sprintf("%s(%s)", p.name, p.value))
	}
	dsn := fmt.Sprintf("file:%s?%s", path, q.Encode())

	rawDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: error opening sqlite: %w", err)
	}
	// A single connection serialises writers inside this process; other processes are
	// arbitrated by the busy timeout.
	rawDB.SetMaxOpenConns(1)

	s.rawDB = rawDB
	s.db = goqu.New("sqlite3", rawDB)

	if err := s.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) init(ctx context.Context) error {
	if err := s.rawDB.PingContext(ctx); err != nil {
		return fmt.Errorf("store: error connecting to sqlite: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf(kvTableSchema, tableName())); err != nil {
		return fmt.Errorf("store: error creating table: %w", err)
	}
	return nil
}

func (s *SQLite) validateDB() error {
	if s.db == nil {
		return ErrClosed
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, key string) ([]byte, bool, error) {
	r, err := s.read(ctx, key)
	if err != nil || !r.live() {
		return nil, false, err
	}
	return r.value, true, nil
}

// row is a record as stored, including tombstones.
type row struct {
	value   []byte
	version int64
	deleted bool
	exists  bool
}

func (r row) live() bool {
	return r.exists && !r.deleted
}

func (s *SQLite) read(ctx context.Context, key string) (row, error) {
	if err := s.validateDB(); err != nil {
		return row{}, err
	}

	q := s.db.From(tableName()).Prepared(true)
	q = q.Select("value", "version", "deleted")
	q = q.Where(goqu.C("key").Eq(key))

	query, params, err := q.ToSQL()
	if err != nil {
		return row{}, fmt.Errorf("store: error building get: %w", err)
	}

	r := row{exists: true}
	err = s.db.QueryRowContext(ctx, query, params...).Scan(&r.value, &r.version, &r.deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return row{}, nil
	}
	if err != nil {
		return row{}, fmt.Errorf("store: error getting %s: %w", key, err)
	}
	if r.deleted {
		r.value = nil
	}
	return r, nil
}

func (s *SQLite) Set(ctx context.Context, key string, value []byte) error {
	if err := s.validateDB(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("store: invalid key %q", key)
	}
	if value == nil {
		value = []byte{}
	}

	now := time.Now().UnixNano()
	q := s.db.Insert(tableName()).Prepared(true)
	q = q.Rows(goqu.Record{
		"key":        key,
		"value":      value,
		"version":    1,
		"deleted":    0,
		"updated_at": now,
	})
	q = q.OnConflict(goqu.DoUpdate("key", goqu.Record{
		"value":      goqu.I("EXCLUDED.value"),
		"version":    goqu.L("version + 1"),
		"deleted":    0,
		"updated_at": now,
	}))

	query, params, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("store: error building set: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("store: error setting %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) Delete(ctx context.Context, key string) error {
	if err := s.validateDB(); err != nil {
		return err
	}

	q := s.db.Update(tableName()).Prepared(true)
	q = q.Set(tombstone())
	q = q.Where(goqu.C("key").Eq(key), goqu.C("deleted").Eq(0))

	query, params, err := q.ToSQL()
	if err != nil {
		return fmt.Errorf("store: error building delete: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, params...); err != nil {
		return fmt.Errorf("store: error deleting %s: %w", key, err)
	}
	return nil
}

func (s *SQLite) List(ctx context.Context, prefix string) (map[string][]byte, error) {
	if err := s.validateDB(); err != nil {
		return nil, err
	}

	q := s.db.From(tableName()).Prepared(true)
	q = q.Select("key", "value")
	q = q.Where(goqu.C("deleted").Eq(0))
	if prefix != "" {
		q = q.Where(goqu.L(`key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%"))
	}
	q = q.Order(goqu.C("key").Asc())

	query, params, err := q.ToSQL()
	if err != nil {
		return nil, fmt.Errorf("store: error building list: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, params...)
	if err != nil {
		return nil, fmt.Errorf("store: error listing %s: %w", prefix, err)
	}
	defer rows.Close()

	ret := make(map[string][]byte)
	for rows.Next() {
		var (
			key   string
			value []byte
		)
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("store: error scanning row: %w", err)
		}
		ret[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: error listing %s: %w", prefix, err)
	}
	return ret, nil
}

// Update performs an optimistic read-modify-write of key. A write only lands if the row
// version is unchanged since it was read; otherwise fn is re-run against the fresh value.
func (s *SQLite) Update(ctx context.Context, key string, fn UpdateFunc) error {
	if err := s.validateDB(); err != nil {
		return err
	}
	if !validKey(key) {
		return fmt.Errorf("store: invalid key %q", key)
	}

	for attempt := 0; attempt < maxUpdateAttempts; attempt++ {
		cur, err := s.read(ctx, key)
		if err != nil {
			return err
		}

		next, err := fn(cur.value, cur.live())
		if err != nil {
			if errors.Is(err, ErrNoChange) {
				return nil
			}
			return err
		}

		var applied bool
		switch {
		case next == nil && !cur.live():
			return nil
		case next == nil:
			applied, err = s.deleteIfVersion(ctx, key, cur.version)
		case !cur.exists:
			applied, err = s.insertIfAbsent(ctx, key, next)
		default:
			applied, err = s.updateIfVersion(ctx, key, next, cur.version)
		}
		if err != nil {
			return err
		}
		if applied {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(rand.Int64N(int64(time.Millisecond)))):
		}
	}

	ctxzap.Extract(ctx).Warn("store: update gave up after contention", zap.String("key", key))
	return fmt.Errorf("%w: %s", ErrContention, key)
}

func (s *SQLite) insertIfAbsent(ctx context.Context, key string, value []byte) (bool, error) {
	q := s.db.Insert(tableName()).Prepared(true)
	q = q.Rows(goqu.Record{
		"key":        key,
		"value":      value,
		"version":    1,
		"deleted":    0,
		"updated_at": time.Now().UnixNano(),
	})
	q = q.OnConflict(goqu.DoNothing())

	query, params, err := q.ToSQL()
	if err != nil {
		return false, fmt.Errorf("store: error building insert: %w", err)
	}
	return s.execAffected(ctx, key, query, params)
}

func (s *SQLite) updateIfVersion(ctx context.Context, key string, value []byte, version int64) (bool, error) {
	q := s.db.Update(tableName()).Prepared(true)
	q = q.Set(goqu.Record{
		"value":      value,
		"version":    version + 1,
		"deleted":    0,
		"updated_at": time.Now().UnixNano(),
	})
	q = q.Where(goqu.C("key").Eq(key), goqu.C("version").Eq(version))

	query, params, err := q.ToSQL()
	if err != nil {
		return false, fmt.Errorf("store: error building update: %w", err)
	}
	return s.execAffected(ctx, key, query, params)
}

// tombstone marks a row deleted and bumps its version.
func tombstone() goqu.Record {
	return goqu.Record{
		"value":      []byte{},
		"version":    goqu.L("version + 1"),
		"deleted":    1,
		"updated_at": time.Now().UnixNano(),
	}
}

func (s *SQLite) deleteIfVersion(ctx context.Context, key string, version int64) (bool, error) {
	q := s.db.Update(tableName()).Prepared(true)
	q = q.Set(tombstone())
	q = q.Where(goqu.C("key").Eq(key), goqu.C("version").Eq(version))

	query, params, err := q.ToSQL()
	if err != nil {
		return false, fmt.Errorf("store: error building delete: %w", err)
	}
	return s.execAffected(ctx, key, query, params)
}

func (s *SQLite) execAffected(ctx context.Context, key string, query string, params []interface{}) (bool, error) {
	res, err := s.db.ExecContext(ctx, query, params...)
	if err != nil {
		return false, fmt.Errorf("store: error writing %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("store: error writing %s: %w", key, err)
	}
	return n == 1, nil
}

// Close closes the underlying database. It is safe to call more than once.
func (s *SQLite) Close(_ context.Context) error {
	if s.rawDB == nil {
		return nil
	}
	err := s.rawDB.Close()
	s.rawDB = nil
	s.db = nil
	return err
}

// Path returns the database file path.
func (s *SQLite) Path() string {
	return s.path
}
