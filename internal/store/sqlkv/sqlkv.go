// Package sqlkv implements mirror.KV on a SQL table for Postgres (pgx) and SQLite.
package sqlkv

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"time"

	"agripulse.org/internal/migrate"
	"agripulse.org/internal/mirror"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Migrations returns the embedded schema migrations.
func Migrations() fs.FS {
	sub, err := fs.Sub(migrationFiles, "migrations")
	if err != nil {
		panic(err)
	}
	return sub
}

// KV stores mirror entries in the mirror_entries table.
type KV struct {
	db *sqlx.DB
}

var _ mirror.KV = (*KV)(nil)

// Open connects using driver "pgx" or "sqlite3".
func Open(driver, dsn string) (*KV, error) {
	switch driver {
	case "pgx", "sqlite3":
	default:
		return nil, fmt.Errorf("sqlkv: unsupported driver %q", driver)
	}
	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	if driver == "sqlite3" {
		// SQLite allows a single writer.
		db.SetMaxOpenConns(1)
	} else {
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(15 * time.Minute)
		db.SetConnMaxIdleTime(5 * time.Minute)
	}
	return &KV{db: db}, nil
}

// New wraps an existing handle.
func New(db *sqlx.DB) *KV { return &KV{db: db} }

func (k *KV) Close() error { return k.db.Close() }

func (k *KV) DB() *sqlx.DB { return k.db }

// Ping checks connectivity; used by readiness probes.
func (k *KV) Ping(ctx context.Context) error { return k.db.PingContext(ctx) }

// Migrate applies the embedded migrations.
func (k *KV) Migrate(ctx context.Context) ([]string, error) {
	return migrate.NewManager(k.db, Migrations(), nil).Up(ctx)
}

func (k *KV) Get(ctx context.Context, key string) ([]byte, error) {
	var value string
	err := k.db.GetContext(ctx, &value, k.db.Rebind(`select value from mirror_entries where key = ?`), key)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, mirror.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

func (k *KV) Set(ctx context.Context, key string, value []byte) error {
	_, err := k.db.ExecContext(ctx, k.db.Rebind(`
		insert into mirror_entries(key, value, updated_at) values (?, ?, ?)
		on conflict (key) do update set value = excluded.value, updated_at = excluded.updated_at`),
		key, string(value), time.Now().UTC())
	return err
}

func (k *KV) Delete(ctx context.Context, key string) error {
	_, err := k.db.ExecContext(ctx, k.db.Rebind(`delete from mirror_entries where key = ?`), key)
	return err
}

func (k *KV) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	var (
		res sql.Result
		err error
	)
	now := time.Now().UTC()
	if prev == nil {
		res, err = k.db.ExecContext(ctx, k.db.Rebind(`
			insert into mirror_entries(key, value, updated_at) values (?, ?, ?)
			on conflict (key) do nothing`),
			key, string(next), now)
	} else {
		res, err = k.db.ExecContext(ctx, k.db.Rebind(`
			update mirror_entries set value = ?, updated_at = ? where key = ? and value = ?`),
			string(next), now, key, string(prev))
	}
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

type row struct {
	Key   string `db:"key"`
	Value string `db:"value"`
}

func (k *KV) List(ctx context.Context, prefix string) ([]mirror.Entry, error) {
	var rows []row
	err := k.db.SelectContext(ctx, &rows, k.db.Rebind(`
		select key, value from mirror_entries
		where substr(key, 1, ?) = ?
		order by key`), len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	out := make([]mirror.Entry, 0, len(rows))
	for _, r := range rows {
		out = append(out, mirror.Entry{Key: r.Key, Value: []byte(r.Value)})
	}
	return out, nil
}
