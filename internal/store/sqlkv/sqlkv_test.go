package sqlkv

import (
	"context"
	"errors"
	"io/fs"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"agripulse.org/internal/mirror"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func newMock(t *testing.T) (*KV, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return New(sqlx.NewDb(db, "pgx")), mock
}

func TestGet(t *testing.T) {
	kv, mock := newMock(t)
	q := regexp.QuoteMeta(`select value from mirror_entries where key = $1`)
	mock.ExpectQuery(q).WithArgs("platform_assets").WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(`{"audit_topic":"0.0.5001"}`))
	mock.ExpectQuery(q).WithArgs("missing").WillReturnRows(sqlmock.NewRows([]string{"value"}))

	v, err := kv.Get(context.Background(), "platform_assets")
	if err != nil || string(v) != `{"audit_topic":"0.0.5001"}` {
		t.Fatalf("Get: %q %v", v, err)
	}
	if _, err := kv.Get(context.Background(), "missing"); !errors.Is(err, mirror.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestSetUpserts(t *testing.T) {
	kv, mock := newMock(t)
	mock.ExpectExec(`insert into mirror_entries\(key, value, updated_at\) values \(\$1, \$2, \$3\)\s+on conflict \(key\) do update`).
		WithArgs("balance/0.0.5003", `{"native":1}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := kv.Set(context.Background(), "balance/0.0.5003", []byte(`{"native":1}`)); err != nil {
		t.Fatalf("Set: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestCompareAndSwap(t *testing.T) {
	kv, mock := newMock(t)
	ctx := context.Background()

	mock.ExpectExec(`on conflict \(key\) do nothing`).
		WithArgs("registration/reg_1", `{"version":1}`, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err := kv.CompareAndSwap(ctx, "registration/reg_1", nil, []byte(`{"version":1}`))
	if err != nil || ok {
		t.Fatalf("insert-if-absent on existing key: ok=%v err=%v", ok, err)
	}

	mock.ExpectExec(regexp.QuoteMeta(`update mirror_entries set value = $1, updated_at = $2 where key = $3 and value = $4`)).
		WithArgs(`{"version":2}`, sqlmock.AnyArg(), "registration/reg_1", `{"version":1}`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	ok, err = kv.CompareAndSwap(ctx, "registration/reg_1", []byte(`{"version":1}`), []byte(`{"version":2}`))
	if err != nil || !ok {
		t.Fatalf("swap: ok=%v err=%v", ok, err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestListUsesPrefix(t *testing.T) {
	kv, mock := newMock(t)
	mock.ExpectQuery(regexp.QuoteMeta(`where substr(key, 1, $1) = $2`)).
		WithArgs(len("reward/pur_1/"), "reward/pur_1/").
		WillReturnRows(sqlmock.NewRows([]string{"key", "value"}).
			AddRow("reward/pur_1/buyer", `{"side":"buyer"}`).
			AddRow("reward/pur_1/seller", `{"side":"seller"}`))

	entries, err := kv.List(context.Background(), "reward/pur_1/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(entries) != 2 || entries[1].Key != "reward/pur_1/seller" {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestEmbeddedMigrations(t *testing.T) {
	names, err := fs.Glob(Migrations(), "*.up.sql")
	if err != nil || len(names) == 0 {
		t.Fatalf("expected embedded migrations, got %v %v", names, err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected unsupported driver error")
	}
}

func TestStoreOverSQLite(t *testing.T) {
	kv, err := Open("sqlite3", filepath.Join(t.TempDir(), "mirror.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer kv.Close()
	ctx := context.Background()
	if _, err := kv.Migrate(ctx); err != nil {
		if strings.Contains(err.Error(), "CGO_ENABLED") {
			t.Skip("sqlite3 driver built without cgo")
		}
		t.Fatalf("Migrate: %v", err)
	}

	store := mirror.NewStore(kv)
	if _, err := store.CreateRegistration(ctx, mirror.Registration{ID: "reg_1", Capacity: 20, Remaining: 20, Status: mirror.StatusApproved}); err != nil {
		t.Fatalf("CreateRegistration: %v", err)
	}
	r, err := store.ReserveQuantity(ctx, "reg_1", 5)
	if err != nil || r.Remaining != 15 {
		t.Fatalf("ReserveQuantity: %+v %v", r, err)
	}
	if _, err := store.CreateRegistration(ctx, mirror.Registration{ID: "reg_1"}); !errors.Is(err, mirror.ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
	all, err := store.Registrations(ctx)
	if err != nil || len(all) != 1 {
		t.Fatalf("Registrations: %v %v", all, err)
	}
}
