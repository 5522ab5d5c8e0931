package migrate

import (
	"context"
	"regexp"
	"testing"
	"testing/fstest"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

func TestSplitStatements(t *testing.T) {
	stmts := splitStatements("create table a (x text default 'a;b'); insert into a values ('c');\n")
	if len(stmts) != 2 {
		t.Fatalf("expected 2 statements, got %d: %q", len(stmts), stmts)
	}
}

func TestCollectSQLOrdersAndFilters(t *testing.T) {
	src := fstest.MapFS{
		"0002_b.up.sql":   {Data: []byte("select 2;")},
		"0001_a.up.sql":   {Data: []byte("select 1;")},
		"0001_a.down.sql": {Data: []byte("select 0;")},
		"README.md":       {Data: []byte("docs")},
	}
	files, err := collectSQL(src, ".up.sql")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 2 || files[0] != "0001_a.up.sql" || files[1] != "0002_b.up.sql" {
		t.Fatalf("unexpected files %v", files)
	}
	if files, _ := collectSQL(nil, ".sql"); files != nil {
		t.Fatalf("nil source should yield nothing, got %v", files)
	}
}

func TestUpSkipsAppliedMigrations(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	defer db.Close()

	src := fstest.MapFS{
		"0001_a.up.sql": {Data: []byte("create table a (x text);")},
		"0002_b.up.sql": {Data: []byte("create table b (y text);")},
	}
	mgr := NewManager(sqlx.NewDb(db, "pgx"), src, nil)

	mock.ExpectExec("create table if not exists schema_migrations").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("create table if not exists schema_seeds").WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery("select name from schema_migrations").WillReturnRows(sqlmock.NewRows([]string{"name"}).AddRow("0001_a.up.sql"))
	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("create table b (y text);")).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectExec(regexp.QuoteMeta("insert into schema_migrations(name, applied_at) values ($1, $2)")).
		WithArgs("0002_b.up.sql", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(1, 1))

	applied, err := mgr.Up(context.Background())
	if err != nil {
		t.Fatalf("Up: %v", err)
	}
	if len(applied) != 1 || applied[0] != "0002_b.up.sql" {
		t.Fatalf("unexpected applied list %v", applied)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}
