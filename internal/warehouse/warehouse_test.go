package warehouse

import (
	"context"
	"database/sql"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
)

func openTestDB(t *testing.T) *Service {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewFromDB(db, zap.NewNop())
}

func seed(t *testing.T, s *Service, stmts ...string) {
	t.Helper()
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			t.Fatalf("seed %q: %v", stmt, err)
		}
	}
}

func TestQueryValues_FirstColumnSkippingEmpties(t *testing.T) {
	s := openTestDB(t)
	seed(t, s,
		`CREATE TABLE areas (name TEXT, region TEXT)`,
		`INSERT INTO areas VALUES ('North', 'r1'), ('', 'r2'), ('South', 'r3'), (NULL, 'r4')`,
	)

	got, err := s.QueryValues(context.Background(), `SELECT name, region FROM areas`)
	if err != nil {
		t.Fatalf("QueryValues: %v", err)
	}
	want := []string{"North", "South"}
	if len(got) != len(want) {
		t.Fatalf("values = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("values[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestQueryRows_ColumnMapsWithStringValues(t *testing.T) {
	s := openTestDB(t)
	seed(t, s,
		`CREATE TABLE employees (ID INTEGER, Name TEXT, Email TEXT)`,
		`INSERT INTO employees VALUES (7, 'Ana', 'ana@example.com'), (8, 'Ben', NULL)`,
	)

	rows, err := s.QueryRows(context.Background(), `SELECT ID, Name, Email FROM employees ORDER BY ID`)
	if err != nil {
		t.Fatalf("QueryRows: %v", err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %d, want 2", len(rows))
	}
	if rows[0]["ID"] != "7" || rows[0]["Name"] != "Ana" || rows[0]["Email"] != "ana@example.com" {
		t.Errorf("row 0 = %v", rows[0])
	}
	if rows[1]["Email"] != "" {
		t.Errorf("NULL email rendered as %q, want empty string", rows[1]["Email"])
	}
}

func TestQuery_EmptyQueryRejected(t *testing.T) {
	s := openTestDB(t)
	if _, err := s.QueryValues(context.Background(), "  "); err == nil {
		t.Error("expected error for empty query")
	}
	if _, err := s.QueryRows(context.Background(), ""); err == nil {
		t.Error("expected error for empty query")
	}
}

func TestQuery_SQLErrorSurfaces(t *testing.T) {
	s := openTestDB(t)
	if _, err := s.QueryRows(context.Background(), `SELECT * FROM missing_table`); err == nil {
		t.Error("expected error querying a missing table")
	}
}

func TestConnectionString(t *testing.T) {
	cfg := Config{
		TenantID:     "tenant-1",
		ClientID:     "client-1",
		ClientSecret: "s3cret",
		SQLEndpoint:  "wh.example.com",
		Database:     "reports",
	}
	dsn := cfg.connectionString()

	for _, want := range []string{
		"server=tcp:wh.example.com,1433",
		"database=reports",
		"fedauth=ActiveDirectoryServicePrincipal",
		"user id=client-1@tenant-1",
		"encrypt=true",
	} {
		if !strings.Contains(dsn, want) {
			t.Errorf("connection string missing %q: %s", want, dsn)
		}
	}
}
