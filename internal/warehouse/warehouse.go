// Package warehouse reads report work items from the analytics warehouse
// over its SQL endpoint, authenticating as a service principal.
package warehouse

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/microsoft/go-mssqldb/azuread"
	"go.uber.org/zap"
)

// Config carries the connection parameters for one warehouse database.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string
	SQLEndpoint  string
	Database     string
}

func (c Config) connectionString() string {
	return strings.Join([]string{
		"server=tcp:" + c.SQLEndpoint + ",1433",
		"database=" + c.Database,
		"fedauth=ActiveDirectoryServicePrincipal",
		"user id=" + c.ClientID + "@" + c.TenantID,
		"password=" + c.ClientSecret,
		"encrypt=true",
		"TrustServerCertificate=false",
		"dial timeout=30",
	}, ";")
}

// Service runs read-only queries against one warehouse database.
type Service struct {
	db  *sql.DB
	log *zap.Logger
}

// Open dials the warehouse SQL endpoint. Connection failures here are fatal
// to the run: without work items there is nothing to export.
func Open(ctx context.Context, cfg Config, log *zap.Logger) (*Service, error) {
	if log == nil {
		log = zap.NewNop()
	}
	db, err := sql.Open(azuread.DriverName, cfg.connectionString())
	if err != nil {
		return nil, fmt.Errorf("warehouse: open %s/%s: %w", cfg.SQLEndpoint, cfg.Database, err)
	}
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	log.Info("connecting to warehouse",
		zap.String("endpoint", cfg.SQLEndpoint),
		zap.String("database", cfg.Database),
	)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("warehouse: connect %s/%s: %w", cfg.SQLEndpoint, cfg.Database, err)
	}
	return &Service{db: db, log: log}, nil
}

// NewFromDB wraps an already-open database handle. Tests use it to run the
// scanning logic against a local database.
func NewFromDB(db *sql.DB, log *zap.Logger) *Service {
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{db: db, log: log}
}

func (s *Service) Close() error {
	return s.db.Close()
}

// Row is one result row keyed by column name, values rendered as strings.
type Row map[string]string

// QueryValues runs query and returns the first column of every row, skipping
// rows whose first column is empty.
func (s *Service) QueryValues(ctx context.Context, query string) ([]string, error) {
	rows, cols, err := s.run(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		rec, err := scanRow(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("warehouse: scan row: %w", err)
		}
		if v := rec[cols[0]]; v != "" {
			out = append(out, v)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: read rows: %w", err)
	}
	s.log.Info("query returned values", zap.Int("rows", len(out)))
	return out, nil
}

// QueryRows runs query and returns every row as a column-name map.
func (s *Service) QueryRows(ctx context.Context, query string) ([]Row, error) {
	rows, cols, err := s.run(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Row
	for rows.Next() {
		rec, err := scanRow(rows, cols)
		if err != nil {
			return nil, fmt.Errorf("warehouse: scan row: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("warehouse: read rows: %w", err)
	}
	s.log.Info("query returned rows", zap.Int("rows", len(out)))
	return out, nil
}

func (s *Service) run(ctx context.Context, query string) (*sql.Rows, []string, error) {
	if strings.TrimSpace(query) == "" {
		return nil, nil, fmt.Errorf("warehouse: query is empty")
	}
	s.log.Debug("executing query", zap.String("query", query))

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, fmt.Errorf("warehouse: execute query: %w", err)
	}
	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, nil, fmt.Errorf("warehouse: read columns: %w", err)
	}
	if len(cols) == 0 {
		rows.Close()
		return nil, nil, fmt.Errorf("warehouse: query returned no columns")
	}
	return rows, cols, nil
}

func scanRow(rows *sql.Rows, cols []string) (Row, error) {
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, err
	}

	rec := make(Row, len(cols))
	for i, col := range cols {
		rec[col] = stringOf(vals[i])
	}
	return rec, nil
}

func stringOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case []byte:
		return strings.TrimSpace(string(x))
	case string:
		return strings.TrimSpace(x)
	case time.Time:
		return x.Format(time.RFC3339)
	default:
		return strings.TrimSpace(fmt.Sprint(x))
	}
}
