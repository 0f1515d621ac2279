package codelist

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore keeps the code list in a PostgreSQL table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresStore connects to dsn. The table lives in schema ("public"
// when empty).
func NewPostgresStore(ctx context.Context, dsn, schema string) (*PostgresStore, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}
	poolCfg.MaxConns = 2

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if schema == "" {
		schema = "public"
	}
	return &PostgresStore{pool: pool, schema: schema}, nil
}

func (s *PostgresStore) table() string {
	return pgx.Identifier{s.schema, Table}.Sanitize()
}

// createTableSQL declares every column as text with the original code as
// primary key.
func createTableSQL(table string) string {
	defs := make([]string, len(Columns))
	for i, c := range Columns {
		defs[i] = pgx.Identifier{c}.Sanitize() + " TEXT"
	}
	defs[0] += " PRIMARY KEY"
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", table, strings.Join(defs, ", "))
}

// insertSQL keeps the first row of a duplicated code.
func insertSQL(table string) string {
	names := make([]string, len(Columns))
	params := make([]string, len(Columns))
	for i, c := range Columns {
		names[i] = pgx.Identifier{c}.Sanitize()
		params[i] = fmt.Sprintf("$%d", i+1)
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) DO NOTHING",
		table, strings.Join(names, ", "), strings.Join(params, ", "), names[0])
}

// Replace deletes the table's rows and inserts rows in one transaction.
func (s *PostgresStore) Replace(ctx context.Context, rows []Row) error {
	table := s.table()
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, createTableSQL(table)); err != nil {
		return fmt.Errorf("create table: %w", err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM "+table); err != nil {
		return fmt.Errorf("delete rows: %w", err)
	}

	query := insertSQL(table)
	batch := &pgx.Batch{}
	for _, r := range rows {
		args := make([]any, len(Columns))
		for i := range args {
			if i < len(r) {
				args[i] = r[i]
			}
		}
		batch.Queue(query, args...)
	}
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("insert rows: %w", err)
	}
	return tx.Commit(ctx)
}

// Close releases database connections.
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
