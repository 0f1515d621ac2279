package metadata

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/withObsrvr/ksj-ingest/internal/mapping"
)

//go:embed schema.sql
var schemaSQL string

// PostgresWriter implements Writer using PostgreSQL.
type PostgresWriter struct {
	pool   *pgxpool.Pool
	schema string
}

// NewPostgresWriter connects, sets the search path to cfg.Schema and
// creates the metadata tables.
func NewPostgresWriter(ctx context.Context, cfg Config) (*PostgresWriter, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	poolCfg, err := pgxpool.ParseConfig(cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("parse DSN: %w", err)
	}

	poolCfg.MaxConns = 5
	poolCfg.MinConns = 1
	poolCfg.MaxConnLifetime = 30 * time.Minute
	poolCfg.MaxConnIdleTime = 5 * time.Minute

	schema := cfg.Schema
	if schema == "" {
		schema = "public"
	}
	poolCfg.ConnConfig.RuntimeParams["search_path"] = schema

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	w := &PostgresWriter{pool: pool, schema: schema}
	if err := w.initSchema(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	log.Printf("[metadata] connected to PostgreSQL (schema %s)", schema)
	return w, nil
}

func (w *PostgresWriter) initSchema(ctx context.Context) error {
	if _, err := w.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+pgx.Identifier{w.schema}.Sanitize()); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := w.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("execute schema: %w", err)
	}
	return nil
}

// UpsertDataset inserts or replaces the dataset's row in datasets.
func (w *PostgresWriter) UpsertDataset(ctx context.Context, rec DatasetRecord) error {
	query := `
		INSERT INTO datasets (identifier, name, license, version, metadata)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (identifier)
		DO UPDATE SET
			name = EXCLUDED.name,
			license = EXCLUDED.license,
			version = EXCLUDED.version,
			metadata = EXCLUDED.metadata,
			updated_at = NOW()
	`

	var version *string
	if rec.Version != "" {
		version = &rec.Version
	}

	_, err := w.pool.Exec(ctx, query, rec.Identifier, rec.Name, rec.License, version, string(rec.Document))
	if err != nil {
		return fmt.Errorf("upsert dataset %s: %w", rec.Identifier, err)
	}
	return nil
}

// RecordConversion upserts the lineage row of a converted variant.
func (w *PostgresWriter) RecordConversion(ctx context.Context, rec ConversionRecord) error {
	query := `
		INSERT INTO dataset_conversions (identifier, variant, table_name, layers, row_count, warnings, run_id, columns)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (identifier, variant)
		DO UPDATE SET
			table_name = EXCLUDED.table_name,
			layers = EXCLUDED.layers,
			row_count = EXCLUDED.row_count,
			warnings = EXCLUDED.warnings,
			run_id = EXCLUDED.run_id,
			columns = EXCLUDED.columns,
			converted_at = NOW()
	`

	var warnings *string
	if len(rec.Warnings) > 0 {
		b, err := json.Marshal(rec.Warnings)
		if err != nil {
			return fmt.Errorf("marshal warnings: %w", err)
		}
		s := string(b)
		warnings = &s
	}

	var columns *string
	if len(rec.Columns) > 0 {
		b, err := json.Marshal(rec.Columns)
		if err != nil {
			return fmt.Errorf("marshal columns: %w", err)
		}
		s := string(b)
		columns = &s
	}

	_, err := w.pool.Exec(ctx, query,
		rec.Identifier,
		rec.Variant,
		rec.Table,
		rec.Layers,
		rec.RowCount,
		warnings,
		rec.RunID,
		columns,
	)
	if err != nil {
		return fmt.Errorf("record conversion %s/%s: %w", rec.Identifier, rec.Variant, err)
	}

	if rec.Table != "" {
		if err := w.commentColumns(ctx, rec.Table, rec.Columns); err != nil {
			return fmt.Errorf("comment columns of %s: %w", rec.Table, err)
		}
	}

	log.Printf("[metadata] recorded conversion %s/%s into %s", rec.Identifier, rec.Variant, rec.Table)
	return nil
}

// commentColumns attaches ColumnComment to the table's columns. The driver
// may have laundered names to lower case, so names match case-insensitively;
// columns missing from the table are skipped.
func (w *PostgresWriter) commentColumns(ctx context.Context, table string, cols []mapping.ColumnInfo) error {
	rows, err := w.pool.Query(ctx, `
		SELECT column_name FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
	`, w.schema, table)
	if err != nil {
		return err
	}
	existing, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return err
	}
	byName := make(map[string]string, len(existing))
	for _, name := range existing {
		byName[strings.ToLower(name)] = name
	}

	for _, c := range cols {
		comment := ColumnComment(c)
		name, ok := byName[strings.ToLower(c.Name)]
		if comment == "" || !ok {
			continue
		}
		// COMMENT takes no parameters; format() quotes server-side.
		var stmt string
		err := w.pool.QueryRow(ctx, `SELECT format('COMMENT ON COLUMN %I.%I.%I IS %L', $1::text, $2::text, $3::text, $4::text)`,
			w.schema, table, name, comment).Scan(&stmt)
		if err != nil {
			return err
		}
		if _, err := w.pool.Exec(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}

// TableExists checks the catalog for a table in the configured schema.
func (w *PostgresWriter) TableExists(ctx context.Context, table string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)
	`

	var exists bool
	if err := w.pool.QueryRow(ctx, query, w.schema, table).Scan(&exists); err != nil {
		return false, fmt.Errorf("check table exists: %w", err)
	}
	return exists, nil
}

// Close releases database connections.
func (w *PostgresWriter) Close() error {
	w.pool.Close()
	return nil
}
