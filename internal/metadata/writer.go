package metadata

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config selects where metadata is recorded.
type Config struct {
	// PostgresDSN enables the PostgreSQL writer.
	PostgresDSN string `yaml:"postgres_dsn"`

	// Schema is the PostgreSQL schema holding the metadata and data tables.
	Schema string `yaml:"schema"`

	// Dir enables the file writer when no DSN is set.
	Dir string `yaml:"dir"`
}

// Writer records dataset metadata.
type Writer interface {
	// UpsertDataset inserts or replaces the dataset's metadata row.
	UpsertDataset(ctx context.Context, rec DatasetRecord) error

	// RecordConversion records the lineage of a converted variant.
	RecordConversion(ctx context.Context, rec ConversionRecord) error

	// TableExists reports whether a data table already exists.
	TableExists(ctx context.Context, table string) (bool, error)

	Close() error
}

// NewWriter returns the PostgreSQL writer when a DSN is configured, a file
// writer when a directory is, and a no-op writer otherwise.
func NewWriter(ctx context.Context, cfg Config) (Writer, error) {
	switch {
	case cfg.PostgresDSN != "":
		return NewPostgresWriter(ctx, cfg)
	case cfg.Dir != "":
		return NewFileWriter(cfg.Dir)
	default:
		return noopWriter{}, nil
	}
}

type noopWriter struct{}

func (noopWriter) UpsertDataset(context.Context, DatasetRecord) error       { return nil }
func (noopWriter) RecordConversion(context.Context, ConversionRecord) error { return nil }
func (noopWriter) TableExists(context.Context, string) (bool, error)        { return false, nil }
func (noopWriter) Close() error                                             { return nil }

// FileWriter keeps metadata as JSON documents under a directory:
// datasets/<identifier>.json and conversions/<identifier>/<variant>.json.
type FileWriter struct {
	dir string
}

// NewFileWriter creates a FileWriter rooted at dir.
func NewFileWriter(dir string) (*FileWriter, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create metadata directory %s: %w", dir, err)
	}
	return &FileWriter{dir: dir}, nil
}

// UpsertDataset writes the dataset document.
func (w *FileWriter) UpsertDataset(_ context.Context, rec DatasetRecord) error {
	path := filepath.Join(w.dir, "datasets", fileName(rec.Identifier)+".json")
	if err := writeJSON(path, rec); err != nil {
		return fmt.Errorf("write dataset %s: %w", rec.Identifier, err)
	}
	return nil
}

// RecordConversion writes the conversion document.
func (w *FileWriter) RecordConversion(_ context.Context, rec ConversionRecord) error {
	path := filepath.Join(w.dir, "conversions", fileName(rec.Identifier), fileName(rec.Variant)+".json")
	if err := writeJSON(path, rec); err != nil {
		return fmt.Errorf("write conversion %s/%s: %w", rec.Identifier, rec.Variant, err)
	}
	return nil
}

// TableExists reports whether any conversion recorded table.
func (w *FileWriter) TableExists(_ context.Context, table string) (bool, error) {
	matches, err := filepath.Glob(filepath.Join(w.dir, "conversions", "*", "*.json"))
	if err != nil {
		return false, err
	}
	for _, m := range matches {
		var rec ConversionRecord
		if err := readJSON(m, &rec); err != nil {
			return false, err
		}
		if rec.Table == table {
			return true, nil
		}
	}
	return false, nil
}

// Close is a no-op.
func (w *FileWriter) Close() error {
	return nil
}

func fileName(id string) string {
	return strings.NewReplacer("/", "_", `\`, "_", "..", "_").Replace(id)
}
