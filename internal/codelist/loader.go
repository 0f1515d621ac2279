package codelist

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/withObsrvr/ksj-ingest/internal/download"
	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/metadata"
)

// Config configures the code list load that follows a database run.
type Config struct {
	// Skip disables the load.
	Skip bool `yaml:"skip"`

	// URL overrides DefaultURL.
	URL string `yaml:"url"`
}

// Store replaces the contents of the reference table.
type Store interface {
	Replace(ctx context.Context, rows []Row) error
}

// Loader downloads, parses and stores the code list.
type Loader struct {
	url       string
	downloads *download.Manager
	store     Store
	meta      metadata.Writer
	log       *slog.Logger
}

// NewLoader creates a Loader. The workbook is fetched through downloads so
// it is resumed and revalidated like dataset archives.
func NewLoader(cfg Config, downloads *download.Manager, store Store, meta metadata.Writer) *Loader {
	url := cfg.URL
	if url == "" {
		url = DefaultURL
	}
	return &Loader{url: url, downloads: downloads, store: store, meta: meta, log: logging.Component("codelist")}
}

// Load fetches the workbook into dir, replaces the table and records the
// table's dataset metadata. It returns the number of rows stored.
func (l *Loader) Load(ctx context.Context, dir string) (int, error) {
	task := download.Task{ID: Table, URL: l.url, Dest: filepath.Join(dir, "AdminiBoundary_CD.xlsx")}
	results := download.Collect(l.downloads.Fetch(ctx, []download.Task{task}, 1))
	if len(results) != 1 {
		return 0, fmt.Errorf("download code list: no result")
	}
	out := results[0].Outcome
	if out.Err != nil {
		return 0, fmt.Errorf("download code list: %w", out.Err)
	}

	f, err := os.Open(out.Path)
	if err != nil {
		return 0, err
	}
	rows, err := Parse(f)
	f.Close()
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", filepath.Base(out.Path), err)
	}

	if err := l.store.Replace(ctx, rows); err != nil {
		return 0, fmt.Errorf("store %s: %w", Table, err)
	}

	rec, err := metadata.NewDatasetRecord(Descriptor(l.url))
	if err == nil {
		err = l.meta.UpsertDataset(ctx, rec)
	}
	if err != nil {
		return len(rows), fmt.Errorf("record %s metadata: %w", Table, err)
	}

	l.log.Info("code list loaded", "table", Table, "rows", len(rows), "reused", out.Reused)
	return len(rows), nil
}
