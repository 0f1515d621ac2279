// Package convert materializes mapped layers into an output sink: a
// PostgreSQL/PostGIS database or GDAL file formats through ogr2ogr, or
// GeoParquet written in-process.
package convert

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

// ErrConversionFailure marks an error reported by a conversion engine.
var ErrConversionFailure = errors.New("conversion failed")

// Failure is a conversion error with the engine's reason string.
type Failure struct {
	Engine string
	Layer  string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Layer == "" {
		return fmt.Sprintf("%s: %s", f.Engine, f.Reason)
	}
	return fmt.Sprintf("%s: layer %s: %s", f.Engine, f.Layer, f.Reason)
}

func (f *Failure) Unwrap() []error {
	if f.Err == nil {
		return []error{ErrConversionFailure}
	}
	return []error{ErrConversionFailure, f.Err}
}

// Formats understood by the dispatcher besides GDAL driver names.
const (
	FormatPostgreSQL = "PostgreSQL"
	FormatParquet    = "parquet"
)

// Sink describes where converted layers go.
type Sink struct {
	// Format is "PostgreSQL", "parquet" or any GDAL vector driver name
	// ("GPKG", "FlatGeobuf", "GeoJSON").
	Format string `yaml:"format"`

	// DSN is the PostgreSQL connection string.
	DSN string `yaml:"dsn"`

	// Schema is the PostgreSQL schema of the data tables.
	Schema string `yaml:"schema"`

	// OutputDir receives file outputs, one directory per variant.
	OutputDir string `yaml:"output_dir"`
}

// IsDatabase reports whether the sink is the PostgreSQL driver.
func (s Sink) IsDatabase() bool {
	return strings.EqualFold(s.Format, FormatPostgreSQL)
}

// Layer is one extracted layer with its resolved schema.
type Layer struct {
	Layer  extract.Layer
	Schema mapping.Schema
}

// Request is the conversion of one (dataset, variant).
type Request struct {
	// Descriptor is narrowed to the variant.
	Descriptor catalog.DatasetDescriptor
	Variant    string
	Layers     []Layer
}

// Table returns the database table name of the request.
func (r Request) Table() string {
	return TableName(r.Variant)
}

// Result describes a successful conversion.
type Result struct {
	Engine string

	// Table is set for database sinks.
	Table string

	// Files lists file outputs, one per layer.
	Files []storage.LayerFile

	Layers   int
	Rows     int64
	Warnings []string

	// Columns describes the output columns with their declared foreign keys
	// and enumerations.
	Columns []mapping.ColumnInfo
}

// Engine converts the layers of one request. Implementations must not be
// called concurrently for the same destination; the Dispatcher ensures it.
type Engine interface {
	Name() string
	Convert(ctx context.Context, req Request, sink Sink) (Result, error)
}

// TableName maps an identifier to a lower-case table name of letters,
// digits and underscores.
func TableName(id string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if name == "" || (name[0] >= '0' && name[0] <= '9') {
		name = "t_" + name
	}
	return name
}

// OutputDir returns the directory file outputs of req are written to.
func OutputDir(sink Sink, req Request) string {
	return filepath.Join(sink.OutputDir, req.Descriptor.ID, req.Variant)
}

// Destination identifies the table or directory a request writes to.
func Destination(sink Sink, req Request) string {
	if sink.IsDatabase() {
		schema := sink.Schema
		if schema == "" {
			schema = "public"
		}
		return "pg:" + schema + "." + req.Table()
	}
	return "file:" + OutputDir(sink, req)
}
