package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotPublished is returned when an output has no manifest.
var ErrNotPublished = errors.New("output not published")

// OutputRef locates the published files of one (dataset, variant).
type OutputRef struct {
	Dataset string // "N03"
	Variant string // "N03-13"
	Format  string // "parquet" | "GPKG" | ...
}

// DirPath returns the directory holding this output's files.
func (r OutputRef) DirPath(prefix string) string {
	return fmt.Sprintf("%s%s/%s", prefix, r.Dataset, r.Variant)
}

// Path returns the storage key of one output file.
func (r OutputRef) Path(prefix, file string) string {
	return r.DirPath(prefix) + "/" + file
}

// ManifestPath returns the storage key of this output's manifest.
func (r OutputRef) ManifestPath(prefix string) string {
	return r.DirPath(prefix) + "/_manifest.json"
}

// Manifest describes a published output. It is written after every file
// it lists, so its presence marks the output as complete.
type Manifest struct {
	Output    OutputInfo          `json:"output"`
	Layers    map[string]FileInfo `json:"layers"`
	Warnings  []string            `json:"warnings,omitempty"`
	Producer  ProducerInfo        `json:"producer"`
	CreatedAt time.Time           `json:"created_at"`
}

// OutputInfo identifies the output.
type OutputInfo struct {
	Dataset string `json:"dataset"`
	Variant string `json:"variant"`
	Format  string `json:"format"`
}

// FileInfo describes a single layer file.
type FileInfo struct {
	File     string `json:"file"`
	Checksum string `json:"checksum"`
	RowCount int64  `json:"row_count"`
	ByteSize int64  `json:"byte_size"`
}

// ProducerInfo describes the software that produced the output.
type ProducerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	RunID   string `json:"run_id,omitempty"`
}

// MarshalJSON returns the manifest as indented JSON bytes.
func (m *Manifest) MarshalJSON() ([]byte, error) {
	type Alias Manifest
	return json.MarshalIndent((*Alias)(m), "", "  ")
}

// OutputStore abstracts publishing converted files.
type OutputStore interface {
	// Put streams one output file to storage.
	Put(ctx context.Context, ref OutputRef, file string, r io.Reader) error

	// WriteManifest writes the manifest of ref.
	WriteManifest(ctx context.Context, ref OutputRef, manifest *Manifest) error

	// ReadManifest returns the manifest of ref, or ErrNotPublished.
	ReadManifest(ctx context.Context, ref OutputRef) (*Manifest, error)

	// Exists reports whether ref has been published.
	Exists(ctx context.Context, ref OutputRef) (bool, error)

	// URI returns the canonical URI for the given key.
	// For local: file:///path, GCS: gs://bucket/path, S3: s3://bucket/path
	URI(key string) string

	// Close releases any resources.
	Close() error
}

// Config configures the storage backend.
type Config struct {
	Backend string `yaml:"backend"` // "local" | "gcs" | "s3"

	// Local filesystem
	LocalDir string `yaml:"local_dir"`

	// GCS and S3
	Bucket string `yaml:"bucket"`

	// S3 (also works for B2, R2, MinIO)
	Endpoint string `yaml:"endpoint"`
	Region   string `yaml:"region"`

	// Common
	Prefix string `yaml:"prefix"` // "ksj/" (path prefix within bucket or local dir)
}

// NewOutputStore creates a storage backend based on configuration.
func NewOutputStore(ctx context.Context, cfg Config) (OutputStore, error) {
	switch cfg.Backend {
	case "local", "":
		if cfg.LocalDir == "" {
			return nil, fmt.Errorf("local_dir required for local backend")
		}
		return NewLocalStore(cfg.LocalDir, cfg.Prefix)
	case "gcs":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for gcs backend")
		}
		return OpenBlobStore(ctx, "gs://"+cfg.Bucket, cfg.Prefix)
	case "s3":
		if cfg.Bucket == "" {
			return nil, fmt.Errorf("bucket required for s3 backend")
		}
		return OpenBlobStore(ctx, s3URL(cfg.Bucket, cfg.Endpoint, cfg.Region), cfg.Prefix)
	default:
		return nil, fmt.Errorf("unknown storage backend: %s", cfg.Backend)
	}
}
