// Package config loads the ingestion configuration: a YAML file, then KSJ_*
// environment overrides. Command-line flags are applied on top by the CLI.
package config

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/withObsrvr/ksj-ingest/internal/audit"
	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/codelist"
	"github.com/withObsrvr/ksj-ingest/internal/convert"
	"github.com/withObsrvr/ksj-ingest/internal/download"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
	"github.com/withObsrvr/ksj-ingest/internal/filter"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
	"github.com/withObsrvr/ksj-ingest/internal/metadata"
	"github.com/withObsrvr/ksj-ingest/internal/metrics"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

// ErrInvalid marks a configuration that failed validation.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Catalog  CatalogConfig   `yaml:"catalog"`
	Download download.Config `yaml:"download"`
	Extract  extract.Config  `yaml:"extract"`
	Filter   FilterConfig    `yaml:"filter"`
	Mapping  mapping.Options `yaml:"mapping"`
	Ledger   ledger.Config   `yaml:"ledger"`
	Sink     SinkConfig      `yaml:"sink"`
	Storage  StorageConfig   `yaml:"storage"`
	Metadata metadata.Config `yaml:"metadata"`
	Audit    audit.Config    `yaml:"audit"`
	Workers  WorkersConfig   `yaml:"workers"`
	Logging  logging.Config  `yaml:"logging"`
	Metrics  metrics.Config  `yaml:"metrics"`

	// AdminBoundary loads the area code reference table after a database run.
	AdminBoundary codelist.Config `yaml:"admin_boundary"`
}

type CatalogConfig struct {
	// BaseURL is the API root or a bucket URL holding a mirror.
	BaseURL string `yaml:"base_url"`

	// Year selects dataset versions and files; 0 means most recent.
	Year int `yaml:"year"`

	Concurrency int           `yaml:"concurrency"`
	Timeout     time.Duration `yaml:"timeout"`
	MaxRetries  int           `yaml:"max_retries"`
	RateLimit   float64       `yaml:"rate_limit"`
}

// Source returns the catalog source configuration.
func (c CatalogConfig) Source() catalog.SourceConfig {
	return catalog.SourceConfig{
		BaseURL:    c.BaseURL,
		Timeout:    c.Timeout,
		MaxRetries: c.MaxRetries,
		RateLimit:  c.RateLimit,
	}
}

// Options returns the resolver options.
func (c CatalogConfig) Options() catalog.Options {
	return catalog.Options{Year: c.Year, Concurrency: c.Concurrency}
}

type FilterConfig struct {
	// DisallowedLicenses overrides the default exclusion of non-commercial
	// data. An empty list allows every license.
	DisallowedLicenses []string `yaml:"disallowed_licenses"`

	AllowNonCommercial bool     `yaml:"allow_non_commercial"`
	Identifiers        []string `yaml:"identifiers"`
	Force              bool     `yaml:"force"`
	RetryFailed        bool     `yaml:"retry_failed"`
}

// Policy returns the filter policy.
func (f FilterConfig) Policy() (filter.Policy, error) {
	p := filter.Policy{
		AllowNonCommercial: f.AllowNonCommercial,
		Identifiers:        f.Identifiers,
		Force:              f.Force,
		RetryFailed:        f.RetryFailed,
	}
	if f.DisallowedLicenses != nil {
		p.Disallowed = []catalog.License{}
		for _, name := range f.DisallowedLicenses {
			l, err := catalog.ParseLicense(name)
			if err != nil {
				return filter.Policy{}, err
			}
			p.Disallowed = append(p.Disallowed, l)
		}
	}
	return p, nil
}

type SinkConfig struct {
	convert.Sink `yaml:",inline"`

	// OGR2OGR is the ogr2ogr binary (default: "ogr2ogr" on PATH).
	OGR2OGR string `yaml:"ogr2ogr"`

	// GeohashPrecision and Compression tune the parquet format.
	GeohashPrecision uint   `yaml:"geohash_precision"`
	Compression      string `yaml:"compression"`

	// SkipIfExists treats an existing table or published output as done.
	SkipIfExists bool `yaml:"skip_if_exists"`
}

type StorageConfig struct {
	// Publish copies file outputs to the configured store with a manifest.
	Publish bool `yaml:"publish"`

	storage.Config `yaml:",inline"`
}

type WorkersConfig struct {
	// Pipelines bounds concurrent (dataset, variant) pipelines (default: CPU count).
	Pipelines int `yaml:"pipelines"`

	// Downloads bounds in-flight downloads (default: Pipelines).
	Downloads int `yaml:"downloads"`

	// TmpDir holds archives and extracted files.
	TmpDir string `yaml:"tmp_dir"`
}

// LedgerConfig returns the ledger configuration with the path defaulted
// into the tmp directory.
func (c Config) LedgerConfig() ledger.Config {
	lc := c.Ledger
	if lc.Path == "" {
		name := "ledger.db"
		if b := strings.ToLower(lc.Backend); b == "file" || b == "json" {
			name = "ledger.json"
		}
		lc.Path = filepath.Join(c.Workers.TmpDir, name)
	}
	return lc
}

// MetadataConfig returns the metadata configuration. A PostgreSQL sink
// records metadata in its own database unless another DSN is set.
func (c Config) MetadataConfig() metadata.Config {
	mc := c.Metadata
	if mc.PostgresDSN == "" && mc.Dir == "" && c.Sink.IsDatabase() {
		mc.PostgresDSN = c.Sink.DSN
	}
	if mc.Schema == "" {
		mc.Schema = c.Sink.Schema
	}
	return mc
}

// AuditConfig returns the audit configuration with the directory defaulted
// into the tmp directory.
func (c Config) AuditConfig() audit.Config {
	ac := c.Audit
	if ac.Dir == "" {
		ac.Dir = filepath.Join(c.Workers.TmpDir, "audit")
	}
	return ac
}

// Default returns the configuration used when nothing is set.
func Default() Config {
	return Config{
		Catalog: CatalogConfig{BaseURL: catalog.DefaultBaseURL},
		Ledger:  ledger.Config{Backend: "bolt"},
		Sink: SinkConfig{
			Sink: convert.Sink{Format: convert.FormatPostgreSQL, Schema: "public"},
		},
		Workers: WorkersConfig{TmpDir: defaultTmpDir()},
		Logging: logging.Config{Format: "text", Level: "info"},
		Metrics: metrics.Config{Address: ":9090"},
	}
}

func defaultTmpDir() string {
	return filepath.Join(os.TempDir(), "ksj-ingest")
}

// Load reads path (when set) over the defaults, applies environment
// overrides and validates the result.
func Load(path string) (Config, error) {
	cfg, err := Read(path)
	if err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Read is Load without validation, for callers that apply further
// overrides first.
func Read(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		log.Printf("[config] loading %s", path)
		f, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer f.Close()
		dec := yaml.NewDecoder(f)
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	return cfg, nil
}

// ApplyEnv overrides fields from KSJ_* environment variables.
func (c *Config) ApplyEnv() {
	c.Catalog.BaseURL = getenvDefault("KSJ_CATALOG_URL", c.Catalog.BaseURL)
	c.Catalog.Year = parseInt(getenvDefault("KSJ_YEAR", ""), c.Catalog.Year)

	c.Download.Concurrency = parseInt(getenvDefault("KSJ_DOWNLOAD_CONCURRENCY", ""), c.Download.Concurrency)
	c.Download.Offline = parseBool(os.Getenv("KSJ_SKIP_DOWNLOAD"), c.Download.Offline)

	// The archive password is only ever read from the environment.
	c.Extract.Password = os.Getenv("KSJ_ARCHIVE_PASSWORD")

	if ids := os.Getenv("KSJ_FILTER_IDENTIFIERS"); ids != "" {
		c.Filter.Identifiers = SplitList(ids)
	}
	c.Filter.AllowNonCommercial = parseBool(os.Getenv("KSJ_ALLOW_NON_COMMERCIAL"), c.Filter.AllowNonCommercial)

	c.Ledger.Backend = getenvDefault("KSJ_LEDGER_BACKEND", c.Ledger.Backend)
	c.Ledger.Path = getenvDefault("KSJ_LEDGER_PATH", c.Ledger.Path)

	c.Sink.Format = getenvDefault("KSJ_FORMAT", c.Sink.Format)
	c.Sink.DSN = getenvDefault("KSJ_DATABASE_URL", c.Sink.DSN)
	c.Sink.OutputDir = getenvDefault("KSJ_OUTPUT_DIR", c.Sink.OutputDir)
	c.Sink.OGR2OGR = getenvDefault("KSJ_OGR2OGR", c.Sink.OGR2OGR)

	c.Storage.Backend = getenvDefault("KSJ_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Bucket = getenvDefault("KSJ_STORAGE_BUCKET", c.Storage.Bucket)
	c.Storage.Prefix = getenvDefault("KSJ_STORAGE_PREFIX", c.Storage.Prefix)
	c.Storage.LocalDir = getenvDefault("KSJ_STORAGE_DIR", c.Storage.LocalDir)

	c.Metadata.PostgresDSN = getenvDefault("KSJ_METADATA_DSN", c.Metadata.PostgresDSN)

	c.AdminBoundary.Skip = parseBool(os.Getenv("KSJ_SKIP_ADMIN_BOUNDARY"), c.AdminBoundary.Skip)
	c.AdminBoundary.URL = getenvDefault("KSJ_ADMIN_BOUNDARY_URL", c.AdminBoundary.URL)

	if endpoint := os.Getenv("KSJ_AUDIT_ENDPOINT"); endpoint != "" {
		c.Audit.Enabled, c.Audit.Endpoint = true, endpoint
	}

	c.Workers.Pipelines = parseInt(getenvDefault("KSJ_CONCURRENCY", ""), c.Workers.Pipelines)
	c.Workers.TmpDir = getenvDefault("KSJ_TMP_DIR", c.Workers.TmpDir)

	c.Logging.Level = getenvDefault("KSJ_LOG_LEVEL", c.Logging.Level)
	c.Logging.Format = getenvDefault("KSJ_LOG_FORMAT", c.Logging.Format)

	c.Metrics.Enabled = parseBool(os.Getenv("KSJ_METRICS_ENABLED"), c.Metrics.Enabled)
	c.Metrics.Address = getenvDefault("KSJ_METRICS_ADDR", c.Metrics.Address)
}

// Validate rejects unknown enumerated values and missing destinations.
func (c Config) Validate() error {
	var errs []error
	invalid := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf("%w: "+format, append([]any{ErrInvalid}, args...)...))
	}

	if c.Catalog.Year != 0 && (c.Catalog.Year < 1900 || c.Catalog.Year > 2100) {
		invalid("catalog.year %d out of range", c.Catalog.Year)
	}
	if _, err := c.Filter.Policy(); err != nil {
		invalid("filter.disallowed_licenses: %v", err)
	}

	switch strings.ToLower(c.Ledger.Backend) {
	case "", "bolt", "file", "json":
	default:
		invalid("ledger.backend %q (want bolt or file)", c.Ledger.Backend)
	}

	switch {
	case c.Sink.Format == "":
		invalid("sink.format is required")
	case c.Sink.IsDatabase():
		if c.Sink.DSN == "" {
			invalid("sink.dsn is required for the PostgreSQL format")
		}
	case c.Sink.OutputDir == "":
		invalid("sink.output_dir is required for the %s format", c.Sink.Format)
	}
	switch strings.ToLower(c.Sink.Compression) {
	case "", "snappy", "zstd", "gzip", "none", "uncompressed":
	default:
		invalid("sink.compression %q", c.Sink.Compression)
	}
	if c.Sink.GeohashPrecision > 12 {
		invalid("sink.geohash_precision %d exceeds 12", c.Sink.GeohashPrecision)
	}

	switch c.Storage.Backend {
	case "", "local":
		if c.Storage.Publish && c.Storage.LocalDir == "" {
			invalid("storage.local_dir is required for the local backend")
		}
	case "gcs", "s3":
		if c.Storage.Bucket == "" {
			invalid("storage.bucket is required for the %s backend", c.Storage.Backend)
		}
	default:
		invalid("storage.backend %q (want local, gcs or s3)", c.Storage.Backend)
	}

	if c.Workers.Pipelines < 0 || c.Workers.Downloads < 0 || c.Download.Concurrency < 0 {
		invalid("worker counts must not be negative")
	}
	switch strings.ToLower(c.Logging.Format) {
	case "", "json", "text":
	default:
		invalid("logging.format %q (want json or text)", c.Logging.Format)
	}

	return errors.Join(errs...)
}

// SplitList splits a comma-separated list, dropping empty items.
func SplitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func parseInt(v string, def int) int {
	if v == "" {
		return def
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		log.Printf("[config] ignoring invalid integer %q", v)
		return def
	}
	return parsed
}

func parseBool(v string, def bool) bool {
	if v == "" {
		return def
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return parsed
}
