package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/withObsrvr/ksj-ingest/internal/audit"
	"github.com/withObsrvr/ksj-ingest/internal/catalog"
	"github.com/withObsrvr/ksj-ingest/internal/codelist"
	"github.com/withObsrvr/ksj-ingest/internal/config"
	"github.com/withObsrvr/ksj-ingest/internal/convert"
	"github.com/withObsrvr/ksj-ingest/internal/download"
	"github.com/withObsrvr/ksj-ingest/internal/extract"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/mapping"
	"github.com/withObsrvr/ksj-ingest/internal/metadata"
	"github.com/withObsrvr/ksj-ingest/internal/metrics"
	"github.com/withObsrvr/ksj-ingest/internal/pipeline"
	"github.com/withObsrvr/ksj-ingest/internal/storage"
)

type runFlags struct {
	format       string
	tmpDir       string
	skipDownload bool
	skipIfExists bool
	identifiers  string
	year         int
	force        bool
	retryFailed  bool
	concurrency  int
}

func (a *app) buildRunCommand() *cobra.Command {
	var f runFlags

	cmd := &cobra.Command{
		Use:   "run [DESTINATION]",
		Short: "Download and convert every eligible dataset",
		Long: `Run the full pipeline for every (dataset, variant) in the catalog.

DESTINATION is the PostgreSQL connection string for the PostgreSQL format
and the output directory for every other format. It overrides sink.dsn or
sink.output_dir from the config.

Individual dataset failures are reported and recorded in the ledger; the
command only fails when the configuration is invalid, the catalog cannot
be fetched or the ledger cannot be written.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.readConfig()
			if err != nil {
				return err
			}
			applyRunFlags(&cfg, cmd.Flags(), f, args)
			if err := cfg.Validate(); err != nil {
				return err
			}
			return runIngest(cmd.Context(), cfg, a)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&f.format, "format", convert.FormatPostgreSQL, "output format: PostgreSQL, parquet or a GDAL driver name (GPKG, FlatGeobuf, ...)")
	flags.StringVar(&f.tmpDir, "tmp-dir", "", "directory for archives, extracted layers and the ledger")
	flags.BoolVar(&f.skipDownload, "skip-download", false, "use archives already on disk and never touch the network")
	flags.BoolVar(&f.skipIfExists, "skip-if-exists", false, "treat datasets whose destination already exists as done")
	flags.StringVar(&f.identifiers, "filter-identifiers", "", "comma-separated dataset or variant identifiers to process")
	flags.IntVar(&f.year, "year", 0, "select dataset versions and files for this year (default: most recent)")
	flags.BoolVar(&f.force, "force", false, "reprocess converted and failed datasets")
	flags.BoolVar(&f.retryFailed, "retry-failed", false, "reprocess datasets that failed in an earlier run")
	flags.IntVar(&f.concurrency, "concurrency", 0, "concurrent dataset pipelines (default: CPU count)")
	flags.SetNormalizeFunc(func(_ *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "skip-sql-if-exists" {
			name = "skip-if-exists"
		}
		return pflag.NormalizedName(name)
	})

	return cmd
}

// applyRunFlags overrides cfg with the flags that were set explicitly.
func applyRunFlags(cfg *config.Config, flags *pflag.FlagSet, f runFlags, args []string) {
	if flags.Changed("format") {
		cfg.Sink.Format = f.format
	}
	if flags.Changed("tmp-dir") {
		cfg.Workers.TmpDir = f.tmpDir
	}
	if flags.Changed("skip-download") {
		cfg.Download.Offline = f.skipDownload
	}
	if flags.Changed("skip-if-exists") {
		cfg.Sink.SkipIfExists = f.skipIfExists
	}
	if flags.Changed("filter-identifiers") {
		cfg.Filter.Identifiers = config.SplitList(f.identifiers)
	}
	if flags.Changed("year") {
		cfg.Catalog.Year = f.year
	}
	if flags.Changed("force") {
		cfg.Filter.Force = f.force
	}
	if flags.Changed("retry-failed") {
		cfg.Filter.RetryFailed = f.retryFailed
	}
	if flags.Changed("concurrency") {
		cfg.Workers.Pipelines = f.concurrency
	}

	if len(args) == 1 {
		if cfg.Sink.IsDatabase() {
			cfg.Sink.DSN = args[0]
		} else {
			cfg.Sink.OutputDir = args[0]
		}
	}
}

// runIngest wires the components from cfg and runs them over a freshly
// resolved catalog.
func runIngest(ctx context.Context, cfg config.Config, a *app) error {
	if cfg.Metrics.Enabled {
		metrics.Init("", nil)
		go func() {
			log.Printf("[metrics] serving on %s", cfg.Metrics.Address)
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Printf("[metrics] server stopped: %v", err)
			}
		}()
	}

	runID := logging.NewRunID()
	snap, err := resolveCatalog(ctx, cfg)
	if err != nil {
		return err
	}

	led, err := openLedger(cfg, ledger.Options{Force: cfg.Filter.Force, RunID: runID})
	if err != nil {
		return err
	}
	defer led.Close()

	policy, err := cfg.Filter.Policy()
	if err != nil {
		return err
	}

	engines := map[string]convert.Engine{
		convert.FormatParquet: &convert.ParquetEngine{
			GeohashPrecision: cfg.Sink.GeohashPrecision,
			Compression:      cfg.Sink.Compression,
		},
	}
	dispatcher := convert.NewDispatcher(engines, convert.NewOGREngine(cfg.Sink.OGR2OGR))

	var store storage.OutputStore
	if cfg.Storage.Publish && !cfg.Sink.IsDatabase() {
		store, err = storage.NewOutputStore(ctx, cfg.Storage.Config)
		if err != nil {
			return fmt.Errorf("open output store: %w", err)
		}
		defer store.Close()
	}

	meta, err := metadata.NewWriter(ctx, cfg.MetadataConfig())
	if err != nil {
		return fmt.Errorf("open metadata writer: %w", err)
	}
	defer meta.Close()

	auditor, err := audit.NewEmitter(cfg.AuditConfig())
	if err != nil {
		return fmt.Errorf("open audit trail: %w", err)
	}
	defer auditor.Close()

	downloads := download.NewManager(cfg.Download)
	orch, err := pipeline.New(pipeline.Config{
		WorkDir:      cfg.Workers.TmpDir,
		Workers:      cfg.Workers.Pipelines,
		Downloads:    cfg.Workers.Downloads,
		SkipIfExists: cfg.Sink.SkipIfExists,
		Sink:         cfg.Sink.Sink,
		Filter:       policy,
	}, pipeline.Deps{
		Ledger:     led,
		Downloads:  downloads,
		Extractor:  extract.New(cfg.Extract),
		Mapper:     mapping.New(cfg.Mapping),
		Dispatcher: dispatcher,
		Store:      store,
		Metadata:   meta,
		Audit:      auditor,
		RunID:      runID,
	})
	if err != nil {
		return err
	}

	report, err := orch.Run(ctx, snap)
	if report != nil {
		report.Write(a.stdout)
	}
	if err != nil {
		return err
	}
	if cfg.Sink.IsDatabase() && !cfg.AdminBoundary.Skip && ctx.Err() == nil {
		loadAdminBoundary(ctx, cfg, downloads, meta, a.stdout)
	}
	return nil
}

// loadAdminBoundary refreshes the area code table that area code columns
// reference. A failure is reported but does not fail the run.
func loadAdminBoundary(ctx context.Context, cfg config.Config, downloads *download.Manager, meta metadata.Writer, out io.Writer) {
	store, err := codelist.NewPostgresStore(ctx, cfg.Sink.DSN, cfg.Sink.Schema)
	if err != nil {
		fmt.Fprintf(out, "warning %s: %v\n", codelist.Table, err)
		return
	}
	defer store.Close()

	loader := codelist.NewLoader(cfg.AdminBoundary, downloads, store, meta)
	n, err := loader.Load(ctx, filepath.Join(cfg.Workers.TmpDir, "codelist"))
	if err != nil {
		fmt.Fprintf(out, "warning %s: %v\n", codelist.Table, err)
		return
	}
	fmt.Fprintf(out, "%s: %d code(s) loaded\n", codelist.Table, n)
}

// resolveCatalog fetches the catalog snapshot for cfg.
func resolveCatalog(ctx context.Context, cfg config.Config) (*catalog.Snapshot, error) {
	src, err := catalog.NewSource(ctx, cfg.Catalog.Source())
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer src.Close()

	snap, err := catalog.NewResolver(src, cfg.Catalog.Options()).Resolve(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog: %w", err)
	}
	if m := metrics.Get(); m != nil {
		m.SetCatalog(len(snap.Descriptors), len(snap.Malformed), len(snap.Unavailable))
	}
	return snap, nil
}
