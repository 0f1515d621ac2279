// Package cli builds the ksj-ingest command line.
//
//	ksj-ingest run [DESTINATION]     download, extract, map and convert
//	ksj-ingest catalog               resolve and print the catalog
//	ksj-ingest status [DATASET]      print ledger entries
//	ksj-ingest retry DATASET [VARIANT]
//
// Configuration is read from --config, then KSJ_* environment variables,
// then command flags.
package cli

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/ksj-ingest/internal/config"
	"github.com/withObsrvr/ksj-ingest/internal/ledger"
	"github.com/withObsrvr/ksj-ingest/internal/logging"
	"github.com/withObsrvr/ksj-ingest/internal/pipeline"
)

// app holds the state shared by all commands.
type app struct {
	configFile string
	logLevel   string

	stdout io.Writer
	stderr io.Writer
}

// BuildCLI returns the root command writing to the process's stdout and
// stderr.
func BuildCLI() *cobra.Command {
	return NewRootCommand(os.Stdout, os.Stderr)
}

// NewRootCommand returns the root command. Reports go to stdout, logs to
// stderr.
func NewRootCommand(stdout, stderr io.Writer) *cobra.Command {
	a := &app{stdout: stdout, stderr: stderr}

	rootCmd := &cobra.Command{
		Use:   "ksj-ingest",
		Short: "ksj-ingest - resumable ingestion of KSJ open geospatial data",
		Long: `ksj-ingest resolves the KSJ catalog, downloads every dataset archive,
extracts its shapefiles, maps their columns to the declared attribute names
and converts them into PostgreSQL or geospatial files.

Progress is kept in a ledger, so an interrupted run resumes where it stopped.`,
		Version:       pipeline.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.SetOut(stdout)
	rootCmd.SetErr(stderr)

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "", "config file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(a.buildCatalogCommand())
	rootCmd.AddCommand(a.buildStatusCommand())
	rootCmd.AddCommand(a.buildRetryCommand())

	return rootCmd
}

// readConfig reads the config file and environment without validating, and
// sets up logging.
func (a *app) readConfig() (config.Config, error) {
	cfg, err := config.Read(a.configFile)
	if err != nil {
		return config.Config{}, err
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	logging.SetupWriter(cfg.Logging, a.stderr)
	return cfg, nil
}

// openLedger opens the ledger named by cfg.
func openLedger(cfg config.Config, opts ledger.Options) (*ledger.Ledger, error) {
	l, err := ledger.Open(cfg.LedgerConfig(), opts)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return l, nil
}
