package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/ksj-ingest/internal/catalog"
)

func (a *app) buildCatalogCommand() *cobra.Command {
	var (
		year   int
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Resolve the catalog and print its datasets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.readConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("year") {
				cfg.Catalog.Year = year
			}
			snap, err := resolveCatalog(cmd.Context(), cfg)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(snap.Descriptors)
			}
			writeCatalog(a.stdout, snap)
			return nil
		},
	}
	cmd.Flags().IntVar(&year, "year", 0, "select dataset versions and files for this year")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the resolved descriptors as JSON")
	return cmd
}

func writeCatalog(w io.Writer, snap *catalog.Snapshot) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Dataset", "Name", "License", "Version", "Variants", "Archives", "Columns"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)
	for _, d := range snap.Descriptors {
		parts := 0
		for _, v := range d.Variants {
			parts += len(v.Parts)
		}
		table.Append([]string{
			d.ID,
			d.Name,
			d.License.String(),
			d.Version,
			strconv.Itoa(len(d.Variants)),
			strconv.Itoa(parts),
			strconv.Itoa(len(d.Columns)),
		})
	}
	table.Render()

	for _, m := range snap.Malformed {
		fmt.Fprintf(w, "skipped %s\n", m)
	}
	for _, u := range snap.Unavailable {
		fmt.Fprintf(w, "unavailable %s\n", u)
	}
	fmt.Fprintf(w, "%d dataset(s), %d skipped", len(snap.Descriptors), len(snap.Malformed))
	if n := len(snap.Unavailable); n > 0 {
		fmt.Fprintf(w, ", %d unavailable", n)
	}
	fmt.Fprintln(w)
}
