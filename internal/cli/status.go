package cli

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/withObsrvr/ksj-ingest/internal/ledger"
)

func (a *app) buildStatusCommand() *cobra.Command {
	var failedOnly bool

	cmd := &cobra.Command{
		Use:   "status [DATASET]",
		Short: "Print the status of every dataset in the ledger",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.readConfig()
			if err != nil {
				return err
			}
			led, err := openLedger(cfg, ledger.Options{})
			if err != nil {
				return err
			}
			defer led.Close()

			entries, err := led.List(cmd.Context())
			if err != nil {
				return err
			}
			var shown []ledger.Entry
			for _, e := range entries {
				if len(args) == 1 && e.Dataset != args[0] {
					continue
				}
				if failedOnly && !e.Failed() {
					continue
				}
				shown = append(shown, e)
			}
			writeStatus(a.stdout, shown)
			return nil
		},
	}
	cmd.Flags().BoolVar(&failedOnly, "failed", false, "only print failed entries")
	return cmd
}

func writeStatus(w io.Writer, entries []ledger.Entry) {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Dataset", "Variant", "State", "Detail", "Warnings", "Retries", "Updated"})
	table.SetAutoWrapText(false)
	table.SetBorder(false)

	counts := make(map[string]int)
	for _, e := range entries {
		state := e.State()
		detail := e.Detail
		switch {
		case e.Failed():
			detail = fmt.Sprintf("at %s: %s", e.Failure.Stage, e.Failure.Reason)
		case e.Filtered != "":
			state, detail = "filtered", e.Filtered
		}
		counts[state]++
		table.Append([]string{
			e.Dataset,
			e.Variant,
			state,
			detail,
			strconv.Itoa(len(e.Warnings)),
			strconv.Itoa(e.Retries),
			e.UpdatedAt.Local().Format(time.DateTime),
		})
	}
	table.Render()

	fmt.Fprintf(w, "%d entries", len(entries))
	for _, s := range []string{"converted", "failed", "filtered", "pending"} {
		if n := counts[s]; n > 0 {
			fmt.Fprintf(w, " %s=%d", s, n)
		}
	}
	fmt.Fprintln(w)
}
