package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/withObsrvr/ksj-ingest/internal/ledger"
)

func (a *app) buildRetryCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "retry DATASET [VARIANT]",
		Short: "Reset a dataset, or one of its variants, to pending",
		Long: `Reset the ledger entries of DATASET (or only DATASET/VARIANT) to pending,
clearing any recorded failure. The next run processes them from the start.
No other entry is touched.`,
		Args: cobra.RangeArgs(1, 2),
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

			variant := ""
			if len(args) == 2 {
				variant = args[1]
			}
			reset, err := resetEntries(cmd.Context(), led, args[0], variant)
			if err != nil {
				return err
			}
			for _, e := range reset {
				fmt.Fprintf(a.stdout, "reset %s (retry %d)\n", e.Key(), e.Retries)
			}
			return nil
		},
	}
}

// resetEntries resets the entries of dataset, or only dataset/variant when
// variant is set. Only pairs already in the ledger are reset.
func resetEntries(ctx context.Context, led *ledger.Ledger, dataset, variant string) ([]ledger.Entry, error) {
	entries, err := led.List(ctx)
	if err != nil {
		return nil, err
	}
	var reset []ledger.Entry
	for _, e := range entries {
		if e.Dataset != dataset || (variant != "" && e.Variant != variant) {
			continue
		}
		updated, err := led.Reset(ctx, e.Dataset, e.Variant)
		if err != nil {
			return reset, fmt.Errorf("reset %s: %w", e.Key(), err)
		}
		reset = append(reset, updated)
	}
	if len(reset) == 0 {
		target := dataset
		if variant != "" {
			target += "/" + variant
		}
		return nil, fmt.Errorf("no ledger entries for %s", target)
	}
	return reset, nil
}
