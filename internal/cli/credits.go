package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"agent-job-sync/internal/credits"
)

// NewCreditsCommand creates the credits conversion commands.
func NewCreditsCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "credits",
		Short: "Convert between credits and minor units",
	}

	var exact bool
	toCents := &cobra.Command{
		Use:   "to-cents <credits>",
		Short: "Convert a decimal credit amount to minor units",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			convert := credits.CreditsToCents
			if exact {
				convert = credits.CreditsToCentsExact
			}
			a, err := convert(args[0])
			if err != nil {
				return err
			}
			return writeAmount(cmd, rootOpts, a)
		},
	}
	toCents.Flags().BoolVar(&exact, "exact", false, "fail instead of rounding sub-unit precision")

	toCredits := &cobra.Command{
		Use:   "to-credits <minor-units>",
		Short: "Convert minor units to a decimal credit amount",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := credits.ParseAmount(args[0])
			if err != nil {
				return err
			}
			return writeAmount(cmd, rootOpts, a)
		},
	}

	cmd.AddCommand(toCents, toCredits)
	return cmd
}

func writeAmount(cmd *cobra.Command, opts *RootOptions, a credits.Amount) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return json.NewEncoder(out).Encode(map[string]string{
			"minor_units": a.String(),
			"credits":     credits.CentsToCredits(a),
		})
	}
	fmt.Fprintf(out, "%s minor units = %s credits\n", a.String(), credits.CentsToCredits(a))
	return nil
}
