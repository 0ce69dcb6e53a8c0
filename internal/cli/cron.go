package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"agent-job-sync/internal/recurrence"
)

type cronPreview struct {
	Cron        string      `json:"cron"`
	Kind        string      `json:"kind"`
	Description string      `json:"description"`
	Occurrences []time.Time `json:"occurrences,omitempty"`
}

// NewCronCommand creates the cron command group.
func NewCronCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cron",
		Short: "Inspect recurrence patterns",
	}
	cmd.AddCommand(newCronNextCommand(rootOpts))
	cmd.AddCommand(newCronDescribeCommand(rootOpts))
	return cmd
}

func newCronNextCommand(rootOpts *RootOptions) *cobra.Command {
	var (
		tz    string
		count int
		from  string
	)
	cmd := &cobra.Command{
		Use:   "next <expr>",
		Short: "List the next occurrences of a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := recurrence.Parse(args[0])
			if err != nil {
				return err
			}
			loc, err := recurrence.LoadLocation(tz)
			if err != nil {
				return err
			}
			now := time.Now()
			if from != "" {
				if now, err = time.Parse(time.RFC3339, from); err != nil {
					return fmt.Errorf("--from: %w", err)
				}
			}
			times, err := recurrence.Occurrences(p, now, loc, count)
			if err != nil {
				return err
			}
			return writeCron(cmd, rootOpts, cronPreview{
				Cron:        args[0],
				Kind:        p.Kind.String(),
				Description: recurrence.Describe(p),
				Occurrences: times,
			})
		},
	}
	cmd.Flags().StringVar(&tz, "tz", "UTC", "IANA timezone the pattern is evaluated in")
	cmd.Flags().IntVarP(&count, "count", "n", 5, "number of occurrences")
	cmd.Flags().StringVar(&from, "from", "", "start instant (RFC 3339), defaults to now")
	return cmd
}

func newCronDescribeCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "describe <expr>",
		Short: "Classify a pattern",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := recurrence.Parse(args[0])
			if err != nil {
				return err
			}
			return writeCron(cmd, rootOpts, cronPreview{Cron: args[0], Kind: p.Kind.String(), Description: recurrence.Describe(p)})
		},
	}
}

func writeCron(cmd *cobra.Command, opts *RootOptions, p cronPreview) error {
	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		return json.NewEncoder(out).Encode(p)
	}
	fmt.Fprintf(out, "%s (%s)\n", p.Description, p.Kind)
	for _, t := range p.Occurrences {
		fmt.Fprintln(out, t.Format(time.RFC3339))
	}
	return nil
}
