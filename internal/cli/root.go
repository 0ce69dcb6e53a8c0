// Package cli implements syncctl, the operator command line for the sync
// services.
package cli

import (
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"agent-job-sync/internal/config"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	URL     string
	Secret  string
	Format  string // "json" | "text"
	Timeout time.Duration
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for syncctl.
func NewRootCommand() *cobra.Command {
	cfg := config.Load()
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate the agent job sync services",
		Long:  "Trigger sync tasks, preview recurrence patterns and convert credit amounts.",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&opts.URL, "url", "http://localhost:"+cfg.HTTPPort, "trigger API base URL")
	cmd.PersistentFlags().StringVar(&opts.Secret, "secret", cfg.SyncSecret, "sync secret (defaults to SYNC_SECRET)")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "HTTP timeout")

	cmd.AddCommand(NewTriggerCommand(opts))
	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewCronCommand(opts))
	cmd.AddCommand(NewCreditsCommand(opts))

	return cmd
}

func (o *RootOptions) client() *http.Client {
	return &http.Client{Timeout: o.Timeout}
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}
