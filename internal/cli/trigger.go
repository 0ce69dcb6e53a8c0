package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/spf13/cobra"
)

// NewTriggerCommand creates the trigger command.
func NewTriggerCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger <task>",
		Short: "Queue a sync task (jobs-sync or schedules-sync)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callSync(cmd, rootOpts, http.MethodPost, args[0])
		},
	}
}

// NewStatusCommand creates the status command.
func NewStatusCommand(rootOpts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status <task>",
		Short: "Show the last recorded run of a sync task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return callSync(cmd, rootOpts, http.MethodGet, args[0])
		},
	}
}

func callSync(cmd *cobra.Command, opts *RootOptions, method, task string) error {
	url := strings.TrimRight(opts.URL, "/") + "/sync/" + task
	req, err := http.NewRequestWithContext(cmd.Context(), method, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Sync-Secret", opts.Secret)

	resp, err := opts.client().Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, url, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if opts.Format == "json" {
		fmt.Fprintln(out, strings.TrimSpace(string(body)))
	} else {
		var pretty bytes.Buffer
		if json.Indent(&pretty, body, "", "  ") == nil {
			fmt.Fprintf(out, "%s %s\n%s\n", task, resp.Status, pretty.String())
		} else {
			fmt.Fprintf(out, "%s %s\n%s\n", task, resp.Status, strings.TrimSpace(string(body)))
		}
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s: %s", task, resp.Status)
	}
	return nil
}
