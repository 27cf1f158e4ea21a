package cmd

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/kiranshivaraju/etlpilot/internal/entrypoint"
	"github.com/kiranshivaraju/etlpilot/internal/stage"
	"github.com/spf13/cobra"
)

var eventJSON string

var startCrawlCmd = &cobra.Command{
	Use:   "start-crawl",
	Short: "Start a crawler and print its handle",
	Long: `Start-crawl reads {"crawler_name": "..."} from --event or stdin and
prints a start response with status STARTED, ALREADY_RUNNING or ERROR.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req entrypoint.StartCrawlRequest
		if err := readEvent(cmd, &req); err != nil {
			return err
		}
		return withEntryPoints(cmd, func(e *entrypoint.EntryPoints) error {
			resp, err := e.StartCrawl(cmd.Context(), req)
			return report(cmd, resp, err)
		})
	},
}

var startJobCmd = &cobra.Command{
	Use:   "start-job",
	Short: "Start a transform job and print its handle",
	Long: `Start-job reads {"job_name": "...", "arguments": {...}} from --event or
stdin and prints a start response.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req entrypoint.StartJobRequest
		if err := readEvent(cmd, &req); err != nil {
			return err
		}
		return withEntryPoints(cmd, func(e *entrypoint.EntryPoints) error {
			resp, err := e.StartJob(cmd.Context(), req)
			return report(cmd, resp, err)
		})
	},
}

var pollCrawlCmd = &cobra.Command{
	Use:   "poll-crawl",
	Short: "Query a crawl once and print its status",
	Long: `Poll-crawl reads {"handle": {...}, "attempt": N} and queries the crawl
exactly once. A non-terminal response carries next_attempt and
retry_after_seconds for the caller's timer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var req entrypoint.PollRequest
		if err := readEvent(cmd, &req); err != nil {
			return err
		}
		return withEntryPoints(cmd, func(e *entrypoint.EntryPoints) error {
			resp, err := e.PollCrawl(cmd.Context(), req)
			return report(cmd, resp, err)
		})
	},
}

var pollJobCmd = &cobra.Command{
	Use:   "poll-job",
	Short: "Query a transform job once and print its status",
	RunE: func(cmd *cobra.Command, args []string) error {
		var req entrypoint.PollRequest
		if err := readEvent(cmd, &req); err != nil {
			return err
		}
		return withEntryPoints(cmd, func(e *entrypoint.EntryPoints) error {
			resp, err := e.PollJob(cmd.Context(), req)
			return report(cmd, resp, err)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{startCrawlCmd, startJobCmd, pollCrawlCmd, pollJobCmd} {
		c.Flags().StringVar(&eventJSON, "event", "", "request JSON (read from stdin when empty)")
		rootCmd.AddCommand(c)
	}
}

func readEvent(cmd *cobra.Command, v any) error {
	var r io.Reader = strings.NewReader(eventJSON)
	if eventJSON == "" {
		r = cmd.InOrStdin()
	}
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decoding event: %w", err)
	}
	return nil
}

func withEntryPoints(cmd *cobra.Command, fn func(*entrypoint.EntryPoints) error) error {
	policy, err := pollPolicy()
	if err != nil {
		return err
	}
	svc, err := newJobService(cmd.Context())
	if err != nil {
		return fmt.Errorf("creating job service: %w", err)
	}
	return fn(entrypoint.New(stage.NewDriver(svc), policy))
}

// report prints resp even when err is set, so the caller always sees the
// error code.
func report(cmd *cobra.Command, resp any, err error) error {
	if perr := printJSON(cmd.OutOrStdout(), resp); perr != nil {
		return perr
	}
	return err
}
