package main

import (
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"slotwatch/internal/api"
	"slotwatch/internal/pool"

	"github.com/spf13/cobra"
)

func newTargetsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "targets",
		Short: "List targets with their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body struct {
				Targets []api.TargetView `json:"targets"`
			}
			if err := newClient(opts).getJSON(cmd.Context(), http.MethodGet, "/api/v1/targets", nil, &body); err != nil {
				return err
			}
			return printTargets(cmd.OutOrStdout(), body.Targets)
		},
	}
}

func printTargets(w io.Writer, targets []api.TargetView) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tTIER\tSTATUS\tERRORS\tALLOWED\tLAST CHECK")
	for _, t := range targets {
		last := "-"
		if t.LastCheckedAt != nil {
			last = t.LastCheckedAt.Local().Format(time.DateTime)
		}
		fmt.Fprintf(tw, "%s\t%s\t%d\t%s\t%d\t%t\t%s\n",
			t.ID, t.Kind, t.Tier, t.Status, t.ConsecutiveErrors, t.Allowed, last)
	}
	return tw.Flush()
}

func newResumeCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "resume <target-id>",
		Short: "Resume a paused target",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/targets/" + url.PathEscape(args[0]) + "/resume"
			if err := newClient(opts).getJSON(cmd.Context(), http.MethodPost, path, nil, nil); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: active\n", args[0])
			return nil
		},
	}
}

func newAllowListCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "allowlist",
		Short: "Show or change the restricted-mode allow-list",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var body api.AllowListRequest
			if err := newClient(opts).getJSON(cmd.Context(), http.MethodGet, "/api/v1/allowlist", nil, &body); err != nil {
				return err
			}
			printAllowList(cmd.OutOrStdout(), body.Targets)
			return nil
		},
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set <target-id>...",
		Short: "Restrict checks to the given targets",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return putAllowList(cmd, opts, args)
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Lift the allow-list restriction",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return putAllowList(cmd, opts, []string{})
		},
	})
	return cmd
}

func putAllowList(cmd *cobra.Command, opts *options, ids []string) error {
	var body api.AllowListRequest
	req := api.AllowListRequest{Targets: ids}
	if err := newClient(opts).getJSON(cmd.Context(), http.MethodPut, "/api/v1/allowlist", req, &body); err != nil {
		return err
	}
	printAllowList(cmd.OutOrStdout(), body.Targets)
	return nil
}

func printAllowList(w io.Writer, ids []string) {
	if len(ids) == 0 {
		fmt.Fprintln(w, "allow-list: unrestricted")
		return
	}
	fmt.Fprintf(w, "allow-list: %s\n", strings.Join(ids, ", "))
}

func newPoolCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "pool",
		Short: "Show session pool usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var stats pool.Stats
			if err := newClient(opts).getJSON(cmd.Context(), http.MethodGet, "/api/v1/pool", nil, &stats); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "capacity=%d active=%d idle=%d waiting=%d\n",
				stats.Capacity, stats.Active, stats.Idle, stats.Waiting)
			return nil
		},
	}
}

func newExportCmd(opts *options) *cobra.Command {
	var (
		since string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "export <file.xlsx>",
		Short: "Download detections as an xlsx workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if since != "" {
				if _, err := time.Parse(time.DateOnly, since); err != nil {
					return fmt.Errorf("invalid --since %q: expected YYYY-MM-DD", since)
				}
				q.Set("since", since)
			}
			if limit > 0 {
				q.Set("limit", fmt.Sprint(limit))
			}
			path := "/api/v1/detections/export"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			rc, err := newClient(opts).do(cmd.Context(), http.MethodGet, path, nil)
			if err != nil {
				return err
			}
			defer rc.Close()

			f, err := os.Create(args[0])
			if err != nil {
				return err
			}
			n, err := io.Copy(f, rc)
			if cerr := f.Close(); err == nil {
				err = cerr
			}
			if err != nil {
				return fmt.Errorf("write %s: %w", args[0], err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d bytes)\n", args[0], n)
			return nil
		},
	}
	cmd.Flags().StringVar(&since, "since", "", "first day to include (YYYY-MM-DD, default 7 days ago)")
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum rows")
	return cmd
}
