package main

import (
	"os"
	"time"

	"github.com/spf13/cobra"
)

const (
	envURL = "SLOTWATCH_URL"
	envKey = "SLOTWATCH_API_KEY"
)

type options struct {
	url     string
	apiKey  string
	header  string
	timeout time.Duration
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	root := &cobra.Command{
		Use:           "slotctl",
		Short:         "Admin client for the slotwatch watcher",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.StringVar(&opts.url, "url", envOr(envURL, "http://localhost:8080"), "admin API base URL")
	flags.StringVar(&opts.apiKey, "api-key", os.Getenv(envKey), "admin API key")
	flags.StringVar(&opts.header, "header", "x-api-key", "header carrying the API key")
	flags.DurationVar(&opts.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(newTargetsCmd(opts))
	root.AddCommand(newResumeCmd(opts))
	root.AddCommand(newAllowListCmd(opts))
	root.AddCommand(newPoolCmd(opts))
	root.AddCommand(newExportCmd(opts))

	return root
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
