// Package cli implements syncctl, the operator command line for a running
// sync daemon. Every command is a thin call to the daemon's HTTP API.
package cli

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Addr    string
	Token   string
	Format  string // "json" | "text"
	Timeout time.Duration
}

var ValidFormats = []string{"text", "json"}

func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncctl",
		Short: "Operate a go-sync-hub daemon",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			opts.Addr = strings.TrimRight(opts.Addr, "/")
			return nil
		},
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&opts.Addr, "addr", envOr("SYNC_API_ADDR", "http://localhost:8080"), "daemon base URL")
	cmd.PersistentFlags().StringVar(&opts.Token, "token", os.Getenv("SYNC_API_TOKEN"), "API bearer token")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "request timeout")

	cmd.AddCommand(newUploadCommand(opts))
	cmd.AddCommand(newDownloadCommand(opts))
	cmd.AddCommand(newFullCommand(opts))
	cmd.AddCommand(newStatusCommand(opts))
	cmd.AddCommand(newConflictsCommand(opts))
	cmd.AddCommand(newResolveCommand(opts))
	cmd.AddCommand(newRetryCommand(opts))
	cmd.AddCommand(newDeliveriesCommand(opts))
	cmd.AddCommand(newSystemsCommand(opts))

	return cmd
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
