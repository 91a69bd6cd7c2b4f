package main

import (
	"fmt"
	"io"

	"dev-dns/pkg/config"
	"dev-dns/pkg/localrecords"

	"github.com/spf13/cobra"
)

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dev-dns %s (built %s)\n", version, buildTime)
		},
	}
}

func newMatchCommand(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "match [domain]",
		Short: "Show which override entry answers a domain",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			store, err := localrecords.Load(cfg.Records.Path)
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			return printMatch(cmd.OutOrStdout(), store, args[0])
		},
	}
}

// printMatch writes every entry matching name and marks the one that answers
func printMatch(w io.Writer, store *localrecords.Store, name string) error {
	candidates := store.Candidates(name)
	if len(candidates) == 0 {
		_, err := fmt.Fprintf(w, "%s: no override, forwarded upstream\n", name)
		return err
	}

	entries := store.Entries()
	winner := candidates[len(candidates)-1]
	for _, idx := range candidates {
		marker := " "
		if idx == winner {
			marker = "*"
		}
		fmt.Fprintf(w, "%s [%d] %s\n", marker, idx, entries[idx].Pattern)
	}

	fmt.Fprintln(w, "records:")
	for _, rec := range entries[winner].Records {
		fmt.Fprintf(w, "  %s\n", rec.String())
	}
	return nil
}
