package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/sells-group/companyid/internal/store"
)

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "Inspect the pending registry lookup queue",
}

var pendingLimit int

var pendingListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued lookups, oldest first",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(q store.PendingQueue) error {
			entries, err := q.ListPending(cmd.Context(), pendingLimit)
			if err != nil {
				return err
			}
			return printJSON(cmd, entries)
		})
	},
}

var pendingCountCmd = &cobra.Command{
	Use:   "count",
	Short: "Print the number of queued lookups",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(q store.PendingQueue) error {
			n, err := q.CountPending(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), n)
			return nil
		})
	},
}

var pendingRemoveCmd = &cobra.Command{
	Use:   "remove <id>...",
	Short: "Remove queued lookups by id",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withQueue(cmd.Context(), func(q store.PendingQueue) error {
			for _, id := range args {
				if err := q.RemovePending(cmd.Context(), id); err != nil {
					return err
				}
			}
			return nil
		})
	},
}

// withQueue opens the configured queue backend for one command.
func withQueue(ctx context.Context, fn func(store.PendingQueue) error) error {
	if err := cfg.Validate("pending"); err != nil {
		return err
	}
	st, err := openStore(ctx)
	if err != nil {
		return err
	}
	defer st.Close() //nolint:errcheck

	q, closeQueue, err := initQueue(ctx, st)
	if err != nil {
		return err
	}
	if closeQueue != nil {
		defer closeQueue() //nolint:errcheck
	}
	return fn(q)
}

func init() {
	pendingListCmd.Flags().IntVar(&pendingLimit, "limit", 100, "maximum entries to list")
	pendingCmd.AddCommand(pendingListCmd, pendingCountCmd, pendingRemoveCmd)
	rootCmd.AddCommand(pendingCmd)
}
