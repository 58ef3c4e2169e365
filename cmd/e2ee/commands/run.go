package commands

import (
	"time"

	"github.com/spf13/cobra"
)

// run: keep pre-keys fresh and poll for messages until interrupted.
func runCmd() *cobra.Command {
	var interval time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Maintain pre-keys in the background and poll for messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if err := unlock(cmd); err != nil {
				return err
			}
			if err := appCtx.Start(ctx); err != nil {
				return err
			}
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			for {
				box, err := appCtx.Receive(ctx, 0)
				if err != nil {
					report(err)
				}
				printInbox(cmd.OutOrStdout(), box)
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
			}
		},
	}
	cmd.Flags().DurationVar(&interval, "interval", 5*time.Second, "mailbox poll interval")
	return cmd
}
