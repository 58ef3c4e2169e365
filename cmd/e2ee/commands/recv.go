package commands

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"e2ee/internal/app"
)

// recv: fetch and decrypt queued messages.
func recvCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "recv",
		Short: "Fetch and decrypt your queued messages",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			box, err := appCtx.Receive(cmd.Context(), limit)
			printInbox(cmd.OutOrStdout(), box)
			return err
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum envelopes to fetch (0 = all)")
	return cmd
}

func printInbox(out io.Writer, box app.Inbox) {
	for _, in := range box.Messages {
		if in.IdentityChanged {
			fmt.Fprintf(out, "warning: %s has a new identity key, verify the safety number\n", in.Message.From)
		}
		fmt.Fprintf(out, "[%s] %s\n", in.Message.From, in.Message.Plaintext)
	}
	for _, f := range box.Failures {
		fmt.Fprintf(out, "dropped: %s (%s)\n", f.Kind, f.Action)
	}
	if box.Pending > 0 {
		fmt.Fprintf(out, "%d envelope(s) left queued\n", box.Pending)
	}
}
