package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"e2ee/internal/domain"
)

// send <conversation> <message>: encrypt for every device and post.
func sendCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation> <message>",
		Short: "Encrypt and send a message to every device of a conversation",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			res, err := appCtx.Send(cmd.Context(), conversation(args[0]), []byte(args[1]))
			out := cmd.OutOrStdout()
			for _, env := range res.Envelopes {
				fmt.Fprintf(out, "sent to %s\n", env.To)
			}
			for _, w := range res.Warnings {
				fmt.Fprintf(out, "warning: %s: %s\n", w.Peer, w.Kind)
			}
			for peer, f := range res.Failures {
				fmt.Fprintf(out, "failed: %s: %s (%s)\n", peer, f.Kind, f.Action)
			}
			return err
		},
	}
}

func conversation(s string) domain.ConversationID { return domain.ConversationID(s) }
