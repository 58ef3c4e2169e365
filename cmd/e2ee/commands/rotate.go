package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"e2ee/internal/domain"
)

func rotateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rotate",
		Short: "Rotate the signed pre-key now and republish",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			id, err := appCtx.RotateNow(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Active signed pre-key: %s\n", id)
			return nil
		},
	}
}

func resetSessionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset-session <peer>",
		Short: "Drop the session with a peer; the next message re-handshakes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return appCtx.ResetSession(cmd.Context(), domain.DeviceID(args[0]))
		},
	}
}
