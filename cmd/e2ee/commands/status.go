package commands

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show key material and session health",
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := appCtx.GetStatus(cmd.Context(), "")
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			pk := st.PreKeys
			fmt.Fprintf(out, "Device:       %s\n", st.DeviceID)
			fmt.Fprintf(out, "Fingerprint:  %s\n", pk.Fingerprint)
			fmt.Fprintf(out, "Signed key:   %s (age %s)\n", pk.ActiveSignedPreKey, pk.SignedPreKeyAge.Round(1e9))
			fmt.Fprintf(out, "One-time:     %d\n", pk.OneTimePreKeys)
			fmt.Fprintf(out, "Recovery:     %t\n", st.RecoveryConfigured)
			if pk.Stale {
				fmt.Fprintln(out, "warning: signed pre-key is stale, run `e2ee rotate`")
			}
			if pk.Low {
				fmt.Fprintln(out, "warning: one-time pre-keys are low, run `e2ee publish` after unlocking")
			}
			if len(st.Sessions) == 0 {
				return nil
			}

			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "\nPEER\tPHASE\tEPOCH\tFAILURES\tNOTES")
			for _, s := range st.Sessions {
				notes := ""
				if s.ReducedForwardSecrecy {
					notes = "reduced forward secrecy"
				}
				if s.AwaitingReply {
					notes += " awaiting reply"
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\n", s.Peer, s.Phase, s.Epoch, s.ConsecutiveFailures, notes)
			}
			return tw.Flush()
		},
	}
}
