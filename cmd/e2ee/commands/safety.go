package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"e2ee/internal/domain"
)

func safetyNumberCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "safety-number <peer>",
		Short: "Print the safety number shared with a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rec, err := appCtx.GetSafetyNumber(cmd.Context(), domain.DeviceID(args[0]))
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			groups := strings.Fields(rec.SafetyNumber.Number)
			for i := 0; i < len(groups); i += 4 {
				fmt.Fprintln(out, strings.Join(groups[i:min(i+4, len(groups))], " "))
			}
			fmt.Fprintf(out, "QR: %s\n", rec.SafetyNumber.QR)
			fmt.Fprintf(out, "Verified: %t\n", rec.Verified)
			return nil
		},
	}
}

func verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <peer> <number-or-qr>...",
		Short: "Compare a safety number read from the peer's device",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ok, err := appCtx.VerifySafetyNumber(cmd.Context(), domain.DeviceID(args[0]), strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("safety numbers do not match, do not trust this session")
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s verified\n", args[0])
			return nil
		},
	}
}
