package commands

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func recoveryCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recovery",
		Short: "Manage the recovery code",
	}

	generate := &cobra.Command{
		Use:   "generate",
		Short: "Issue a new recovery code, replacing the previous one",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := unlock(cmd); err != nil {
				return err
			}
			code, err := appCtx.GenerateRecoveryCode(cmd.Context())
			if err != nil {
				return err
			}
			printCode(cmd, code)
			return nil
		},
	}

	var newPassword string
	redeem := &cobra.Command{
		Use:   "redeem <word>...",
		Short: "Reset the password with a recovery code",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if newPassword == "" {
				pw, err := readLine("New password: ")
				if err != nil {
					return err
				}
				newPassword = pw
			}
			next, err := appCtx.RecoverWithCode(cmd.Context(), strings.Join(args, " "), newPassword)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password reset. The old recovery code no longer works.")
			printCode(cmd, next)
			return nil
		},
	}
	redeem.Flags().StringVar(&newPassword, "new-password", "", "password to set")

	cmd.AddCommand(generate, redeem)
	return cmd
}

func printCode(cmd *cobra.Command, code string) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "Recovery code (write it down, it is shown once):")
	fmt.Fprintf(out, "  %s\n", code)
}
