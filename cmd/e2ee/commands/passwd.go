package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

func passwdCmd() *cobra.Command {
	var newPassword string
	cmd := &cobra.Command{
		Use:   "passwd",
		Short: "Change the vault password",
		RunE: func(cmd *cobra.Command, args []string) error {
			old, err := readPassword("Current password: ")
			if err != nil {
				return err
			}
			if newPassword == "" {
				if newPassword, err = readLine("New password: "); err != nil {
					return err
				}
			}
			if err := appCtx.ChangePassword(cmd.Context(), old, newPassword); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Password changed")
			return nil
		},
	}
	cmd.Flags().StringVar(&newPassword, "new-password", "", "password to set")
	return cmd
}
