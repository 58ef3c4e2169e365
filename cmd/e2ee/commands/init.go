package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"e2ee/internal/app"
)

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Create the vault, identity and pre-keys, then publish the bundle",
		RunE: func(cmd *cobra.Command, args []string) error {
			if appCtx.Config.DeviceID == "" {
				return fmt.Errorf("device id required (--device)")
			}
			pw, err := readPassword("New password: ")
			if err != nil {
				return err
			}
			if err := app.SaveConfig(appCtx.Config); err != nil {
				return err
			}
			fp, err := appCtx.InitializeDevice(cmd.Context(), pw)
			if fp != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "Device %s initialized.\nFingerprint: %s\n", appCtx.Config.DeviceID, fp)
			}
			return err
		},
	}
}
