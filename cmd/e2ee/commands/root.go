package commands

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"e2ee/internal/app"
	"e2ee/internal/domain"
)

var (
	home     string
	password string
	relayURL string
	deviceID string
	appCtx   *app.App
)

func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM)
	defer stop()

	root := &cobra.Command{
		Use:           "e2ee",
		Short:         "End-to-end encrypted messaging key and session engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if home == "" {
				dir, err := os.UserHomeDir()
				if err != nil {
					return err
				}
				home = filepath.Join(dir, ".e2ee")
			}
			cfg, err := app.LoadConfig(home)
			if err != nil {
				return err
			}
			if relayURL != "" {
				cfg.RelayURL = relayURL
			}
			if deviceID != "" {
				cfg.DeviceID = domain.DeviceID(deviceID)
			}
			appCtx, err = app.Open(cfg, app.Options{})
			return err
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if appCtx == nil {
				return nil
			}
			return appCtx.Close()
		},
	}

	root.PersistentFlags().StringVar(&home, "home", "", "state dir (default ~/.e2ee)")
	root.PersistentFlags().StringVarP(&password, "password", "p", "", "vault password (default $E2EE_PASSWORD or prompt)")
	root.PersistentFlags().StringVar(&relayURL, "relay", "", "relay base URL (e.g. http://127.0.0.1:8080)")
	root.PersistentFlags().StringVar(&deviceID, "device", "", "local device id")

	root.AddCommand(
		initCmd(), statusCmd(), publishCmd(), joinCmd(), sendCmd(), recvCmd(), runCmd(),
		safetyNumberCmd(), verifyCmd(), recoveryCmd(), rotateCmd(), resetSessionCmd(),
		auditCmd(), passwdCmd(),
	)
	err := root.ExecuteContext(ctx)
	if err != nil {
		report(err)
	}
	return err
}

// report prints err with the recommended recovery action.
func report(err error) {
	if f, ok := app.AsFailure(err); ok {
		fmt.Fprintf(os.Stderr, "error: %v\n", f.Err)
		if f.Action != app.ActionNone {
			fmt.Fprintf(os.Stderr, "suggested action: %s\n", f.Action)
		}
		return
	}
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
}

// readPassword returns the password from the flag, the environment or a
// prompt, in that order.
func readPassword(prompt string) (string, error) {
	if password != "" {
		return password, nil
	}
	if pw := os.Getenv("E2EE_PASSWORD"); pw != "" {
		return pw, nil
	}
	return readLine(prompt)
}

var stdin = bufio.NewReader(os.Stdin)

func readLine(prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	line, err := stdin.ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("read input: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}

// unlock opens the vault for commands that need private key material.
func unlock(cmd *cobra.Command) error {
	pw, err := readPassword("Password: ")
	if err != nil {
		return err
	}
	return appCtx.Unlock(cmd.Context(), pw)
}
