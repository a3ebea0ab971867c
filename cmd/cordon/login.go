package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var loginCmd = &cobra.Command{
	Use:   "login [username]",
	Short: "Authenticate and print an access token",
	Long: `Authenticate against the control plane and print the access token.
Export it as CORDON_TOKEN for subsequent commands. The password is
read from the terminal, never from arguments.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		totpCode, _ := cmd.Flags().GetString("totp")

		fmt.Fprint(os.Stderr, "Password: ")
		password, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			return fmt.Errorf("failed to read password: %w", err)
		}

		pair, err := newClient().Login(context.Background(), args[0], string(password), totpCode)
		if err != nil {
			return err
		}
		fmt.Printf("export CORDON_TOKEN=%s\n", pair.AccessToken)
		fmt.Fprintf(os.Stderr, "Token expires %s\n", pair.ExpiresAt.Format("2006-01-02 15:04"))
		return nil
	},
}

func init() {
	loginCmd.Flags().String("totp", "", "TOTP code when the account has a second factor")
}
