package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/types"
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage operator accounts",
}

var userCreateCmd = &cobra.Command{
	Use:   "create [login]",
	Short: "Create an operator account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		password, _ := cmd.Flags().GetString("password")
		roleFlags, _ := cmd.Flags().GetStringSlice("role")

		roles := map[string]types.Role{}
		for _, rf := range roleFlags {
			scope, role, ok := strings.Cut(rf, "=")
			if !ok {
				return fmt.Errorf("role must be scope=role, got %q", rf)
			}
			roles[scope] = types.Role(role)
		}
		user, err := newClient().CreateUser(context.Background(), args[0], password, roles)
		if err != nil {
			return err
		}
		fmt.Printf("✓ User %s created (id %s)\n", user.Login, user.ID)
		return nil
	},
}

var userListCmd = &cobra.Command{
	Use:   "list",
	Short: "List operator accounts",
	RunE: func(cmd *cobra.Command, args []string) error {
		users, err := newClient().ListUsers(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tLOGIN\tROLES\tLOCKED")
		for _, u := range users {
			var roles []string
			for scope, role := range u.Roles {
				roles = append(roles, scope+"="+string(role))
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%v\n", u.ID, u.Login, strings.Join(roles, ","), u.Locked)
		}
		return w.Flush()
	},
}

var userRoleCmd = &cobra.Command{
	Use:   "role [user-id] [scope] [role]",
	Short: "Assign a role on a cluster scope (empty role removes it)",
	Args:  cobra.RangeArgs(2, 3),
	RunE: func(cmd *cobra.Command, args []string) error {
		role := ""
		if len(args) == 3 {
			role = args[2]
		}
		user, err := newClient().AssignRole(context.Background(), args[0], args[1], types.Role(role))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Roles for %s updated\n", user.Login)
		return nil
	},
}

var userLockCmd = &cobra.Command{
	Use:   "lock [user-id]",
	Short: "Lock an operator account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := newClient().LockUser(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ User %s locked\n", user.Login)
		return nil
	},
}

var userUnlockCmd = &cobra.Command{
	Use:   "unlock [user-id]",
	Short: "Unlock an operator account",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		user, err := newClient().UnlockUser(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ User %s unlocked\n", user.Login)
		return nil
	},
}

var userTOTPCmd = &cobra.Command{
	Use:   "totp [user-id]",
	Short: "Enable TOTP and print the shared secret once",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		secret, err := newClient().EnableTOTP(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ TOTP enabled\n")
		fmt.Printf("Shared secret (shown once): %s\n", secret)
		return nil
	},
}

func init() {
	userCreateCmd.Flags().String("password", "", "initial password (min 12 characters)")
	userCreateCmd.Flags().StringSlice("role", nil, "role assignment as scope=role (repeatable, scope * is global)")

	userCmd.AddCommand(userCreateCmd)
	userCmd.AddCommand(userListCmd)
	userCmd.AddCommand(userRoleCmd)
	userCmd.AddCommand(userLockCmd)
	userCmd.AddCommand(userUnlockCmd)
	userCmd.AddCommand(userTOTPCmd)
}
