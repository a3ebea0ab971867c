package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Inspect and revoke registered proxies",
}

var proxyListCmd = &cobra.Command{
	Use:   "list [cluster-id]",
	Short: "List a cluster's proxies",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		proxies, err := newClient().ListProxies(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTYPE\tSTATUS\tKEY GEN\tLAST SEEN")
		for _, p := range proxies {
			lastSeen := "never"
			if !p.LastSeen.IsZero() {
				lastSeen = time.Since(p.LastSeen).Truncate(time.Second).String() + " ago"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n", p.ID, p.Type, p.Status, p.KeyGeneration, lastSeen)
		}
		return w.Flush()
	},
}

var proxyRevokeCmd = &cobra.Command{
	Use:   "revoke [proxy-id]",
	Short: "Revoke a proxy, its tokens and its certificate",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := newClient().RevokeProxy(context.Background(), args[0], reason); err != nil {
			return err
		}
		fmt.Printf("✓ Proxy %s revoked\n", args[0])
		return nil
	},
}

func init() {
	proxyRevokeCmd.Flags().String("reason", "", "revocation reason recorded in the audit log")
	proxyCmd.AddCommand(proxyListCmd)
	proxyCmd.AddCommand(proxyRevokeCmd)
}
