package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var certCmd = &cobra.Command{
	Use:   "cert",
	Short: "Inspect and revoke issued certificates",
}

var certListCmd = &cobra.Command{
	Use:   "list [cluster-id]",
	Short: "List a cluster's issued certificates",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		certs, err := newClient().ListCertificates(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSUBJECT\tUSAGE\tSTATUS\tSERIAL\tEXPIRES")
		for _, c := range certs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\n",
				c.ID, c.Subject, c.Usage, c.Status, c.Serial, c.NotAfter.Format("2006-01-02"))
		}
		return w.Flush()
	},
}

var certRevokeCmd = &cobra.Command{
	Use:   "revoke [cluster-id] [cert-id]",
	Short: "Revoke a certificate and add it to the CRL",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		if err := newClient().RevokeCertificate(context.Background(), args[0], args[1], reason); err != nil {
			return err
		}
		fmt.Printf("✓ Certificate %s revoked\n", args[1])
		return nil
	},
}

func init() {
	certRevokeCmd.Flags().String("reason", "", "revocation reason recorded in the audit log")
	certCmd.AddCommand(certListCmd)
	certCmd.AddCommand(certRevokeCmd)
}
