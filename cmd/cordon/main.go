package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/client"
	"github.com/cordonlabs/cordon/pkg/errdef"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

var (
	serverAddr string
	tokenFlag  string
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(exitCode(err))
	}
}

// exitCode maps error kinds onto stable CLI exit codes so scripts can
// branch on the failure class.
func exitCode(err error) int {
	switch errdef.KindOf(err) {
	case errdef.KindValidation:
		return 2
	case errdef.KindAuthentication, errdef.KindAuthorization, errdef.KindMFARequired, errdef.KindLocked:
		return 3
	case errdef.KindNotFound:
		return 4
	case errdef.KindConflict, errdef.KindStale:
		return 5
	case errdef.KindQuota, errdef.KindPrecondition:
		return 6
	default:
		return 1
	}
}

var rootCmd = &cobra.Command{
	Use:   "cordon",
	Short: "Cordon - control plane for dual-tier proxy fleets",
	Long: `Cordon is the control plane for fleets of L7 and L3/L4 proxies.
It manages clusters, services and traffic mappings, runs a per-cluster
certificate authority, and pushes versioned configuration snapshots to
registered proxies.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Cordon version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().StringVar(&serverAddr, "server", "http://127.0.0.1:8440", "control plane address")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "access token (defaults to $CORDON_TOKEN)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(loginCmd)
	rootCmd.AddCommand(clusterCmd)
	rootCmd.AddCommand(serviceCmd)
	rootCmd.AddCommand(mappingCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(certCmd)
	rootCmd.AddCommand(userCmd)
	rootCmd.AddCommand(auditCmd)
}

// newClient builds an authenticated API client from the global flags.
func newClient() *client.Client {
	c := client.New(serverAddr)
	token := tokenFlag
	if token == "" {
		token = os.Getenv("CORDON_TOKEN")
	}
	c.SetToken(token)
	return c
}
