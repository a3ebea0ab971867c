package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/types"
)

var serviceCmd = &cobra.Command{
	Use:   "service",
	Short: "Manage services inside a cluster",
}

func serviceSpecFromFlags(cmd *cobra.Command) *manager.ServiceSpec {
	name, _ := cmd.Flags().GetString("name")
	address, _ := cmd.Flags().GetString("address")
	ports, _ := cmd.Flags().GetString("ports")
	protocol, _ := cmd.Flags().GetString("protocol")
	authMode, _ := cmd.Flags().GetString("auth-mode")
	lb, _ := cmd.Flags().GetString("lb-strategy")
	rps, _ := cmd.Flags().GetInt("rate-limit")

	spec := &manager.ServiceSpec{
		Name:     name,
		Address:  address,
		Ports:    ports,
		Protocol: types.Protocol(protocol),
		AuthMode: types.AuthMode(authMode),
	}
	if lb != "" {
		spec.LBPolicy = &types.LBPolicy{Strategy: lb}
	}
	if rps > 0 {
		spec.RateLimit = &types.RateLimitPolicy{RequestsPerSecond: rps}
	}
	return spec
}

func addServiceSpecFlags(cmd *cobra.Command) {
	cmd.Flags().String("name", "", "service name (unique within the cluster)")
	cmd.Flags().String("address", "", "backend address")
	cmd.Flags().String("ports", "", "port set, e.g. \"80,443,8000-8080\"")
	cmd.Flags().String("protocol", "tcp", "protocol (tcp, udp, icmp, http, https, grpc, websocket)")
	cmd.Flags().String("auth-mode", "", "auth mode (none, bearer_jwt, bearer_opaque)")
	cmd.Flags().String("lb-strategy", "", "load balancing strategy")
	cmd.Flags().Int("rate-limit", 0, "requests per second limit")
}

var serviceCreateCmd = &cobra.Command{
	Use:   "create [cluster-id]",
	Short: "Create a service",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, err := newClient().CreateService(context.Background(), args[0], serviceSpecFromFlags(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Service %s created (id %s)\n", svc.Name, svc.ID)
		return nil
	},
}

var serviceListCmd = &cobra.Command{
	Use:   "list [cluster-id]",
	Short: "List services",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		services, err := newClient().ListServices(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tADDRESS\tPORTS\tPROTOCOL\tAUTH\tVERSION")
		for _, s := range services {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%d\n",
				s.ID, s.Name, s.Address, s.Ports, s.Protocol, s.AuthMode, s.Version)
		}
		return w.Flush()
	},
}

var serviceUpdateCmd = &cobra.Command{
	Use:   "update [cluster-id] [service-id]",
	Short: "Replace a service definition",
	Long: `Replace a service definition. --expected-version must carry the
version last read; a concurrent write rejects the update and reports
the current version.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		expected, _ := cmd.Flags().GetInt64("expected-version")
		svc, err := newClient().UpdateService(context.Background(), args[0], args[1], serviceSpecFromFlags(cmd), expected)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Service %s updated to version %d\n", svc.Name, svc.Version)
		return nil
	},
}

var serviceDeleteCmd = &cobra.Command{
	Use:   "delete [cluster-id] [service-id]",
	Short: "Delete a service",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cascade, _ := cmd.Flags().GetBool("cascade")
		if err := newClient().DeleteService(context.Background(), args[0], args[1], cascade); err != nil {
			return err
		}
		fmt.Printf("✓ Service %s deleted\n", args[1])
		return nil
	},
}

func init() {
	addServiceSpecFlags(serviceCreateCmd)
	addServiceSpecFlags(serviceUpdateCmd)
	serviceUpdateCmd.Flags().Int64("expected-version", 0, "version last read (rejects concurrent writes)")
	serviceDeleteCmd.Flags().Bool("cascade", false, "also rewrite or delete mappings referencing the service")

	serviceCmd.AddCommand(serviceCreateCmd)
	serviceCmd.AddCommand(serviceListCmd)
	serviceCmd.AddCommand(serviceUpdateCmd)
	serviceCmd.AddCommand(serviceDeleteCmd)
}
