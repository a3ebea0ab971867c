package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/manager"
	"github.com/cordonlabs/cordon/pkg/types"
)

var mappingCmd = &cobra.Command{
	Use:   "mapping",
	Short: "Manage traffic mappings inside a cluster",
}

func mappingSpecFromFlags(cmd *cobra.Command) *manager.MappingSpec {
	sources, _ := cmd.Flags().GetStringSlice("source")
	destinations, _ := cmd.Flags().GetStringSlice("destination")
	protocols, _ := cmd.Flags().GetStringSlice("protocol")
	ports, _ := cmd.Flags().GetString("ports")
	authRequired, _ := cmd.Flags().GetBool("auth-required")

	spec := &manager.MappingSpec{
		SourceIDs:      sources,
		DestinationIDs: destinations,
		Ports:          ports,
		AuthRequired:   authRequired,
	}
	for _, p := range protocols {
		spec.Protocols = append(spec.Protocols, types.Protocol(p))
	}
	return spec
}

func addMappingSpecFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("source", nil, "source service id (repeatable)")
	cmd.Flags().StringSlice("destination", nil, "destination service id (repeatable)")
	cmd.Flags().StringSlice("protocol", nil, "allowed protocol (repeatable)")
	cmd.Flags().String("ports", "", "port set the mapping covers")
	cmd.Flags().Bool("auth-required", false, "require bearer auth on this path")
}

var mappingCreateCmd = &cobra.Command{
	Use:   "create [cluster-id]",
	Short: "Create a mapping",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mp, err := newClient().CreateMapping(context.Background(), args[0], mappingSpecFromFlags(cmd))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Mapping %s created\n", mp.ID)
		return nil
	},
}

var mappingListCmd = &cobra.Command{
	Use:   "list [cluster-id]",
	Short: "List mappings",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		mappings, err := newClient().ListMappings(context.Background(), args[0])
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tSOURCES\tDESTINATIONS\tPORTS\tAUTH\tVERSION")
		for _, m := range mappings {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%v\t%d\n",
				m.ID, strings.Join(m.SourceIDs, ","), strings.Join(m.DestinationIDs, ","),
				m.Ports, m.AuthRequired, m.Version)
		}
		return w.Flush()
	},
}

var mappingUpdateCmd = &cobra.Command{
	Use:   "update [cluster-id] [mapping-id]",
	Short: "Replace a mapping definition",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		expected, _ := cmd.Flags().GetInt64("expected-version")
		mp, err := newClient().UpdateMapping(context.Background(), args[0], args[1], mappingSpecFromFlags(cmd), expected)
		if err != nil {
			return err
		}
		fmt.Printf("✓ Mapping %s updated to version %d\n", mp.ID, mp.Version)
		return nil
	},
}

var mappingDeleteCmd = &cobra.Command{
	Use:   "delete [cluster-id] [mapping-id]",
	Short: "Delete a mapping",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteMapping(context.Background(), args[0], args[1]); err != nil {
			return err
		}
		fmt.Printf("✓ Mapping %s deleted\n", args[1])
		return nil
	},
}

func init() {
	addMappingSpecFlags(mappingCreateCmd)
	addMappingSpecFlags(mappingUpdateCmd)
	mappingUpdateCmd.Flags().Int64("expected-version", 0, "version last read (rejects concurrent writes)")

	mappingCmd.AddCommand(mappingCreateCmd)
	mappingCmd.AddCommand(mappingListCmd)
	mappingCmd.AddCommand(mappingUpdateCmd)
	mappingCmd.AddCommand(mappingDeleteCmd)
}
