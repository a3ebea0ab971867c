package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/cordonlabs/cordon/pkg/types"
)

var clusterCmd = &cobra.Command{
	Use:   "cluster",
	Short: "Manage proxy clusters",
}

var clusterCreateCmd = &cobra.Command{
	Use:   "create [name]",
	Short: "Create a cluster and print its API key",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tier, _ := cmd.Flags().GetString("tier")
		out, err := newClient().CreateCluster(context.Background(), args[0], types.Tier(tier))
		if err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s created (id %s)\n", out.Cluster.Name, out.Cluster.ID)
		fmt.Printf("API key (shown once): %s\n", out.APIKey)
		return nil
	},
}

var clusterListCmd = &cobra.Command{
	Use:   "list",
	Short: "List clusters",
	RunE: func(cmd *cobra.Command, args []string) error {
		clusters, err := newClient().ListClusters(context.Background())
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tTIER\tKEY GEN\tCREATED")
		for _, c := range clusters {
			fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
				c.ID, c.Name, c.Tier, c.KeyGeneration, c.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var clusterDeleteCmd = &cobra.Command{
	Use:   "delete [id]",
	Short: "Delete a cluster and everything it owns",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := newClient().DeleteCluster(context.Background(), args[0]); err != nil {
			return err
		}
		fmt.Printf("✓ Cluster %s deleted\n", args[0])
		return nil
	},
}

var clusterRotateKeyCmd = &cobra.Command{
	Use:   "rotate-key [id]",
	Short: "Rotate the cluster API key",
	Long: `Rotate the cluster API key. The previous key keeps admitting
proxies until the overlap window closes; the new key is printed once.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		out, err := newClient().RotateClusterKey(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ Key rotated to generation %d\n", out.Cluster.KeyGeneration)
		fmt.Printf("New API key (shown once): %s\n", out.APIKey)
		return nil
	},
}

var clusterRotateCACmd = &cobra.Command{
	Use:   "rotate-ca [id]",
	Short: "Rotate the cluster certificate authority",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		newCA, err := newClient().RotateCA(context.Background(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("✓ CA rotated, %s active until %s\n",
			newCA.ID, newCA.NotAfter.Format("2006-01-02"))
		return nil
	},
}

func init() {
	clusterCreateCmd.Flags().String("tier", string(types.TierCommunity), "cluster tier (community or enterprise)")
	clusterCmd.AddCommand(clusterCreateCmd)
	clusterCmd.AddCommand(clusterListCmd)
	clusterCmd.AddCommand(clusterDeleteCmd)
	clusterCmd.AddCommand(clusterRotateKeyCmd)
	clusterCmd.AddCommand(clusterRotateCACmd)
}
