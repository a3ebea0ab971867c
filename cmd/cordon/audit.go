package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Read the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		clusterID, _ := cmd.Flags().GetString("cluster")
		limit, _ := cmd.Flags().GetInt("limit")
		events, err := newClient().ListAudit(context.Background(), clusterID, limit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SEQ\tTIME\tACTOR\tACTION\tOUTCOME\tDETAIL")
		for _, e := range events {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n",
				e.Seq, e.Time.Format("2006-01-02 15:04:05"), e.Actor, e.Action, e.Outcome, e.Detail)
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().String("cluster", "", "restrict to one cluster")
	auditCmd.Flags().Int("limit", 100, "maximum events to return")
}
