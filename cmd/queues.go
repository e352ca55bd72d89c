package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var queuesDead string

var queuesCmd = &cobra.Command{
	Use:   "queues",
	Short: "Show stage queue depths and dead-lettered jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if queuesDead != "" {
			dead, err := env.Broker.DeadJobs(ctx, queuesDead, 50)
			if err != nil {
				return err
			}
			if len(dead) == 0 {
				fmt.Printf("no dead jobs on %s\n", queuesDead)
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "JOB\tATTEMPTS\tLAST ERROR")
			for _, j := range dead {
				fmt.Fprintf(w, "%s\t%d/%d\t%s\n", j.ID, j.Attempts, j.MaxAttempts, j.LastError)
			}
			return w.Flush()
		}

		depths, err := env.Broker.Depths(ctx)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "QUEUE\tQUEUED\tACTIVE\tCOMPLETED\tDEAD")
		for _, d := range depths {
			fmt.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", d.Queue, d.Queued, d.Active, d.Completed, d.Dead)
		}
		return w.Flush()
	},
}

func init() {
	queuesCmd.Flags().StringVar(&queuesDead, "dead", "", "list dead-lettered jobs on the named queue")
	rootCmd.AddCommand(queuesCmd)
}
