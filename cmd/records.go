package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/carbonwatch/emissions-cli/internal/record"
)

var (
	recordsAll   bool
	recordsLimit int
)

var recordsCmd = &cobra.Command{
	Use:   "records [id]",
	Short: "List emissions records or dump one by id",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")

		if len(args) == 1 {
			rec, err := env.Store.Get(ctx, args[0])
			if err != nil {
				return err
			}
			return enc.Encode(rec)
		}

		recs, err := env.Store.List(ctx, record.ListFilter{
			IncludeHidden: recordsAll,
			Limit:         recordsLimit,
		})
		if err != nil {
			return err
		}
		return enc.Encode(recs)
	},
}

func init() {
	recordsCmd.Flags().BoolVar(&recordsAll, "all", false, "include pending and rejected records")
	recordsCmd.Flags().IntVar(&recordsLimit, "limit", 50, "maximum records to list")
	rootCmd.AddCommand(recordsCmd)
}
