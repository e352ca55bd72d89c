package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/carbonwatch/emissions-cli/internal/model"
	"github.com/carbonwatch/emissions-cli/internal/queue"
)

var submitURL string

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a report URL for processing",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if err := validateReportURL(submitURL); err != nil {
			return err
		}

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		jobID, err := env.Broker.Enqueue(ctx, queue.QueueDownload, model.JobPayload{URL: submitURL})
		if err != nil {
			return err
		}
		fmt.Printf("queued %s as job %s\n", submitURL, jobID)
		return nil
	},
}

func init() {
	submitCmd.Flags().StringVar(&submitURL, "url", "", "report URL (http, https, or ftp)")
	_ = submitCmd.MarkFlagRequired("url")
	rootCmd.AddCommand(submitCmd)
}
