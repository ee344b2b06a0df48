package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/verifyd/internal/model"
)

var (
	ingestFormat  string
	ingestAccount string
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <input-url-or-path>",
	Short: "Create a job from an upload and preprocess it into chunks",
	Long:  "Streams the input through dedup and the verdict cache, writes cached results, and splits the remainder into pending chunks.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		job := &model.Job{
			AccountID:   ingestAccount,
			InputKey:    args[0],
			InputFormat: ingestFormat,
		}
		if err := env.Store.CreateJob(ctx, job); err != nil {
			return err
		}
		zap.L().Info("job created", zap.String("job_id", job.ID))

		if err := env.Preprocessor.Run(ctx, job.ID); err != nil {
			return err
		}

		final, err := env.Store.GetJob(ctx, job.ID)
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "job %s: %s (%d emails, %d cached)\n",
			final.ID, final.Status, final.Counts.Total, final.Counts.Cached)
		return nil
	},
}

var finalizeCmd = &cobra.Command{
	Use:   "finalize <job-id>",
	Short: "Merge results and close out a job if all chunks are terminal",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if err := env.Finalizer.Run(ctx, args[0]); err != nil {
			return err
		}

		job, err := env.Store.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		fmt.Fprintf(os.Stdout, "job %s: %s\n", job.ID, job.Status)
		return nil
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestFormat, "format", "csv", "input format: csv, tsv, txt, xlsx")
	ingestCmd.Flags().StringVar(&ingestAccount, "account", "", "owning account id")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(finalizeCmd)
}
