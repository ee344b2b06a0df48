package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/sells-group/verifyd/internal/model"
	"github.com/sells-group/verifyd/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect verification jobs",
	Long:  "Commands for listing and viewing verification jobs and their chunks.",
}

// -- jobs list --

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List verification jobs",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		status, _ := cmd.Flags().GetString("status")
		account, _ := cmd.Flags().GetString("account")
		limit, _ := cmd.Flags().GetInt("limit")

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			Status:    model.JobStatus(status),
			AccountID: account,
			Limit:     limit,
		})
		if err != nil {
			return eris.Wrap(err, "jobs list")
		}

		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		formatJobsList(os.Stdout, jobs)
		return nil
	},
}

// -- jobs show --

var jobsShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show full details of a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		job, err := st.GetJob(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}
		chunks, err := st.ListChunks(ctx, args[0])
		if err != nil {
			return eris.Wrap(err, "jobs show")
		}

		output, _ := cmd.Flags().GetString("output")
		detail := struct {
			Job    *model.Job    `json:"job" yaml:"job"`
			Chunks []model.Chunk `json:"chunks" yaml:"chunks"`
		}{Job: job, Chunks: chunks}

		switch output {
		case "yaml":
			enc := yaml.NewEncoder(os.Stdout)
			defer enc.Close() //nolint:errcheck
			return enc.Encode(detail)
		default:
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(detail)
		}
	},
}

func formatJobsList(w io.Writer, jobs []model.Job) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tACCOUNT\tTOTAL\tVALID\tINVALID\tRISKY\tCACHED\tCREATED")
	for i := range jobs {
		j := &jobs[i]
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%s\n",
			j.ID, j.Status, j.AccountID,
			j.Counts.Total, j.Counts.Valid, j.Counts.Invalid, j.Counts.Risky, j.Counts.Cached,
			j.CreatedAt.Format(time.RFC3339),
		)
	}
	tw.Flush() //nolint:errcheck
}

func init() {
	jobsListCmd.Flags().String("status", "", "filter by status: pending, processing, completed, failed")
	jobsListCmd.Flags().String("account", "", "filter by account id")
	jobsListCmd.Flags().Int("limit", 50, "maximum jobs to list")
	jobsShowCmd.Flags().String("output", "json", "output format: json, yaml")

	jobsCmd.AddCommand(jobsListCmd)
	jobsCmd.AddCommand(jobsShowCmd)
	rootCmd.AddCommand(jobsCmd)
}
