package main

import (
	"encoding/json"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/meridian-health/vitals-cli/internal/model"
	"github.com/meridian-health/vitals-cli/internal/store"
)

var jobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and manage ingestion jobs",
}

var jobsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List ingestion jobs",
	RunE: func(cmd *cobra.Command, args []string) error {
		userID, _ := cmd.Flags().GetString("user")
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		jobs, err := st.ListJobs(ctx, store.JobFilter{
			UserID: userID,
			Status: model.JobStatus(status),
			Limit:  limit,
		})
		if err != nil {
			return err
		}
		if len(jobs) == 0 {
			fmt.Fprintln(os.Stderr, "No jobs found.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tORIGIN\tDETAIL\tSTATUS\tPROGRESS\tPROCESSED\tSKIPPED\tCREATED")
		for _, j := range jobs {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d%%\t%d\t%d\t%s\n",
				j.ID, j.UserID, j.Origin, j.OriginDetail, j.Status,
				j.ProgressPercent, j.ProcessedUnits, j.SkippedUnits,
				j.CreatedAt.Format("2006-01-02 15:04"))
		}
		return w.Flush()
	},
}

var jobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show one job's progress",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		jb, err := st.GetJob(ctx, args[0])
		if err != nil {
			return err
		}
		out, err := json.MarshalIndent(jb.StatusView(), "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(out))
		return nil
	},
}

var jobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Request cancellation of a running job",
	Long: `Marks the job for cancellation. The worker notices at its next
batch boundary, so already-committed records stay committed.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		if err := st.RequestJobCancel(ctx, args[0]); err != nil {
			return err
		}
		fmt.Printf("Cancellation requested for job %s\n", args[0])
		return nil
	},
}

func init() {
	jobsListCmd.Flags().String("user", "", "filter by user")
	jobsListCmd.Flags().String("status", "", "filter by status (pending, processing, completed, failed)")
	jobsListCmd.Flags().Int("limit", 50, "maximum jobs to list")
	jobsCmd.AddCommand(jobsListCmd, jobsStatusCmd, jobsCancelCmd)
	rootCmd.AddCommand(jobsCmd)
}
