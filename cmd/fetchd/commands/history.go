package commands

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchd/archive"
	"github.com/fetchkit/fetchd/job"
)

// HistoryCmd browses archived jobs
var HistoryCmd = &cobra.Command{
	Use:   "history",
	Short: "Browse archived jobs",
	Long: `Browse jobs that were removed from the live registry, either explicitly
or by the retention sweep. Archived jobs keep their full final snapshot.

Examples:
  fetchd history                # newest 50 archived jobs
  fetchd history --limit 200
  fetchd history show dl_abc123 # full snapshot of one archived job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return runHistoryLs(limit)
	},
}

// HistoryShowCmd prints one archived job snapshot
var HistoryShowCmd = &cobra.Command{
	Use:   "show <job-id>",
	Short: "Show an archived job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(jobsAddr)
		var j job.Job
		if err := client.get("/api/history/"+args[0], &j); err != nil {
			return err
		}

		fmt.Printf("Job ID: %s\n", j.ID)
		fmt.Printf("  Status: %s\n", j.Status)
		for _, u := range j.URLs {
			fmt.Printf("  URL:    %s\n", u)
		}
		if j.Error != "" {
			fmt.Printf("  Error:  %s\n", j.Error)
		}
		if j.MainFile != "" {
			fmt.Printf("  Output: %s\n", j.MainFile)
		}
		fmt.Printf("  Created:  %s\n", j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
		if j.FinishedAt != nil {
			fmt.Printf("  Finished: %s\n", j.FinishedAt.Local().Format("2006-01-02 15:04:05"))
		}
		return nil
	},
}

func init() {
	HistoryCmd.PersistentFlags().StringVar(&jobsAddr, "addr", "", "Daemon address (default http://localhost:8743)")
	HistoryCmd.Flags().Int("limit", 50, "Maximum number of archived jobs to display")
	HistoryCmd.AddCommand(HistoryShowCmd)
}

func runHistoryLs(limit int) error {
	client := newAPIClient(jobsAddr)

	var resp struct {
		Jobs  []archive.ArchivedJob `json:"jobs"`
		Total int                   `json:"total"`
	}
	if err := client.get(fmt.Sprintf("/api/history?limit=%d", limit), &resp); err != nil {
		return err
	}

	if len(resp.Jobs) == 0 {
		fmt.Println("No archived jobs")
		return nil
	}

	fmt.Printf("%-15s %-22s %-40s %s\n", "JOB ID", "STATUS", "URL", "ARCHIVED")
	fmt.Printf("%-15s %-22s %-40s %s\n", "------", "------", "---", "--------")

	for _, a := range resp.Jobs {
		fmt.Printf("%-15s %-22s %-40s %s\n",
			truncate(a.ID, 15),
			a.Status,
			truncate(a.URL, 40),
			humanize.Time(a.ArchivedAt))
	}

	fmt.Printf("\nShowing %d of %d archived job(s)\n", len(resp.Jobs), resp.Total)
	return nil
}
