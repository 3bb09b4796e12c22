package commands

import (
	"fmt"
	"net/http"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fetchkit/fetchd/job"
	"github.com/fetchkit/fetchd/manager"
)

// JobsCmd groups the commands that operate on a running daemon
var JobsCmd = &cobra.Command{
	Use:   "jobs",
	Short: "Inspect and control jobs on a running daemon",
	Long: `Inspect and control download jobs on a running fetchd daemon.

Job management commands:
  fetchd jobs add <url>...     # Submit a download
  fetchd jobs ls               # List jobs
  fetchd jobs status <id>      # Show job details
  fetchd jobs logs <id>        # Show engine output for a job
  fetchd jobs pause <id>       # Pause a running job
  fetchd jobs resume <id>      # Resume a paused job
  fetchd jobs cancel <id>      # Cancel a job
  fetchd jobs retry <id>       # Retry a failed or cancelled job
  fetchd jobs select <id> ...  # Confirm playlist entries to download
  fetchd jobs rm <id>          # Remove a finished job`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

// JobsAddCmd submits a new download job
var JobsAddCmd = &cobra.Command{
	Use:   "add <url> [url...]",
	Short: "Submit a download job",
	Long: `Submit a download job for one or more URLs.

A single URL is probed at dispatch time and may turn out to be a playlist.
Multiple URLs always form a collection.

Examples:
  fetchd jobs add https://example.com/v/123
  fetchd jobs add --format "ba/b" https://example.com/v/123
  fetchd jobs add --select https://example.com/playlist/9   # pick entries first`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := job.Options{RequireSelection: addRequireSelection}
		opts.Format = addFormat
		opts.OutputDir = addOutputDir
		opts.SubtitleLangs = addSubtitles
		opts.EmbedMetadata = addEmbedMetadata
		opts.ExtraArgs = addExtraArgs

		client := newAPIClient(jobsAddr)
		var created job.Job
		err := client.post("/api/jobs", map[string]interface{}{
			"urls":    args,
			"options": opts,
		}, &created)
		if err != nil {
			return err
		}

		fmt.Printf("Created %s (%s)\n", created.ID, created.Status)
		return nil
	},
}

// JobsLsCmd lists jobs
var JobsLsCmd = &cobra.Command{
	Use:   "ls",
	Short: "List jobs",
	Long: `List jobs on the daemon, optionally filtered by status.

Status filters:
  queued, starting, running, selection_required, pausing, paused,
  cancelling, cancelled, retrying, failed, completed, completed_with_errors

Examples:
  fetchd jobs ls                    # List all jobs
  fetchd jobs ls --status running   # List only running jobs`,
	RunE: func(cmd *cobra.Command, args []string) error {
		statusFilter, _ := cmd.Flags().GetString("status")
		return runJobsLs(statusFilter)
	},
}

// JobsStatusCmd shows one job in detail
var JobsStatusCmd = &cobra.Command{
	Use:   "status <job-id>",
	Short: "Show job details",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobsStatus(args[0])
	},
}

// JobsLogsCmd prints the engine output captured for a job
var JobsLogsCmd = &cobra.Command{
	Use:   "logs <job-id>",
	Short: "Show engine output for a job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(jobsAddr)
		var sync manager.LogsSync
		if err := client.get("/api/jobs/"+args[0]+"/logs", &sync); err != nil {
			return err
		}
		for _, line := range sync.Lines {
			fmt.Printf("%s  %s\n", line.Time.Format("15:04:05"), line.Line)
		}
		return nil
	},
}

// JobsPauseCmd pauses a running job
var JobsPauseCmd = &cobra.Command{
	Use:   "pause <job-id>",
	Short: "Pause a running job",
	Long: `Pause a running job. Single downloads stop immediately and keep their
partial files; playlists finish the current entry first. Resume with
'fetchd jobs resume'.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(args[0], "pause", "pause requested")
	},
}

// JobsResumeCmd resumes a paused job
var JobsResumeCmd = &cobra.Command{
	Use:   "resume <job-id>",
	Short: "Resume a paused job",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runJobCommand(args[0], "resume", "resumed")
	},
}

// JobsCancelCmd cancels a job
var JobsCancelCmd = &cobra.Command{
	Use:   "cancel <job-id>",
	Short: "Cancel a job",
	Long: `Cancel a job. A queued job is cancelled immediately; a running job gets a
grace period to stop cleanly before its engine process is killed.

Example:
  fetchd jobs cancel dl_abc123 --reason "wrong URL"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		reason, _ := cmd.Flags().GetString("reason")
		client := newAPIClient(jobsAddr)
		var updated job.Job
		body := map[string]string{"reason": reason}
		if err := client.post("/api/jobs/"+args[0]+"/cancel", body, &updated); err != nil {
			return err
		}
		fmt.Printf("Job %s: %s\n", updated.ID, updated.Status)
		return nil
	},
}

// JobsRetryCmd retries a failed or cancelled job
var JobsRetryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Retry a failed or cancelled job",
	Long: `Retry a job that ended in failed, cancelled or completed_with_errors.

A whole-job retry requeues everything that is not already completed. With
--entries, only the named playlist entries are requeued.

Examples:
  fetchd jobs retry dl_abc123
  fetchd jobs retry dl_abc123 --entries 2,7`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, _ := cmd.Flags().GetIntSlice("entries")
		client := newAPIClient(jobsAddr)

		var updated job.Job
		if len(entries) > 0 {
			body := map[string][]int{"indices": entries}
			if err := client.post("/api/jobs/"+args[0]+"/entries/retry", body, &updated); err != nil {
				return err
			}
		} else {
			if err := client.post("/api/jobs/"+args[0]+"/retry", nil, &updated); err != nil {
				return err
			}
		}
		fmt.Printf("Job %s: %s (attempt %d)\n", updated.ID, updated.Status, updated.Attempt)
		return nil
	},
}

// JobsSelectCmd confirms the playlist entries to download
var JobsSelectCmd = &cobra.Command{
	Use:   "select <job-id> <index> [index...]",
	Short: "Confirm playlist entries to download",
	Long: `Confirm which playlist entries a selection_required job should download.
Indices are 1-based. The first selection wins; a second selection is
rejected with the accepted indices.

Example:
  fetchd jobs select dl_abc123 1 3 5`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		indices := make([]int, 0, len(args)-1)
		for _, raw := range args[1:] {
			var idx int
			if _, err := fmt.Sscanf(raw, "%d", &idx); err != nil {
				return fmt.Errorf("invalid entry index %q", raw)
			}
			indices = append(indices, idx)
		}

		client := newAPIClient(jobsAddr)
		var result struct {
			Accepted []int  `json:"accepted"`
			Error    string `json:"error,omitempty"`
		}
		body := map[string][]int{"indices": indices}
		if err := client.post("/api/jobs/"+args[0]+"/entries/select", body, &result); err != nil {
			return err
		}
		fmt.Printf("Selection accepted: %v\n", result.Accepted)
		return nil
	},
}

// JobsRmCmd removes a finished job
var JobsRmCmd = &cobra.Command{
	Use:   "rm <job-id>",
	Short: "Remove a finished job",
	Long: `Remove a job in a terminal state. The job is archived to history before
removal; downloaded files stay on disk.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		client := newAPIClient(jobsAddr)
		if err := client.call(http.MethodDelete, "/api/jobs/"+args[0], nil, nil); err != nil {
			return err
		}
		fmt.Printf("Job %s removed\n", args[0])
		return nil
	},
}

var (
	jobsAddr string

	addFormat           string
	addOutputDir        string
	addSubtitles        string
	addEmbedMetadata    bool
	addExtraArgs        string
	addRequireSelection bool
)

func init() {
	JobsCmd.PersistentFlags().StringVar(&jobsAddr, "addr", "", "Daemon address (default http://localhost:8743)")

	JobsAddCmd.Flags().StringVar(&addFormat, "format", "", "Engine format selector (default from daemon config)")
	JobsAddCmd.Flags().StringVar(&addOutputDir, "output-dir", "", "Download destination directory")
	JobsAddCmd.Flags().StringVar(&addSubtitles, "subs", "", "Subtitle languages to embed (e.g. \"en,de\")")
	JobsAddCmd.Flags().BoolVar(&addEmbedMetadata, "embed-metadata", false, "Embed source metadata into the output file")
	JobsAddCmd.Flags().StringVar(&addExtraArgs, "extra-args", "", "Additional engine arguments, shell-quoted")
	JobsAddCmd.Flags().BoolVar(&addRequireSelection, "select", false, "Hold playlists until entries are confirmed with 'jobs select'")

	JobsLsCmd.Flags().String("status", "", "Filter by status")
	JobsCancelCmd.Flags().String("reason", "", "Reason recorded on the job")
	JobsRetryCmd.Flags().IntSlice("entries", nil, "Retry only these playlist entries (1-based)")

	JobsCmd.AddCommand(JobsAddCmd)
	JobsCmd.AddCommand(JobsLsCmd)
	JobsCmd.AddCommand(JobsStatusCmd)
	JobsCmd.AddCommand(JobsLogsCmd)
	JobsCmd.AddCommand(JobsPauseCmd)
	JobsCmd.AddCommand(JobsResumeCmd)
	JobsCmd.AddCommand(JobsCancelCmd)
	JobsCmd.AddCommand(JobsRetryCmd)
	JobsCmd.AddCommand(JobsSelectCmd)
	JobsCmd.AddCommand(JobsRmCmd)
}

// runJobCommand posts a body-less lifecycle command and prints the result
func runJobCommand(jobID, action, verb string) error {
	client := newAPIClient(jobsAddr)
	var updated job.Job
	if err := client.post("/api/jobs/"+jobID+"/"+action, nil, &updated); err != nil {
		return err
	}
	fmt.Printf("Job %s %s (%s)\n", updated.ID, verb, updated.Status)
	return nil
}

// runJobsLs lists jobs as a table
func runJobsLs(statusFilter string) error {
	client := newAPIClient(jobsAddr)

	path := "/api/jobs"
	if statusFilter != "" {
		path += "?status=" + statusFilter
	}

	var resp struct {
		Jobs  []*job.Job `json:"jobs"`
		Count int        `json:"count"`
	}
	if err := client.get(path, &resp); err != nil {
		return err
	}

	if len(resp.Jobs) == 0 {
		fmt.Println("No jobs found")
		return nil
	}

	fmt.Printf("%-15s %-22s %-30s %-10s %-10s %s\n", "JOB ID", "STATUS", "TITLE", "PROGRESS", "SIZE", "CREATED")
	fmt.Printf("%-15s %-22s %-30s %-10s %-10s %s\n", "------", "------", "-----", "--------", "----", "-------")

	for _, j := range resp.Jobs {
		title := j.Metadata.Title
		if title == "" {
			title = j.URLs[0]
		}
		fmt.Printf("%-15s %-22s %-30s %-10s %-10s %s\n",
			truncate(j.ID, 15),
			j.Status,
			truncate(title, 30),
			progressCell(j),
			sizeCell(j),
			j.CreatedAt.Local().Format("2006-01-02 15:04"))
	}

	fmt.Printf("\nTotal: %d job(s)\n", len(resp.Jobs))
	return nil
}

// runJobsStatus prints one job in detail
func runJobsStatus(jobID string) error {
	client := newAPIClient(jobsAddr)
	var j job.Job
	if err := client.get("/api/jobs/"+jobID, &j); err != nil {
		return err
	}

	fmt.Printf("Job ID: %s\n", j.ID)
	fmt.Printf("  Kind:    %s\n", j.Kind)
	fmt.Printf("  Status:  %s\n", j.Status)
	if j.Metadata.Title != "" {
		fmt.Printf("  Title:   %s\n", j.Metadata.Title)
	}
	for _, u := range j.URLs {
		fmt.Printf("  URL:     %s\n", u)
	}
	if j.Attempt > 0 {
		fmt.Printf("  Attempt: %d\n", j.Attempt)
	}
	if j.Error != "" {
		fmt.Printf("  Error:   %s\n", j.Error)
	}
	if j.CancelReason != "" {
		fmt.Printf("  Cancelled: %s\n", j.CancelReason)
	}
	fmt.Printf("\n")

	if p := j.Progress; p != nil {
		fmt.Printf("Progress: %s", progressCell(&j))
		if p.Speed != nil {
			fmt.Printf("  %s/s", humanize.Bytes(uint64(*p.Speed)))
		}
		if p.ETA != nil {
			fmt.Printf("  ETA %.0fs", *p.ETA)
		}
		fmt.Printf("\n")
		if p.Stage != "" {
			fmt.Printf("Stage: %s\n", p.Stage)
		}
		fmt.Printf("\n")
	}

	if col := j.Collection; col != nil {
		total := "?"
		if col.TotalItems != nil {
			total = fmt.Sprintf("%d", *col.TotalItems)
		}
		fmt.Printf("Playlist: %d/%s completed (%.0f%%)\n", col.CompletedItems, total, col.Percent)
		if len(col.FailedIndices) > 0 {
			fmt.Printf("  Failed entries: %v\n", col.FailedIndices)
		}
		if len(col.PendingRetryIndices) > 0 {
			fmt.Printf("  Pending retry:  %v\n", col.PendingRetryIndices)
		}
		fmt.Printf("\n")
	}

	if j.MainFile != "" {
		fmt.Printf("Output: %s\n", j.MainFile)
	}
	for _, f := range j.GeneratedFiles {
		if f != j.MainFile {
			fmt.Printf("  also: %s\n", f)
		}
	}
	if j.MainFile != "" || len(j.GeneratedFiles) > 0 {
		fmt.Printf("\n")
	}

	fmt.Printf("Created: %s\n", j.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	if j.StartedAt != nil {
		fmt.Printf("Started: %s\n", j.StartedAt.Local().Format("2006-01-02 15:04:05"))
	}
	if j.FinishedAt != nil {
		fmt.Printf("Finished: %s (%s)\n",
			j.FinishedAt.Local().Format("2006-01-02 15:04:05"),
			humanize.Time(*j.FinishedAt))
	}

	return nil
}

// progressCell renders the percent column for a job
func progressCell(j *job.Job) string {
	if j.Collection != nil {
		return fmt.Sprintf("%.0f%%", j.Collection.Percent)
	}
	if j.Progress != nil && j.Progress.Percent != nil {
		return fmt.Sprintf("%.0f%%", *j.Progress.Percent)
	}
	if j.Status == job.StatusCompleted {
		return "100%"
	}
	return "-"
}

// sizeCell renders the size column for a job
func sizeCell(j *job.Job) string {
	p := j.Progress
	if p == nil {
		return "-"
	}
	if p.TotalBytes != nil {
		return humanize.Bytes(uint64(*p.TotalBytes))
	}
	if p.DownloadedBytes != nil {
		return humanize.Bytes(uint64(*p.DownloadedBytes))
	}
	return "-"
}

// truncate shortens a string to maxLen characters
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
