package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/vidforge/vidforge/pkg/models"
)

var (
	statusStateFile string
	statusJournal   string
	statusFilter    string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the journaled queue state",
	Long: `Read the queue journal and print every job. Works against the journal
of a running watch daemon (sqlite recommended there) as well as the state
left behind by an interrupted run.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)

	statusCmd.Flags().StringVar(&statusStateFile, "state", "", "journal path (default from config)")
	statusCmd.Flags().StringVar(&statusJournal, "journal", "", "journal backend: file or sqlite")
	statusCmd.Flags().StringVar(&statusFilter, "status", "", "only show jobs with this status")
}

func runStatus(cmd *cobra.Command, args []string) error {
	journal, err := openJournal(statusJournal, statusStateFile)
	if err != nil {
		return err
	}
	defer journal.Close() //nolint:errcheck

	snap, err := journal.Load()
	if err != nil {
		return fmt.Errorf("failed to read journal: %w", err)
	}
	if snap == nil {
		fmt.Println("No queue state found.")
		return nil
	}

	jobs := snap.Jobs
	if statusFilter != "" {
		status := models.JobStatus(statusFilter)
		filtered := make([]*models.Job, 0, len(jobs))
		for _, job := range jobs {
			if job.Status == status {
				filtered = append(filtered, job)
			}
		}
		jobs = filtered
	}

	if IsJSONOutput() {
		return json.NewEncoder(os.Stdout).Encode(jobs)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Job", "Input", "Status", "Progress", "Attempts", "Created", "Error")
	for _, job := range jobs {
		progressStr := ""
		if job.Status == models.JobStatusRunning || job.Progress.Percent > 0 {
			progressStr = fmt.Sprintf("%.0f%%", job.Progress.Percent)
			if job.Progress.Stage != "" {
				progressStr = job.Progress.Stage + " " + progressStr
			}
		}
		table.Append(
			shortID(job.ID),
			filepath.Base(job.InputRef),
			string(job.Status),
			progressStr,
			fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
			job.CreatedAt.Format(time.RFC3339),
			job.Error,
		)
	}
	table.Render()

	fmt.Printf("\nSnapshot from %s", snap.TakenAt.Format(time.RFC3339))
	if snap.Paused {
		fmt.Print(" (queue paused)")
	}
	fmt.Println()
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
