package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vidforge/vidforge/pkg/hardware"
	"github.com/vidforge/vidforge/pkg/models"
	"github.com/vidforge/vidforge/pkg/progress"
	"github.com/vidforge/vidforge/pkg/queue"
	"github.com/vidforge/vidforge/pkg/worker"
)

var (
	runOutDir      string
	runSpec        []string
	runWorkers     int
	runMaxAttempts int
	runTimeout     int
	runBestEffort  bool
	runResume      bool
	runStateFile   string
	runJournalType string
)

var runCmd = &cobra.Command{
	Use:   "run [files...]",
	Short: "Enhance a batch of files and wait for completion",
	Long: `Enqueue the given files, process them with a local worker pool and
exit when the queue drains. With --resume, jobs journaled by a previous
interrupted run are loaded first; jobs that were mid-flight restart from
the beginning.`,
	RunE: runBatch,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVar(&runOutDir, "out", "", "output directory (required)")
	runCmd.Flags().StringArrayVar(&runSpec, "spec", nil, "enhancement parameter key=value (repeatable)")
	runCmd.Flags().IntVar(&runWorkers, "workers", 0, "worker count (0 = recommend from hardware)")
	runCmd.Flags().IntVar(&runMaxAttempts, "max-attempts", 1, "attempts per job before it fails")
	runCmd.Flags().IntVar(&runTimeout, "timeout", 0, "per-job timeout in seconds (0 = none)")
	runCmd.Flags().BoolVar(&runBestEffort, "best-effort", false, "exit 0 even when some jobs fail")
	runCmd.Flags().BoolVar(&runResume, "resume", false, "load jobs journaled by a previous run")
	runCmd.Flags().StringVar(&runStateFile, "state", "", "journal path (default from config)")
	runCmd.Flags().StringVar(&runJournalType, "journal", "", "journal backend: file or sqlite")
}

func runBatch(cmd *cobra.Command, args []string) error {
	if len(args) == 0 && !runResume {
		return fmt.Errorf("no input files given (or use --resume)")
	}
	if runOutDir == "" {
		return fmt.Errorf("--out is required")
	}
	if err := os.MkdirAll(runOutDir, 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	spec, err := parseSpec(runSpec)
	if err != nil {
		return err
	}

	logger := newLogger()
	journal, err := openJournal(runJournalType, runStateFile)
	if err != nil {
		return err
	}

	store := queue.NewStore(queue.Options{Journal: journal, Logger: logger})
	defer store.Close() //nolint:errcheck

	if runResume {
		if err := store.Load(); err != nil {
			return fmt.Errorf("failed to resume from journal: %w", err)
		}
	}

	for _, input := range args {
		_, err := store.Enqueue(queue.EnqueueRequest{
			InputRef:       input,
			OutputPath:     filepath.Join(runOutDir, filepath.Base(input)),
			Spec:           spec,
			MaxAttempts:    runMaxAttempts,
			TimeoutSeconds: runTimeout,
		})
		if err != nil {
			return fmt.Errorf("failed to enqueue %s: %w", input, err)
		}
	}

	workers := runWorkers
	if workers <= 0 {
		workers = viper.GetInt("workers")
	}
	if workers <= 0 {
		workers = hardware.Detect().RecommendWorkerCount()
		logger.Info("sized worker pool from hardware", map[string]interface{}{
			"workers": workers,
		})
	}

	aggregator := progress.NewAggregator(store, 0, logger)
	aggregator.Start()

	backend := worker.NewExecBackend(
		viper.GetString("backend.program"),
		viper.GetStringSlice("backend.args"),
		logger,
	)
	pool := worker.NewPool(store, backend, worker.Config{
		Workers:      workers,
		PollInterval: time.Second,
		GracePeriod:  10 * time.Second,
	}, aggregator.Func(), logger)

	pool.Start()
	if err := pool.WaitDrained(context.Background()); err != nil {
		return err
	}
	pool.Stop()
	aggregator.Stop()

	snap := store.Snapshot()
	printSummary(snap)

	if failed := snap.Count(models.JobStatusFailed); failed > 0 && !runBestEffort {
		return fmt.Errorf("%d job(s) failed", failed)
	}
	return nil
}

// parseSpec turns repeated key=value flags into a spec map.
func parseSpec(pairs []string) (map[string]interface{}, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	spec := make(map[string]interface{}, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --spec %q, want key=value", pair)
		}
		spec[key] = value
	}
	return spec, nil
}

func openJournal(journalType, path string) (queue.Journal, error) {
	if journalType == "" {
		journalType = viper.GetString("journal")
	}
	if path == "" {
		path = viper.GetString("state_file")
	}
	journal, err := queue.NewJournal(queue.JournalConfig{Type: journalType, Path: path})
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return journal, nil
}

func printSummary(snap *models.QueueSnapshot) {
	if IsJSONOutput() {
		json.NewEncoder(os.Stdout).Encode(snap) //nolint:errcheck
		return
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Input", "Status", "Attempts", "Duration", "Error")
	for _, job := range snap.Jobs {
		duration := ""
		if d := job.Duration(); d > 0 {
			duration = d.Round(time.Second).String()
		}
		table.Append(
			filepath.Base(job.InputRef),
			string(job.Status),
			fmt.Sprintf("%d/%d", job.AttemptCount, job.MaxAttempts),
			duration,
			job.Error,
		)
	}
	table.Render()

	fmt.Printf("\n%d completed, %d failed, %d canceled\n",
		snap.Count(models.JobStatusCompleted),
		snap.Count(models.JobStatusFailed),
		snap.Count(models.JobStatusCanceled),
	)
}
