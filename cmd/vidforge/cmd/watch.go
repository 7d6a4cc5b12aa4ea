package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/gorilla/mux"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/vidforge/vidforge/pkg/api"
	"github.com/vidforge/vidforge/pkg/hardware"
	"github.com/vidforge/vidforge/pkg/metrics"
	"github.com/vidforge/vidforge/pkg/progress"
	"github.com/vidforge/vidforge/pkg/queue"
	"github.com/vidforge/vidforge/pkg/shutdown"
	"github.com/vidforge/vidforge/pkg/watch"
	"github.com/vidforge/vidforge/pkg/worker"
)

var (
	watchConfigPath string
	watchListen     string
	watchWorkers    int
	watchStateFile  string
	watchJournal    string
	watchNoAPI      bool
	printExample    bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Watch a folder and enhance files as they arrive",
	Long: `Run as a daemon: scan a watch directory, enqueue files once they stop
changing, process them with a local worker pool and route finished inputs
to _completed/ or _failed/. Queue state is journaled so a restart picks up
where the previous run stopped.`,
	RunE: runWatch,
}

func init() {
	rootCmd.AddCommand(watchCmd)

	watchCmd.Flags().StringVarP(&watchConfigPath, "watch-config", "f", "", "watch configuration file (required)")
	watchCmd.Flags().StringVar(&watchListen, "listen", "", "address for the HTTP API and metrics (default from config)")
	watchCmd.Flags().IntVar(&watchWorkers, "workers", 0, "worker count (0 = recommend from hardware)")
	watchCmd.Flags().StringVar(&watchStateFile, "state", "", "journal path (default from config)")
	watchCmd.Flags().StringVar(&watchJournal, "journal", "", "journal backend: file or sqlite")
	watchCmd.Flags().BoolVar(&watchNoAPI, "no-api", false, "disable the HTTP API")
	watchCmd.Flags().BoolVar(&printExample, "print-example", false, "print an example watch configuration and exit")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if printExample {
		fmt.Print(watch.ExampleConfig)
		return nil
	}
	if watchConfigPath == "" {
		return fmt.Errorf("--watch-config is required (see --print-example)")
	}

	configs, err := watch.LoadConfigs(watchConfigPath)
	if err != nil {
		return err
	}

	logger := newLogger()
	journal, err := openJournal(watchJournal, watchStateFile)
	if err != nil {
		return err
	}

	store := queue.NewStore(queue.Options{Journal: journal, Logger: logger})
	if err := store.Load(); err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}

	workers := watchWorkers
	if workers <= 0 {
		workers = viper.GetInt("workers")
	}
	if workers <= 0 {
		info := hardware.Detect()
		workers = info.RecommendWorkerCount()
		logger.Info("sized worker pool from hardware", map[string]interface{}{
			"workers":     workers,
			"cpu_threads": info.CPUThreads,
			"has_gpu":     info.HasGPU,
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

	// One producer per configured folder, all feeding the same store.
	producers := make([]*watch.Producer, 0, len(configs))
	for _, config := range configs {
		producer := watch.NewProducer(config, store, logger)
		if err := producer.Start(); err != nil {
			return fmt.Errorf("failed to start watcher for %s: %w", config.WatchDir, err)
		}
		producers = append(producers, producer)
	}

	purger := queue.NewPurgeManager(store, queue.DefaultPurgeConfig(), logger)
	purger.Start()

	manager := shutdown.New(30*time.Second, logger)
	// Teardown order (LIFO): API first so no new jobs arrive, then the
	// producer, then workers, then the final journal write.
	manager.Register(shutdown.CloseResource(store, "journal"))
	manager.Register(shutdown.StopComponent(purger.Stop, "purge manager"))
	manager.Register(shutdown.StopComponent(aggregator.Stop, "progress aggregator"))
	manager.Register(shutdown.StopComponent(pool.StopImmediately, "worker pool"))
	for _, producer := range producers {
		manager.Register(shutdown.StopComponent(producer.Stop, "watch producer"))
	}

	if !watchNoAPI {
		listen := watchListen
		if listen == "" {
			listen = viper.GetString("listen")
		}
		exporter := metrics.NewExporter(store)
		server := api.NewServer(listen, api.NewHandler(store, aggregator, logger), logger, func(r *mux.Router) {
			r.Handle("/metrics", exporter.Handler()).Methods("GET")
		})
		go func() {
			if err := server.Start(); err != nil {
				logger.Error("api server exited", map[string]interface{}{"error": err.Error()})
			}
		}()
		manager.Register(func(ctx context.Context) error {
			return server.Shutdown(ctx)
		})
	}

	dirs := make([]string, 0, len(configs))
	for _, config := range configs {
		dirs = append(dirs, config.WatchDir)
	}
	logger.Info("vidforge watch daemon started", map[string]interface{}{
		"watch_dirs": dirs,
		"workers":    workers,
	})

	manager.Wait()
	manager.Shutdown()
	return nil
}
