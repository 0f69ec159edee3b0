package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"activityharvest/internal/api"
	"activityharvest/internal/config"
	"activityharvest/internal/fetcher"
	"activityharvest/internal/harvest"
	"activityharvest/internal/logging"
	"activityharvest/internal/robots"
	"activityharvest/internal/storage"
)

type rootFlags struct {
	configPath string
	offset     int64
	limit      int64
	jobs       int64
}

func newRootCmd() *cobra.Command {
	var flags rootFlags
	cmd := &cobra.Command{
		Use:           "activityharvest",
		Short:         "Harvest Run activities for the stored athletes",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			var limit *int64
			if cmd.Flags().Changed("limit") {
				limit = &flags.limit
			}
			return runHarvest(cmd.Context(), flags, limit)
		},
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", os.Getenv("ACTIVITYHARVEST_CONFIG"), "path to YAML configuration (optional)")
	cmd.Flags().Int64Var(&flags.offset, "offset", 0, "first user offset of the manual window")
	cmd.Flags().Int64Var(&flags.limit, "limit", 0, "number of users in the manual window (default: all remaining)")
	cmd.Flags().Int64Var(&flags.jobs, "jobs", 0, "run N sharded workers concurrently; overrides --offset/--limit")

	cmd.AddCommand(newCheckSessionCmd(&flags))
	return cmd
}

// app holds the process-wide collaborators shared by every worker run.
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *storage.SQLStore
	baseURL  *url.URL
	sessions *fetcher.Sessions
	scraper  *harvest.Scraper
	registry *prometheus.Registry
	metrics  *harvest.Metrics
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	logger, err := logging.New(cfg.Logging, os.Stdout)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, cfg.DB)
	if err != nil {
		return nil, fmt.Errorf("open storage: %w", err)
	}

	opts, err := fetcher.SessionOptionsFromConfig(*cfg)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	creds := fetcher.NewFileProvider(cfg.Credentials.CookiesFile, cfg.Credentials.ProxiesFile, cfg.Credentials.CookieIndex)
	pacer := fetcher.NewPacer(fetcher.RateLimiterSettings{
		Requests: cfg.Fetch.RateLimit.Requests,
		Window:   cfg.Fetch.RateLimit.Window.Duration,
	})
	var robotsAgent *robots.Agent
	if cfg.Robots.Respect {
		robotsAgent = robots.NewAgent(cfg.Robots, nil)
	}
	sessions := fetcher.NewSessions(opts, creds, pacer, robotsAgent, logger)

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := harvest.NewMetrics(registry)

	scraper := harvest.NewScraper(sessions, harvest.ScraperOptions{
		BaseURL:           opts.BaseURL,
		FeedMaxAttempts:   cfg.Fetch.FeedMaxAttempts,
		DetailMaxAttempts: cfg.Fetch.DetailMaxAttempts,
		Metrics:           metrics,
	})

	return &app{
		cfg:      cfg,
		logger:   logger,
		store:    store,
		baseURL:  opts.BaseURL,
		sessions: sessions,
		scraper:  scraper,
		registry: registry,
		metrics:  metrics,
	}, nil
}

func (a *app) Close() error {
	return a.store.Close()
}

func runHarvest(ctx context.Context, flags rootFlags, limit *int64) error {
	a, err := newApp(ctx, flags.configPath)
	if err != nil {
		return err
	}
	defer a.Close()

	tracker := api.NewRunTracker()
	engine := harvest.NewEngine(a.store, a.scraper, harvest.Settings{
		MaxConcurrentTasks: a.cfg.Worker.MaxConcurrentTasks,
		BatchSize:          a.cfg.Worker.BatchSize,
		UserDelay:          a.cfg.Worker.UserDelay.Duration,
		ActivityDelay:      a.cfg.Worker.ActivityDelay.Duration,
	}, a.logger, harvest.WithMetrics(a.metrics), harvest.WithTracker(tracker))

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	serverDone := make(chan error, 1)
	if a.cfg.Metrics.Addr != "" {
		server := api.NewServer(tracker, a.store.DB(), a.registry, a.logger)
		go func() { serverDone <- server.ListenAndServe(serverCtx, a.cfg.Metrics.Addr) }()
	} else {
		close(serverDone)
	}

	err = runWorkers(ctx, engine, flags, limit, a.logger)

	stopServer()
	if serverErr := <-serverDone; serverErr != nil {
		a.logger.Error("status server stopped", "error", serverErr)
	}
	return err
}

func runWorkers(ctx context.Context, engine *harvest.Engine, flags rootFlags, limit *int64, logger *slog.Logger) error {
	if flags.jobs <= 0 {
		_, err := engine.RunWorker(ctx, harvest.RunRequest{Offset: flags.offset, Limit: limit})
		return err
	}

	var g errgroup.Group
	errs := make([]error, flags.jobs)
	for id := int64(0); id < flags.jobs; id++ {
		id := id
		g.Go(func() error {
			_, err := engine.RunWorker(ctx, harvest.RunRequest{Jobs: flags.jobs, JobID: id})
			if err != nil {
				logger.Error("worker run failed", "job", id, "error", err)
				errs[id] = fmt.Errorf("job %d: %w", id, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return errors.Join(errs...)
}
