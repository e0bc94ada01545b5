package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/mattjoyce/stevedore/internal/api"
	"github.com/mattjoyce/stevedore/internal/auth"
	"github.com/mattjoyce/stevedore/internal/config"
	"github.com/mattjoyce/stevedore/internal/dispatch"
	"github.com/mattjoyce/stevedore/internal/embedded"
	"github.com/mattjoyce/stevedore/internal/events"
	"github.com/mattjoyce/stevedore/internal/lock"
	"github.com/mattjoyce/stevedore/internal/log"
	"github.com/mattjoyce/stevedore/internal/oplog"
	"github.com/mattjoyce/stevedore/internal/queue"
	"github.com/mattjoyce/stevedore/internal/runner"
	"github.com/mattjoyce/stevedore/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func newSystemCmd(g *globals) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "system",
		Short: "Run and inspect the stevedore runtime",
	}

	var configPath string
	start := &cobra.Command{
		Use:   "start",
		Short: "Start the runtime in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, configPath)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return startSystem(ctx, cfg)
		},
	}
	start.Flags().StringVar(&configPath, "config", "", "Path to configuration file or directory")

	status := &cobra.Command{
		Use:   "status",
		Short: "Show health of a running instance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			h, err := g.client().Health(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "status: %s\n", h.Status)
			fmt.Fprintf(out, "started_at: %s\n", h.StartedAt.Format(time.RFC3339))
			fmt.Fprintf(out, "uptime: %s\n", time.Duration(h.UptimeSeconds)*time.Second)
			fmt.Fprintf(out, "queue_depth: %d\n", h.QueueDepth)
			fmt.Fprintf(out, "threads: %d\n", h.Threads)
			fmt.Fprintf(out, "runners: %d registered, %d active, %d invalid\n",
				h.RunnersRegistered, h.RunnersActive, h.RunnersInvalid)
			return nil
		},
	}

	var limit int
	operations := &cobra.Command{
		Use:   "operations",
		Short: "List recent runtime operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ops, err := g.client().Operations(cmd.Context(), limit)
			if err != nil {
				return err
			}
			rows := make([][]string, 0, len(ops))
			for _, op := range ops {
				rows = append(rows, []string{
					op.CreatedAt.Local().Format("2006-01-02 15:04:05"),
					string(op.Kind), op.Runner, op.Host, op.Message,
				})
			}
			fmt.Fprintln(cmd.OutOrStdout(), renderTable([]string{"TIME", "KIND", "RUNNER", "HOST", "MESSAGE"}, rows))
			return nil
		},
	}
	operations.Flags().IntVar(&limit, "limit", oplog.DefaultListLimit, "Maximum number of operations")

	cmd.AddCommand(start, status, operations)
	return cmd
}

// loadConfig loads path, or the discovered config when path is empty.
func loadConfig(cmd *cobra.Command, path string) (*config.Config, error) {
	if path == "" {
		discovered, err := config.DiscoverConfigPath()
		if err != nil {
			return nil, err
		}
		path = discovered
		fmt.Fprintf(cmd.ErrOrStderr(), "Using discovered config: %s\n", path)
	}
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// system is a wired runtime: queue, registry, factory and the optional API.
type system struct {
	cfg     *config.Config
	logger  *slog.Logger
	lock    *lock.InstanceLock
	db      *sql.DB
	broker  *queue.Broker
	factory *dispatch.Factory
	server  *api.Server
}

// newSystem wires every component for cfg. Nothing is started yet.
func newSystem(ctx context.Context, cfg *config.Config) (*system, error) {
	logger := log.WithComponent("main")

	registry := runner.NewRegistry()
	registry.Register(embedded.Definitions()...)
	if invalid := registry.Validate(); invalid > 0 {
		logger.Warn("some runners are invalid and will not start", "invalid", invalid)
	}

	ids := make([]string, 0)
	for _, def := range registry.All() {
		ids = append(ids, def.ID)
	}
	if err := config.NewValidator(cfg, ids).ValidateCrossReferences(); err != nil {
		return nil, err
	}

	lk, err := lock.Acquire(lock.PathFor(cfg.State.Path))
	if err != nil {
		return nil, err
	}
	logger.Info("acquired instance lock", "path", lk.Path())

	db, err := storage.OpenSQLite(ctx, cfg.State.Path)
	if err != nil {
		_ = lk.Release()
		return nil, fmt.Errorf("open state database: %w", err)
	}
	logger.Info("database opened", "path", cfg.State.Path)

	broker := queue.NewBroker(db, queue.Config{
		PollInterval:  cfg.Queue.PollInterval,
		MaxJobsActive: cfg.Queue.MaxJobsActive,
		JobTimeout:    cfg.Queue.JobTimeout,
		RetryBackoff:  cfg.Queue.RetryBackoff,
		WorkerName:    cfg.Queue.WorkerName,
	})
	ops := oplog.NewStore(db)
	hub := events.NewHub(256)

	factory := dispatch.New(dispatch.Config{
		Threads:          cfg.Queue.Threads,
		StopPollInterval: cfg.Queue.StopPollInterval,
		StopMaxPolls:     cfg.Queue.StopMaxPolls,
		Disabled:         cfg.DisabledRunners(),
	}, registry, broker, ops, hub, log.WithComponent("dispatch"))

	s := &system{
		cfg:     cfg,
		logger:  logger,
		lock:    lk,
		db:      db,
		broker:  broker,
		factory: factory,
	}

	if cfg.API.Enabled {
		tokens := make([]auth.Token, 0, len(cfg.API.Auth.Tokens))
		for _, t := range cfg.API.Auth.Tokens {
			tokens = append(tokens, auth.Token{Secret: t.Token, Scopes: t.Scopes})
		}
		s.server = api.New(api.Config{
			Listen: cfg.API.Listen,
			APIKey: cfg.API.Auth.APIKey,
			Tokens: tokens,
		}, factory, broker, ops, hub, log.WithComponent("api"))
	}
	return s, nil
}

// run starts every runner and the API, then blocks until ctx ends or the
// API fails. Runners are stopped before it returns.
func (s *system) run(ctx context.Context) error {
	if err := s.factory.StartAll(ctx); err != nil {
		// Runners that failed are reported; the others keep running.
		s.logger.Error("some runners failed to start", "error", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 1)
	if s.server != nil {
		go func() {
			if err := s.server.Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
				errCh <- fmt.Errorf("api: %w", err)
			}
		}()
		s.logger.Info("API server enabled", "listen", s.cfg.API.Listen)
	}

	s.logger.Info("stevedore running (press Ctrl+C to stop)", "config", s.cfg.Path, "fingerprint", s.cfg.Fingerprint)

	var runErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutting down")
	case runErr = <-errCh:
		s.logger.Error("component failed", "error", runErr)
	}

	stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer stopCancel()
	if err := s.factory.StopAll(stopCtx); err != nil {
		s.logger.Error("failed to stop runners", "error", err)
		runErr = errors.Join(runErr, err)
	}
	return runErr
}

func (s *system) close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("failed to close database", "error", err)
	}
	if err := s.lock.Release(); err != nil {
		s.logger.Warn("failed to release instance lock", "error", err)
	}
}

func startSystem(ctx context.Context, cfg *config.Config) error {
	log.Setup(cfg.Service.LogLevel, cfg.Service.Name)
	log.WithComponent("main").Info("stevedore starting", "version", version, "pid", os.Getpid())

	s, err := newSystem(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.close()

	err = s.run(ctx)
	log.WithComponent("main").Info("stevedore stopped")
	return err
}

func renderTable(headers []string, rows [][]string) string {
	return table.New().
		Border(lipgloss.NormalBorder()).
		Headers(headers...).
		Rows(rows...).
		Render()
}
