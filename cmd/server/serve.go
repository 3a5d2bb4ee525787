package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/ashureev/relaybot/internal/api"
	"github.com/ashureev/relaybot/internal/bootstrap"
	"github.com/ashureev/relaybot/internal/classifier"
	"github.com/ashureev/relaybot/internal/config"
	"github.com/ashureev/relaybot/internal/delivery"
	"github.com/ashureev/relaybot/internal/engine"
	"github.com/ashureev/relaybot/internal/progress"
	"github.com/ashureev/relaybot/internal/session"
	"github.com/ashureev/relaybot/internal/store"
	"github.com/ashureev/relaybot/internal/supervisor"
	"github.com/ashureev/relaybot/internal/transport/telegram"
	"github.com/ashureev/relaybot/web"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const (
	shutdownTimeout    = 10 * time.Second
	runCleanupInterval = time.Hour
	runRetention       = 30 * 24 * time.Hour
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the bot, the status API and the per-user process supervisor",
	Args:  cobra.NoArgs,
	RunE:  runServe,
}

//nolint:funlen // Startup wiring is kept sequential so the dependency order stays explicit.
func runServe(cmd *cobra.Command, _ []string) error {
	logger := slog.Default()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.ValidateServe(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("Starting relaybot", "port", cfg.Port, "runner", cfg.Process.Runner)

	if cfg.Bootstrap.Skip {
		logger.Info("Bootstrap skipped")
	} else {
		fetcher := bootstrap.New(bootstrap.Options{
			RepoURL:    cfg.Bootstrap.RepoURL,
			RepoDir:    cfg.Process.Dir,
			InstallCmd: cfg.Bootstrap.InstallCmd,
		}, nil, logger)
		if err := fetcher.Run(ctx); err != nil {
			return fmt.Errorf("bootstrap failed: %w", err)
		}
	}

	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}
	defer func() {
		if closeErr := repo.Close(); closeErr != nil {
			logger.Error("Failed to close repository", "error", closeErr)
		}
	}()
	if err := repo.Ping(ctx); err != nil {
		return fmt.Errorf("database health check failed: %w", err)
	}
	if n, err := clearStaleSessions(ctx, repo); err != nil {
		logger.Warn("Failed to clear stale session registry", "error", err)
	} else {
		logger.Info("Database connected", "stale_sessions_cleared", n)
	}

	rules, err := loadRules(cfg.ClassifierRules)
	if err != nil {
		return err
	}
	cls := classifier.New(rules)

	runner, closeRunner, err := newRunner(cfg)
	if err != nil {
		return err
	}
	defer closeRunner()

	dir, err := filepath.Abs(cfg.Process.Dir)
	if err != nil {
		return fmt.Errorf("failed to resolve REPO_DIR: %w", err)
	}
	sup := supervisor.New(runner, supervisor.Options{Dir: dir, Command: cfg.Process.Command}, logger)

	bot, err := telegram.Dial(cfg.BotToken, telegram.Options{RequestsPerSecond: cfg.TelegramRPS}, logger)
	if err != nil {
		return err
	}

	queue := delivery.NewQueue(bot, delivery.Options{
		InterMessageDelay:   cfg.Delivery.InterMessageDelay,
		MinRateLimitBackoff: cfg.Delivery.RateLimitBackoff,
		RetryDelay:          cfg.Delivery.RetryDelay,
		MaxRetries:          delivery.DefaultOptions().MaxRetries,
	}, logger)

	publisher := progress.NewPublisher(logger)
	sessions := session.NewStore(logger)

	machine := engine.New(engine.Deps{
		Store:      sessions,
		Spawner:    sup,
		Notifier:   queue,
		Progress:   publisher,
		Classifier: cls,
		Repo:       repo,
	}, engine.Options{
		SummaryInterval: cfg.SummaryInterval,
		IdleResetDelay:  cfg.IdleResetDelay,
	}, logger)

	tmpl, err := web.Dashboard()
	if err != nil {
		return fmt.Errorf("failed to parse dashboard template: %w", err)
	}
	srv := &http.Server{
		Addr: ":" + cfg.Port,
		Handler: api.NewRouter(api.NewHandler(api.Deps{
			Progress:  publisher,
			Sessions:  sessions,
			Bot:       bot,
			Repo:      repo,
			Dashboard: tmpl,
			Logger:    logger,
		})),
		ReadTimeout: 30 * time.Second,
		// No WriteTimeout: /ws/progress holds connections open.
		IdleTimeout: 120 * time.Second,
	}

	var grpcHealth *api.HealthServer
	var grpcLis net.Listener
	if cfg.GRPCPort != "" {
		grpcLis, err = net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			return fmt.Errorf("failed to listen on GRPC_PORT: %w", err)
		}
		grpcHealth = api.NewHealthServer(logger)
	}

	if err := bot.Launch(ctx); err != nil {
		return err
	}
	if grpcHealth != nil {
		grpcHealth.SetServing(true)
	}

	session.StartSweeper(ctx, sessions, cfg.SessionTTL, sweepInterval(cfg.SessionTTL), machine.Forget)

	g, gctx := errgroup.WithContext(ctx)
	botDone := make(chan struct{})

	g.Go(func() error {
		defer close(botDone)
		return bot.Run(gctx, machine)
	})

	g.Go(func() error {
		logger.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if grpcHealth != nil {
		g.Go(func() error { return grpcHealth.Serve(grpcLis) })
	}

	if cfg.ClassifierRules != "" {
		g.Go(func() error {
			if err := classifier.Watch(gctx, cfg.ClassifierRules, cls, logger); err != nil {
				logger.Warn("Classifier rule watch stopped", "error", err)
			}
			return nil
		})
	}

	g.Go(func() error {
		cleanupRuns(gctx, repo, logger)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		<-botDone
		logger.Info("Shutting down gracefully...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		killed := machine.Shutdown(shutdownCtx)
		logger.Info("Sessions stopped", "processes_killed", killed)
		waitSupervisor(shutdownCtx, sup, logger)

		publisher.Close()
		if grpcHealth != nil {
			grpcHealth.Shutdown(shutdownCtx)
		}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server forced to shutdown", "error", err)
		}
		queue.Close()
		return nil
	})

	if err := g.Wait(); err != nil {
		return err
	}
	logger.Info("Server stopped successfully")
	return nil
}

func loadRules(path string) (classifier.Rules, error) {
	if path == "" {
		return classifier.DefaultRules(), nil
	}
	rules, err := classifier.LoadRules(path)
	if err != nil {
		return classifier.Rules{}, fmt.Errorf("failed to load classifier rules: %w", err)
	}
	return rules, nil
}

func newRunner(cfg *config.Config) (supervisor.Runner, func(), error) {
	if cfg.Process.Runner != config.RunnerDocker {
		return supervisor.NewExecRunner(), func() {}, nil
	}
	r, err := supervisor.NewDockerRunner(cfg.Process.DockerImage)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize docker runner: %w", err)
	}
	return r, func() {
		if err := r.Close(); err != nil {
			slog.Error("Failed to close docker client", "error", err)
		}
	}, nil
}

// clearStaleSessions drops registry rows left by a previous run; no process
// survives a restart.
func clearStaleSessions(ctx context.Context, repo store.Repository) (int, error) {
	recs, err := repo.ListSessions(ctx)
	if err != nil {
		return 0, err
	}
	for _, rec := range recs {
		if err := repo.DeleteSession(ctx, rec.UserID); err != nil {
			return 0, err
		}
	}
	return len(recs), nil
}

func sweepInterval(ttl time.Duration) time.Duration {
	return min(max(ttl/4, time.Minute), 10*time.Minute)
}

func cleanupRuns(ctx context.Context, repo store.Repository, logger *slog.Logger) {
	ticker := time.NewTicker(runCleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := repo.CleanupRuns(ctx, runRetention)
			if err != nil {
				logger.Error("Failed to clean up run history", "error", err)
				continue
			}
			if n > 0 {
				logger.Info("Run history cleaned up", "deleted", n)
			}
		}
	}
}

func waitSupervisor(ctx context.Context, sup *supervisor.Supervisor, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		logger.Warn("Timed out waiting for processes to exit")
	}
}
