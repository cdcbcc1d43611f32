package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"lurkbot/internal/channel"
	"lurkbot/internal/config"
	"lurkbot/internal/database"
	"lurkbot/internal/handlers"
	"lurkbot/internal/logger"
	"lurkbot/internal/metrics"
	"lurkbot/internal/middleware"
	"lurkbot/internal/poller"
	"lurkbot/internal/repository"
	"lurkbot/internal/router"
	"lurkbot/internal/services"
	"lurkbot/internal/validator"
	"lurkbot/internal/websocket"
)

func newRunCmd() *cobra.Command {
	var migrationsDir string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the poll loop and the status server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log, err := logger.New(cfg.Env, verbose || cfg.IsDevelopment())
			if err != nil {
				return err
			}
			defer log.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return run(ctx, cfg, migrationsDir, log)
		},
	}
	cmd.Flags().StringVar(&migrationsDir, "migrations", "migrations", "directory of SQL migrations for the audit log")
	return cmd
}

func run(ctx context.Context, cfg *config.Config, migrationsDir string, log *zap.Logger) error {
	log.Info("🚀 Starting lurkbot...", zap.Any("config", cfg.Redacted()))

	// ──── Step 1: Redis (optional) ────
	var redisClients *database.RedisClients
	if cfg.RedisURL != "" {
		var err error
		redisClients, err = database.NewRedisClients(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer redisClients.Close()
		log.Info("✓ Redis connected")
	}

	// ──── Step 2: PostgreSQL audit log (optional) ────
	var eventRepo *repository.EventRepo
	if cfg.DatabaseURL != "" {
		pool, err := database.NewPostgresPool(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("postgres connection failed: %w", err)
		}
		defer pool.Close()
		log.Info("✓ PostgreSQL connected")

		if err := database.RunMigrations(ctx, pool, migrationsDir, log); err != nil {
			return fmt.Errorf("database migration failed: %w", err)
		}
		log.Info("✓ Database migrations applied")
		eventRepo = repository.NewEventRepo(pool, log)
	}

	// ──── Step 3: Channel ────
	ch, err := newChannel(cfg, redisClients, log)
	if err != nil {
		return err
	}
	self, err := ch.Identify(ctx)
	if err != nil {
		return fmt.Errorf("channel identity lookup failed: %w", err)
	}
	log.Info("✓ Channel ready",
		zap.String("channel", cfg.Channel),
		zap.String("target", cfg.TargetChannelID),
		zap.String("self", self.Name))

	// ──── Step 4: Generation backend ────
	pool, err := services.NewCredentialPool(cfg.BackendTokens)
	if err != nil {
		return fmt.Errorf("credential pool: %w", err)
	}
	generator := services.NewGenerationClient(newBackend(cfg, log), pool, cfg.AskTimeout, log)
	defer generator.Close()
	log.Info("✓ Generation client initialized",
		zap.String("backend", cfg.Backend),
		zap.Int("credentials", pool.Len()))

	// ──── Step 5: Observers ────
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	observers := []poller.Observer{metrics.MustNewMetrics(registry)}
	if redisClients != nil {
		observers = append(observers, services.NewEventPublisher(redisClients.Client, log))
	}
	if eventRepo != nil {
		observers = append(observers, eventRepo)
	}

	loop := poller.New(poller.Config{
		ChannelID:    cfg.TargetChannelID,
		Prompt:       cfg.Prompt,
		DryRun:       cfg.DryRun,
		BacklogCount: cfg.BacklogCount,
		MinMessages:  cfg.MinMessages,
		FastSleep:    cfg.FastSleep,
		Sleep:        cfg.Sleep,
		Policy: validator.Policy{
			BrokenKeywords:        cfg.BrokenKeywords,
			SelfAwarenessKeywords: cfg.SelfAwarenessKeywords,
		},
	}, self, ch, generator, log, poller.WithObservers(observers...))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	log.Info("✓ Poll loop started", zap.String("loop_id", loop.ID().String()))

	// ──── Step 6: Status server ────
	if cfg.HTTPEnabled() {
		server := newServer(cfg, loop, eventRepo, redisClients, registry, log)
		limiter := server.limiter
		g.Go(func() error {
			limiter.Cleanup(gctx)
			return nil
		})
		g.Go(func() error {
			log.Info("✓ Status server listening", zap.String("addr", server.Addr))
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("status server: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			if server.hub != nil {
				server.hub.Shutdown()
			}
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		log.Info("👋 Shut down cleanly")
		return nil
	}
	return err
}

func newChannel(cfg *config.Config, redisClients *database.RedisClients, log *zap.Logger) (channel.Channel, error) {
	switch cfg.Channel {
	case "redis":
		if redisClients == nil {
			return nil, errors.New("redis channel requires redis_url")
		}
		return channel.NewRedisStream(redisClients.Client, channel.RedisStreamConfig{
			Stream:        cfg.TargetChannelID,
			SelfName:      cfg.SelfName,
			SendPerMinute: cfg.SendPerMinute,
		}, log), nil
	default:
		d, err := channel.NewDiscord(channel.DiscordConfig{
			Token:         cfg.DiscordToken,
			ChannelID:     cfg.TargetChannelID,
			SelfBot:       cfg.SelfBot,
			SendPerMinute: cfg.SendPerMinute,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("discord session failed: %w", err)
		}
		return d, nil
	}
}

func newBackend(cfg *config.Config, log *zap.Logger) services.Backend {
	if cfg.Backend == "openai" {
		return services.NewOpenAIBackend(cfg.Model, cfg.BackendBaseURL, log)
	}
	return services.NewGeminiBackend(cfg.Model, log)
}

type statusServer struct {
	*http.Server
	limiter *middleware.RateLimiter
	hub     *websocket.Hub
}

func newServer(
	cfg *config.Config,
	loop *poller.Loop,
	eventRepo *repository.EventRepo,
	redisClients *database.RedisClients,
	registry *prometheus.Registry,
	log *zap.Logger,
) *statusServer {
	auth := middleware.NewOperatorAuth(cfg.OperatorJWTSecret)
	limiter := middleware.NewRateLimiter(60, time.Minute)

	var store handlers.EventStore
	if eventRepo != nil {
		store = eventRepo
	}

	deps := router.Deps{
		Logger:  log,
		Auth:    auth,
		Limiter: limiter,
		Metrics: promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry}),
		Status:  handlers.NewStatusHandler(loop),
		Events:  handlers.NewEventsHandler(store, cfg.TargetChannelID, log),
	}

	var hub *websocket.Hub
	if redisClients != nil {
		hub = websocket.NewHub(redisClients.PubSub, auth, cfg.TargetChannelID, log)
		deps.WebSocket = hub.HandleWebSocket
	}

	return &statusServer{
		Server: &http.Server{
			Addr:         fmt.Sprintf(":%s", cfg.Port),
			Handler:      router.New(deps),
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		limiter: limiter,
		hub:     hub,
	}
}
