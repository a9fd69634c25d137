package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/iago/creator-ingest/internal/collector"
	"github.com/iago/creator-ingest/internal/collector/apify"
	"github.com/iago/creator-ingest/internal/collector/feed"
	"github.com/iago/creator-ingest/internal/collector/youtube"
	"github.com/iago/creator-ingest/internal/config"
	"github.com/iago/creator-ingest/internal/domain"
	"github.com/iago/creator-ingest/internal/events"
	httpserver "github.com/iago/creator-ingest/internal/http"
	"github.com/iago/creator-ingest/internal/http/handlers"
	"github.com/iago/creator-ingest/internal/http/middleware"
	"github.com/iago/creator-ingest/internal/queue"
	"github.com/iago/creator-ingest/internal/reconcile"
	"github.com/iago/creator-ingest/internal/repository"
	"github.com/iago/creator-ingest/internal/scheduler"
	"github.com/iago/creator-ingest/internal/service"
	"github.com/iago/creator-ingest/internal/snapshot"
	"github.com/iago/creator-ingest/internal/worker"
)

type repositories struct {
	creators  repository.CreatorsRepository
	snapshots repository.SnapshotsRepository
	content   repository.ContentRepository
}

func main() {
	logger := log.New(os.Stdout, "[ingest] ", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	if err := config.LoadDotEnv(".env.local", ".env"); err != nil {
		logger.Printf("failed loading .env files: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("invalid configuration: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	repos, repoCloser := setupRepositories(ctx, cfg, logger)
	defer repoCloser()

	store, queueCloser := setupQueueStore(ctx, cfg, logger)
	defer queueCloser()

	manager := queue.NewManager(store, queue.ManagerConfig{
		Settings:      cfg.Queues,
		StatsCacheTTL: cfg.StatsCacheTTL,
		Logger:        logger,
	})
	broker := events.NewBroker()
	contentStore := reconcile.NewStore(repos.content, reconcile.Config{Events: broker, Logger: logger})
	registry := setupCollectors(cfg, logger)
	snapshots := snapshot.NewCollector(registry, repos.snapshots, contentStore, manager, snapshot.Config{
		InitialPollDelay: cfg.InitialPollDelay,
		Logger:           logger,
	})
	collection := service.NewCollectionService(repos.creators, manager, cfg.StaggerInterval, logger)

	if cfg.WorkerEnabled {
		creatorWorker := worker.NewCreatorWorker(repos.creators, registry, contentStore, snapshots, manager, worker.CreatorConfig{
			SourceConcurrency: cfg.SourceConcurrency,
			FetchLimit:        cfg.FetchLimit,
			Lookback:          cfg.FetchLookback,
			Logger:            logger,
		})
		processor := worker.NewProcessor(store, manager, logger)
		processor.Bind(domain.QueueCreatorCollection, creatorWorker.Handle)
		processor.Bind(domain.QueueSnapshotPoll, worker.NewSnapshotPoller(snapshots, logger).Handle)
		go processor.Start(ctx)

		if resumed, err := snapshots.ResumePending(ctx); err != nil {
			logger.Printf("snapshot resume failed: %v", err)
		} else {
			logger.Printf("worker enabled and started resumed_snapshots=%d", resumed)
		}
	} else {
		logger.Printf("worker disabled by configuration")
	}

	if cfg.SchedulerEnabled {
		cron, err := scheduler.New(collection, manager, scheduler.Config{
			CollectSchedule:   cfg.CollectSchedule,
			CleanupSchedule:   cfg.CleanupSchedule,
			DigestSchedule:    cfg.DigestSchedule,
			DigestPeriod:      cfg.DigestPeriod,
			ResumeSchedule:    cfg.ResumeSchedule,
			Resumer:           snapshots,
			SkipSlowPlatforms: cfg.SkipSlowPlatforms,
			CleanupPolicy:     cfg.CleanupPolicy(),
			Logger:            logger,
		})
		if err != nil {
			logger.Fatalf("invalid scheduler configuration: %v", err)
		}
		cron.Start()
		defer func() { <-cron.Stop().Done() }()
	}

	limiter := middleware.NewRateLimiter(cfg.RateLimitRPS, cfg.RateLimitBurst)
	go sweepVisitors(ctx, limiter)

	api := handlers.NewAPI(handlers.Dependencies{
		Queue:         manager,
		Collection:    collection,
		Snapshots:     repos.snapshots,
		Events:        broker,
		CleanupPolicy: cfg.CleanupPolicy(),
		Logger:        logger,
	})
	handler := httpserver.NewRouter(httpserver.RouterDependencies{
		API:         api,
		Logger:      logger,
		AuthToken:   cfg.AuthToken,
		RateLimiter: limiter,
	})

	// No WriteTimeout: the content event stream is long lived.
	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	errChan := make(chan error, 1)
	go func() {
		logger.Printf("api listening on :%s", cfg.Port)
		errChan <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Printf("shutdown signal received")
	case err := <-errChan:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Printf("server failed: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Printf("graceful shutdown failed: %v", err)
	}
}

func setupRepositories(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (repositories, func()) {
	memory := repositories{
		creators:  repository.NewMemoryCreatorsRepository(),
		snapshots: repository.NewMemorySnapshotsRepository(),
		content:   repository.NewMemoryContentRepository(),
	}
	if cfg.DatabaseURL == "" {
		logger.Printf("DATABASE_URL not configured, using in-memory repositories")
		return memory, func() {}
	}

	pool, err := repository.OpenPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Printf("failed to initialize postgres repositories, fallback to memory: %v", err)
		return memory, func() {}
	}
	if cfg.EnsureSchema {
		if err := repository.EnsureSchema(ctx, pool); err != nil {
			pool.Close()
			logger.Printf("failed to ensure postgres schema, fallback to memory: %v", err)
			return memory, func() {}
		}
	}
	logger.Printf("postgres repositories initialized")
	return repositories{
		creators:  repository.NewPostgresCreatorsRepository(pool),
		snapshots: repository.NewPostgresSnapshotsRepository(pool),
		content:   repository.NewPostgresContentRepository(pool),
	}, pool.Close
}

func setupQueueStore(
	ctx context.Context,
	cfg config.Config,
	logger *log.Logger,
) (queue.Store, func()) {
	if cfg.RedisAddr == "" {
		logger.Printf("REDIS_ADDR not configured, using in-memory job store")
		return queue.NewMemoryStore(nil), func() {}
	}

	store, err := queue.NewRedisStore(ctx, queue.RedisConfig{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
		Prefix:   cfg.RedisPrefix,
	})
	if err != nil {
		logger.Printf("failed to initialize redis job store, fallback to memory: %v", err)
		return queue.NewMemoryStore(nil), func() {}
	}
	logger.Printf("redis job store initialized prefix=%s", cfg.RedisPrefix)
	return store, func() {
		_ = store.Close()
	}
}

func setupCollectors(cfg config.Config, logger *log.Logger) *collector.Registry {
	registry := collector.NewRegistry()
	registry.RegisterFetcher(domain.PlatformRSS, feed.NewFetcher(feed.Config{
		Timeout:   cfg.ProviderTimeout,
		UserAgent: cfg.FeedUserAgent,
	}))

	videos := youtube.NewFetcher(youtube.Config{
		APIKey:  cfg.YouTubeAPIKey,
		BaseURL: cfg.YouTubeBaseURL,
		Timeout: cfg.ProviderTimeout,
	})
	if videos.Available() {
		registry.RegisterFetcher(domain.PlatformYouTube, videos)
	} else {
		logger.Printf("YOUTUBE_API_KEY not configured, youtube sources are skipped")
	}

	for platform := range apify.DefaultActors {
		provider, err := apify.NewProvider(apify.Config{
			APIToken: cfg.ApifyToken,
			BaseURL:  cfg.ApifyBaseURL,
			Platform: platform,
			MaxItems: cfg.ApifyMaxItems,
			Timeout:  cfg.ProviderTimeout,
		})
		if err != nil {
			logger.Printf("async provider disabled platform=%s reason=%v", platform, err)
			continue
		}
		registry.RegisterProvider(platform, provider)
	}

	logger.Printf("collectors registered platforms=%v", registry.Platforms())
	return registry
}

func sweepVisitors(ctx context.Context, limiter *middleware.RateLimiter) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limiter.Sweep()
		}
	}
}
