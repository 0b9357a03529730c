package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/itskum47/PostForge/internal/api"
	"github.com/itskum47/PostForge/internal/chat"
	"github.com/itskum47/PostForge/internal/config"
	"github.com/itskum47/PostForge/internal/crypto"
	"github.com/itskum47/PostForge/internal/events"
	"github.com/itskum47/PostForge/internal/insights"
	"github.com/itskum47/PostForge/internal/llm"
	"github.com/itskum47/PostForge/internal/pipeline"
	"github.com/itskum47/PostForge/internal/publish"
	"github.com/itskum47/PostForge/internal/queue"
	"github.com/itskum47/PostForge/internal/review"
	"github.com/itskum47/PostForge/internal/scheduler"
	"github.com/itskum47/PostForge/internal/similarity"
	"github.com/itskum47/PostForge/internal/social"
	"github.com/itskum47/PostForge/internal/store"
	"github.com/itskum47/PostForge/internal/tokens"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	loc, err := cfg.Location()
	if err != nil {
		log.Fatalf("timezone %q: %v", cfg.Timezone, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Storage. The store bootstraps its own schema; the queue shares the pool.
	pgStore, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("postgres: %v", err)
	}
	defer pgStore.Close()
	log.Printf("connected to postgres")

	jobQueue := queue.NewPostgresQueue(pgStore.Pool())

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, DB: cfg.RedisDB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatalf("redis at %s: %v", cfg.RedisAddr, err)
	}
	defer rdb.Close()
	log.Printf("connected to redis at %s", cfg.RedisAddr)

	cipher, err := crypto.NewCipher(cfg.EncryptionKey)
	if err != nil {
		log.Fatalf("encryption key: %v", err)
	}

	// External clients.
	llmClient := llm.NewClient(
		llm.EngineConfig{BaseURL: cfg.PrimaryLLMBaseURL, APIKey: cfg.PrimaryLLMAPIKey, Model: cfg.PrimaryLLMModel},
		llm.EngineConfig{BaseURL: cfg.FallbackLLMBaseURL, APIKey: cfg.FallbackLLMAPIKey, Model: cfg.FallbackLLMModel},
		llm.EngineConfig{Name: "embedding", BaseURL: cfg.EmbeddingBaseURL, APIKey: cfg.EmbeddingAPIKey, Model: cfg.EmbeddingModel},
	)
	socialClient := social.NewClient(cfg.SocialAuthBase, cfg.SocialGraphBase, cfg.SocialClientID, cfg.SocialClientSecret, cfg.SocialRedirectURI)
	notifier := chat.NewNotifier(cfg.ChatBaseURL, cfg.ChatChannelToken, cfg.ChatSigningSecret)

	// Pipeline services.
	hub := events.NewHub()
	go hub.Run(ctx)

	checker := similarity.NewChecker(pgStore, similarity.DefaultRecentWindow)
	coordinator := review.NewCoordinator(pgStore, jobQueue, notifier, review.NewRedisEditState(rdb), hub, cfg.ChatAdminUserID)
	generator := pipeline.NewGenerator(pgStore, llmClient, checker, coordinator, hub, cfg.SimilarityThreshold, cfg.SimilarityFailOpen)
	publisher := publish.NewPublisher(pgStore, socialClient, cipher, hub, notifier, jobQueue, loc)
	tokenLifecycle := tokens.NewLifecycle(pgStore, socialClient, cipher, jobQueue, notifier)
	insightsSync := insights.NewSync(pgStore, socialClient, cipher)

	// Workers.
	generatePool := queue.NewPool(jobQueue, queue.QueueGenerate, 2, generator.Handle)
	publishPool := queue.NewPool(jobQueue, queue.QueuePublish, 2, publisher.Handle)
	refreshPool := queue.NewPool(jobQueue, queue.QueueTokenRefresh, 1, tokenLifecycle.Handle)
	generatePool.Start(ctx)
	publishPool.Start(ctx)
	refreshPool.Start(ctx)

	// Scheduler ticks.
	selector := scheduler.NewSelector(pgStore, jobQueue, loc)
	runner := scheduler.NewRunner(pgStore, jobQueue, selector, tokenLifecycle, insightsSync, coordinator, notifier, scheduler.NewRedisLocker(rdb), hub, loc)
	runner.Start(ctx)

	// HTTP.
	authMgr, err := api.NewAuthManager(cfg.JWTSecret)
	if err != nil {
		log.Fatalf("auth: %v", err)
	}
	redisPing := func() error {
		pingCtx, pingCancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer pingCancel()
		return rdb.Ping(pingCtx).Err()
	}
	server := api.NewServer(pgStore, jobQueue, notifier, coordinator, selector, socialClient, cipher, hub, authMgr, redisPing, cfg.JWTSecret)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Printf("listening on %s", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http: %v", err)
		}
	}()

	// Graceful shutdown: stop accepting, cancel workers, drain with grace.
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Printf("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace)
	defer shutdownCancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("http shutdown: %v", err)
	}

	cancel()
	generatePool.Wait()
	publishPool.Wait()
	refreshPool.Wait()
	runner.Wait()
	log.Printf("bye")
}
