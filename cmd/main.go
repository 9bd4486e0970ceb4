/**
 * @description
 * Entry point for the application-service. It loads configuration, connects to
 * PostgreSQL, Redis and RabbitMQ, wires the checkout saga, the application
 * record service and the moderator batch coordinator, starts the background
 * workers and cron jobs, and serves the HTTP API.
 *
 * @dependencies
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - github.com/redis/go-redis/v9: checkout sessions and moderator staging.
 * - github.com/joho/godotenv: .env loading for local development.
 * - pkg/rabbitmq, pkg/paymentgateway: broker and card processor clients.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/scholarstream/application-service/internal/api"
	"github.com/scholarstream/application-service/internal/app"
	"github.com/scholarstream/application-service/internal/config"
	"github.com/scholarstream/application-service/internal/domain"
	"github.com/scholarstream/application-service/internal/store"
	"github.com/scholarstream/application-service/pkg/paymentgateway"
	rmrabbit "github.com/scholarstream/application-service/pkg/rabbitmq"
)

const stagingTTL = 24 * time.Hour

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("level=info component=bootstrap msg=\"no .env file found; using environment\"")
	}

	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}
	if strings.TrimSpace(cfg.GatewaySecret) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"payment gateway secret must be configured\" env=PAYMENT_GATEWAY_SECRET_KEY")
	}
	if strings.TrimSpace(cfg.JWKSURL) == "" {
		log.Fatalf("level=fatal component=bootstrap msg=\"jwks url must be configured\" env=AUTH_JWKS_URL")
	}
	log.Printf("level=info component=bootstrap msg=\"starting application-service\" port=%s", cfg.ServerPort)

	ctx, stopWorkers := context.WithCancel(context.Background())
	defer stopWorkers()

	dbpool, err := openDatabase(ctx, cfg)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	if err := store.EnsureSchema(ctx, dbpool); err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"schema migration failed\" err=%v", err)
	}
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	var publisher rmrabbit.Publisher
	rabbitProducer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		publisher = &rmrabbit.EventProducerFallback{}
	} else {
		defer rabbitProducer.Close()
		publisher = rabbitProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	var (
		sessions app.CheckoutSessionStore = app.NewMemoryCheckoutSessionStore()
		staging  app.StagingStore         = app.NewMemoryStagingStore()
	)
	if redisClient := openRedis(cfg); redisClient != nil {
		defer redisClient.Close()
		sessions = app.NewRedisCheckoutSessionStore(redisClient, cfg.RedisKeyPrefix, time.Duration(cfg.CheckoutTTLMin)*time.Minute)
		staging = app.NewRedisStagingStore(redisClient, cfg.RedisKeyPrefix, stagingTTL)
	}

	repository := store.NewPostgresRepository(dbpool, cfg.EventsExchange)
	gateway := paymentgateway.NewClient(cfg.GatewayBaseURL, cfg.GatewaySecret)
	policy := app.NewRolePolicy(cfg.ModeratorRoleList())
	escalator := app.NewOperatorEscalator(publisher, cfg.EventsExchange)

	applicationService := app.NewApplicationService(repository, policy)
	intentService := app.NewIntentService(repository, gateway, sessions, cfg.Currency)
	orchestrator := app.NewOrchestrator(repository, gateway, sessions, escalator, time.Duration(cfg.PersistTimeoutS)*time.Second)
	coordinator := app.NewCoordinator(applicationService, staging, policy, cfg.BatchCommitConcurrency)

	persistenceWorker := app.NewPersistenceWorker(repository, escalator, cfg.PersistenceEscalateAfter)
	go persistenceWorker.Run(ctx)

	dispatcher := app.NewEventDispatcher(repository, func() (rmrabbit.Publisher, error) {
		producer, err := rmrabbit.NewEventProducer(cfg.RabbitMQURL)
		if err != nil {
			return nil, err
		}
		return producer, nil
	})
	go dispatcher.Run(ctx)

	paymentConsumer := app.NewPaymentEventConsumer(repository, escalator)
	rabbitConsumer, err := rmrabbit.NewConsumer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq consumer unavailable; relying on reconciliation\" err=%v", err)
	} else {
		defer rabbitConsumer.Close()
		subscription := rmrabbit.Subscription{
			Exchange: cfg.EventsExchange,
			Queue:    cfg.PaymentQueue,
			Handlers: map[string]rmrabbit.Handler{
				domain.EventPaymentIntentSucceeded:      paymentConsumer.HandleMessage,
				domain.EventPaymentIntentFailed:         paymentConsumer.HandleMessage,
				domain.EventPaymentIntentRequiresAction: paymentConsumer.HandleMessage,
			},
		}
		if err := rabbitConsumer.Subscribe(ctx, subscription); err != nil {
			log.Fatalf("level=fatal component=bootstrap msg=\"payment consumer start failed\" err=%v", err)
		}
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	jobs := app.NewJobs(repository, gateway, escalator, time.Duration(cfg.StaleConfirmationMinutes)*time.Minute, logger)
	scheduler := app.NewScheduler(jobs, logger, cfg)
	scheduler.Start()

	handlers := api.NewHandlers(applicationService, intentService, orchestrator, coordinator)
	verifier := api.NewJWKSVerifier(api.AuthMiddlewareConfig{
		JWKSURL:          cfg.JWKSURL,
		ExpectedAudience: cfg.JWTAudience,
		ExpectedIssuer:   cfg.JWTIssuer,
	})
	router := api.NewRouter(handlers, verifier, cfg.AllowedOriginList())

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	server := &http.Server{
		Addr:              serverAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}
	<-scheduler.Stop().Done()
	stopWorkers()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}

func openDatabase(ctx context.Context, cfg config.Config) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}
	poolConfig.MaxConns = cfg.DBMaxConns
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	return pgxpool.NewWithConfig(ctx, poolConfig)
}

// openRedis returns nil when Redis is not configured or unreachable; callers
// fall back to in-process stores.
func openRedis(cfg config.Config) *redis.Client {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		log.Println("level=warn component=bootstrap msg=\"redis url missing; using in-memory checkout sessions\" env=REDIS_URL")
		return nil
	}
	options, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; using in-memory checkout sessions\" err=%v", err)
		return nil
	}
	client := redis.NewClient(options)
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		log.Printf("level=warn component=bootstrap msg=\"redis ping failed; using in-memory checkout sessions\" err=%v", err)
		client.Close()
		return nil
	}
	log.Println("level=info component=bootstrap msg=\"redis connected\"")
	return client
}
