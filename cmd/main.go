/**
 * @description
 * This is the main entry point for the registration-service. It is responsible
 * for initializing all components of the service, including configuration,
 * database connection, the ledger gateway client, the message broker, the
 * repository, the core application service, the sweep scheduler, and the HTTP
 * server. It wires everything together and starts the service.
 *
 * @dependencies
 * - log, net/http: Standard Go libraries for logging and HTTP server functionality.
 * - github.com/go-chi/chi/v5: For HTTP routing.
 * - github.com/jackc/pgx/v5: PostgreSQL driver.
 * - internal/api, internal/app, internal/config, internal/store: Internal packages for the service.
 * - pkg/ledgerclient: Client for the ledger gateway API.
 * - pkg/rabbitmq: Client for RabbitMQ.
 */

package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/rosterhq/registration-service/internal/api"
	"github.com/rosterhq/registration-service/internal/app"
	"github.com/rosterhq/registration-service/internal/config"
	"github.com/rosterhq/registration-service/internal/store"
	"github.com/rosterhq/registration-service/pkg/ledgerclient"
	rmq "github.com/rosterhq/registration-service/pkg/rabbitmq"
)

func main() {
	// Load application configuration from environment variables.
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"config load failed\" err=%v", err)
	}

	log.Printf("level=info component=bootstrap msg=\"starting registration-service\" port=%s", cfg.ServerPort)

	// Establish a connection pool to the PostgreSQL database.
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database url parse failed\" err=%v", err)
	}

	poolConfig.MaxConns = 100
	poolConfig.MinConns = 20
	poolConfig.MaxConnLifetime = 30 * time.Minute
	poolConfig.MaxConnIdleTime = 5 * time.Minute

	// Disable prepared statement caching to prevent conflicts
	poolConfig.ConnConfig.DefaultQueryExecMode = pgx.QueryExecModeSimpleProtocol

	dbpool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		log.Fatalf("level=fatal component=bootstrap msg=\"database connection failed\" err=%v", err)
	}
	defer dbpool.Close()
	log.Println("level=info component=bootstrap msg=\"database connected\"")

	// Initialize the RabbitMQ producer. Notifications degrade to a no-op
	// fallback when the broker is unavailable.
	var producer rmq.Publisher
	eventProducer, err := rmq.NewEventProducer(cfg.RabbitMQURL)
	if err != nil {
		log.Printf("level=warn component=bootstrap msg=\"rabbitmq producer unavailable; using fallback\" err=%v", err)
		producer = &rmq.EventProducerFallback{}
	} else {
		defer eventProducer.Close()
		producer = eventProducer
		log.Println("level=info component=bootstrap msg=\"rabbitmq producer connected\"")
	}

	// Initialize the client for the ledger gateway API.
	ledgerClient := ledgerclient.NewClient(cfg.LedgerAPIBaseURL, cfg.LedgerAPIKey)

	// Redis backs the charge rate limiter; its absence disables limiting only.
	var rateLimiter app.ChargeRateLimiter
	if cfg.ChargeRateLimitPerMinute > 0 {
		if strings.TrimSpace(cfg.RedisURL) == "" {
			log.Println("level=warn component=bootstrap msg=\"redis url missing; charge rate limiting disabled\" env=REDIS_URL")
		} else {
			redisOptions, parseErr := redis.ParseURL(cfg.RedisURL)
			if parseErr != nil {
				log.Printf("level=warn component=bootstrap msg=\"redis url parse failed; charge rate limiting disabled\" err=%v", parseErr)
			} else {
				redisClient := redis.NewClient(redisOptions)
				pingCtx, cancelPing := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancelPing()
				if pingErr := redisClient.Ping(pingCtx).Err(); pingErr != nil {
					log.Printf("level=warn component=bootstrap msg=\"redis ping failed; charge rate limiting disabled\" err=%v", pingErr)
					redisClient.Close()
				} else {
					defer redisClient.Close()
					rateLimiter = app.NewRedisChargeRateLimiter(redisClient, cfg.RedisRateLimitPrefix)
					log.Println("level=info component=bootstrap msg=\"redis connected\"")
				}
			}
		}
	}

	// Initialize the data access layer (repository).
	repository := store.NewPostgresRepository(dbpool)

	// Initialize the core application service with its dependencies.
	registrationService := app.NewService(repository, ledgerClient, producer, rateLimiter, app.ServiceOptions{
		Currency:                cfg.CurrencyCode,
		ChargeRateLimit:         cfg.ChargeRateLimitPerMinute,
		IntentStaleAfter:        time.Duration(cfg.IntentStaleAfterMin) * time.Minute,
		ReconcilePacing:         time.Duration(cfg.ReconcilePacingMs) * time.Millisecond,
		ReconcileBatchLimit:     cfg.ReconcileBatchLimit,
		ReconcileWindowLookback: time.Duration(cfg.ReconcileWindowHours) * time.Hour,
	})

	// Start the background consistency sweeps.
	scheduler := app.NewScheduler(registrationService, app.SchedulerConfig{
		ReconcileSweepSchedule: cfg.ReconcileSweepSchedule,
		OrphanSweepSchedule:    cfg.OrphanSweepSchedule,
		WindowSweepSchedule:    cfg.ReconcileWindowSchedule,
	})
	scheduler.Start()

	// Initialize the API handlers and router.
	handlers := api.NewRegistrationHandlers(registrationService)
	router := chi.NewRouter()
	router.Mount("/", api.RegistrationRoutes(handlers, cfg.JWKSURL, cfg.InternalAPIKey))

	serverAddr := fmt.Sprintf(":%s", cfg.ServerPort)
	log.Printf("level=info component=http msg=\"server listening\" addr=%s", serverAddr)

	server := &http.Server{
		Addr:    serverAddr,
		Handler: router,
	}

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("level=fatal component=http msg=\"server stopped unexpectedly\" err=%v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	log.Println("level=info component=http msg=\"shutdown started\"")

	schedulerCtx := scheduler.Stop()
	<-schedulerCtx.Done()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Printf("level=error component=http msg=\"shutdown failed\" err=%v", err)
	}

	// Drain queued notifications before the broker connection is torn down.
	registrationService.Close()

	log.Println("level=info component=http msg=\"shutdown complete\"")
}
