package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"ms-purchase/internal/analytics"
	analytics_api "ms-purchase/internal/analytics/api"
	"ms-purchase/internal/auth"
	"ms-purchase/internal/config"
	"ms-purchase/internal/database/migrations"
	"ms-purchase/internal/inventory"
	"ms-purchase/internal/kafka"
	"ms-purchase/internal/logger"
	"ms-purchase/internal/metrics"
	"ms-purchase/internal/models"
	"ms-purchase/internal/payment/services"
	"ms-purchase/internal/purchase"
	purchase_db "ms-purchase/internal/purchase/db"
	"ms-purchase/internal/purchase/purchase_api"
	purchaseredis "ms-purchase/internal/purchase/redis"
	"ms-purchase/internal/sse"
	ticket_db "ms-purchase/internal/tickets/db"
	"ms-purchase/internal/tickets/pdf"
	tickets "ms-purchase/internal/tickets/service"
	"ms-purchase/internal/tickets/ticket_api"
	"ms-purchase/internal/utils"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-redis/redis/v8"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
)

func verifyConnections(ctx context.Context, cfg *config.Config, logger *logger.Logger) (*bun.DB, *redis.Client) {
	var sqldb *sql.DB
	var err error
	maxRetries := max(cfg.Database.ConnectRetry, 1)

	for i := 0; i < maxRetries; i++ {
		logger.Info("DATABASE", fmt.Sprintf("Attempting to connect to PostgreSQL (attempt %d/%d)", i+1, maxRetries))
		sqldb, err = sql.Open("postgres", cfg.Database.DSN)
		if err != nil {
			logger.Error("DATABASE", fmt.Sprintf("Failed to open PostgreSQL: %v", err))
			time.Sleep(2 * time.Second)
			continue
		}

		err = sqldb.PingContext(ctx)
		if err == nil {
			break
		}

		logger.Error("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL: %v", err))
		sqldb.Close()
		if i < maxRetries-1 {
			time.Sleep(2 * time.Second)
		}
	}
	if err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Failed to connect to PostgreSQL after %d attempts: %v", maxRetries, err))
	}

	sqldb.SetMaxOpenConns(cfg.Database.MaxOpenConns)
	sqldb.SetMaxIdleConns(cfg.Database.MaxIdleConns)
	sqldb.SetConnMaxLifetime(cfg.Database.MaxLifetime)
	logger.Info("DATABASE", "PostgreSQL connection successful")

	bunDB := bun.NewDB(sqldb, pgdialect.New())

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Fatal("DATABASE", fmt.Sprintf("Redis connection error: %v", err))
	}

	logger.Info("DATABASE", fmt.Sprintf("Redis connection successful to %s (DB: %d)", cfg.Redis.Addr, cfg.Redis.DB))
	return bunDB, redisClient
}

func runMigrations(cfg *config.Config, logger *logger.Logger) {
	// the runner closes its handle, so it gets its own pool
	db, err := sql.Open("postgres", cfg.Database.DSN)
	if err != nil {
		logger.Fatal("MIGRATION", fmt.Sprintf("open database: %v", err))
	}
	opts := migrations.DefaultOptions()
	opts.Dir = cfg.Database.MigrationsDir
	runner := migrations.NewRunner(db, opts, logger)
	defer runner.Close()

	if err := runner.Up(); err != nil {
		logger.Fatal("MIGRATION", err.Error())
	}
}

// buildGateway returns the configured adapter wrapped in retries, plus the
// Stripe adapter itself when webhooks can be verified.
func buildGateway(cfg *config.Config, logger *logger.Logger) (services.Gateway, *services.StripeGateway) {
	var (
		gateway services.Gateway
		stripe  *services.StripeGateway
		err     error
	)

	switch cfg.Payment.Provider {
	case "stripe":
		stripe, err = services.NewStripeGateway(services.StripeConfig{
			SecretKey:     cfg.Payment.StripeSecretKey,
			WebhookSecret: cfg.Payment.StripeWebhookSecret,
			SuccessURL:    cfg.Payment.SuccessURL,
			CancelURL:     cfg.Payment.CancelURL,
			SessionTTL:    cfg.Purchase.HoldTTL,
		}, logger)
		gateway = stripe
	case "http":
		gateway, err = services.NewHTTPGateway(services.HTTPGatewayConfig{
			BaseURL: cfg.Payment.HTTPBaseURL,
			APIKey:  cfg.Payment.HTTPAPIKey,
			Timeout: cfg.Payment.RequestTimeout,
		}, logger)
	}
	if err != nil {
		logger.Fatal("PAYMENT", fmt.Sprintf("Failed to initialise %s gateway: %v", cfg.Payment.Provider, err))
	}

	return services.NewRetryingGateway(gateway, services.RetryConfig{
		MaxRetries:     cfg.Payment.MaxRetries,
		AttemptTimeout: cfg.Payment.RequestTimeout,
	}, logger), stripe
}

func buildVerifier(ctx context.Context, cfg *config.Config, logger *logger.Logger) auth.TokenVerifier {
	if cfg.Auth.DevSecret != "" {
		logger.Warn("AUTH", "AUTH_DEV_SECRET set, accepting HS256 tokens instead of OIDC")
		return auth.NewHMACVerifier(cfg.Auth.DevSecret)
	}
	v, err := auth.NewOIDCVerifier(ctx, cfg.Auth.OIDCIssuer, cfg.Auth.ClientID)
	if err != nil {
		logger.Fatal("AUTH", fmt.Sprintf("OIDC setup failed: %v", err))
	}
	logger.Info("AUTH", fmt.Sprintf("Verifying bearer tokens against %s", cfg.Auth.OIDCIssuer))
	return v
}

func jsonReject(w http.ResponseWriter, status int, message string) {
	utils.WriteJSON(w, status, utils.ErrorResponse(http.StatusText(status), message))
}

// requestMetrics records latency per route pattern so IDs in paths do not
// explode label cardinality.
func requestMetrics(logger *logger.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			route := "unmatched"
			if rctx := chi.RouteContext(r.Context()); rctx != nil && rctx.RoutePattern() != "" {
				route = rctx.RoutePattern()
			}
			took := time.Since(start)
			metrics.TrackHTTPRequest(r.Method, route, strconv.Itoa(ww.Status()), took)
			logger.LogAPI(r.Method, route, ww.Status(), took)
		})
	}
}

func main() {
	if err := godotenv.Load(); err != nil {
		fmt.Fprintln(os.Stderr, ".env file not found, using environment variables")
	}

	cfg := config.Load()
	logger := logger.NewLogger(cfg.Log.Dir)
	defer logger.Close()
	logger.SetLevel(loggerLevel(cfg))

	logger.Info("APP", "Starting Purchase Service initialization")
	if err := cfg.Validate(); err != nil {
		logger.Fatal("CONFIG", err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("APP", "Verifying database connections")
	bunDB, redisClient := verifyConnections(ctx, cfg, logger)
	defer bunDB.Close()
	defer redisClient.Close()

	if cfg.Database.AutoMigrate {
		runMigrations(cfg, logger)
	}

	// --- Core services ---
	ledger := inventory.NewLedger(bunDB, logger)
	ticketDB := &ticket_db.DB{Bun: bunDB}
	ticketService := tickets.NewTicketService(ticketDB, bunDB, ledger, logger)
	gateway, stripeGateway := buildGateway(cfg, logger)

	purchaseService := purchase.NewPurchaseService(bunDB, &purchase_db.DB{Bun: bunDB}, ticketDB, ticketService, ledger, gateway, logger)
	purchaseService.Currency = cfg.Payment.Currency
	purchaseService.HoldTTL = cfg.Purchase.HoldTTL

	holds := purchaseredis.NewRedis(redisClient, cfg.Purchase.PaymentLockTTL, logger)
	purchaseService.Locker = holds
	purchaseService.Holds = holds

	emitter := sse.NewPurchaseEventEmitter()
	purchaseService.Notifier = emitter

	// --- Kafka ---
	var consumer *kafka.Consumer
	if cfg.Kafka.Enabled {
		topics := cfg.Kafka.Topics
		if err := kafka.EnsureTopicsExist(ctx, cfg.Kafka.Brokers, []string{
			topics.PurchaseCreated, topics.PurchasePaid, topics.PurchaseCancelled, topics.PaymentOutcome,
		}, logger); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Topic creation might have failed: %v", err))
		}

		producer := kafka.NewProducer(cfg.Kafka.Brokers, logger)
		defer producer.Close()
		purchaseService.Publisher = kafka.NewPurchasePublisher(producer, kafka.PurchaseTopics{
			Created:   topics.PurchaseCreated,
			Paid:      topics.PurchasePaid,
			Cancelled: topics.PurchaseCancelled,
		})

		consumer = kafka.NewConsumer(cfg.Kafka.Brokers, topics.PaymentOutcome, cfg.Kafka.GroupID, logger)
		consumer.IsPermanent = func(err error) bool {
			return errors.Is(err, models.ErrNotFound) ||
				errors.Is(err, models.ErrInvalidState) ||
				errors.Is(err, models.ErrPriceMismatch)
		}
		go func() {
			err := consumer.Run(ctx, func(ctx context.Context, ev models.PaymentOutcomeEvent) error {
				_, err := purchaseService.ConfirmPaymentEvent(ctx, ev)
				return err
			})
			if err != nil {
				logger.Error("KAFKA", fmt.Sprintf("Payment outcome consumer stopped: %v", err))
			}
		}()
	} else {
		logger.Warn("KAFKA", "Kafka disabled, purchase events are not published")
	}

	// --- Payment window expiry ---
	holds.EnableExpiryEvents(ctx)
	holds.SubscribeExpiredHolds(ctx, func(ctx context.Context, purchaseID string) {
		if err := purchaseService.ExpirePurchase(ctx, purchaseID); err != nil {
			logger.Warn("HOLD_EXPIRED", fmt.Sprintf("Could not expire purchase %s: %v", purchaseID, err))
		}
	})
	go purchaseService.RunSweeper(ctx, cfg.Purchase.SweepInterval)

	// --- HTTP ---
	verifier := buildVerifier(ctx, cfg, logger)
	purchaseHandler := purchase_api.NewHandler(purchaseService, logger, purchase_api.DefaultErrorPolicy)
	purchaseHandler.Events = purchase_api.NewSSEHandler(logger, emitter, purchaseService)
	purchaseHandler.Printer = pdf.NewRenderer(cfg.Tickets.PDFFontPath)
	ticketHandler := ticket_api.NewHandler(ticketService, ledger, logger)
	analyticsHandler := analytics_api.NewHandler(analytics.NewService(bunDB), logger)

	logger.Info("HTTP", "Setting up router and middleware")
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(requestMetrics(logger))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		if err := bunDB.PingContext(r.Context()); err != nil {
			utils.WriteJSON(w, http.StatusServiceUnavailable, utils.ErrorResponse("database unreachable", err.Error()))
			return
		}
		utils.WriteJSON(w, http.StatusOK, utils.SuccessResponse("ok", nil))
	})
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		// --- Public Routes ---
		ticketHandler.RegisterPublicRoutes(r)
		if stripeGateway != nil {
			purchase_api.NewWebhookHandler(stripeGateway, purchaseService, logger).RegisterRoutes(r)
			logger.Info("ROUTER", "Stripe webhook registered at /api/payments/stripe/webhook")
		}

		// --- Protected Routes ---
		r.Group(func(r chi.Router) {
			r.Use(auth.Middleware(verifier, logger, jsonReject))
			purchaseHandler.RegisterRoutes(r)
			logger.Info("ROUTER", "Purchase routes registered under /api/purchases")

			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(ticket_api.ScannerRole, logger, jsonReject))
				ticketHandler.RegisterScannerRoutes(r)
			})
			r.Group(func(r chi.Router) {
				r.Use(auth.RequireRole(analytics_api.OrganizerRole, logger, jsonReject))
				analyticsHandler.RegisterRoutes(r)
				ticketHandler.RegisterOrganizerRoutes(r)
			})
		})
	})

	server := &http.Server{
		Addr:         cfg.Server.Port,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		logger.Info("HTTP", fmt.Sprintf("Purchase Service running on %s", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP", fmt.Sprintf("HTTP server error: %v", err))
		}
	}()

	logger.Info("APP", "Service started successfully, waiting for shutdown signal")
	<-ctx.Done()

	logger.Info("APP", "Shutdown signal received, initiating graceful shutdown")
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(ctxShutdown); err != nil {
		logger.Error("HTTP", fmt.Sprintf("Server Shutdown Failed: %v", err))
	}
	if consumer != nil {
		if err := consumer.Close(); err != nil {
			logger.Warn("KAFKA", fmt.Sprintf("Closing consumer: %v", err))
		}
	}
	logger.Info("HTTP", "Purchase Service shutdown complete")
}

func loggerLevel(cfg *config.Config) logger.LogLevel {
	return logger.ParseLevel(cfg.Log.Level)
}
