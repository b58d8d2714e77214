package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/creatorpay/backend/docs"
	"github.com/creatorpay/backend/internal/audit"
	"github.com/creatorpay/backend/internal/config"
	"github.com/creatorpay/backend/internal/database"
	"github.com/creatorpay/backend/internal/handlers"
	mW "github.com/creatorpay/backend/internal/middleware"
	"github.com/creatorpay/backend/internal/services"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"
	httpSwagger "github.com/swaggo/http-swagger"
)

// @title Creator Ledger API
// @version 1.0
// @description Multi-tenant double-entry ledger for creator platforms
// @host localhost:8080
// @BasePath /api/v1
// @schemes http https

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env
	viper.ReadInConfig()        // read .env file

	// Set environment variable prefix
	viper.SetEnvPrefix("")

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")
	viper.BindEnv("jwt.expiry_hours", "JWT_EXPIRY_HOURS")
	viper.BindEnv("admin.api_key", "ADMIN_API_KEY")
	viper.BindEnv("argon2.time", "ARGON2_TIME")
	viper.BindEnv("argon2.memory", "ARGON2_MEMORY")
	viper.BindEnv("argon2.threads", "ARGON2_THREADS")
	viper.BindEnv("argon2.key_length", "ARGON2_KEY_LENGTH")
	viper.BindEnv("argon2.salt_length", "ARGON2_SALT_LENGTH")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize Swagger docs
	docs.SwaggerInfo.Title = "Creator Ledger API"
	docs.SwaggerInfo.Description = "Multi-tenant double-entry ledger for creator platforms"
	docs.SwaggerInfo.Version = "1.0"
	docs.SwaggerInfo.Host = "localhost:8080"
	docs.SwaggerInfo.BasePath = "/api/v1"
	docs.SwaggerInfo.Schemes = []string{"http", "https"}

	ledgerCfg := config.LoadLedgerConfig()

	// Initialize services
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditRecorder := audit.NewRecorder(redisClient)
	defer auditRecorder.Close()

	transactionService := services.NewTransactionService(db, redisClient, auditRecorder)
	payoutService := services.NewPayoutService(db, redisClient, auditRecorder)
	periodService := services.NewPeriodService(db, auditRecorder)
	ledgerAdminService := services.NewLedgerAdminService(db, redisClient, auditRecorder)
	iso20022Service := services.NewISO20022Service(redisClient)
	bankService := services.NewBankService()
	reconciliationService := services.NewReconciliationService(db)
	snapshotService := services.NewSnapshotService(db)
	reconciliationHandler := handlers.NewReconciliationHandler(
		reconciliationService, snapshotService, ledgerAdminService, auditRecorder)

	// Initialize auth middleware with Redis
	mW.InitAuthMiddleware(redisClient)

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(mW.SecurityHeaders)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Admin-Key", "X-Feed-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// Swagger documentation
	r.Get("/swagger/*", httpSwagger.Handler(
		httpSwagger.URL("http://localhost:8080/swagger/doc.json"),
	))

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.RateLimit(ledgerCfg.RateLimitPerWindow, ledgerCfg.RateLimitWindow))

		// Public endpoints (no auth required)
		r.Get("/banks", bankService.GetAllBanks)
		r.Post("/auth/token", ledgerAdminService.IssueActorToken)

		// Feed endpoints (per-ledger feed token)
		r.Post("/reconciliation/bank-lines", reconciliationHandler.ImportBankLines)

		// Protected endpoints (auth required)
		r.Group(func(r chi.Router) {
			r.Use(mW.AuthMiddleware)

			// Ledger administration
			r.Post("/ledgers", ledgerAdminService.CreateLedger)
			r.Get("/ledgers", ledgerAdminService.ListLedgers)
			r.Get("/ledgers/{ledgerId}", ledgerAdminService.GetLedger)
			r.Patch("/ledgers/{ledgerId}", ledgerAdminService.UpdateLedger)
			r.Post("/ledgers/{ledgerId}/feed-token", ledgerAdminService.RotateFeedToken)

			// Revenue and payouts
			r.Post("/sales", transactionService.RecordSale)
			r.Post("/payouts", payoutService.RecordPayout)
			r.Get("/payouts/{txId}/pacs008", payoutService.GetPayoutPacs008)
			r.Post("/payouts/{txId}/acknowledge", payoutService.AcknowledgePayout)

			// Transactions
			r.Get("/transactions", transactionService.ListTransactions)
			r.Get("/transactions/{txId}", transactionService.GetTransaction)
			r.Post("/transactions/{txId}/reverse", transactionService.ReverseTransaction)

			// Account enquiry endpoints
			r.Get("/accounts", transactionService.ListAccounts)
			r.Get("/accounts/{accountId}", transactionService.AccountBalanceEnquiry)

			// Accounting periods
			r.Post("/periods", periodService.CreatePeriod)
			r.Get("/periods", periodService.ListPeriods)
			r.Get("/periods/{periodId}", periodService.GetPeriod)
			r.Post("/periods/{periodId}/close", periodService.ClosePeriod)
			r.Post("/periods/{periodId}/lock", periodService.LockPeriod)

			// Reconciliation and snapshots
			r.Post("/reconciliation", reconciliationHandler.HandleAction)
			r.Get("/reconciliation/snapshots", reconciliationHandler.ListSnapshots)
			r.Get("/reconciliation/snapshots/{snapshotId}/qr", reconciliationHandler.SnapshotQR)

			// ISO 20022 endpoints
			r.Post("/iso20022/convert", iso20022Service.ConvertPayout)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
