package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/spicetrace/spicetrace-backend/internal/authz"
	"github.com/spicetrace/spicetrace-backend/internal/chain"
	"github.com/spicetrace/spicetrace-backend/internal/clients/gcp"
	redisclient "github.com/spicetrace/spicetrace-backend/internal/clients/redis"
	"github.com/spicetrace/spicetrace-backend/internal/db"
	"github.com/spicetrace/spicetrace-backend/internal/handlers"
	"github.com/spicetrace/spicetrace-backend/internal/index"
	"github.com/spicetrace/spicetrace-backend/internal/logger"
	"github.com/spicetrace/spicetrace-backend/internal/middleware"
	"github.com/spicetrace/spicetrace-backend/internal/observability"
	"github.com/spicetrace/spicetrace-backend/internal/repos"
	"github.com/spicetrace/spicetrace-backend/internal/server"
	"github.com/spicetrace/spicetrace-backend/internal/services"
	"github.com/spicetrace/spicetrace-backend/internal/utils"
)

func main() {
	_ = godotenv.Load()

	// Logger
	logMode := os.Getenv("LOG_MODE")
	if logMode == "" {
		logMode = "development"
	}
	log, err := logger.New(logMode)
	if err != nil {
		fmt.Printf("Failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Tracing
	otelShutdown := observability.InitOTel(ctx, log, observability.OtelConfig{
		ServiceName: "spicetrace-backend",
		Environment: utils.GetEnv("APP_ENV", "development", log),
		Version:     utils.GetEnv("APP_VERSION", "dev", log),
	})
	if otelShutdown != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := otelShutdown(shutdownCtx); err != nil {
				log.Warn("otel shutdown failed", "error", err)
			}
		}()
	}

	// Env
	log.Info("Loading environment variables from main...")
	jwtSecretKey := utils.GetEnv("JWT_SECRET_KEY", "defaultsecret", log)
	accessTokenTTL := utils.GetEnvAsInt("ACCESS_TOKEN_TTL", 3600, log)
	refreshTokenTTL := utils.GetEnvAsInt("REFRESH_TOKEN_TTL", 86400, log)
	verifyBaseURL := utils.GetEnv("VERIFY_BASE_URL", "http://localhost:3000", log)

	// Postgres
	postgresService, err := db.NewPostgresService(log)
	if err != nil {
		log.Error("Postgres init failed", "error", err)
		os.Exit(1)
	}
	if err = postgresService.AutoMigrateAll(); err != nil {
		log.Error("Postgres auto migration failed", "error", err)
		os.Exit(1)
	}
	if utils.GetEnvAsBool("SEED_DEMO_USERS", false, log) {
		if err := postgresService.SeedDemoUsers(ctx); err != nil {
			log.Warn("Demo user seeding failed", "error", err)
		}
	}
	thePG := postgresService.DB()

	// Repos
	log.Info("Setting up Repos from main...")
	userRepo := repos.NewUserRepo(thePG, log)
	userTokenRepo := repos.NewUserTokenRepo(thePG, log)
	productRepo := repos.NewProductRepo(thePG, log)
	traceRepo := repos.NewTraceRepo(thePG, log)
	submissionRepo := repos.NewSubmissionRepo(thePG, log)

	// Snapshot cache
	snapshotCache, err := redisclient.NewSnapshotCache(log)
	if err != nil {
		log.Warn("Snapshot cache disabled", "error", err)
		snapshotCache = nil
	} else {
		defer snapshotCache.Close()
	}

	// Ledger
	ledger, err := buildLedger(log)
	if err != nil {
		log.Error("Could not init ledger backend", "error", err)
		os.Exit(1)
	}

	// Role policy
	gate, err := authz.NewGate()
	if err != nil {
		log.Error("Could not load role policy", "error", err)
		os.Exit(1)
	}

	// Verification index + confirmation watcher
	log.Info("Setting up verification index from main...")
	verificationIndex := index.NewIndex(log, ledger, productRepo, traceRepo, snapshotCache)
	watcher := index.NewWatcher(log, ledger, submissionRepo, verificationIndex, index.WatcherConfig{
		Interval:     utils.GetEnvAsDuration("WATCHER_INTERVAL", 2*time.Second, log),
		ConfirmWait:  utils.GetEnvAsDuration("WATCHER_CONFIRM_WAIT", 30*time.Second, log),
		Workers:      utils.GetEnvAsInt("WATCHER_WORKERS", 4, log),
		PendingLimit: utils.GetEnvAsInt("WATCHER_PENDING_LIMIT", 64, log),
	})
	watcher.Start(ctx)
	if utils.GetEnvAsBool("REBUILD_INDEX_ON_BOOT", false, log) {
		if err := verificationIndex.Rebuild(ctx); err != nil {
			log.Warn("Index rebuild on boot failed", "error", err)
		}
	}

	// Services
	log.Info("Setting up Services from main...")
	bucketService, err := gcp.NewBucketService(log)
	if err != nil {
		log.Warn("Could not init BucketService, QR cards stay inline only", "error", err)
		bucketService = nil
	}
	authService := services.NewAuthService(thePG, log, userRepo, userTokenRepo, jwtSecretKey, time.Duration(accessTokenTTL)*time.Second, time.Duration(refreshTokenTTL)*time.Second)
	provenanceService := services.NewProvenanceService(thePG, log, gate, ledger, productRepo, submissionRepo)
	qrService, err := services.NewQRService(log, gate, verificationIndex, bucketService, verifyBaseURL)
	if err != nil {
		log.Error("Could not init QRService", "error", err)
		os.Exit(1)
	}

	// Handlers
	log.Info("Setting up handlers from main...")
	authHandler := handlers.NewAuthHandler(authService)
	provenanceHandler := handlers.NewProvenanceHandler(provenanceService)
	verifyHandler := handlers.NewVerifyHandler(verificationIndex)
	qrHandler := handlers.NewQRHandler(qrService)

	// Middleware
	log.Info("Setting up middleware from main...")
	authMiddleware := middleware.NewAuthMiddleware(log, authService)

	// Router
	log.Info("Setting up router from main...")
	router := server.NewRouter(server.RouterConfig{
		AuthHandler:       authHandler,
		AuthMiddleware:    authMiddleware,
		ProvenanceHandler: provenanceHandler,
		VerifyHandler:     verifyHandler,
		QRHandler:         qrHandler,
		AllowOrigins:      splitOrigins(utils.GetEnv("CORS_ALLOW_ORIGINS", "", log)),
	})

	port := utils.GetEnv("PORT", "8080", log)
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}
	go func() {
		log.Info("Server listening", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("Server shutdown failed", "error", err)
	}
}

func buildLedger(log *logger.Logger) (chain.Ledger, error) {
	backend := strings.ToLower(utils.GetEnv("CHAIN_BACKEND", "memory", log))
	switch backend {
	case "memory":
		log.Info("Using in-memory ledger backend")
		return chain.NewMemLedger(), nil
	case "ethereum":
		return chain.NewEthLedger(log, chain.EthConfig{
			RPCURL:          utils.GetEnv("CHAIN_RPC_URL", "", log),
			PrivateKeyHex:   utils.GetEnv("CHAIN_PRIVATE_KEY", "", nil),
			ContractAddress: utils.GetEnv("CHAIN_CONTRACT_ADDRESS", "", log),
			ChainID:         int64(utils.GetEnvAsInt("CHAIN_ID", 1337, log)),
			GasLimit:        uint64(utils.GetEnvAsInt("CHAIN_GAS_LIMIT", 0, log)),
		})
	default:
		return nil, fmt.Errorf("unknown CHAIN_BACKEND %q", backend)
	}
}

func splitOrigins(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	var origins []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			origins = append(origins, trimmed)
		}
	}
	return origins
}
