package server

import (
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"

	"github.com/spicetrace/spicetrace-backend/internal/handlers"
	"github.com/spicetrace/spicetrace-backend/internal/middleware"
)

type RouterConfig struct {
	AuthHandler       *handlers.AuthHandler
	AuthMiddleware    *middleware.AuthMiddleware
	ProvenanceHandler *handlers.ProvenanceHandler
	VerifyHandler     *handlers.VerifyHandler
	QRHandler         *handlers.QRHandler
	AllowOrigins      []string
}

func NewRouter(cfg RouterConfig) *gin.Engine {
	router := gin.Default()
	router.Use(otelgin.Middleware("spicetrace-backend"))

	// Cors
	allowOrigins := cfg.AllowOrigins
	if len(allowOrigins) == 0 {
		allowOrigins = []string{
			"http://localhost:80",
			"http://localhost:3000",
			"http://localhost:5174",
		}
	}
	router.Use(cors.New(cors.Config{
		AllowOrigins:     allowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "PATCH", "OPTIONS"},
		AllowHeaders:     []string{"Authorization", "Content-Type", "X-Requested-With"},
		AllowCredentials: true,
	}))

	// ===============
	// || Public    ||
	// ===============
	router.GET("/healthcheck", handlers.HealthCheck)
	router.POST("/register", cfg.AuthHandler.Register)
	router.POST("/login", cfg.AuthHandler.Login)
	// Verification reads stay public so a scanned QR works without an account.
	router.GET("/verify/:product_id", cfg.VerifyHandler.Verify)
	router.GET("/get-traces/:product_id", cfg.VerifyHandler.GetTraces)
	router.GET("/products", cfg.VerifyHandler.ListProducts)

	// ===============
	// || Protected ||
	// ===============
	protected := router.Group("/")
	protected.Use(cfg.AuthMiddleware.RequireAuth())
	// Auth
	protected.POST("/refresh", cfg.AuthHandler.Refresh)
	protected.POST("/logout", cfg.AuthHandler.Logout)
	// Provenance writes
	protected.POST("/register-product", cfg.ProvenanceHandler.RegisterProduct)
	protected.POST("/update-status", cfg.ProvenanceHandler.UpdateStatus)
	protected.POST("/add-trace", cfg.ProvenanceHandler.AddTrace)
	protected.GET("/tx/:tx_hash", cfg.ProvenanceHandler.GetSubmission)
	// QR
	protected.POST("/generate-qr", cfg.QRHandler.GenerateQR)

	return router
}
