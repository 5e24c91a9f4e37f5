// internal/router/router.go
package router

import (
	"net/http"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/handlers"
	"github.com/javajoker/digimarket-backend/internal/middleware"
	"github.com/javajoker/digimarket-backend/internal/models"
	"github.com/javajoker/digimarket-backend/internal/utils"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Products      *handlers.ProductHandler
	Purchases     *handlers.PurchaseHandler
	Notifications *handlers.NotificationHandler
	Accounts      *handlers.AccountHandler
}

func Initialize(db *gorm.DB, cfg *config.Config, h Handlers) *gin.Engine {
	// Set JWT secret
	utils.SetJWTSecret(cfg.JWT.SecretKey)
	utils.SetJWTIssuer(cfg.JWT.Issuer)

	// Initialize Gin router
	r := gin.New()

	// Global middleware
	r.Use(gin.Recovery())
	r.Use(middleware.RequestLogger())
	r.Use(cors.New(cors.Config{
		AllowOrigins:     cfg.Server.AllowOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization", "Accept-Language"},
		ExposeHeaders:    []string{"X-Total-Count", "X-Page", "X-Per-Page", "X-Total-Pages"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}))
	r.Use(middleware.I18nMiddleware())
	r.Use(middleware.GeneralRateLimit())
	if db != nil {
		r.Use(middleware.AuditLogMiddleware(db))
	}

	// Health check
	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":  "healthy",
			"version": "1.0.0",
		})
	})

	// API v1 routes
	v1 := r.Group("/v1")
	{
		// Product routes
		products := v1.Group("/products")
		{
			products.GET("", h.Products.GetProducts)
			products.GET("/:id", middleware.OptionalAuth(), h.Products.GetProduct)
			products.GET("/:id/access", middleware.OptionalAuth(), h.Products.GetAccess)

			// Authenticated routes
			protected := products.Group("")
			protected.Use(middleware.AuthRequired())
			{
				protected.GET("/mine", h.Products.GetMyProducts)
				protected.POST("", h.Products.CreateProduct)
				protected.PUT("/:id", h.Products.UpdateProduct)
				protected.DELETE("/:id", h.Products.DeleteProduct)
				protected.POST("/:id/activate", h.Products.ActivateProduct)
				protected.POST("/:id/archive", h.Products.ArchiveProduct)

				protected.GET("/:id/files", h.Products.ListFiles)
				protected.POST("/:id/files", middleware.UploadRateLimit(), h.Products.UploadFile)
				protected.DELETE("/:id/files/:fileId", h.Products.DeleteFile)
				protected.GET("/:id/read", h.Products.Read)

				protected.POST("/:id/purchase", middleware.PurchaseRateLimit(), h.Purchases.Purchase)
			}
		}

		files := v1.Group("/files")
		files.Use(middleware.AuthRequired())
		{
			files.GET("/:fileId/download", h.Products.Download)
		}

		// Transaction routes
		transactions := v1.Group("/transactions")
		transactions.Use(middleware.AuthRequired())
		{
			transactions.GET("", h.Purchases.ListTransactions)
			transactions.GET("/:id", h.Purchases.GetTransaction)
			transactions.PUT("/:id/status", h.Purchases.UpdateStatus)
			transactions.POST("/:id/finalize",
				middleware.RoleRequired(models.UserRoleService, models.UserRoleAdmin),
				h.Purchases.Finalize)
		}

		notifications := v1.Group("/notifications")
		notifications.Use(middleware.AuthRequired())
		{
			notifications.GET("", h.Notifications.GetNotifications)
			notifications.GET("/unread-count", h.Notifications.GetUnreadCount)
		}

		payout := v1.Group("/payout-account")
		payout.Use(middleware.AuthRequired())
		{
			payout.GET("", h.Accounts.GetPayoutAccount)
			payout.PUT("", h.Accounts.UpdatePayoutAccount)
		}
	}

	// Local storage is served from disk when S3 is not configured. Config
	// validation keeps this route out of production.
	if cfg.AWS.AccessKeyID == "" && cfg.AWS.UploadDir != "" && cfg.Environment != "production" {
		r.Static("/uploads", cfg.AWS.UploadDir)
	}

	return r
}
