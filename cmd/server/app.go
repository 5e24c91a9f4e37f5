// cmd/server/app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.uber.org/fx"
	"gorm.io/gorm"

	"github.com/javajoker/digimarket-backend/internal/config"
	"github.com/javajoker/digimarket-backend/internal/database"
	"github.com/javajoker/digimarket-backend/internal/handlers"
	"github.com/javajoker/digimarket-backend/internal/router"
	"github.com/javajoker/digimarket-backend/internal/services"
)

// coreModule provides the database and every service.
func coreModule(cfg *config.Config) fx.Option {
	return fx.Options(
		fx.Supply(cfg),
		fx.Provide(
			provideDB,
			provideObjectStore,
			provideIngestion,
			services.NewAccountService,
			provideCatalog,
			provideNotifications,
			provideEntitlements,
			provideDelivery,
			provideRails,
			provideLedger,
			services.NewHousekeepingService,
		),
	)
}

// httpModule mounts the API and runs the HTTP server and housekeeping loop.
func httpModule() fx.Option {
	return fx.Options(
		fx.Provide(
			provideProductHandler,
			handlers.NewPurchaseHandler,
			handlers.NewNotificationHandler,
			handlers.NewAccountHandler,
			provideRouter,
		),
		fx.Invoke(startServer, startHousekeeping),
	)
}

func provideDB(lc fx.Lifecycle, cfg *config.Config) (*gorm.DB, error) {
	db, err := database.Initialize(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize database: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			database.Close(db)
			return nil
		},
	})
	return db, nil
}

func provideObjectStore(cfg *config.Config) (services.ObjectStore, error) {
	return services.NewObjectStore(cfg)
}

func provideIngestion(db *gorm.DB, store services.ObjectStore, cfg *config.Config) *services.IngestionService {
	return services.NewIngestionService(db, store, cfg.Storage.ParentQuota)
}

func provideCatalog(db *gorm.DB, ingestion *services.IngestionService) *services.CatalogService {
	return services.NewCatalogService(db, ingestion)
}

func provideNotifications(db *gorm.DB, cfg *config.Config) *services.NotificationService {
	return services.NewNotificationService(db, cfg.Notification.PerUserCap)
}

func provideEntitlements(db *gorm.DB, cfg *config.Config) *services.EntitlementService {
	return services.NewEntitlementService(db, cfg.Entitlement.CacheTTL)
}

func provideDelivery(db *gorm.DB, store services.ObjectStore, entitlements *services.EntitlementService, ingestion *services.IngestionService, cfg *config.Config) *services.DeliveryService {
	return services.NewDeliveryService(db, store, entitlements, ingestion, cfg.Storage.PresignTTL)
}

func provideRails(accounts *services.AccountService, cfg *config.Config) *services.RailRegistry {
	return services.NewRailRegistry(
		services.NewCardRail(services.NewStripeGateway(cfg.Payment.StripeSecretKey), cfg.Payment.Currency),
		services.NewBankTransferRail(accounts, cfg.BankTransfer),
		services.NewChainRail(services.NewRPCChainClient(cfg.Blockchain.RPCURL), accounts, cfg.Blockchain),
	)
}

func provideLedger(db *gorm.DB, catalog *services.CatalogService, rails *services.RailRegistry, notifications *services.NotificationService, entitlements *services.EntitlementService, cfg *config.Config) *services.LedgerService {
	return services.NewLedgerService(db, catalog, rails, services.NewFeeSchedule(cfg.Payment), notifications, entitlements, cfg.Payment.Currency)
}

func provideProductHandler(catalog *services.CatalogService, ingestion *services.IngestionService, delivery *services.DeliveryService, entitlements *services.EntitlementService, cfg *config.Config) *handlers.ProductHandler {
	return handlers.NewProductHandler(catalog, ingestion, delivery, entitlements, cfg.Storage.UploadTimeout)
}

type routerParams struct {
	fx.In

	DB            *gorm.DB
	Config        *config.Config
	Products      *handlers.ProductHandler
	Purchases     *handlers.PurchaseHandler
	Notifications *handlers.NotificationHandler
	Accounts      *handlers.AccountHandler
}

func provideRouter(p routerParams) *gin.Engine {
	if p.Config.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	return router.Initialize(p.DB, p.Config, router.Handlers{
		Products:      p.Products,
		Purchases:     p.Purchases,
		Notifications: p.Notifications,
		Accounts:      p.Accounts,
	})
}

func startServer(lc fx.Lifecycle, shutdowner fx.Shutdowner, engine *gin.Engine, cfg *config.Config) {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Server.Port),
		Handler:      engine,
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeout) * time.Second,
		IdleTimeout:  time.Duration(cfg.Server.IdleTimeout) * time.Second,
	}

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			ln, err := net.Listen("tcp", srv.Addr)
			if err != nil {
				return fmt.Errorf("failed to listen on %s: %w", srv.Addr, err)
			}
			go func() {
				logrus.WithField("addr", srv.Addr).Info("Starting HTTP server")
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logrus.WithError(err).Error("HTTP server stopped")
					shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			logrus.Info("Shutting down HTTP server")
			return srv.Shutdown(ctx)
		},
	})
}

func startHousekeeping(lc fx.Lifecycle, housekeeping *services.HousekeepingService, cfg *config.Config) {
	if !cfg.Housekeeping.Enabled {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				defer close(done)
				housekeeping.Start(ctx)
			}()
			return nil
		},
		OnStop: func(stopCtx context.Context) error {
			cancel()
			select {
			case <-done:
				return nil
			case <-stopCtx.Done():
				return stopCtx.Err()
			}
		},
	})
}
