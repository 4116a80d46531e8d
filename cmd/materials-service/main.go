package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/pressly/goose/v3"

	"github.com/qualitrace/qualitrace-backend/internal/materials/events"
	"github.com/qualitrace/qualitrace-backend/internal/materials/handler"
	"github.com/qualitrace/qualitrace-backend/internal/materials/repository"
	"github.com/qualitrace/qualitrace-backend/internal/materials/service"
	"github.com/qualitrace/qualitrace-backend/migrations"
	"github.com/qualitrace/qualitrace-backend/pkg/config"
	"github.com/qualitrace/qualitrace-backend/pkg/database"
	"github.com/qualitrace/qualitrace-backend/pkg/httputil"
	"github.com/qualitrace/qualitrace-backend/pkg/logger"
	"github.com/qualitrace/qualitrace-backend/pkg/messaging"
	"github.com/qualitrace/qualitrace-backend/pkg/metrics"
)

func main() {
	// Load configuration with validation (fails fast in production if required config is missing)
	cfg, err := config.LoadWithValidation("materials-service")
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New("materials-service", cfg.Server.Environment)
	log.Info().Msg("starting Materials Service")

	// Connect to database
	db, err := database.New(&cfg.Database, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer db.Close()

	// Run migrations
	goose.SetBaseFS(migrations.FS)
	if err := goose.SetDialect("postgres"); err != nil {
		log.Fatal().Err(err).Msg("failed to set migration dialect")
	}
	if err := goose.Up(db.DB.DB, "."); err != nil {
		log.Fatal().Err(err).Msg("failed to run migrations")
	}

	// Connect to RabbitMQ. Development runs fine without a broker, events
	// just become no-ops.
	var publisher *events.Publisher
	rmq, err := messaging.New(&cfg.RabbitMQ, log)
	if err != nil {
		if cfg.Server.Environment != "development" {
			log.Fatal().Err(err).Msg("failed to connect to RabbitMQ")
		}
		log.Warn().Err(err).Msg("RabbitMQ unavailable, events disabled")
		publisher = events.NewPublisher(nil, log)
	} else {
		defer rmq.Close()
		go rmq.WatchConnection(context.Background())
		mqPublisher, err := messaging.NewPublisher(rmq, cfg.RabbitMQ.Exchange, "materials-service", log)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create event publisher")
		}
		publisher = events.NewPublisher(mqPublisher, log)
	}

	// Initialize repositories
	materialRepo := repository.NewMaterialRepository(db)
	supplierRepo := repository.NewSupplierRepository(db)
	lotRepo := repository.NewLotRepository(db)
	consumptionRepo := repository.NewConsumptionRepository(db)
	reagentRepo := repository.NewReagentRepository(db)
	packagingRepo := repository.NewPackagingRepository(db)

	// Initialize services
	materialsService := service.NewMaterialsService(materialRepo, supplierRepo, lotRepo, consumptionRepo, publisher, log)
	reagentService := service.NewReagentService(materialRepo, reagentRepo, publisher, log)
	packagingService := service.NewPackagingService(materialRepo, packagingRepo, publisher, log)
	exportService := service.NewExportService(consumptionRepo, log)

	// Initialize handlers
	materialHandler := handler.NewMaterialHandler(materialsService, log)
	supplierHandler := handler.NewSupplierHandler(materialsService, log)
	lotHandler := handler.NewLotHandler(materialsService, log)
	reagentHandler := handler.NewReagentHandler(reagentService, log)
	packagingHandler := handler.NewPackagingHandler(packagingService, log)
	dashboardHandler := handler.NewDashboardHandler(materialsService, log)
	exportHandler := handler.NewExportHandler(exportService, log)

	// Create router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.RealIP)
	r.Use(httputil.RequestID)
	r.Use(httputil.Logger(log))
	r.Use(httputil.Recoverer(log))
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Org-ID", "X-Plant-ID", "X-User-ID", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))
	r.Use(httputil.TenantMiddleware) // Extract tenant scope from headers

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		status := map[string]interface{}{
			"status":   "healthy",
			"service":  "materials-service",
			"database": db.Health(r.Context()),
		}
		if rmq != nil {
			status["rabbitmq"] = rmq.Health()
		}
		httputil.JSON(w, http.StatusOK, status)
	})

	// Metrics
	if cfg.Metrics.Enabled {
		r.Handle(cfg.Metrics.Path, metrics.Handler())
	}

	// API routes
	r.Route("/api/v1/materials", func(r chi.Router) {
		// Material catalogue
		r.Get("/", materialHandler.List)
		r.Post("/", materialHandler.Create)
		r.Get("/{id}", materialHandler.Get)
		r.Put("/{id}", materialHandler.Update)
		r.Delete("/{id}", materialHandler.Delete)
		r.Get("/{id}/lots", lotHandler.ListByMaterial)
		r.Post("/{id}/lots", lotHandler.Receive)

		// Raw material lots
		r.Route("/lots", func(r chi.Router) {
			r.Get("/expiring", lotHandler.ListExpiring)
			r.Get("/{id}", lotHandler.Get)
			r.Post("/{id}/evaluate", lotHandler.Evaluate)
			r.Post("/{id}/consume", lotHandler.Consume)
			r.Post("/{id}/consume-free", lotHandler.ConsumeFree)
			r.Get("/{id}/consumptions", lotHandler.ListConsumptions)
		})

		// Consumption ledger
		r.Get("/consumptions", lotHandler.ListConsumptionsByOrder)

		// Suppliers
		r.Route("/suppliers", func(r chi.Router) {
			r.Get("/", supplierHandler.List)
			r.Post("/", supplierHandler.Create)
			r.Get("/{id}", supplierHandler.Get)
			r.Get("/{id}/performance", supplierHandler.Performance)
		})

		// Reagents
		r.Route("/reagents", func(r chi.Router) {
			r.Post("/", reagentHandler.Create)
			r.Get("/expiring", reagentHandler.ListExpiring)
			r.Get("/{id}/batches", reagentHandler.ListBatches)
			r.Post("/{id}/batches", reagentHandler.ReceiveBatch)
			r.Get("/{id}/movements", reagentHandler.ListMovements)
			r.Post("/{id}/consume", reagentHandler.Consume)
		})

		// Packaging
		r.Route("/packaging", func(r chi.Router) {
			r.Get("/lots", packagingHandler.ListLots)
			r.Post("/lots", packagingHandler.ReceiveLot)
			r.Get("/expiring", packagingHandler.ListExpiring)
			r.Post("/{id}/consume", packagingHandler.Consume)
		})

		// Dashboard
		r.Get("/dashboard/stats", dashboardHandler.Stats)

		// Exports
		r.Get("/export/consumptions.xlsx", exportHandler.ConsumptionRegister)
	})

	// Create server
	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start server
	go func() {
		log.Info().Str("addr", addr).Msg("server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down server")

	// Graceful shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}

	log.Info().Msg("server stopped")
}
