package api

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/FACorreiaa/grocery-tracker/internal/domain/grouping"
	groupinghandler "github.com/FACorreiaa/grocery-tracker/internal/domain/grouping/handler"
	"github.com/FACorreiaa/grocery-tracker/internal/domain/receipts"
	"github.com/FACorreiaa/grocery-tracker/pkg/config"
	"github.com/FACorreiaa/grocery-tracker/pkg/cron"
	"github.com/FACorreiaa/grocery-tracker/pkg/db"
	"github.com/FACorreiaa/grocery-tracker/pkg/interceptors"
)

// AccessTokenTTL bounds the lifetime of issued bearer tokens
const AccessTokenTTL = 1 * time.Hour

// Dependencies holds all application dependencies
type Dependencies struct {
	Config   *config.Config
	DB       *db.DB
	Logger   *slog.Logger
	Registry *prometheus.Registry

	// Storage
	Store     grouping.Store
	Purchases grouping.PurchaseSource

	// Services
	TokenManager    *interceptors.TokenManager
	GroupingService *grouping.Service
	Scheduler       *cron.Scheduler

	// Handlers
	GroupingHandler *groupinghandler.GroupingHandler
}

// InitDependencies initializes all application dependencies
func InitDependencies(cfg *config.Config, logger *slog.Logger) (*Dependencies, error) {
	deps := &Dependencies{
		Config:   cfg,
		Logger:   logger,
		Registry: prometheus.NewRegistry(),
	}
	deps.Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if err := deps.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to init storage: %w", err)
	}

	deps.initServices()
	deps.initHandlers()

	logger.Info("all dependencies initialized successfully",
		slog.String("store_driver", cfg.Database.Driver))

	return deps, nil
}

// initStorage opens the database and runs migrations, or falls back to the
// in-process store when the memory driver is selected
func (d *Dependencies) initStorage() error {
	if d.Config.Database.Driver == config.StoreMemory {
		d.Store = grouping.NewMemoryStore()
		source := receipts.NewMemorySource()
		d.Purchases = source
		d.Logger.Warn("using in-memory mapping store, rules are lost on restart")

		path := d.Config.Database.PurchasesFile
		if path == "" {
			d.Logger.Warn("MEMORY_PURCHASES_FILE not set, every account starts without purchases")
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("open purchases file: %w", err)
		}
		defer f.Close()

		n, err := source.LoadCSV(f)
		if err != nil {
			return err
		}
		d.Logger.Info("purchases loaded", slog.String("file", path), slog.Int("lines", n))
		return nil
	}

	database, err := db.New(db.Config{
		DSN:             d.Config.Database.DSN(),
		MaxConns:        int32(d.Config.Database.MaxConns),
		MinConns:        2,
		MaxConnLifetime: 5 * time.Minute,
		MaxConnIdleTime: 10 * time.Minute,
	}, d.Logger)
	if err != nil {
		return err
	}
	d.DB = database

	if err := d.DB.RunMigrations(); err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	d.Store = grouping.NewRepository(d.DB.Pool)
	d.Purchases = receipts.NewRepository(d.DB.Pool)

	d.Logger.Info("database connected and migrations completed successfully")
	return nil
}

// initServices initializes all service layer dependencies
func (d *Dependencies) initServices() {
	d.TokenManager = interceptors.NewTokenManager([]byte(d.Config.Auth.JWTSecret), AccessTokenTTL)

	gc := d.Config.Grouping
	d.GroupingService = grouping.NewService(d.Store, d.Purchases, grouping.Config{
		MaxCandidates:     gc.MaxCandidates,
		Threshold:         gc.Threshold,
		RunnerConcurrency: gc.RunnerConcurrency,
		BulkConcurrency:   gc.BulkConcurrency,
	}, grouping.NewMetrics(d.Registry), d.Logger)

	d.Scheduler = cron.NewScheduler(d.GroupingService, gc.CleanupSchedule, d.Logger)

	d.Logger.Info("services initialized")
}

// initHandlers initializes all handler dependencies
func (d *Dependencies) initHandlers() {
	d.GroupingHandler = groupinghandler.NewGroupingHandler(d.GroupingService, d.Config.Grouping.Currency, d.Logger)

	d.Logger.Info("handlers initialized")
}

// Cleanup closes all resources
func (d *Dependencies) Cleanup() {
	if d.DB != nil {
		d.DB.Close()
	}
	d.Logger.Info("cleanup completed")
}
