package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"pharmadesk/backend/internal/cache"
	"pharmadesk/backend/internal/catalog"
	"pharmadesk/backend/internal/config"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/httpapi"
	"pharmadesk/backend/internal/invoice"
	"pharmadesk/backend/internal/logging"
	"pharmadesk/backend/internal/service"
	"pharmadesk/backend/internal/store"
	"pharmadesk/backend/internal/store/memory"
	pgstore "pharmadesk/backend/internal/store/postgres"
)

func main() {
	cfg := config.Load()
	logger, closeLog := logging.New(cfg.LogLevel, cfg.LogFile)
	slog.SetDefault(logger)

	if err := validateSecurityConfig(cfg); err != nil {
		logger.Error("invalid security configuration", "error", err)
		os.Exit(1)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := []func() error{closeLog}

	if cfg.DatabaseURL != "" {
		if cfg.AutoMigrate {
			if err := pgstore.Migrate(cfg.DatabaseURL); err != nil {
				logger.Error("database migration failed", "error", err)
				os.Exit(1)
			}
		}
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", "error", err)
			os.Exit(1)
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded()
		logger.Info("repository: in-memory")
	}

	var snapshots cache.SnapshotCache = cache.NoopSnapshotCache{}
	if cfg.RedisAddr != "" {
		redisCache := cache.NewRedisSnapshotCache(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := redisCache.Ping(ctx); err != nil {
			logger.Warn("redis unavailable, using noop cache", "error", err)
		} else {
			snapshots = redisCache
			closers = append(closers, redisCache.Close)
			logger.Info("cache: redis")
		}
	} else {
		logger.Info("cache: noop")
	}

	loader := catalog.NewLoader(repo, snapshots, cfg.CatalogCacheTTL, domain.NewShelfLifePolicy(domain.DefaultMinShelfDays), logger)
	svc := service.New(repo, loader, service.Options{
		RetryDelay:         cfg.SaleRetryDelay,
		NearExpiryDays:     cfg.NearExpiryDays,
		SessionIdle:        cfg.SessionIdle,
		MaxSessionsPerUser: cfg.MaxSessionsPerUser,
		Logger:             logger,
	})
	janitorCtx, stopJanitor := context.WithCancel(context.Background())
	defer stopJanitor()
	go svc.RunSessionJanitor(janitorCtx, time.Minute)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, time.Duration(cfg.AccessTokenTTLMinutes)*time.Minute, repo, logger)
	invoices := invoice.NewRenderer(invoice.Header{
		Name:               cfg.Pharmacy.Name,
		Owner:              cfg.Pharmacy.Owner,
		Address:            cfg.Pharmacy.Address,
		Phone:              cfg.Pharmacy.Phone,
		Email:              cfg.Pharmacy.Email,
		RegistrationNumber: cfg.Pharmacy.RegistrationNumber,
		Hours:              cfg.Pharmacy.Hours,
	}, time.Local)
	api := httpapi.New(svc, auth, invoices, cfg.AllowedOrigin, logger)

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		logger.Info("pharmacy backend listening", "addr", cfg.Address())
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer shutdownCancel()

	// In-flight submits finish their stock write before the listener closes.
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}

	stopJanitor()
	logger.Info("server stopped")
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			fmt.Fprintf(os.Stderr, "close error: %v\n", err)
		}
	}
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
