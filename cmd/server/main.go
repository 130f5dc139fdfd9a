package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	redis "github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	limiterredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"

	"posledger/backend/internal/cache"
	"posledger/backend/internal/config"
	"posledger/backend/internal/domain"
	"posledger/backend/internal/events"
	"posledger/backend/internal/httpapi"
	"posledger/backend/internal/logging"
	"posledger/backend/internal/service"
	"posledger/backend/internal/store"
	"posledger/backend/internal/store/memory"
	pgstore "posledger/backend/internal/store/postgres"
	"posledger/backend/internal/xid"
)

func main() {
	cfg := config.Load()
	if err := validateSecurityConfig(cfg); err != nil {
		log.Fatalf("invalid security configuration: %v", err)
	}

	logger, err := logging.New(cfg.Logging())
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var repo store.Repository
	closers := make([]func() error, 0, 2)

	if cfg.DatabaseURL != "" {
		pg, err := pgstore.New(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres unavailable and DATABASE_URL is set; refusing to start with in-memory fallback", zap.Error(err))
		}
		if err := pg.EnsureSchema(ctx); err != nil {
			logger.Fatal("apply schema", zap.Error(err))
		}
		if opened, err := pg.RecordOpeningBalances(ctx, "system"); err != nil {
			logger.Fatal("record opening balances", zap.Error(err))
		} else if opened > 0 {
			logger.Info("opening stock recorded", zap.Int64("products", opened))
		}
		if err := bootstrapOwner(ctx, pg, cfg, logger); err != nil {
			logger.Fatal("bootstrap owner", zap.Error(err))
		}
		repo = pg
		closers = append(closers, pg.Close)
		logger.Info("repository: postgres")
	} else {
		repo = memory.NewSeeded(logger)
		logger.Info("repository: in-memory", zap.String("business_id", memory.DemoBusinessID))
	}

	svcOpts := service.Options{
		Logger:             logger,
		EarnPesosPerPoint:  cfg.EarnPesosPerPoint,
		RedeemPesoPerPoint: cfg.RedeemPesoPerPoint,
		MaxConflictRetries: cfg.MaxConflictRetries,
		ReceiptTTL:         cfg.ReceiptCacheTTL(),
	}
	apiOpts := httpapi.Options{
		AllowedOrigin: cfg.AllowedOrigin,
		Logger:        logger,
		LoginRate:     cfg.LoginRateLimit,
	}

	if client := connectRedis(ctx, cfg, logger); client != nil {
		closers = append(closers, client.Close)
		svcOpts.Cache = cache.NewRedisSaleCache(client)
		svcOpts.Events = events.NewRedisPublisher(client)
		limiterStore, err := limiterredis.NewStoreWithOptions(client, limiter.StoreOptions{Prefix: "pos:login"})
		if err != nil {
			logger.Warn("redis limiter store unavailable, using in-process limiter", zap.Error(err))
		} else {
			apiOpts.LimiterStore = limiterStore
		}
	}

	svc := service.New(repo, svcOpts)
	auth := httpapi.NewAuthManager(cfg.AuthSecret, cfg.AccessTokenTTL(), repo)
	api, err := httpapi.New(svc, auth, apiOpts)
	if err != nil {
		logger.Fatal("build http api", zap.Error(err))
	}

	server := &http.Server{
		Addr:              cfg.Address(),
		Handler:           api.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		ErrorLog:          zap.NewStdLog(logger.Named("http.server")),
	}

	go func() {
		logger.Info("POS backend listening", zap.String("addr", cfg.Address()))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server error", zap.Error(err))
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 8*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}

	for _, closeFn := range closers {
		if err := closeFn(); err != nil {
			logger.Warn("close error", zap.Error(err))
		}
	}

	logger.Info("server stopped")
}

// connectRedis returns nil when Redis is not configured or not reachable;
// the service then runs with a noop cache and publisher.
func connectRedis(ctx context.Context, cfg config.Config, logger *zap.Logger) *redis.Client {
	if cfg.RedisAddr == "" {
		logger.Info("cache: noop")
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		logger.Warn("redis unavailable, using noop cache and events", zap.Error(err))
		_ = client.Close()
		return nil
	}
	logger.Info("cache: redis", zap.String("addr", cfg.RedisAddr))
	return client
}

type staffCreator interface {
	CreateStaff(ctx context.Context, account domain.StaffAccount) (bool, error)
}

func bootstrapOwner(ctx context.Context, staff staffCreator, cfg config.Config, logger *zap.Logger) error {
	if cfg.BootstrapOwnerUsername == "" {
		return nil
	}
	if len(cfg.BootstrapOwnerPassword) < 8 {
		return fmt.Errorf("BOOTSTRAP_OWNER_PASSWORD must be at least 8 characters")
	}
	hash, err := httpapi.HashPassword(cfg.BootstrapOwnerPassword)
	if err != nil {
		return err
	}
	created, err := staff.CreateStaff(ctx, domain.StaffAccount{
		ID:           xid.New("stf"),
		BusinessID:   cfg.BootstrapBusinessID,
		Username:     cfg.BootstrapOwnerUsername,
		DisplayName:  cfg.BootstrapOwnerUsername,
		PasswordHash: hash,
		Role:         domain.RoleOwner,
		Active:       true,
		CreatedAt:    time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	if created {
		logger.Info("owner account created",
			zap.String("username", cfg.BootstrapOwnerUsername),
			zap.String("business_id", cfg.BootstrapBusinessID))
	}
	return nil
}

func validateSecurityConfig(cfg config.Config) error {
	if len(cfg.AuthSecret) < 32 {
		return fmt.Errorf("AUTH_SECRET must be set and at least 32 characters")
	}
	return nil
}
