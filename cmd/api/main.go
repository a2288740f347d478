package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/abduss/driveup/internal/auth"
	"github.com/abduss/driveup/internal/chunkstore"
	"github.com/abduss/driveup/internal/config"
	"github.com/abduss/driveup/internal/file"
	"github.com/abduss/driveup/internal/intent"
	"github.com/abduss/driveup/internal/logger"
	"github.com/abduss/driveup/internal/quota"
	"github.com/abduss/driveup/internal/scope"
	"github.com/abduss/driveup/internal/server"
	"github.com/abduss/driveup/internal/session"
	"github.com/abduss/driveup/internal/storage"
	"github.com/gin-gonic/gin"
	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	_ = godotenv.Load()

	zl, err := logger.Init()
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer func() { _ = zl.Sync() }()

	if err := run(zl); err != nil {
		zl.Fatal("driveup api stopped", zap.Error(err))
	}
}

func run(zl *zap.Logger) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dbPool, err := storage.NewPostgresPool(ctx, cfg.Postgres)
	if err != nil {
		return err
	}
	defer dbPool.Close()

	if err := storage.Migrate(ctx, dbPool); err != nil {
		return err
	}

	objects, err := storage.NewObjectStore(ctx, cfg.ObjectStore)
	if err != nil {
		return err
	}

	chunks, err := chunkstore.New(cfg.Upload.TempDir)
	if err != nil {
		return err
	}

	policy := scope.NewBucketPolicy(cfg.ObjectStore.AllowedBuckets)
	limiter := quota.NewLimiter(quota.LimitsFromConfig(cfg.Quota), nil, objects, zl.Named("quota"))

	authService := auth.NewService(auth.NewRepository(dbPool), cfg.Auth)
	ledger := file.NewRepository(dbPool)

	registry := session.NewRegistry(nil, chunks, policy, cfg.Upload, zl.Named("session"))
	sessionService := session.NewService(registry, objects, limiter, ledger, cfg.Upload, zl.Named("session"))

	intentManager, err := intent.NewManager(nil, nil, objects, limiter, policy, cfg.Intent, zl.Named("intent"), intent.WithLedger(ledger))
	if err != nil {
		return err
	}

	fileService := file.NewService(ledger, objects, limiter, policy, cfg.Upload.MaxFileSize, zl.Named("file"))

	router := server.NewRouter(server.Dependencies{
		Config:         cfg,
		DB:             dbPool,
		ObjectStore:    objects,
		AuthService:    authService,
		SessionService: sessionService,
		IntentManager:  intentManager,
		FileService:    fileService,
	})

	httpServer := &http.Server{
		Addr:         cfg.Server.Address(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		zl.Info("driveup api listening", zap.String("addr", cfg.Server.Address()))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	g.Go(func() error {
		sweep(gctx, cfg.Upload.SweepInterval, zl, registry, limiter, intentManager)
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		zl.Info("shutting down gracefully")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	return g.Wait()
}

// sweep periodically drops expired sessions, intents and idle quota windows.
func sweep(ctx context.Context, every time.Duration, zl *zap.Logger, registry *session.Registry, limiter *quota.Limiter, intents *intent.Manager) {
	if every <= 0 {
		every = time.Minute
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sessions := registry.Sweep()
			windows := limiter.Sweep()
			intents.Sweep()
			if sessions > 0 || windows > 0 {
				zl.Debug("sweep", zap.Int("sessions", sessions), zap.Int("quota_windows", windows))
			}
		}
	}
}
