package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awscfg "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"piquante-api/internal/auth"
	"piquante-api/internal/config"
	apphttp "piquante-api/internal/http"
	"piquante-api/internal/janitor"
	"piquante-api/internal/repository/sqlite"
	"piquante-api/internal/service"
	"piquante-api/internal/storage"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	cfg, err := config.Load()
	if err != nil {
		logger.Fatalf("load config: %v", err)
	}
	configureLogger(logger, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := sqlite.Open(cfg.Database.Path, cfg.Database.Timeout)
	if err != nil {
		logger.Fatalf("open database: %v", err)
	}
	defer db.Close()

	sauceRepo := sqlite.NewSauceRepository(db)
	userRepo := sqlite.NewUserRepository(db)

	if err := sauceRepo.Init(ctx); err != nil {
		logger.Fatalf("init sauce repository: %v", err)
	}
	if err := userRepo.Init(ctx); err != nil {
		logger.Fatalf("init user repository: %v", err)
	}

	storageSvc, imageDir, err := buildStorage(ctx, cfg, logger)
	if err != nil {
		logger.Fatalf("setup storage: %v", err)
	}

	cleaner := janitor.New(janitor.Config{
		Workers:   cfg.Janitor.Workers,
		QueueSize: cfg.Janitor.QueueSize,
		Timeout:   cfg.Janitor.Timeout,
		Logger:    logger,
	}, storageSvc)
	if err := cleaner.Start(ctx); err != nil {
		logger.Fatalf("start janitor: %v", err)
	}

	authenticator, err := auth.NewAuthenticator(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		logger.Fatalf("setup authenticator: %v", err)
	}

	// sauce edits and votes on the same sauce share one lock
	locker := service.NewLocker()
	sauceService := service.NewSauceService(service.SauceServiceConfig{
		Sauces:  sauceRepo,
		Storage: storageSvc,
		Janitor: cleaner,
		Locker:  locker,
		Logger:  logger,
	})
	voteService := service.NewVoteService(sauceRepo, locker, logger)
	userService := service.NewUserService(userRepo, authenticator, 0)

	limiter := buildRateLimiter(cfg, logger)
	defer limiter.Close()

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	handler := apphttp.NewHandler(apphttp.Options{
		Sauces:         sauceService,
		Votes:          voteService,
		Users:          userService,
		Tokens:         authenticator,
		Logger:         logger,
		Limiter:        limiter,
		RateLimit:      cfg.RateLimit.Requests,
		UserRateLimit:  cfg.RateLimit.UserRequests,
		RateWindow:     cfg.RateLimit.Window,
		RequestTimeout: cfg.Database.Timeout,
		MaxUploadBytes: cfg.Upload.MaxBytes,
		AllowOrigins:   cfg.CORS.AllowOrigins,
		ImageDir:       imageDir,
		ImagePath:      cfg.Storage.PublicPath,
	})
	handler.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       time.Minute,
	}

	go func() {
		logger.Infof("listening on %s", cfg.Server.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatalf("http server: %v", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("http shutdown: %v", err)
	}
	cleaner.Shutdown()

	logger.Info("bye")
}

func configureLogger(logger *logrus.Logger, cfg config.Config) {
	if cfg.Log.Format == "json" {
		logger.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		logger.Warnf("unknown log level %q, using info", cfg.Log.Level)
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)
}

// buildStorage returns the configured attachment store and, for the local
// driver, the directory to serve images from.
func buildStorage(ctx context.Context, cfg config.Config, logger *logrus.Logger) (storage.Service, string, error) {
	if cfg.Storage.Driver == config.StorageLocal {
		local, err := storage.NewLocalService(cfg.Storage.LocalDir, cfg.Storage.PublicPath)
		if err != nil {
			return nil, "", err
		}
		logger.Infof("storing images in %s", local.Dir())
		return local, local.Dir(), nil
	}

	loadOpts := []func(*awscfg.LoadOptions) error{
		awscfg.WithRegion(cfg.Storage.Region),
	}
	if cfg.AWS.Profile != "" {
		loadOpts = append(loadOpts, awscfg.WithSharedConfigProfile(cfg.AWS.Profile))
	}

	awsCfg, err := awscfg.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, "", fmt.Errorf("load aws config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if cfg.Storage.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Storage.Endpoint)
			o.UsePathStyle = true
		}
	})
	svc, err := storage.NewS3Service(client, storage.S3Options{
		Bucket:        cfg.Storage.Bucket,
		KeyPrefix:     cfg.Storage.KeyPrefix,
		Region:        cfg.Storage.Region,
		Endpoint:      cfg.Storage.Endpoint,
		PublicBaseURL: cfg.Storage.PublicBaseURL,
	})
	if err != nil {
		return nil, "", err
	}
	logger.Infof("using s3 bucket %s (region %s)", cfg.Storage.Bucket, cfg.Storage.Region)
	return svc, "", nil
}

func buildRateLimiter(cfg config.Config, logger *logrus.Logger) apphttp.RateLimiter {
	if cfg.RateLimit.RedisAddr != "" {
		limiter, err := apphttp.NewRedisRateLimiter(cfg.RateLimit.RedisAddr, cfg.RateLimit.RedisPassword, cfg.RateLimit.RedisDB, logger)
		if err == nil {
			logger.Infof("rate limiting through redis at %s", cfg.RateLimit.RedisAddr)
			return limiter
		}
		logger.WithError(err).Warn("redis unavailable, falling back to in-memory rate limiting")
	}
	return apphttp.NewMemoryRateLimiter()
}
