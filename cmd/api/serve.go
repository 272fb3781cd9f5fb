package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"

	"freely/api/internal/app"
	"freely/api/internal/auth"
	"freely/api/internal/blob"
	"freely/api/internal/config"
	"freely/api/internal/email"
	"freely/api/internal/engine"
	"freely/api/internal/gitrepo"
	"freely/api/internal/inflight"
	"freely/api/internal/metrics"
	"freely/api/internal/search"
	"freely/api/internal/store"
	"freely/api/internal/worker"
)

func serve(ctx context.Context, cfg config.Config, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	verifier, err := newVerifier(cfg, logger)
	if err != nil {
		return err
	}
	reg := metrics.New()

	var (
		repo     store.Repository
		searcher *search.Service
	)
	if strings.TrimSpace(cfg.DatabaseURL) != "" {
		db, err := store.Open(ctx, cfg.DatabaseURL, cfg.MaxOpenConns)
		if err != nil {
			return fmt.Errorf("database connection failed: %w", err)
		}
		defer db.Close()
		if err := store.ApplyMigrations(ctx, db); err != nil {
			return fmt.Errorf("migrations failed: %w", err)
		}
		repo = store.NewPostgresStore(db)

		var meiliClient *search.Meili
		if strings.TrimSpace(cfg.MeiliURL) != "" {
			meiliClient = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		}
		searcher = search.NewService(meiliClient, search.NewPgFTS(db), nil, logger)
		go searcher.ReindexAllFromPG(context.Background())
	} else {
		logger.Warn("DATABASE_URL not set, records are kept in memory")
		memory := store.NewMemoryStore()
		repo = memory
		searcher = search.NewService(nil, nil, search.NewScan(memory), logger)
	}
	defer searcher.Close()

	var readyChecks []app.HTTPOption
	workerOpts := []worker.Option{worker.WithGauge(reg.TaskGauge()), worker.WithLogger(logger)}
	if strings.TrimSpace(cfg.RedisURL) != "" {
		guard, err := inflight.NewRedisGuard(cfg.RedisURL, cfg.InflightTTL)
		if err != nil {
			return fmt.Errorf("redis connection failed: %w", err)
		}
		defer guard.Close()
		workerOpts = append(workerOpts, worker.WithGuard(guard))
		readyChecks = append(readyChecks, app.WithReadyCheck("redis", guard.Ping))
		logger.Info("using redis for in-flight leases")
	}
	dispatcher := worker.New(cfg.WorkerConcurrency, workerOpts...)

	deps := app.Deps{
		Repository: repo,
		Engine: engine.NewOpenAI(engine.Config{
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.OpenAIModel,
			BaseURL: cfg.OpenAIBaseURL,
			Timeout: cfg.EngineTimeout,
			RPS:     cfg.EngineRPS,
		}, logger, reg),
		Dispatcher: dispatcher,
		Search:     searcher,
		Metrics:    reg,
		Logger:     logger,
	}

	if err := os.MkdirAll(cfg.ReposDir, 0o755); err != nil {
		return fmt.Errorf("create repos dir: %w", err)
	}
	deps.Archive = gitrepo.New(cfg.ReposDir)

	if strings.TrimSpace(cfg.MinioEndpoint) != "" {
		blobs, err := blob.New(blob.Config{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
		})
		if err != nil {
			return err
		}
		bucketCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = blobs.EnsureBucket(bucketCtx)
		cancel()
		if err != nil {
			logger.Warn("object storage unavailable, uploads will not be kept", zap.Error(err))
		} else {
			deps.Blobs = blobs
		}
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if mailer.IsConfigured() {
		deps.Notifier = mailer
	}

	service := app.NewService(deps)
	httpOpts := append([]app.HTTPOption{
		app.WithHTTPLogger(logger),
		app.WithMaxUploadBytes(cfg.MaxUploadBytes),
		app.WithMetrics(reg, reg.Handler()),
	}, readyChecks...)
	httpServer := app.NewHTTPServer(service, verifier, cfg.CORSOrigin, httpOpts...)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		logger.Info("Freely API listening", zap.String("addr", cfg.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
	case err := <-serverErr:
		return fmt.Errorf("server failed: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown error", zap.Error(err))
	}
	if err := dispatcher.Close(shutdownCtx); err != nil {
		logger.Warn("background tasks still running at exit", zap.Error(err))
	}
	return nil
}

func newVerifier(cfg config.Config, logger *zap.Logger) (auth.Verifier, error) {
	if strings.TrimSpace(cfg.FirebaseProjectID) != "" {
		return auth.NewFirebaseVerifier(cfg.FirebaseProjectID, cfg.FirebaseCertsURL, &http.Client{Timeout: 10 * time.Second}), nil
	}
	if cfg.AuthDevSecret != "" {
		logger.Warn("FIREBASE_PROJECT_ID not set, accepting HS256 development tokens")
		return auth.NewHMACVerifier([]byte(cfg.AuthDevSecret)), nil
	}
	return nil, errors.New("no token verifier configured: set FIREBASE_PROJECT_ID or AUTH_DEV_SECRET")
}
