package cli

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"docassist/internal/api"
	"docassist/internal/auth"
	"docassist/internal/config"
	"docassist/internal/ingest"
	"docassist/internal/logging"
	"docassist/internal/metrics"
	"docassist/internal/redis"
	"docassist/internal/service/ai"
	"docassist/internal/service/assistant"
	"docassist/internal/session"
	"docassist/internal/storage"
	"docassist/internal/worker"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgPath)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return serve(ctx, cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serve(ctx context.Context, cfg *config.Config) error {
	logger := logging.New(cfg.Log.Level, cfg.Log.Format)

	dbType := cfg.BasicConfig.Database
	logger.WithField("driver", dbType).Info("opening database")
	db, err := storage.Open(dbType, cfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	rdb, err := redis.NewRedisClient(cfg)
	if err != nil {
		return fmt.Errorf("create redis client: %w", err)
	}
	defer rdb.Close()
	if !rdb.Enabled() {
		logger.Info("redis not configured, task state and revocations stay local")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	providerName, providerCfg := cfg.Provider()
	gemini := cfg.Providers["gemini"]
	genaiClient, err := ai.NewGenaiClient(ctx, gemini.APIKey)
	if err != nil {
		return fmt.Errorf("create genai client: %w", err)
	}
	chat, err := ai.NewChatModel(ctx, providerName, providerCfg, genaiClient)
	if err != nil {
		return err
	}
	embedder, err := ai.NewGenaiEmbedder(genaiClient, gemini.EmbeddingModel)
	if err != nil {
		return err
	}
	llm := ai.NewService(chat, cfg.RAG.SummaryConcurrency, logger, m)

	asst := assistant.NewService(db)
	authSvc := auth.NewService(cfg.Auth.JWTSecret, rdb, time.Duration(cfg.Auth.TokenTTLMinutes)*time.Minute, logger)

	sessions := session.NewManager(asst, ingest.NewSplitter(cfg.RAG), embedder, session.Options{
		Redis:   rdb,
		Logger:  logger,
		Metrics: m,
	})
	if err := sessions.Start(ctx); err != nil {
		return fmt.Errorf("start session listener: %w", err)
	}

	uploads, err := ingest.NewUploadStore(cfg.BasicConfig.UploadDir, logger)
	if err != nil {
		return err
	}
	uploads.StartSweeper(ctx, ingest.DefaultUploadTTL, ingest.DefaultUploadSweepInterval)

	pdfLoader, err := ingest.NewPDFLoader(ctx, logger)
	if err != nil {
		return fmt.Errorf("create pdf loader: %w", err)
	}
	fetcher := ingest.NewFetcher(ingest.FetcherConfig{}, logger)

	workers := worker.NewManager(worker.ManagerConfig{
		Dispatcher: worker.DispatcherConfig{
			MinWorkers:  cfg.BasicConfig.MinWorkers,
			MaxWorkers:  cfg.BasicConfig.MaxWorkers,
			QueueSize:   cfg.BasicConfig.QueueSize,
			IdleTimeout: time.Duration(cfg.BasicConfig.WorkerIdleTimeout) * time.Minute,
		},
		Sessions: sessions,
		PDF:      pdfLoader,
		URLs:     fetcher,
		Uploads:  uploads,
		Logger:   logger,
	})

	handlers := api.NewHandler(api.Deps{
		Assistant:      asst,
		Auth:           authSvc,
		Sessions:       sessions,
		Workers:        workers,
		LLM:            llm,
		Uploads:        uploads,
		RAG:            cfg.RAG,
		RequestTimeout: time.Duration(cfg.BasicConfig.RequestTimeout) * time.Second,
		Gatherer:       reg,
		Logger:         logger,
	})

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery(), logging.GinLogger(logger), api.CORS(cfg.BasicConfig.CORSOrigin))
	handlers.RegisterRoutes(router)

	srv := &http.Server{
		Addr:              cfg.BasicConfig.ServerAddress,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.WithField("addr", srv.Addr).Info("server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server stopped: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("http shutdown")
	}
	workers.Shutdown(shutdownCtx)
	return nil
}
