package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/josefeneto/fiscalia/internal/analyst"
	"github.com/josefeneto/fiscalia/internal/config"
	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/ingestion"
	"github.com/josefeneto/fiscalia/internal/llm"
	"github.com/josefeneto/fiscalia/internal/logger"
	"github.com/josefeneto/fiscalia/internal/server"
)

func main() {
	// .env is optional in deployed environments
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	log, err := logger.New(cfg.LogMode)
	if err != nil {
		os.Stderr.WriteString("logger error: " + err.Error() + "\n")
		os.Exit(1)
	}
	defer log.Sync()

	if err := cfg.EnsureDirectories(); err != nil {
		log.Fatal("failed to prepare directories", "error", err)
	}

	db, dialect, err := database.Connect(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		log.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.Migrate(context.Background(), db, dialect); err != nil {
		log.Fatal("failed to run migrations", "error", err)
	}
	log.Info("database ready", "dialect", string(dialect))

	store := database.NewSQLStore(db, dialect)

	fileProcessor := ingestion.NewFileProcessor(cfg.InboxDir, cfg.ProcessedDir, cfg.RejectedDir, log)
	asyncWorker := ingestion.NewAsyncWorker(store, fileProcessor, log, ingestion.AsyncWorkerConfig{
		MaxFileSizeBytes: cfg.MaxFileSizeBytes(),
	})
	pipeline := ingestion.NewIngestionService(
		store,
		ingestion.Setup{ResultsChannelSize: cfg.ResultsChannelSize},
		asyncWorker,
		fileProcessor,
		cfg,
		log,
	)

	llmClient, err := llm.NewFromConfig(cfg, log)
	if err != nil {
		log.Fatal("failed to build LLM client", "error", err)
	}
	if llmClient == nil {
		log.Warn("LLM provider disabled, free-text queries unavailable")
	}

	svc := server.NewService(store, db, pipeline, analyst.New(store, llmClient, log), cfg, log)
	router := server.SetupRoutes(svc)

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	go func() {
		log.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Error("forced shutdown", "error", err)
	}
}
