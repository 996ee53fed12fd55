package main

import (
	"context"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/josefeneto/fiscalia/internal/config"
	"github.com/josefeneto/fiscalia/internal/database"
	"github.com/josefeneto/fiscalia/internal/ingestion"
	"github.com/josefeneto/fiscalia/internal/logger"
)

// One-shot pipeline pass over the inbox, for cron jobs and manual runs.
func main() {
	// .env is optional in deployed environments
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		os.Stderr.WriteString("configuration error: " + err.Error() + "\n")
		os.Exit(1)
	}

	// An optional positional argument overrides the configured inbox.
	if len(os.Args) > 1 {
		cfg.InboxDir = os.Args[1]
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

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.ProcessingTimeout)*time.Second)
	defer cancel()

	start := time.Now()
	summary, err := pipeline.Execute(ctx)
	if err != nil {
		log.Fatal("pipeline pass failed", "error", err)
	}

	log.Info("done",
		"scanned", summary.Scanned,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed,
		"elapsed", time.Since(start).String(),
	)
}
