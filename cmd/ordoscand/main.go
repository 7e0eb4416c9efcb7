package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/llm"
	"github.com/ordoscan/ordoscan/internal/llm/openai"
	"github.com/ordoscan/ordoscan/internal/notify"
	"github.com/ordoscan/ordoscan/internal/ocr"
	"github.com/ordoscan/ordoscan/internal/pipeline"
	"github.com/ordoscan/ordoscan/internal/queue"
	"github.com/ordoscan/ordoscan/internal/repository"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg := common.LoadConfig()
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid configuration", "error", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := repository.Open(ctx, repository.Config{
		DSN:             cfg.Database.DSN,
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: cfg.Database.MaxConnIdleTime,
		DialTimeout:     cfg.Database.DialTimeout,
	}, logger)
	if err != nil {
		logger.Error("opening database", "error", err)
		os.Exit(1)
	}
	defer repository.Close(pool, logger)

	if err := repository.HealthCheck(ctx, pool, 3*time.Second, logger); err != nil {
		logger.Error("database health check failed", "error", err)
		os.Exit(1)
	}
	if err := repository.Migrate(ctx, pool, logger); err != nil {
		os.Exit(1)
	}

	repo := repository.NewPrescriptionRepository(pool, logger)

	q, err := queue.Open(queue.Config{
		Path:         cfg.Queue.Path,
		PollInterval: cfg.Queue.PollInterval,
		MaxAttempts:  cfg.Queue.MaxAttempts,
		MaxDelay:     cfg.Queue.MaxBackoff,
	}, logger)
	if err != nil {
		logger.Error("opening job queue", "error", err)
		os.Exit(1)
	}

	engine := ocr.NewEngine(ocr.Config{
		Tesseract:          cfg.OCR.Tesseract,
		TessdataDir:        cfg.OCR.TessdataDir,
		SupportedLanguages: cfg.OCR.SupportedLanguages,
		DefaultLanguage:    cfg.OCR.DefaultLanguage,
		PSM:                cfg.OCR.PSM,
	}, logger)
	defer func() {
		if err := engine.Close(); err != nil {
			logger.Warn("closing ocr engine", "error", err)
		}
	}()

	completer := openai.NewClient(openai.Config{
		BaseURL:     cfg.LLM.BaseURL,
		Model:       cfg.LLM.Model,
		APIKey:      cfg.LLM.APIKey,
		Temperature: cfg.LLM.Temperature,
		Timeout:     cfg.LLM.Timeout,
	}, logger)
	analyzer := llm.NewAnalyzer(completer, logger)

	var notifier notify.Notifier
	if cfg.Notify.WebhookURL != "" {
		notifier = notify.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.Timeout, logger)
	} else {
		logger.Warn("no notification webhook configured, status updates go to the log")
		notifier = notify.NewLogNotifier(logger)
	}

	extraction := pipeline.NewExtractionStage(repo, engine, q, cfg.OCR.MinConfidence, cfg.OCR.CallTimeout, logger)
	analysis := pipeline.NewAnalysisStage(repo, analyzer, q, logger)
	coordinator := pipeline.NewCoordinator(cfg.Queue, q, repo, extraction, analysis, notifier, logger)
	coordinator.Start()

	logger.Info("ordoscand running", "queue_path", cfg.Queue.Path)
	<-ctx.Done()

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	q.Shutdown(shutdownCtx)
	logger.Info("stopped")
}
