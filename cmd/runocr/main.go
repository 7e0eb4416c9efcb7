package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"time"

	"github.com/ordoscan/ordoscan/internal/common"
	"github.com/ordoscan/ordoscan/internal/entity"
	"github.com/ordoscan/ordoscan/internal/ocr"
	"github.com/ordoscan/ordoscan/internal/parse"
)

// runocr recognizes one prescription image and prints the extraction result
// as JSON, without touching the database or the queue. Useful for tuning
// language packs and checking what the parser sees.
func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if len(os.Args) < 2 {
		logger.Error("usage", "cmd", "runocr <image-path> [lang ...]")
		os.Exit(2)
	}
	imagePath := os.Args[1]
	langHints := os.Args[2:]

	cfg := common.LoadConfig()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

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

	start := time.Now()
	res, err := engine.Recognize(ctx, imagePath, langHints)
	if err != nil {
		logger.Error("recognition failed", "path", imagePath, "error", err)
		os.Exit(1)
	}
	structured := parse.Extract(res.Text)

	out := struct {
		Text       string                      `json:"text"`
		Confidence float32                     `json:"confidence"`
		Language   string                      `json:"language"`
		Warnings   []string                    `json:"warnings,omitempty"`
		Structured entity.StructuredExtraction `json:"structured"`
	}{
		Text:       res.Text,
		Confidence: res.Confidence,
		Language:   res.Language,
		Warnings:   res.Warnings,
		Structured: structured,
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		logger.Error("encode output", "error", err)
		os.Exit(1)
	}

	logger.Info("recognition OK",
		"path", imagePath,
		"confidence", res.Confidence,
		"language", res.Language,
		"medications", len(structured.Medications),
		"duration_ms", time.Since(start).Milliseconds(),
	)
}
