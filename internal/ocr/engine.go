package ocr

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures the recognition engine.
type Config struct {
	Tesseract          string   // binary name or absolute path; if empty -> "tesseract"
	TessdataDir        string
	SupportedLanguages []string // traineddata available on this host
	DefaultLanguage    string   // fallback when hints don't intersect, default "fra"
	PSM                int      // e.g. 6 for a uniform block of text
}

// Result is one recognition outcome.
type Result struct {
	Text       string
	Confidence float32 // 0..100
	Language   string
	Warnings   []string
	Duration   time.Duration
}

// Engine owns the Tesseract invocation. It is expensive to set up relative to
// a single job (binary probe, scratch dir) so it is initialized once, lazily,
// and reused for the life of the worker process. Recognition calls are
// serialized; run one Engine per worker if more parallelism is needed.
type Engine struct {
	cfg    Config
	runner Runner
	logger *slog.Logger

	initOnce sync.Once
	initErr  error
	workDir  string

	mu     sync.Mutex
	closed bool
}

func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tesseract == "" {
		cfg.Tesseract = "tesseract"
	}
	if cfg.DefaultLanguage == "" {
		cfg.DefaultLanguage = "fra"
	}
	if len(cfg.SupportedLanguages) == 0 {
		cfg.SupportedLanguages = []string{cfg.DefaultLanguage}
	}
	return &Engine{cfg: cfg, runner: execRunner{}, logger: logger}
}

// init probes the binary and creates the engine scratch dir. Runs at most once.
func (e *Engine) init(ctx context.Context) error {
	e.initOnce.Do(func() {
		if _, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, "--version"); err != nil {
			e.initErr = fmt.Errorf("tesseract not available: %w (%s)", err, truncate(string(errb), 512))
			return
		}
		dir, err := os.MkdirTemp("", "ordoscan-ocr-*")
		if err != nil {
			e.initErr = fmt.Errorf("create ocr scratch dir: %w", err)
			return
		}
		e.workDir = dir
		e.logger.Info("ocr.engine_ready", "tesseract", e.cfg.Tesseract, "work_dir", dir,
			"languages", strings.Join(e.cfg.SupportedLanguages, "+"))
	})
	return e.initErr
}

// Recognize runs OCR against the image at path. Language hints are intersected
// with the supported set; an empty intersection falls back to the default
// language (with a warning) rather than failing.
func (e *Engine) Recognize(ctx context.Context, path string, langHints []string) (Result, error) {
	start := time.Now()
	if err := e.init(ctx); err != nil {
		return Result{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return Result{}, fmt.Errorf("ocr engine is closed")
	}

	lang, warns := e.resolveLanguages(langHints)

	// Work on a private copy inside the scratch dir; removed on every exit path.
	workPath, cleanup, err := e.stageInput(path)
	if err != nil {
		return Result{Warnings: warns}, err
	}
	defer cleanup()

	text, runWarns, err := e.tesseract(ctx, workPath, lang)
	warns = append(warns, runWarns...)
	if err != nil {
		return Result{Language: lang, Warnings: warns}, err
	}
	text = normalizeText(text)

	tsvConf, tsvWarns := e.tsvConfidence(ctx, workPath, lang)
	warns = append(warns, tsvWarns...)
	conf := blendConfidence(tsvConf, heuristicConfidence(text))

	res := Result{
		Text:       text,
		Confidence: conf,
		Language:   lang,
		Warnings:   warns,
		Duration:   time.Since(start),
	}
	e.logger.Debug("ocr.recognized",
		"path", path, "lang", lang, "confidence", conf,
		"text_bytes", len(text), "elapsed_ms", res.Duration.Milliseconds())
	return res, nil
}

// Close purges the scratch dir. The engine cannot be reused afterwards.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return nil
	}
	e.closed = true
	if e.workDir != "" {
		if err := os.RemoveAll(e.workDir); err != nil {
			e.logger.Error("ocr.scratch_purge_failed", "dir", e.workDir, "error", err)
			return err
		}
	}
	e.logger.Info("ocr.engine_closed")
	return nil
}

// resolveLanguages intersects hints with the supported set, preserving hint
// order, joining with "+" for tesseract.
func (e *Engine) resolveLanguages(hints []string) (string, []string) {
	supported := make(map[string]struct{}, len(e.cfg.SupportedLanguages))
	for _, l := range e.cfg.SupportedLanguages {
		supported[strings.ToLower(strings.TrimSpace(l))] = struct{}{}
	}
	var picked []string
	for _, h := range hints {
		h = strings.ToLower(strings.TrimSpace(h))
		if _, ok := supported[h]; ok {
			picked = append(picked, h)
		}
	}
	if len(picked) == 0 {
		var warns []string
		if len(hints) > 0 {
			w := fmt.Sprintf("no supported language among hints %v, falling back to %s", hints, e.cfg.DefaultLanguage)
			e.logger.Warn("ocr.language_fallback", "hints", strings.Join(hints, ","), "fallback", e.cfg.DefaultLanguage)
			warns = append(warns, w)
		}
		return e.cfg.DefaultLanguage, warns
	}
	return strings.Join(picked, "+"), nil
}

func (e *Engine) stageInput(path string) (string, func(), error) {
	src, err := os.Open(path)
	if err != nil {
		return "", nil, fmt.Errorf("open image: %w", err)
	}
	defer src.Close()

	work := filepath.Join(e.workDir, uuid.New().String()+filepath.Ext(path))
	dst, err := os.Create(work)
	if err != nil {
		return "", nil, fmt.Errorf("stage image: %w", err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		_ = os.Remove(work)
		return "", nil, fmt.Errorf("stage image: %w", err)
	}
	if err := dst.Close(); err != nil {
		_ = os.Remove(work)
		return "", nil, fmt.Errorf("stage image: %w", err)
	}
	return work, func() { _ = os.Remove(work) }, nil
}

func (e *Engine) tesseract(ctx context.Context, path, lang string) (string, []string, error) {
	args := []string{path, "stdout", "-l", lang}
	if e.cfg.PSM > 0 {
		args = append(args, "--psm", fmt.Sprintf("%d", e.cfg.PSM))
	}
	if e.cfg.TessdataDir != "" {
		args = append(args, "--tessdata-dir", e.cfg.TessdataDir)
	}

	out, errb, err := e.runner.Run(ctx, e.cfg.Tesseract, args...)
	if err != nil {
		return "", []string{string(errb)}, fmt.Errorf("tesseract: %w", err)
	}
	return string(out), nil, nil
}

var reLineNoise = regexp.MustCompile(`[|_]{3,}`)

func normalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = reLineNoise.ReplaceAllString(s, "")
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := 0
	for _, ln := range lines {
		ln = strings.TrimRight(ln, " \t")
		if ln == "" {
			blank++
			if blank > 1 {
				continue
			}
		} else {
			blank = 0
		}
		out = append(out, ln)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}
