package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ordoscan/ordoscan/internal/llm"
)

// Client implements llm.Completer against a chat/completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	log        *slog.Logger
}

func NewClient(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	cfg = cfg.withDefaults()
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		log:        logger,
	}
}

var _ llm.Completer = (*Client)(nil)

// Complete sends the messages and returns the first choice's content.
// The JSON response format is requested but never trusted by callers.
func (c *Client) Complete(ctx context.Context, msgs []llm.Message) (string, error) {
	start := time.Now()

	body := map[string]any{
		"model":           c.cfg.Model,
		"temperature":     c.cfg.Temperature,
		"response_format": map[string]any{"type": "json_object"},
		"messages":        msgs,
	}

	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	raw, err := c.post(ctx, endpoint, body)
	if err != nil {
		c.log.Error("llm.http_error", "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return "", err
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		c.log.Error("llm.decode_error", "error", err, "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds())
		return "", fmt.Errorf("decode completion response: %w", err)
	}
	if len(cc.Choices) == 0 {
		c.log.Error("llm.no_choices", "raw_bytes", len(raw),
			"elapsed_ms", time.Since(start).Milliseconds())
		return "", fmt.Errorf("no choices in completion response")
	}

	c.log.Info("llm.complete_ok",
		"model", c.cfg.Model,
		"content_len", len(cc.Choices[0].Message.Content),
		"elapsed_ms", time.Since(start).Milliseconds())
	return cc.Choices[0].Message.Content, nil
}

func (c *Client) post(ctx context.Context, url string, body map[string]any) ([]byte, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("completion http error: %w", err)
	}
	defer func(Body io.ReadCloser) {
		if err := Body.Close(); err != nil {
			c.log.Warn("completion response body close error", "error", err)
		}
	}(resp.Body)

	raw, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("completion status %d: %s", resp.StatusCode, truncate(string(raw), 2048))
	}
	return raw, nil
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "...(truncated)"
}
