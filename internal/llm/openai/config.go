package openai

import "time"

// Config wires the OpenAI-compatible chat-completions endpoint.
type Config struct {
	BaseURL     string // default https://api.openai.com/v1
	Model       string // default gpt-4o-mini
	APIKey      string
	Temperature float32
	Timeout     time.Duration // fixed per-call timeout; a hang becomes a retryable failure
}

func (c Config) withDefaults() Config {
	if c.BaseURL == "" {
		c.BaseURL = "https://api.openai.com/v1"
	}
	if c.Model == "" {
		c.Model = "gpt-4o-mini"
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	return c
}
