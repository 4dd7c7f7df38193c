package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultClaudeURL       = "https://api.anthropic.com"
	defaultClaudeModel     = "claude-sonnet-4-20250514"
	defaultClaudeMaxTokens = 2048
	anthropicVersion       = "2023-06-01"
)

// ClaudeConfig configures the Anthropic vision backend
type ClaudeConfig struct {
	APIKey    string
	BaseURL   string
	Model     string
	MaxTokens int
	Retry     RetryOptions
}

// Claude implements the Backend interface using the Anthropic Messages API
type Claude struct {
	cfg    ClaudeConfig
	client *http.Client
}

// NewClaude creates a new Claude backend instance
func NewClaude(cfg ClaudeConfig) (*Claude, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("anthropic api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultClaudeURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultClaudeModel
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaultClaudeMaxTokens
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryOptions()
	}
	return &Claude{cfg: cfg, client: newHTTPClient()}, nil
}

type claudeImageSource struct {
	Type      string `json:"type"`
	MediaType string `json:"media_type"`
	Data      string `json:"data"`
}

type claudeContent struct {
	Type   string             `json:"type"`
	Text   string             `json:"text,omitempty"`
	Source *claudeImageSource `json:"source,omitempty"`
}

type claudeMessage struct {
	Role    string          `json:"role"`
	Content []claudeContent `json:"content"`
}

type claudeRequest struct {
	Model       string          `json:"model"`
	MaxTokens   int             `json:"max_tokens"`
	Temperature float64         `json:"temperature"`
	System      string          `json:"system,omitempty"`
	Messages    []claudeMessage `json:"messages"`
}

type claudeResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
}

// Name returns the backend name
func (c *Claude) Name() string { return "claude" }

// Analyze sends the receipt image to Claude and decodes the structured answer
func (c *Claude) Analyze(ctx context.Context, img Image) (Outcome, error) {
	pngData, err := prepareImageData(img)
	if err != nil {
		return nil, fail(c.Name(), Permanent, err)
	}

	reqBody := claudeRequest{
		Model:       c.cfg.Model,
		MaxTokens:   c.cfg.MaxTokens,
		Temperature: 0,
		System:      receiptSystemPrompt,
		Messages: []claudeMessage{{
			Role: "user",
			Content: []claudeContent{
				{
					Type: "image",
					Source: &claudeImageSource{
						Type:      "base64",
						MediaType: "image/png",
						Data:      base64.StdEncoding.EncodeToString(pngData),
					},
				},
				{Type: "text", Text: receiptScanPrompt},
			},
		}},
	}
	headers := map[string]string{
		"x-api-key":         c.cfg.APIKey,
		"anthropic-version": anthropicVersion,
	}
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/v1/messages"

	rid := uuid.NewString()
	start := time.Now()
	slog.Debug("scanning.claude.start", "req_id", rid, "model", c.cfg.Model, "image_bytes", len(pngData))

	var raw []byte
	err = WithRetry(ctx, c.Name(), c.cfg.Retry, func() error {
		var callErr error
		raw, callErr = postJSON(ctx, c.client, url, headers, reqBody)
		return callErr
	})
	if err != nil {
		slog.Error("scanning.claude.http_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fail(c.Name(), classifyErr(err), err)
	}

	var resp claudeResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fail(c.Name(), Permanent, fmt.Errorf("decoding response: %w", err))
	}

	var text strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, fail(c.Name(), Permanent, fmt.Errorf("no text in claude response (stop_reason %q)", resp.StopReason))
	}

	draft, err := decodeStructured(text.String())
	if err != nil {
		return nil, fail(c.Name(), Permanent, fmt.Errorf("parsing receipt data: %w", err))
	}

	slog.Debug("scanning.claude.ok", "req_id", rid, "items", len(draft.Items), "elapsed_ms", time.Since(start).Milliseconds())
	return Structured{Draft: draft}, nil
}

// Close is a no-op for the HTTP client
func (c *Claude) Close() error {
	return nil
}
