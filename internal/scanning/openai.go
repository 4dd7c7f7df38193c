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

// OpenAIConfig configures the OpenAI vision backend
type OpenAIConfig struct {
	APIKey    string
	BaseURL   string // default https://api.openai.com/v1
	Model     string // default gpt-4o
	MaxTokens int
	Retry     RetryOptions
}

// OpenAI implements the Backend interface using chat/completions with an image part
type OpenAI struct {
	cfg    OpenAIConfig
	client *http.Client
}

// NewOpenAI creates a new OpenAI backend instance
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o"
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryOptions()
	}
	return &OpenAI{cfg: cfg, client: newHTTPClient()}, nil
}

// Name returns the backend name
func (o *OpenAI) Name() string { return "openai" }

// Analyze sends the receipt image to OpenAI and decodes the structured answer
func (o *OpenAI) Analyze(ctx context.Context, img Image) (Outcome, error) {
	pngData, err := prepareImageData(img)
	if err != nil {
		return nil, fail(o.Name(), Permanent, err)
	}

	body := map[string]any{
		"model":           o.cfg.Model,
		"temperature":     0,
		"max_tokens":      o.cfg.MaxTokens,
		"response_format": map[string]any{"type": "json_object"},
		"messages": []map[string]any{
			{"role": "system", "content": receiptSystemPrompt},
			{"role": "user", "content": []map[string]any{
				{"type": "text", "text": receiptScanPrompt},
				{"type": "image_url", "image_url": map[string]any{
					"url": "data:image/png;base64," + base64.StdEncoding.EncodeToString(pngData),
				}},
			}},
		},
	}
	headers := map[string]string{"Authorization": "Bearer " + o.cfg.APIKey}
	endpoint := strings.TrimRight(o.cfg.BaseURL, "/") + "/chat/completions"

	rid := uuid.NewString()
	start := time.Now()

	var raw []byte
	err = WithRetry(ctx, o.Name(), o.cfg.Retry, func() error {
		var callErr error
		raw, callErr = postJSON(ctx, o.client, endpoint, headers, body)
		return callErr
	})
	if err != nil {
		slog.Error("scanning.openai.http_error", "req_id", rid, "error", err, "elapsed_ms", time.Since(start).Milliseconds())
		return nil, fail(o.Name(), classifyErr(err), err)
	}

	var cc struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &cc); err != nil {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("decode openai response: %w", err))
	}
	if len(cc.Choices) == 0 {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("no choices in openai response"))
	}

	draft, err := decodeStructured(cc.Choices[0].Message.Content)
	if err != nil {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("parsing receipt data: %w", err))
	}

	slog.Debug("scanning.openai.ok", "req_id", rid, "items", len(draft.Items), "elapsed_ms", time.Since(start).Milliseconds())
	return Structured{Draft: draft}, nil
}

// Close is a no-op for the HTTP client
func (o *OpenAI) Close() error {
	return nil
}
