package scanning

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Ollama implements the Backend interface using a local Ollama server
type Ollama struct {
	baseURL string
	model   string
	client  *http.Client
	retry   RetryOptions
}

// NewOllama creates a new Ollama backend instance
// Recommended vision models for receipts:
//   - llava:1.6 (best balance of accuracy and speed)
//   - qwen2-vl:7b (good OCR capabilities)
//   - llava-phi3 (smaller, faster, but less accurate)
func NewOllama(baseURL string, modelName string) (*Ollama, error) {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if modelName == "" {
		modelName = "llava"
	}

	return &Ollama{
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   modelName,
		client:  newHTTPClient(),
		retry:   RetryOptions{MaxAttempts: 1},
	}, nil
}

type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Format   string          `json:"format,omitempty"`
	Options  map[string]any  `json:"options,omitempty"`
}

type ollamaMessage struct {
	Role    string   `json:"role"`
	Content string   `json:"content"`
	Images  []string `json:"images,omitempty"`
}

type ollamaChatResponse struct {
	Message ollamaMessage `json:"message"`
	Done    bool          `json:"done"`
}

// Name returns the backend name
func (o *Ollama) Name() string { return "ollama" }

// Analyze sends the receipt image to the Ollama chat API
func (o *Ollama) Analyze(ctx context.Context, img Image) (Outcome, error) {
	pngData, err := prepareImageData(img)
	if err != nil {
		return nil, fail(o.Name(), Permanent, err)
	}

	reqBody := ollamaChatRequest{
		Model:  o.model,
		Stream: false,
		Format: "json",
		Options: map[string]any{
			"temperature": 0,
		},
		Messages: []ollamaMessage{
			{Role: "system", Content: receiptSystemPrompt},
			{
				Role:    "user",
				Content: receiptScanPrompt,
				Images:  []string{base64.StdEncoding.EncodeToString(pngData)},
			},
		},
	}

	var raw []byte
	err = WithRetry(ctx, o.Name(), o.retry, func() error {
		var callErr error
		raw, callErr = postJSON(ctx, o.client, fmt.Sprintf("%s/api/chat", o.baseURL), nil, reqBody)
		return callErr
	})
	if err != nil {
		return nil, fail(o.Name(), classifyErr(err), fmt.Errorf("calling ollama API: %w", err))
	}

	var chatResp ollamaChatResponse
	if err := json.Unmarshal(raw, &chatResp); err != nil {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("decoding response: %w", err))
	}

	draft, err := decodeStructured(chatResp.Message.Content)
	if err != nil {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("parsing receipt data: %w", err))
	}
	return Structured{Draft: draft}, nil
}

// Close closes the Ollama client (no-op for HTTP client)
func (o *Ollama) Close() error {
	return nil
}
