package scanning

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"
)

// Gemini implements the Backend interface using Google Gemini
type Gemini struct {
	client *genai.Client
	model  *genai.GenerativeModel
	retry  RetryOptions
}

// NewGemini creates a new Gemini backend instance
func NewGemini(apiKey string, modelName string) (*Gemini, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}
	if modelName == "" {
		modelName = "gemini-2.5-pro"
	}

	ctx := context.Background()
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	model := client.GenerativeModel(modelName)
	model.SetTemperature(0)

	return &Gemini{
		client: client,
		model:  model,
		retry:  DefaultRetryOptions(),
	}, nil
}

// Name returns the backend name
func (g *Gemini) Name() string { return "gemini" }

// Analyze sends the receipt image to Gemini and decodes the structured answer
func (g *Gemini) Analyze(ctx context.Context, img Image) (Outcome, error) {
	pngData, err := prepareImageData(img)
	if err != nil {
		return nil, fail(g.Name(), Permanent, err)
	}

	// genai.ImageData expects just the format suffix, not the MIME type
	parts := []genai.Part{
		genai.ImageData("png", pngData),
		genai.Text(receiptScanPrompt),
	}

	var resp *genai.GenerateContentResponse
	err = WithRetry(ctx, g.Name(), g.retry, func() error {
		var callErr error
		resp, callErr = g.model.GenerateContent(ctx, parts...)
		return callErr
	})
	if err != nil {
		return nil, fail(g.Name(), classifyErr(err), fmt.Errorf("generating content: %w", err))
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, fail(g.Name(), Permanent, fmt.Errorf("no response from gemini"))
	}

	var responseText strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			responseText.WriteString(string(text))
		}
	}

	draft, err := decodeStructured(responseText.String())
	if err != nil {
		return nil, fail(g.Name(), Permanent, fmt.Errorf("parsing receipt data: %w", err))
	}
	return Structured{Draft: draft}, nil
}

// Close closes the Gemini client
func (g *Gemini) Close() error {
	return g.client.Close()
}
