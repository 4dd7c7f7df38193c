package pipeline

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/zombor/receipt-intel/internal/scanning"
)

// Backend names accepted in ChainConfig.Order
const (
	BackendClaude    = "claude"
	BackendGemini    = "gemini"
	BackendOpenAI    = "openai"
	BackendOllama    = "ollama"
	BackendDocIntel  = "docintel"
	BackendOCRSpace  = "ocrspace"
	BackendTesseract = "tesseract"
)

// DefaultOrder puts the contextual backends before plain OCR
var DefaultOrder = []string{BackendClaude, BackendGemini, BackendOpenAI, BackendDocIntel, BackendOllama, BackendOCRSpace, BackendTesseract}

// ChainConfig is the explicit provider configuration for BuildChain
type ChainConfig struct {
	// Order lists backend names; empty means DefaultOrder
	Order []string
	// Timeout applies to every link; zero means DefaultTimeout
	Timeout time.Duration

	Claude      scanning.ClaudeConfig
	GeminiKey   string
	GeminiModel string
	OpenAI      scanning.OpenAIConfig
	OllamaURL   string
	OllamaModel string
	DocIntel    scanning.DocIntelConfig
	OCRSpace    scanning.OCRSpaceConfig
	// OCRSpaceEnabled opts in to OCR.space; without a key it uses the public demo key
	OCRSpaceEnabled bool
	Tesseract       scanning.TesseractConfig
	// TesseractEnabled opts in to the local tesseract binary
	TesseractEnabled bool
}

// BuildChain creates the backends named in cfg.Order. Backends whose
// credentials are missing are skipped with a warning; unknown or repeated
// names are an error.
func BuildChain(cfg ChainConfig) ([]Link, error) {
	order := cfg.Order
	if len(order) == 0 {
		order = DefaultOrder
	}

	seen := make(map[string]bool, len(order))
	var links []Link
	for _, raw := range order {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if seen[name] {
			closeLinks(links)
			return nil, fmt.Errorf("backend %q listed twice", name)
		}
		seen[name] = true

		backend, err := newBackend(name, cfg)
		if err != nil {
			closeLinks(links)
			return nil, fmt.Errorf("creating %s backend: %w", name, err)
		}
		if backend == nil {
			slog.Warn("Skipping unconfigured backend", "backend", name)
			continue
		}
		slog.Info("Backend enabled", "backend", name, "position", len(links)+1)
		links = append(links, Link{Backend: backend, Timeout: cfg.Timeout})
	}
	return links, nil
}

// newBackend returns a nil backend when name is known but not configured
func newBackend(name string, cfg ChainConfig) (scanning.Backend, error) {
	switch name {
	case BackendClaude:
		if cfg.Claude.APIKey == "" {
			return nil, nil
		}
		return scanning.NewClaude(cfg.Claude)
	case BackendGemini:
		if cfg.GeminiKey == "" {
			return nil, nil
		}
		return scanning.NewGemini(cfg.GeminiKey, cfg.GeminiModel)
	case BackendOpenAI:
		if cfg.OpenAI.APIKey == "" {
			return nil, nil
		}
		return scanning.NewOpenAI(cfg.OpenAI)
	case BackendOllama:
		if cfg.OllamaURL == "" {
			return nil, nil
		}
		return scanning.NewOllama(cfg.OllamaURL, cfg.OllamaModel)
	case BackendDocIntel:
		if cfg.DocIntel.Endpoint == "" || cfg.DocIntel.APIKey == "" {
			return nil, nil
		}
		return scanning.NewDocIntel(cfg.DocIntel)
	case BackendOCRSpace:
		if !cfg.OCRSpaceEnabled && cfg.OCRSpace.APIKey == "" {
			return nil, nil
		}
		return scanning.NewOCRSpace(cfg.OCRSpace)
	case BackendTesseract:
		if !cfg.TesseractEnabled {
			return nil, nil
		}
		return scanning.NewTesseract(cfg.Tesseract)
	}
	return nil, fmt.Errorf("unknown backend %q", name)
}

func closeLinks(links []Link) {
	for _, l := range links {
		_ = l.Backend.Close()
	}
}
