package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zombor/receipt-intel/internal/category"
)

// DocIntelConfig configures the Azure Document Intelligence backend
type DocIntelConfig struct {
	Endpoint     string
	APIKey       string
	APIVersion   string        // default 2024-11-30
	Model        string        // default prebuilt-receipt
	PollInterval time.Duration // default 2s
	MaxPolls     int           // default 30
}

// DocIntel implements the Backend interface using Azure Document Intelligence's receipt model
type DocIntel struct {
	cfg    DocIntelConfig
	client *http.Client

	requestsTotal   metric.Int64Counter
	requestErrors   metric.Int64Counter
	requestDuration metric.Float64Histogram
	confidence      metric.Float64Histogram
}

// NewDocIntel creates a new Document Intelligence backend instance
func NewDocIntel(cfg DocIntelConfig) (*DocIntel, error) {
	if cfg.Endpoint == "" || cfg.APIKey == "" {
		return nil, fmt.Errorf("document intelligence endpoint and api key are required")
	}
	cfg.Endpoint = strings.TrimRight(cfg.Endpoint, "/")
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-11-30"
	}
	if cfg.Model == "" {
		cfg.Model = "prebuilt-receipt"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MaxPolls <= 0 {
		cfg.MaxPolls = 30
	}

	meter := otel.Meter("receipt_intel/scanning/docintel")
	requestsTotal, _ := meter.Int64Counter(
		"docintel_analyze_requests_total",
		metric.WithDescription("Total number of document analysis requests"),
		metric.WithUnit("1"),
	)
	requestErrors, _ := meter.Int64Counter(
		"docintel_analyze_errors_total",
		metric.WithDescription("Total number of document analysis errors"),
		metric.WithUnit("1"),
	)
	requestDuration, _ := meter.Float64Histogram(
		"docintel_analyze_duration_seconds",
		metric.WithDescription("Duration of document analysis requests"),
		metric.WithUnit("s"),
	)
	confidence, _ := meter.Float64Histogram(
		"docintel_confidence_score",
		metric.WithDescription("Document confidence reported by the receipt model"),
		metric.WithUnit("1"),
	)

	return &DocIntel{
		cfg:             cfg,
		client:          newHTTPClient(),
		requestsTotal:   requestsTotal,
		requestErrors:   requestErrors,
		requestDuration: requestDuration,
		confidence:      confidence,
	}, nil
}

type diResponse struct {
	Status        string `json:"status"`
	AnalyzeResult *struct {
		Documents []struct {
			Fields     map[string]diField `json:"fields"`
			Confidence float64            `json:"confidence"`
		} `json:"documents"`
	} `json:"analyzeResult,omitempty"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type diField struct {
	Type          string             `json:"type"`
	ValueString   *string            `json:"valueString,omitempty"`
	ValueNumber   *float64           `json:"valueNumber,omitempty"`
	ValueDate     string             `json:"valueDate,omitempty"`
	ValueArray    []diField          `json:"valueArray,omitempty"`
	ValueObject   map[string]diField `json:"valueObject,omitempty"`
	ValueCurrency *struct {
		Amount float64 `json:"amount"`
	} `json:"valueCurrency,omitempty"`
	Content string `json:"content"`
}

func (f diField) text() string {
	if f.ValueString != nil {
		return strings.TrimSpace(*f.ValueString)
	}
	return strings.TrimSpace(f.Content)
}

func (f diField) amount() decimal.NullDecimal {
	switch {
	case f.ValueCurrency != nil:
		return decimal.NewNullDecimal(decimal.NewFromFloat(f.ValueCurrency.Amount))
	case f.ValueNumber != nil:
		return decimal.NewNullDecimal(decimal.NewFromFloat(*f.ValueNumber))
	case f.Content != "":
		if d, ok := parseAmount(f.Content); ok {
			return decimal.NewNullDecimal(d)
		}
	}
	return decimal.NullDecimal{}
}

// Name returns the backend name
func (d *DocIntel) Name() string { return "docintel" }

// Analyze submits the image, polls the operation and maps the receipt fields onto a Draft
func (d *DocIntel) Analyze(ctx context.Context, img Image) (Outcome, error) {
	start := time.Now()
	attrs := metric.WithAttributes(attribute.String("model", d.cfg.Model))
	d.requestsTotal.Add(ctx, 1, attrs)

	draft, confidence, stage, err := d.analyze(ctx, img)
	d.requestDuration.Record(ctx, time.Since(start).Seconds(), attrs)
	if err != nil {
		d.requestErrors.Add(ctx, 1, metric.WithAttributes(
			attribute.String("model", d.cfg.Model),
			attribute.String("error_stage", stage),
		))
		slog.Error("Document analysis failed", "stage", stage, "error", err)
		return nil, err
	}
	d.confidence.Record(ctx, confidence, attrs)
	return Structured{Draft: draft}, nil
}

func (d *DocIntel) analyze(ctx context.Context, img Image) (Draft, float64, string, error) {
	pngData, err := prepareImageData(img)
	if err != nil {
		return Draft{}, 0, "prepare", fail(d.Name(), Permanent, err)
	}

	operation, err := d.startAnalysis(ctx, pngData)
	if err != nil {
		return Draft{}, 0, "start_analysis", fail(d.Name(), classifyErr(err), err)
	}

	result, err := d.pollForResults(ctx, operation)
	if err != nil {
		return Draft{}, 0, "poll_results", fail(d.Name(), classifyErr(err), err)
	}

	if result.AnalyzeResult == nil || len(result.AnalyzeResult.Documents) == 0 {
		return Draft{}, 0, "parse_response", fail(d.Name(), Permanent, fmt.Errorf("no documents found in response"))
	}
	doc := result.AnalyzeResult.Documents[0]
	return draftFromFields(doc.Fields), doc.Confidence, "", nil
}

func (d *DocIntel) startAnalysis(ctx context.Context, data []byte) (string, error) {
	url := fmt.Sprintf("%s/documentintelligence/documentModels/%s:analyze?api-version=%s",
		d.cfg.Endpoint, d.cfg.Model, d.cfg.APIVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "image/png")
	req.Header.Set("Ocp-Apim-Subscription-Key", d.cfg.APIKey)

	resp, err := d.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("sending analyze request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(resp.Body)
		return "", &statusError{Code: resp.StatusCode, Body: truncate(buf.String(), maxErrorBody)}
	}

	operation := resp.Header.Get("Operation-Location")
	if operation == "" {
		return "", fmt.Errorf("operation-location header not found in response")
	}
	return operation, nil
}

func (d *DocIntel) pollForResults(ctx context.Context, operation string) (*diResponse, error) {
	for attempt := 0; attempt < d.cfg.MaxPolls; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, operation, nil)
		if err != nil {
			return nil, fmt.Errorf("creating status request: %w", err)
		}
		req.Header.Set("Ocp-Apim-Subscription-Key", d.cfg.APIKey)

		body, err := do(d.client, req)
		if err != nil {
			return nil, err
		}

		var result diResponse
		if err := json.Unmarshal(body, &result); err != nil {
			return nil, fmt.Errorf("decoding status response: %w", err)
		}
		if result.Error != nil {
			return nil, fmt.Errorf("document intelligence error: %s - %s", result.Error.Code, result.Error.Message)
		}

		switch result.Status {
		case "succeeded":
			return &result, nil
		case "failed":
			return nil, fmt.Errorf("document analysis failed")
		case "running", "notStarted":
		default:
			return nil, fmt.Errorf("unexpected status: %s", result.Status)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(d.cfg.PollInterval):
		}
	}
	return nil, &statusError{Code: http.StatusRequestTimeout, Body: "polling limit exceeded"}
}

func draftFromFields(fields map[string]diField) Draft {
	var draft Draft
	if f, ok := fields["MerchantName"]; ok {
		draft.StoreName = f.text()
	}
	if f, ok := fields["TransactionDate"]; ok {
		if f.ValueDate != "" {
			draft.PurchaseDate = parseDate(f.ValueDate)
		} else {
			draft.PurchaseDate = parseDate(f.Content)
		}
	}
	if f, ok := fields["Total"]; ok {
		draft.TotalAmount = f.amount()
	}

	if f, ok := fields["Items"]; ok {
		for _, entry := range f.ValueArray {
			obj := entry.ValueObject
			name := obj["Description"].text()
			total := obj["TotalPrice"].amount()
			if name == "" || !total.Valid {
				continue
			}

			item := Item{
				ProductName: name,
				Category:    category.Classify(name),
				Quantity:    decimal.NewFromInt(1),
				UnitPrice:   obj["Price"].amount(),
				TotalPrice:  total.Decimal,
			}
			if q := obj["Quantity"].amount(); q.Valid && q.Decimal.IsPositive() {
				item.Quantity = q.Decimal
			}
			draft.Items = append(draft.Items, item)
		}
	}
	return draft
}

// Close is a no-op for the HTTP client
func (d *DocIntel) Close() error {
	return nil
}
