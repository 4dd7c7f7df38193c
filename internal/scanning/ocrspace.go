package scanning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"strings"
)

const (
	defaultOCRSpaceURL = "https://api.ocr.space/parse/image"
	// ocrSpaceFreeKey is the public demo key; it is heavily rate limited
	ocrSpaceFreeKey = "helloworld"
)

// OCRSpaceConfig configures the OCR.space backend
type OCRSpaceConfig struct {
	APIKey   string
	URL      string
	Language string // default "spa"
	Engine   int    // default 2
	Retry    RetryOptions
}

// OCRSpace implements the Backend interface using the OCR.space parse API.
// It produces RawText.
type OCRSpace struct {
	cfg    OCRSpaceConfig
	client *http.Client
}

// NewOCRSpace creates a new OCR.space backend instance
func NewOCRSpace(cfg OCRSpaceConfig) (*OCRSpace, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = ocrSpaceFreeKey
	}
	if cfg.URL == "" {
		cfg.URL = defaultOCRSpaceURL
	}
	if cfg.Language == "" {
		cfg.Language = "spa"
	}
	if cfg.Engine <= 0 {
		cfg.Engine = 2
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry = DefaultRetryOptions()
	}
	return &OCRSpace{cfg: cfg, client: newHTTPClient()}, nil
}

type ocrSpaceResponse struct {
	ParsedResults []struct {
		ParsedText string `json:"ParsedText"`
	} `json:"ParsedResults"`
	IsErroredOnProcessing bool            `json:"IsErroredOnProcessing"`
	ErrorMessage          json.RawMessage `json:"ErrorMessage"`
}

// errorText flattens ErrorMessage, which the API sends as either a string or a list
func (r ocrSpaceResponse) errorText() string {
	var list []string
	if err := json.Unmarshal(r.ErrorMessage, &list); err == nil && len(list) > 0 {
		return strings.Join(list, "; ")
	}
	var single string
	if err := json.Unmarshal(r.ErrorMessage, &single); err == nil && single != "" {
		return single
	}
	return "unknown error"
}

// Name returns the backend name
func (o *OCRSpace) Name() string { return "ocrspace" }

// Analyze uploads the image and returns the recognized lines
func (o *OCRSpace) Analyze(ctx context.Context, img Image) (Outcome, error) {
	pngData, err := prepareImageData(img)
	if err != nil {
		return nil, fail(o.Name(), Permanent, err)
	}

	var raw []byte
	err = WithRetry(ctx, o.Name(), o.cfg.Retry, func() error {
		req, buildErr := o.newRequest(ctx, pngData)
		if buildErr != nil {
			return fail(o.Name(), Permanent, buildErr)
		}
		var callErr error
		raw, callErr = do(o.client, req)
		return callErr
	})
	if err != nil {
		return nil, fail(o.Name(), classifyErr(err), err)
	}

	var resp ocrSpaceResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("decoding response: %w", err))
	}
	if resp.IsErroredOnProcessing {
		msg := resp.errorText()
		kind := Permanent
		if strings.Contains(strings.ToLower(msg), "api key") {
			kind = Authentication
		}
		return nil, fail(o.Name(), kind, fmt.Errorf("ocr.space error: %s", msg))
	}
	if len(resp.ParsedResults) == 0 {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("no text detected in image"))
	}

	var lines []Line
	for _, result := range resp.ParsedResults {
		for _, text := range strings.Split(result.ParsedText, "\n") {
			text = strings.TrimSpace(text)
			if text == "" {
				continue
			}
			// the API reports no per-line confidence
			lines = append(lines, Line{Text: text, Confidence: 1.0})
		}
	}
	if len(lines) == 0 {
		return nil, fail(o.Name(), Permanent, fmt.Errorf("no text extracted from image"))
	}
	return RawText{Lines: lines}, nil
}

func (o *OCRSpace) newRequest(ctx context.Context, data []byte) (*http.Request, error) {
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	fields := map[string]string{
		"apikey":            o.cfg.APIKey,
		"language":          o.cfg.Language,
		"isOverlayRequired": "false",
		"detectOrientation": "true",
		"scale":             "true",
		"OCREngine":         fmt.Sprintf("%d", o.cfg.Engine),
		"filetype":          "PNG",
	}
	for k, v := range fields {
		if err := w.WriteField(k, v); err != nil {
			return nil, fmt.Errorf("writing field %s: %w", k, err)
		}
	}
	part, err := w.CreateFormFile("file", "receipt.png")
	if err != nil {
		return nil, fmt.Errorf("creating file part: %w", err)
	}
	if _, err := part.Write(data); err != nil {
		return nil, fmt.Errorf("writing file part: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("closing multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.cfg.URL, &body)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", w.FormDataContentType())
	return req, nil
}

// Close is a no-op for the HTTP client
func (o *OCRSpace) Close() error {
	return nil
}
