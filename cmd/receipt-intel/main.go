package main

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/peterbourgon/ff/v4"
	"github.com/peterbourgon/ff/v4/ffhelp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	otelprom "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"google.golang.org/grpc"

	"github.com/zombor/receipt-intel/internal/heuristic"
	"github.com/zombor/receipt-intel/internal/pipeline"
	"github.com/zombor/receipt-intel/internal/receipt"
	"github.com/zombor/receipt-intel/internal/scanning"
)

//go:embed VERSION.txt
var versionFile string

var version = strings.TrimSpace(versionFile)

const serviceName = "receipt-intel"

func main() {
	// Check for version flag before parsing other flags
	for _, arg := range os.Args[1:] {
		if arg == "--version" || arg == "-version" || arg == "-v" {
			fmt.Println(version)
			os.Exit(0)
		}
	}

	fs := ff.NewFlagSet(serviceName)
	var (
		addr         = fs.StringLong("addr", ":8080", "HTTP listen address")
		dbPath       = fs.StringLong("db", "receipt-intel.db", "Database file path")
		storagePath  = fs.StringLong("storage", "./receipts", "Storage directory path")
		authUsers    = fs.StringLong("auth-users", "", "Basic auth users as user:password pairs separated by commas (optional)")
		maxUploadMB  = fs.IntLong("max-upload-mb", 10, "Maximum upload size in megabytes")
		otlpEndpoint = fs.StringLong("otlp-endpoint", "", "OTLP gRPC endpoint for metrics (optional)")
		logLevel     = fs.StringLong("log-level", "info", "Log level: debug, info, warn or error")

		backends       = fs.StringLong("backends", strings.Join(pipeline.DefaultOrder, ","), "Fallback order of recognition backends")
		backendTimeout = fs.DurationLong("backend-timeout", pipeline.DefaultTimeout, "Deadline for a single backend attempt")
		minTolerance   = fs.StringLong("min-tolerance", "0.02", "Absolute floor for total reconciliation")
		relTolerance   = fs.StringLong("rel-tolerance", "0.01", "Fraction of the total allowed as discrepancy")
		storeConf      = fs.Float64Long("store-confidence", 0, "Confidence a recognized line needs to be taken as the store name (0 for default)")

		anthropicKey   = fs.StringLong("anthropic-key", "", "Anthropic API key")
		anthropicModel = fs.StringLong("anthropic-model", "", "Anthropic model name")
		geminiKey      = fs.StringLong("gemini-key", "", "Google Gemini API key")
		geminiModel    = fs.StringLong("gemini-model", "gemini-2.5-pro", "Google Gemini model name")
		openaiKey      = fs.StringLong("openai-key", "", "OpenAI API key")
		openaiURL      = fs.StringLong("openai-url", "", "OpenAI compatible base URL")
		openaiModel    = fs.StringLong("openai-model", "", "OpenAI model name")
		ollamaURL      = fs.StringLong("ollama-url", "", "Ollama API base URL (e.g. http://localhost:11434)")
		ollamaModel    = fs.StringLong("ollama-model", "llava", "Ollama model name (e.g., llava, llava-phi3, bakllava, qwen2-vl)")
		azureEndpoint  = fs.StringLong("azure-endpoint", "", "Azure Document Intelligence endpoint")
		azureKey       = fs.StringLong("azure-key", "", "Azure Document Intelligence key")
		ocrspaceKey    = fs.StringLong("ocrspace-key", "", "OCR.space API key")
		ocrspace       = fs.BoolLong("ocrspace", "Enable OCR.space even without a key")
		ocrLanguage    = fs.StringLong("ocr-language", "spa", "Language for plain OCR backends")
		tesseract      = fs.BoolLong("tesseract", "Enable the local tesseract binary")
		tesseractBin   = fs.StringLong("tesseract-bin", "tesseract", "Path to the tesseract binary")
		showVersion    = fs.BoolLong("version", "Show version information")
	)

	if err := ff.Parse(fs, os.Args[1:],
		ff.WithEnvVarPrefix("RECEIPT_INTEL"),
	); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", ffhelp.Flags(fs))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Check version flag after parsing
	if *showVersion {
		fmt.Println(version)
		os.Exit(0)
	}

	setupLogging(*logLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownMetrics, err := setupMetrics(ctx, *otlpEndpoint)
	if err != nil {
		slog.Error("Failed to initialize metrics", "error", err)
		os.Exit(1)
	}
	defer shutdownMetrics()

	users, err := parseUsers(*authUsers)
	if err != nil {
		slog.Error("Invalid auth users", "error", err)
		os.Exit(1)
	}

	validatorCfg, err := toleranceConfig(*minTolerance, *relTolerance)
	if err != nil {
		slog.Error("Invalid tolerance", "error", err)
		os.Exit(1)
	}

	// Initialize database
	slog.Info("Initializing database...", "path", *dbPath)
	db, err := receipt.NewBoltDB(*dbPath)
	if err != nil {
		slog.Error("Failed to initialize database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Initialize storage
	slog.Info("Initializing storage...", "path", *storagePath)
	store, err := receipt.NewLocalStorage(*storagePath)
	if err != nil {
		slog.Error("Failed to initialize storage", "error", err)
		os.Exit(1)
	}

	links, err := pipeline.BuildChain(pipeline.ChainConfig{
		Order:   strings.Split(*backends, ","),
		Timeout: *backendTimeout,
		Claude: scanning.ClaudeConfig{
			APIKey: *anthropicKey,
			Model:  *anthropicModel,
		},
		GeminiKey:   *geminiKey,
		GeminiModel: *geminiModel,
		OpenAI: scanning.OpenAIConfig{
			APIKey:  *openaiKey,
			BaseURL: *openaiURL,
			Model:   *openaiModel,
		},
		OllamaURL:   *ollamaURL,
		OllamaModel: *ollamaModel,
		DocIntel: scanning.DocIntelConfig{
			Endpoint: *azureEndpoint,
			APIKey:   *azureKey,
		},
		OCRSpace: scanning.OCRSpaceConfig{
			APIKey:   *ocrspaceKey,
			Language: *ocrLanguage,
		},
		OCRSpaceEnabled: *ocrspace,
		Tesseract: scanning.TesseractConfig{
			Binary:   *tesseractBin,
			Language: *ocrLanguage,
		},
		TesseractEnabled: *tesseract,
	})
	if err != nil {
		slog.Error("Failed to build backend chain", "error", err)
		os.Exit(1)
	}
	resolver := pipeline.New(links,
		pipeline.WithValidator(pipeline.NewValidator(validatorCfg)),
		pipeline.WithParser(heuristic.New(heuristic.Config{StoreConfidence: *storeConf})),
	)
	defer func() {
		if err := resolver.Close(); err != nil {
			slog.Error("Failed to close backends", "error", err)
		}
	}()
	if len(links) == 0 {
		slog.Warn("No recognition backend is configured, uploads will fail until one is")
	} else {
		slog.Info("Backend chain ready", "backends", resolver.Backends())
	}

	receiptService := receipt.NewService(db, resolver, store)
	server := receipt.NewServer(receiptService, receipt.BasicAuth{Users: users},
		receipt.WithMaxUploadBytes(int64(*maxUploadMB)<<20))

	httpServer := &http.Server{
		Addr:              *addr,
		Handler:           server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server started", "address", *addr, "version", version)
		if len(users) > 0 {
			slog.Info("Basic auth enabled", "users", len(users))
		}
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	case <-ctx.Done():
	}

	slog.Info("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Graceful shutdown failed", "error", err)
	}
}

func setupLogging(level string) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		l = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: l})))
}

// setupMetrics installs a global meter provider read by the prometheus
// registry behind /metrics and, when endpoint is set, pushed to an OTLP collector
func setupMetrics(ctx context.Context, endpoint string) (func(), error) {
	promExporter, err := otelprom.New()
	if err != nil {
		return nil, fmt.Errorf("creating prometheus exporter: %w", err)
	}
	opts := []metric.Option{
		metric.WithResource(resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(serviceName),
			semconv.ServiceVersion(version),
		)),
		metric.WithReader(promExporter),
	}

	if endpoint != "" {
		exporter, err := otlpmetricgrpc.New(ctx,
			otlpmetricgrpc.WithEndpoint(endpoint),
			otlpmetricgrpc.WithInsecure(),
			otlpmetricgrpc.WithDialOption(grpc.WithUserAgent(serviceName)),
		)
		if err != nil {
			return nil, fmt.Errorf("creating otlp exporter: %w", err)
		}
		opts = append(opts, metric.WithReader(metric.NewPeriodicReader(exporter, metric.WithInterval(15*time.Second))))
		slog.Info("Exporting metrics over OTLP", "endpoint", endpoint)
	}

	provider := metric.NewMeterProvider(opts...)
	otel.SetMeterProvider(provider)

	return func() {
		if err := provider.Shutdown(context.Background()); err != nil {
			slog.Error("Failed to shutdown metric provider", "error", err)
		}
	}, nil
}

// parseUsers reads "alice:secret,bob:hunter2"
func parseUsers(raw string) (map[string]string, error) {
	users := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, pass, ok := strings.Cut(pair, ":")
		if !ok || user == "" || pass == "" {
			return nil, fmt.Errorf("expected user:password, got %q", pair)
		}
		users[user] = pass
	}
	return users, nil
}

func toleranceConfig(minTol, relTol string) (pipeline.ValidatorConfig, error) {
	var cfg pipeline.ValidatorConfig
	var err error
	if cfg.MinTolerance, err = decimal.NewFromString(minTol); err != nil {
		return cfg, fmt.Errorf("min tolerance: %w", err)
	}
	if cfg.RelTolerance, err = decimal.NewFromString(relTol); err != nil {
		return cfg, fmt.Errorf("rel tolerance: %w", err)
	}
	if cfg.MinTolerance.IsNegative() || cfg.RelTolerance.IsNegative() {
		return cfg, errors.New("tolerances must not be negative")
	}
	return cfg, nil
}
