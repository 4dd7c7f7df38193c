package receipt

import (
	"context"
	"crypto/subtle"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	// DefaultUserID owns every receipt when basic auth is not configured
	DefaultUserID = "default"
	// DefaultMaxUploadBytes limits receipt uploads
	DefaultMaxUploadBytes = 10 << 20
)

// BasicAuth maps usernames to passwords. The username is the user id.
type BasicAuth struct {
	Users map[string]string
}

func (a BasicAuth) enabled() bool {
	return len(a.Users) > 0
}

type userKey struct{}

func userFrom(ctx context.Context) string {
	if id, ok := ctx.Value(userKey{}).(string); ok {
		return id
	}
	return DefaultUserID
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithMaxUploadBytes overrides the upload size limit
func WithMaxUploadBytes(n int64) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.maxUploadBytes = n
		}
	}
}

// WithServerMeter overrides the meter used for request metrics
func WithServerMeter(m metric.Meter) ServerOption {
	return func(s *Server) { s.meter = m }
}

// WithGatherer serves /metrics from g instead of the default prometheus registry
func WithGatherer(g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metricsHandler = promhttp.HandlerFor(g, promhttp.HandlerOpts{})
	}
}

// Server handles HTTP requests for receipts and analytics
type Server struct {
	service        *Service
	basicAuth      BasicAuth
	mux            *http.ServeMux
	maxUploadBytes int64
	metricsHandler http.Handler

	meter    metric.Meter
	requests metric.Int64Counter
	duration metric.Float64Histogram
}

// NewServer creates a new Server with default mux
func NewServer(service *Service, basicAuth BasicAuth, opts ...ServerOption) *Server {
	return NewServerWithMux(service, basicAuth, http.NewServeMux(), opts...)
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(service *Service, basicAuth BasicAuth, mux *http.ServeMux, opts ...ServerOption) *Server {
	s := &Server{
		service:        service,
		basicAuth:      basicAuth,
		mux:            mux,
		maxUploadBytes: DefaultMaxUploadBytes,
		metricsHandler: promhttp.Handler(),
		meter:          otel.Meter("github.com/zombor/receipt-intel/internal/receipt"),
	}
	for _, opt := range opts {
		opt(s)
	}

	var err error
	if s.requests, err = s.meter.Int64Counter("http_requests_total",
		metric.WithDescription("Total number of HTTP requests")); err != nil {
		slog.Error("Failed to create request counter", "error", err)
	}
	if s.duration, err = s.meter.Float64Histogram("http_request_duration_ms",
		metric.WithDescription("HTTP request duration in milliseconds"),
		metric.WithUnit("ms")); err != nil {
		slog.Error("Failed to create request histogram", "error", err)
	}

	s.registerRoutes()
	return s
}

// authenticate checks basic auth credentials and returns the user id
func (s *Server) authenticate(r *http.Request) (string, bool) {
	if !s.basicAuth.enabled() {
		return DefaultUserID, true
	}

	username, password, ok := r.BasicAuth()
	if !ok || username == "" {
		return "", false
	}
	want, known := s.basicAuth.Users[username]
	if !known || subtle.ConstantTimeCompare([]byte(password), []byte(want)) != 1 {
		return "", false
	}
	return username, true
}

// corsMiddleware adds CORS headers to responses
func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		setCORSHeaders(w)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// requireAuth middleware
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		userID, ok := s.authenticate(r)
		if !ok {
			setCORSHeaders(w)
			w.Header().Set("WWW-Authenticate", `Basic realm="Receipt Intel"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey{}, userID)))
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// withMetrics records request counts and durations per route
func (s *Server) withMetrics(route string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

		next(rec, r)

		attrs := metric.WithAttributes(
			attribute.String("method", r.Method),
			attribute.String("path", route),
			attribute.Int("status_code", rec.status),
		)
		if s.requests != nil {
			s.requests.Add(r.Context(), 1, attrs)
		}
		if s.duration != nil {
			s.duration.Record(r.Context(), float64(time.Since(start).Milliseconds()), attrs)
		}
	}
}

func (s *Server) handle(method, route string, h http.HandlerFunc) {
	s.mux.HandleFunc(method+" "+route, s.withMetrics(route, s.requireAuth(h)))
}

// registerRoutes registers all API routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.Handle("GET /metrics", s.metricsHandler)

	s.handle("GET", "/api/receipts/{id}/file", s.handleGetReceiptFile)
	s.handle("GET", "/api/receipts/{id}", s.handleGetReceipt)
	s.handle("DELETE", "/api/receipts/{id}", s.handleDeleteReceipt)
	s.handle("GET", "/api/receipts", s.handleListReceipts)
	s.handle("POST", "/api/receipts", s.handleUploadReceipt)

	s.handle("GET", "/api/analytics/monthly", s.handleMonthlySummary)
	s.handle("GET", "/api/analytics/stores", s.handleStoreComparison)
	s.handle("GET", "/api/analytics/prices", s.handlePriceEvolution)
	s.handle("GET", "/api/analytics/export", s.handleExport)
}

// Handler returns the mux wrapped with CORS handling
func (s *Server) Handler() http.Handler {
	return s.corsMiddleware(s.mux)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.Handler().ServeHTTP(w, r)
}
