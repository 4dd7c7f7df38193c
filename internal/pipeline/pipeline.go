// Package pipeline resolves a receipt image into an accepted result by trying
// recognition backends in order and validating what they produce.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/zombor/receipt-intel/internal/heuristic"
	"github.com/zombor/receipt-intel/internal/scanning"
)

const (
	DefaultTimeout = 30 * time.Second
	minTimeout     = time.Second
	maxTimeout     = 5 * time.Minute
)

// Link is one backend in the fallback chain with its per-attempt deadline
type Link struct {
	Backend scanning.Backend
	Timeout time.Duration
}

func (l Link) timeout() time.Duration {
	switch {
	case l.Timeout <= 0:
		return DefaultTimeout
	case l.Timeout < minTimeout:
		return minTimeout
	case l.Timeout > maxTimeout:
		return maxTimeout
	}
	return l.Timeout
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithValidator replaces the default validator
func WithValidator(v *Validator) Option {
	return func(p *Pipeline) { p.validator = v }
}

// WithParser replaces the default heuristic parser used for raw text
func WithParser(hp *heuristic.Parser) Option {
	return func(p *Pipeline) { p.parser = hp }
}

// WithMeter records pipeline metrics on m instead of the global meter provider
func WithMeter(m metric.Meter) Option {
	return func(p *Pipeline) { p.meter = m }
}

// Pipeline is safe for concurrent use; it holds no per-request state.
type Pipeline struct {
	links     []Link
	validator *Validator
	parser    *heuristic.Parser
	meter     metric.Meter

	attemptsTotal   metric.Int64Counter
	attemptDuration metric.Float64Histogram
	resolutions     metric.Int64Counter
}

// New creates a pipeline over links, tried in the given order
func New(links []Link, opts ...Option) *Pipeline {
	p := &Pipeline{
		links: append([]Link(nil), links...),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.validator == nil {
		p.validator = NewValidator(ValidatorConfig{})
	}
	if p.parser == nil {
		p.parser = heuristic.New(heuristic.Config{})
	}
	if p.meter == nil {
		p.meter = otel.Meter("github.com/zombor/receipt-intel/internal/pipeline")
	}

	p.attemptsTotal, _ = p.meter.Int64Counter(
		"receipt_pipeline_backend_attempts_total",
		metric.WithDescription("Backend attempts by outcome"),
		metric.WithUnit("1"),
	)
	p.attemptDuration, _ = p.meter.Float64Histogram(
		"receipt_pipeline_backend_duration_seconds",
		metric.WithDescription("Duration of a single backend attempt including parsing and validation"),
		metric.WithUnit("s"),
	)
	p.resolutions, _ = p.meter.Int64Counter(
		"receipt_pipeline_resolutions_total",
		metric.WithDescription("Resolve calls by final outcome"),
		metric.WithUnit("1"),
	)
	return p
}

// Backends returns the backend names in chain order
func (p *Pipeline) Backends() []string {
	names := make([]string, len(p.links))
	for i, l := range p.links {
		names[i] = l.Backend.Name()
	}
	return names
}

// Resolve tries each backend once, in order, until one produces a draft the
// validator accepts. Every error it returns is a *PipelineFailure.
func (p *Pipeline) Resolve(ctx context.Context, img scanning.Image) (*Result, error) {
	if len(p.links) == 0 {
		p.recordResolution(ctx, string(ReasonNoBackends))
		return nil, &PipelineFailure{Reason: ReasonNoBackends}
	}

	var attempts []Attempt
	for i, link := range p.links {
		if err := ctx.Err(); err != nil {
			slog.Warn("pipeline.cancelled", "remaining", len(p.links)-i, "error", err)
			p.recordResolution(ctx, "cancelled")
			return nil, &PipelineFailure{Reason: ReasonChainExhausted, Attempts: attempts, Err: err}
		}

		name := link.Backend.Name()
		start := time.Now()
		result, err := p.attempt(ctx, link, img)
		elapsed := time.Since(start)

		if err == nil {
			p.recordAttempt(ctx, name, "accepted", elapsed)
			p.recordResolution(ctx, "accepted")
			result.Backend = name
			result.Attempts = attempts
			slog.Info("pipeline.accepted",
				"backend", name,
				"items", len(result.Items),
				"reconciled", result.Reconciled,
				"discrepancy", result.Discrepancy.StringFixed(2),
				"elapsed_ms", elapsed.Milliseconds(),
			)
			return result, nil
		}

		attempts = append(attempts, Attempt{Backend: name, Err: err, Elapsed: elapsed})

		var rejection *Rejection
		if errors.As(err, &rejection) {
			p.recordAttempt(ctx, name, "rejected", elapsed)
			slog.Warn("pipeline.backend.rejected", "backend", name, "reason", rejection.Reason, "elapsed_ms", elapsed.Milliseconds())
			if i == len(p.links)-1 {
				p.recordResolution(ctx, string(ReasonValidation))
				return nil, &PipelineFailure{Reason: ReasonValidation, Attempts: attempts, Err: rejection}
			}
			continue
		}

		kind := scanning.Permanent
		var failure *scanning.Failure
		if errors.As(err, &failure) {
			kind = failure.Kind
		}
		p.recordAttempt(ctx, name, kind.String(), elapsed)
		slog.Warn("pipeline.backend.failed", "backend", name, "kind", kind, "error", err, "elapsed_ms", elapsed.Milliseconds())
	}

	failure := &PipelineFailure{Reason: ReasonChainExhausted, Attempts: attempts}
	if err := ctx.Err(); err != nil {
		failure.Err = err
	}
	p.recordResolution(ctx, string(ReasonChainExhausted))
	return nil, failure
}

func (p *Pipeline) attempt(ctx context.Context, link Link, img scanning.Image) (*Result, error) {
	actx, cancel := context.WithTimeout(ctx, link.timeout())
	defer cancel()

	name := link.Backend.Name()
	outcome, err := link.Backend.Analyze(actx, img)
	if err != nil {
		var failure *scanning.Failure
		if errors.As(err, &failure) {
			return nil, failure
		}
		kind := scanning.Permanent
		if actx.Err() != nil {
			kind = scanning.Transient
		}
		return nil, &scanning.Failure{Backend: name, Kind: kind, Err: err}
	}

	var draft scanning.Draft
	switch o := outcome.(type) {
	case scanning.Structured:
		draft = o.Draft
	case scanning.RawText:
		draft = p.parser.Parse(o.Lines)
	default:
		return nil, &scanning.Failure{Backend: name, Kind: scanning.Permanent, Err: fmt.Errorf("unexpected outcome %T", outcome)}
	}
	return p.validator.Validate(draft)
}

// Close releases every backend in the chain
func (p *Pipeline) Close() error {
	var errs []error
	for _, l := range p.links {
		if err := l.Backend.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing %s: %w", l.Backend.Name(), err))
		}
	}
	return errors.Join(errs...)
}

func (p *Pipeline) recordAttempt(ctx context.Context, backend, outcome string, elapsed time.Duration) {
	attrs := metric.WithAttributes(
		attribute.String("backend", backend),
		attribute.String("outcome", outcome),
	)
	p.attemptsTotal.Add(ctx, 1, attrs)
	p.attemptDuration.Record(ctx, elapsed.Seconds(), attrs)
}

func (p *Pipeline) recordResolution(ctx context.Context, outcome string) {
	p.resolutions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}
