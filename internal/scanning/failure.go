package scanning

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Kind classifies why a backend could not produce an outcome.
type Kind int

const (
	// Transient covers timeouts, rate limits and server-side errors.
	Transient Kind = iota
	// Permanent covers unusable input such as an undecodable image or unparseable model output.
	Permanent
	// Authentication covers rejected or missing credentials.
	Authentication
)

func (k Kind) String() string {
	switch k {
	case Transient:
		return "transient"
	case Permanent:
		return "permanent"
	case Authentication:
		return "authentication"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Failure is the error returned by every Backend.
type Failure struct {
	Backend string
	Kind    Kind
	Err     error
}

func (f *Failure) Error() string {
	return fmt.Sprintf("%s: %s failure: %v", f.Backend, f.Kind, f.Err)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// fail wraps err as a Failure, keeping the kind of an inner Failure if there is one.
func fail(backend string, kind Kind, err error) *Failure {
	var inner *Failure
	if errors.As(err, &inner) {
		return &Failure{Backend: backend, Kind: inner.Kind, Err: inner.Err}
	}
	return &Failure{Backend: backend, Kind: kind, Err: err}
}

// statusError is returned for non-2xx provider responses.
type statusError struct {
	Code int
	Body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("status %d: %s", e.Code, e.Body)
}

func classifyStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return Authentication
	case code == http.StatusRequestTimeout, code == http.StatusConflict,
		code == http.StatusTooEarly, code == http.StatusTooManyRequests, code >= 500:
		return Transient
	default:
		return Permanent
	}
}

// classifyErr maps transport and SDK errors onto a Kind.
func classifyErr(err error) Kind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	var se *statusError
	if errors.As(err, &se) {
		return classifyStatus(se.Code)
	}
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		return classifyStatus(gerr.Code)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient
	}
	var nerr net.Error
	if errors.As(err, &nerr) {
		return Transient
	}
	switch status.Code(err) {
	case codes.Unauthenticated, codes.PermissionDenied:
		return Authentication
	case codes.ResourceExhausted, codes.Unavailable, codes.DeadlineExceeded, codes.Aborted, codes.Internal:
		return Transient
	}
	return Permanent
}
