package pipeline

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// RejectionReason says why the validator refused a draft
type RejectionReason string

const (
	ReasonMissingTotal RejectionReason = "missing_total"
	ReasonNoItems      RejectionReason = "no_items"
	ReasonInvalidItem  RejectionReason = "invalid_item"
	ReasonInvalidTotal RejectionReason = "invalid_total"
)

// Sentinels for errors.Is on a *Rejection or on a *PipelineFailure wrapping one.
var (
	ErrMissingTotal = errors.New("receipt has no total")
	ErrNoItems      = errors.New("no items could be extracted")
	ErrInvalidItem  = errors.New("receipt has an invalid item")
	ErrInvalidTotal = errors.New("receipt total is negative")
)

// Rejection is returned by the validator when a draft cannot be accepted
type Rejection struct {
	Reason RejectionReason
	// ItemIndex is the offending item for ReasonInvalidItem, -1 otherwise
	ItemIndex int
	Detail    string
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return fmt.Sprintf("validation rejected: %s", r.Reason)
	}
	return fmt.Sprintf("validation rejected: %s: %s", r.Reason, r.Detail)
}

func (r *Rejection) Unwrap() error {
	switch r.Reason {
	case ReasonMissingTotal:
		return ErrMissingTotal
	case ReasonNoItems:
		return ErrNoItems
	case ReasonInvalidItem:
		return ErrInvalidItem
	case ReasonInvalidTotal:
		return ErrInvalidTotal
	}
	return nil
}

// FailureReason says why Resolve produced no result
type FailureReason string

const (
	// ReasonChainExhausted means every backend failed or was rejected, or the caller gave up
	ReasonChainExhausted FailureReason = "chain_exhausted"
	// ReasonValidation means the last backend's draft was rejected
	ReasonValidation FailureReason = "validation"
	// ReasonNoBackends means the chain was empty
	ReasonNoBackends FailureReason = "no_backends"
)

// Attempt records one backend's try at an image
type Attempt struct {
	Backend string
	// Err is a *scanning.Failure or a *Rejection
	Err     error
	Elapsed time.Duration
}

// PipelineFailure is the only error Resolve returns
type PipelineFailure struct {
	Reason   FailureReason
	Attempts []Attempt
	// Err is the final rejection for ReasonValidation, or the context error when the caller cancelled
	Err error
}

func (f *PipelineFailure) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "receipt pipeline: %s", f.Reason)
	if f.Err != nil {
		fmt.Fprintf(&b, ": %v", f.Err)
	}
	if len(f.Attempts) > 0 {
		b.WriteString(" [")
		for i, a := range f.Attempts {
			if i > 0 {
				b.WriteString("; ")
			}
			fmt.Fprintf(&b, "%s: %v", a.Backend, a.Err)
		}
		b.WriteString("]")
	}
	return b.String()
}

func (f *PipelineFailure) Unwrap() error {
	return f.Err
}
