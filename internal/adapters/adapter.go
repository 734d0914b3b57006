// Package adapters translates universal rules into concrete firewall
// calls. Adapters are stateless apart from connection resources and
// idempotent on retry of the same rule id.
package adapters

import (
	"context"
	"errors"
	"fmt"

	"sentinel-core/internal/schema"
)

// Adapter is the capability contract every backend implements.
// NativeID is the backend's own handle for the applied rule; backends
// that must split one universal rule into several native rules return
// a compound id.
type Adapter interface {
	Name() string
	Apply(ctx context.Context, rule *schema.UniversalRule) (nativeID string, err error)
	Remove(ctx context.Context, nativeID string) error
	Query(ctx context.Context, nativeID string) (present bool, err error)
	List(ctx context.Context) ([]string, error)
	// Healthy probes the backend. Used to resume an adapter paused as
	// unreachable.
	Healthy(ctx context.Context) error
}

// Error carries the failure taxonomy the orchestrator dispatches on.
type Error struct {
	Code schema.OutcomeCode
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient wraps a retryable failure.
func Transient(err error) error {
	return &Error{Code: schema.OutcomeTransient, Err: err}
}

// Permanent wraps a failure retries cannot fix.
func Permanent(err error) error {
	return &Error{Code: schema.OutcomePermanent, Err: err}
}

// Unreachable wraps a backend-down failure; the registry pauses the
// adapter until a health probe succeeds.
func Unreachable(err error) error {
	return &Error{Code: schema.OutcomeUnreachable, Err: err}
}

// Classify extracts the outcome code of an adapter error. Unclassified
// errors count as transient so they get retried.
func Classify(err error) schema.OutcomeCode {
	if err == nil {
		return schema.OutcomeOK
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Code
	}
	return schema.OutcomeTransient
}
