// Package errtax extends infrastructure/errors.ServiceError with a typed
// error taxonomy: Kind, Severity, Category, per-operation Context and
// a Recovery policy, plus the execute_with_retry orchestrator that classifies
// before retrying instead of letting the call site decide.
package errtax

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/go-multierror"

	svcerrors "github.com/r3e-network/mixcore/infrastructure/errors"
)

// Kind is one of the closed set of error kinds.
type Kind string

const (
	KindAuthentication Kind = "authentication"
	KindAuthorization  Kind = "authorization"
	KindValidation     Kind = "validation"
	KindBusinessLogic  Kind = "business_logic"
	KindPersistence    Kind = "persistence"
	KindChain          Kind = "chain"
	KindNetwork        Kind = "network"
	KindCrypto         Kind = "crypto"
	KindConfiguration  Kind = "configuration"
	KindSystem         Kind = "system"
	KindMixing         Kind = "mixing"
)

// Severity orders error severity for alerting and escalation.
type Severity int

const (
	SeverityLow Severity = iota
	SeverityMedium
	SeverityHigh
	SeverityCritical
)

func (s Severity) String() string {
	switch s {
	case SeverityLow:
		return "low"
	case SeverityMedium:
		return "medium"
	case SeverityHigh:
		return "high"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Context carries the operational provenance of an error, consumed by the
// audit log and the alert manager.
type Context struct {
	Component  string
	Operation  string
	SessionRef string
	RequestRef string
	Timing     time.Duration
	Extra      map[string]interface{}
}

// Recovery describes whether and how an error may be retried.
type Recovery struct {
	CanRecover     bool
	MaxRetries     int
	RetryDelayMS   int
	RequiresManual bool
}

// Error is a *svcerrors.ServiceError extended in place with the
// taxonomy fields. It embeds ServiceError so existing consumers of
// infrastructure/errors (HTTP status mapping, Unwrap, WithDetails) keep
// working unmodified.
type Error struct {
	*svcerrors.ServiceError
	Kind     Kind
	Severity Severity
	Category string
	Context  Context
	Recovery Recovery
}

// New builds a taxonomy Error from a base ServiceError.
func New(base *svcerrors.ServiceError, kind Kind, severity Severity, category string, ctx Context, recovery Recovery) *Error {
	return &Error{
		ServiceError: base,
		Kind:         kind,
		Severity:     severity,
		Category:     category,
		Context:      ctx,
		Recovery:     recovery,
	}
}

// Transient constructs a retryable error of the given kind — the default
// shape for Network, Timeout, RateLimited and transient Persistence/Chain
// failures, which are recovered locally.
func Transient(kind Kind, component, operation string, err error) *Error {
	base := svcerrors.Wrap(svcerrors.ErrCodeExternalAPI, fmt.Sprintf("%s: %s", component, operation), 0, err)
	return New(base, kind, SeverityMedium, "transient", Context{
		Component: component,
		Operation: operation,
	}, Recovery{CanRecover: true, MaxRetries: 5, RetryDelayMS: 1000})
}

// Terminal constructs a non-retryable error, surfaced to the caller.
func Terminal(kind Kind, severity Severity, component, operation string, err error) *Error {
	base := svcerrors.Wrap(svcerrors.ErrCodeInternal, fmt.Sprintf("%s: %s", component, operation), 0, err)
	return New(base, kind, severity, "terminal", Context{
		Component: component,
		Operation: operation,
	}, Recovery{CanRecover: false, RequiresManual: severity == SeverityCritical})
}

// IsFatal reports whether err is a process-level fatal: a System
// error of Critical severity with no recovery path. The caller must log,
// emit an emergency alert, flush audit state and exit rather than
// continue mixing in an undefined state.
func IsFatal(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Kind == KindSystem && e.Severity == SeverityCritical && !e.Recovery.CanRecover
	}
	return false
}

// IsRecoverable reports whether err carries a taxonomy Recovery that permits
// a retry. Non-taxonomy errors are treated as non-recoverable.
func IsRecoverable(err error) bool {
	var e *Error
	if ok := asError(err, &e); ok {
		return e.Recovery.CanRecover
	}
	return false
}

func asError(err error, target **Error) bool {
	for err != nil {
		if e, ok := err.(*Error); ok {
			*target = e
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// RetryResult is the result record returned by ExecuteWithRetry:
// classification-driven retry reported as data, not control flow.
type RetryResult struct {
	Success  bool
	Result   interface{}
	Err      error
	Attempts int
	TotalMS  int64
}

// Strategy configures ExecuteWithRetry when the operation's own error does
// not already carry a Recovery policy (e.g. a plain error from a library
// call) — it is the floor, never the ceiling: a classified *Error's own
// Recovery always wins.
type Strategy struct {
	MaxRetries   int
	RetryDelayMS int
}

// DefaultStrategy mirrors the sessions' default transient-error policy.
func DefaultStrategy() Strategy {
	return Strategy{MaxRetries: 5, RetryDelayMS: 1000}
}

// ExecuteWithRetry runs op, retrying only while the returned error classifies
// as recoverable. Backoff is linear: retry_delay_ms x attempt, capped at
// 60s. Classification decides whether to retry — never the call site.
func ExecuteWithRetry(ctx context.Context, op func(ctx context.Context) (interface{}, error), fallback Strategy) RetryResult {
	start := time.Now()
	var merr *multierror.Error

	maxRetries := fallback.MaxRetries
	delayMS := fallback.RetryDelayMS
	if maxRetries <= 0 {
		maxRetries = 1
	}
	if delayMS <= 0 {
		delayMS = 1000
	}

	for attempt := 1; attempt <= maxRetries+1; attempt++ {
		result, err := op(ctx)
		if err == nil {
			return RetryResult{Success: true, Result: result, Attempts: attempt, TotalMS: time.Since(start).Milliseconds()}
		}
		merr = multierror.Append(merr, err)

		var te *Error
		recoverable := fallback.MaxRetries > 0
		retryDelay := time.Duration(delayMS) * time.Millisecond
		if asError(err, &te) {
			recoverable = te.Recovery.CanRecover
			if te.Recovery.RetryDelayMS > 0 {
				retryDelay = time.Duration(te.Recovery.RetryDelayMS) * time.Millisecond
			}
			if te.Recovery.MaxRetries > 0 {
				maxRetries = te.Recovery.MaxRetries
			}
		}
		if !recoverable || attempt > maxRetries {
			return RetryResult{Success: false, Err: merr.ErrorOrNil(), Attempts: attempt, TotalMS: time.Since(start).Milliseconds()}
		}

		backoff := retryDelay * time.Duration(attempt)
		if backoff > 60*time.Second {
			backoff = 60 * time.Second
		}
		select {
		case <-ctx.Done():
			merr = multierror.Append(merr, ctx.Err())
			return RetryResult{Success: false, Err: merr.ErrorOrNil(), Attempts: attempt, TotalMS: time.Since(start).Milliseconds()}
		case <-time.After(backoff):
		}
	}

	return RetryResult{Success: false, Err: merr.ErrorOrNil(), Attempts: maxRetries + 1, TotalMS: time.Since(start).Milliseconds()}
}
