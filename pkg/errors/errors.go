// payment-core/pkg/errors/errors.go

// Package errors is the closed set of error kinds the payment core returns.
// Callers switch on KindOf(err) instead of matching concrete types.
package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
)

type Kind int

const (
	KindInternal Kind = iota
	KindValidation
	KindNotFound
	KindConflict
	KindAuthentication
	KindAuthorization
	// KindUnavailable covers an open circuit breaker or a dependency with no fallback.
	KindUnavailable
	KindTimeout
	KindPaymentFailed
	KindFraudDetected
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindNotFound:
		return "not_found"
	case KindConflict:
		return "conflict"
	case KindAuthentication:
		return "authentication"
	case KindAuthorization:
		return "authorization"
	case KindUnavailable:
		return "unavailable"
	case KindTimeout:
		return "timeout"
	case KindPaymentFailed:
		return "payment_failed"
	case KindFraudDetected:
		return "fraud_detected"
	default:
		return "internal"
	}
}

type E struct {
	Kind    Kind
	Code    string
	Message string
	Err     error
	Fields  map[string]any
}

func (e *E) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s (%v)", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *E) Unwrap() error { return e.Err }

// With attaches a structured field and returns e for chaining.
func (e *E) With(key string, val any) *E {
	if e.Fields == nil {
		e.Fields = map[string]any{}
	}
	e.Fields[key] = val
	return e
}

func New(kind Kind, code, msg string) *E {
	return &E{Kind: kind, Code: code, Message: msg}
}

// Wrap keeps the underlying error reachable through errors.Is / errors.As.
func Wrap(kind Kind, code, msg string, err error) *E {
	return &E{Kind: kind, Code: code, Message: msg, Err: err}
}

func Validation(code, msg string) *E     { return New(KindValidation, code, msg) }
func NotFound(code, msg string) *E       { return New(KindNotFound, code, msg) }
func Conflict(code, msg string) *E       { return New(KindConflict, code, msg) }
func Authentication(code, msg string) *E { return New(KindAuthentication, code, msg) }
func Authorization(code, msg string) *E  { return New(KindAuthorization, code, msg) }
func Unavailable(code, msg string) *E    { return New(KindUnavailable, code, msg) }
func Timeout(code, msg string) *E        { return New(KindTimeout, code, msg) }
func PaymentFailed(code, msg string) *E  { return New(KindPaymentFailed, code, msg) }
func FraudDetected(code, msg string) *E  { return New(KindFraudDetected, code, msg) }

func Internal(msg string, err error) *E {
	return Wrap(KindInternal, "internal", msg, err)
}

// As returns the first *E in err's chain.
func As(err error) (*E, bool) {
	var e *E
	if stderrors.As(err, &e) {
		return e, true
	}
	return nil, false
}

// KindOf reports KindInternal for errors outside this package.
func KindOf(err error) Kind {
	if e, ok := As(err); ok {
		return e.Kind
	}
	return KindInternal
}

func CodeOf(err error) string {
	if e, ok := As(err); ok {
		return e.Code
	}
	return "internal"
}

func IsKind(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

func HTTPStatus(kind Kind) int {
	switch kind {
	case KindValidation:
		return http.StatusBadRequest
	case KindNotFound:
		return http.StatusNotFound
	case KindConflict:
		return http.StatusConflict
	case KindAuthentication:
		return http.StatusUnauthorized
	case KindAuthorization:
		return http.StatusForbidden
	case KindUnavailable:
		return http.StatusServiceUnavailable
	case KindTimeout:
		return http.StatusGatewayTimeout
	case KindPaymentFailed:
		return http.StatusPaymentRequired
	case KindFraudDetected:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}
