package errors

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies an error for reconciliation and HTTP mapping.
type Kind string

const (
	KindStateConflict      Kind = "state_conflict"
	KindPaymentAlreadyUsed Kind = "payment_already_used"
	KindProviderError      Kind = "provider_error"
	KindProviderDown       Kind = "provider_down"
	KindPaymentSuspect     Kind = "payment_suspect"
	KindTransient          Kind = "transient"
	KindNotFound           Kind = "not_found"
	KindValidation         Kind = "validation"
	KindInternal           Kind = "internal"
)

// Error represents an application error
type Error struct {
	Kind    Kind   `json:"kind"`
	Code    int    `json:"code"`
	Message string `json:"message"`
	Err     error  `json:"-"`
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the wrapped error
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. An already-used
// payment also matches the state conflict kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Kind == t.Kind {
		return true
	}
	return e.Kind == KindPaymentAlreadyUsed && t.Kind == KindStateConflict
}

// JSON returns the error as a JSON string
func (e *Error) JSON() string {
	b, _ := json.Marshal(e)
	return string(b)
}

// New creates a new Error
func New(kind Kind, message string, err error) *Error {
	return &Error{
		Kind:    kind,
		Code:    codeFor(kind),
		Message: message,
		Err:     err,
	}
}

// Newf creates a new Error with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *Error {
	return New(kind, fmt.Sprintf(format, args...), nil)
}

func codeFor(kind Kind) int {
	switch kind {
	case KindStateConflict, KindPaymentAlreadyUsed:
		return http.StatusConflict
	case KindProviderError:
		return http.StatusBadGateway
	case KindProviderDown:
		return http.StatusServiceUnavailable
	case KindPaymentSuspect:
		return http.StatusUnprocessableEntity
	case KindTransient:
		return http.StatusGatewayTimeout
	case KindNotFound:
		return http.StatusNotFound
	case KindValidation:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// Sentinels for errors.Is comparisons.
var (
	ErrStateConflict      = New(KindStateConflict, "State conflict", nil)
	ErrPaymentAlreadyUsed = New(KindPaymentAlreadyUsed, "Payment already used", nil)
	ErrProviderError      = New(KindProviderError, "Provider error", nil)
	ErrProviderDown       = New(KindProviderDown, "Provider down", nil)
	ErrPaymentSuspect     = New(KindPaymentSuspect, "Payment suspect", nil)
	ErrTransient          = New(KindTransient, "Transient provider failure", nil)
	ErrNotFound           = New(KindNotFound, "Not found", nil)
	ErrValidation         = New(KindValidation, "Validation error", nil)
	ErrInternalServer     = New(KindInternal, "Internal server error", nil)
)

// KindOf returns the kind of err, or KindInternal when err is not an *Error.
func KindOf(err error) Kind {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Kind
	}
	return KindInternal
}

// StatusCode returns the HTTP status code for err.
func StatusCode(err error) int {
	var appErr *Error
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return http.StatusInternalServerError
}

// IsRetryable reports whether the failure may succeed when tried again later.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransient, KindProviderDown:
		return true
	}
	return false
}

// Error middleware for Gin
func ErrorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 {
			err := c.Errors.Last().Err
			var appErr *Error
			if !stderrors.As(err, &appErr) {
				appErr = New(KindInternal, "Internal server error", err)
			}

			c.JSON(appErr.Code, gin.H{"error": appErr.Message, "kind": appErr.Kind})
			c.Abort()
		}
	}
}
