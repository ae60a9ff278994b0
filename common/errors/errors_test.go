package errors_test

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	apperrors "github.com/ossobv/osso-djuty-sub000/common/errors"
	"github.com/stretchr/testify/assert"
)

func TestIs_MatchesByKind(t *testing.T) {
	err := apperrors.New(apperrors.KindProviderDown, "bank offline", nil)
	wrapped := fmt.Errorf("check: %w", err)

	assert.True(t, stderrors.Is(wrapped, apperrors.ErrProviderDown))
	assert.False(t, stderrors.Is(wrapped, apperrors.ErrProviderError))
}

func TestIs_AlreadyUsedIsAStateConflict(t *testing.T) {
	err := apperrors.New(apperrors.KindPaymentAlreadyUsed, "started twice", nil)

	assert.True(t, stderrors.Is(err, apperrors.ErrPaymentAlreadyUsed))
	assert.True(t, stderrors.Is(err, apperrors.ErrStateConflict))
	assert.False(t, stderrors.Is(apperrors.ErrStateConflict, apperrors.ErrPaymentAlreadyUsed))
}

func TestStatusCode(t *testing.T) {
	assert.Equal(t, http.StatusConflict, apperrors.StatusCode(apperrors.ErrStateConflict))
	assert.Equal(t, http.StatusUnprocessableEntity, apperrors.StatusCode(apperrors.ErrPaymentSuspect))
	assert.Equal(t, http.StatusInternalServerError, apperrors.StatusCode(stderrors.New("boom")))
}

func TestIsRetryable(t *testing.T) {
	assert.True(t, apperrors.IsRetryable(apperrors.New(apperrors.KindTransient, "timeout", nil)))
	assert.True(t, apperrors.IsRetryable(apperrors.ErrProviderDown))
	assert.False(t, apperrors.IsRetryable(apperrors.ErrPaymentSuspect))
	assert.False(t, apperrors.IsRetryable(nil))
}

func TestError_MessageIncludesCause(t *testing.T) {
	err := apperrors.New(apperrors.KindTransient, "mollie check", stderrors.New("connection reset"))
	assert.Equal(t, "mollie check: connection reset", err.Error())
	assert.Equal(t, apperrors.KindTransient, apperrors.KindOf(fmt.Errorf("x: %w", err)))
}
