package apperror

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorsIsMatchesKindSentinel(t *testing.T) {
	errWalletMissing := New(KindNotFound, "wallet_not_found")
	wrapped := fmt.Errorf("start: %w", errWalletMissing)

	assert.True(t, errors.Is(wrapped, ErrNotFound))
	assert.True(t, errors.Is(wrapped, errWalletMissing))
	assert.False(t, errors.Is(wrapped, ErrConflict))
	assert.False(t, errors.Is(wrapped, New(KindNotFound, "feature_not_found")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Wrap(KindUpstreamUnavailable, "cache_unavailable", cause)

	assert.ErrorIs(t, err, cause)
	assert.ErrorIs(t, err, ErrUpstreamUnavailable)
	assert.Equal(t, "cache_unavailable", CodeOf(err))
	assert.Nil(t, Wrap(KindConflict, "x", nil))
}

func TestClassification(t *testing.T) {
	assert.True(t, IsPermanent(New(KindValidation, "invalid_items")))
	assert.True(t, IsPermanent(New(KindConflict, "duplicate_usage_key")))
	assert.False(t, IsPermanent(ErrUpstreamUnavailable))
	assert.False(t, IsPermanent(errors.New("boom")))

	assert.True(t, IsRetryable(context.DeadlineExceeded))
	assert.True(t, IsRetryable(fmt.Errorf("debit: %w", ErrUpstreamUnavailable)))
	assert.False(t, IsRetryable(ErrInsufficientBalance))
}
