package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestErrorIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("lookup: %w", New(CodeNotFound, "plugin p1 not found"))

	assert.True(t, stdErrors.Is(err, New(CodeNotFound, "")))
	assert.False(t, stdErrors.Is(err, New(CodeConflict, "")))
	assert.Equal(t, CodeNotFound, CodeOf(err))
	assert.True(t, IsCode(err, CodeNotFound))
}

func TestValidationAggregatesReasons(t *testing.T) {
	var reasons error
	reasons = multierr.Append(reasons, stdErrors.New("Missing dependency: P9"))
	reasons = multierr.Append(reasons, stdErrors.New("Invalid version: x"))

	err := Validation(reasons)
	require.Error(t, err)
	assert.Equal(t, CodeValidation, CodeOf(err))
	assert.Equal(t, []string{"Missing dependency: P9", "Invalid version: x"}, ReasonsOf(err))
	assert.Contains(t, err.Error(), "Missing dependency: P9")

	assert.NoError(t, Validation(nil))
}

func TestAttributesFallbackAndOverrides(t *testing.T) {
	err := New(Code("SOMETHING_ELSE"), "")
	assert.Equal(t, "unknown error", err.Message())
	assert.Equal(t, SeverityCritical, err.Severity())

	limited := New(CodeRateLimited, "slow down", WithRetryable(false), WithMetadata("service_id", "s1"))
	assert.False(t, limited.Retryable())
	assert.Equal(t, map[string]string{"service_id": "s1"}, limited.Metadata())
	assert.True(t, RetryableError(New(CodeCircuitOpen, "")))
}
