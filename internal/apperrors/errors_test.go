package apperrors

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(CodeDependency, cause, "load settings")

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, CodeDependency, err.Code())
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAsFindsWrappedError(t *testing.T) {
	base := New(CodeMethodUnavailable, "square_card is not configured")
	wrapped := fmt.Errorf("initiate: %w", base)

	typed := As(wrapped)
	require.NotNil(t, typed)
	assert.Equal(t, CodeMethodUnavailable, typed.Code())
	assert.True(t, Is(wrapped, CodeMethodUnavailable))
	assert.False(t, Is(wrapped, CodeConflict))
	assert.Nil(t, As(errors.New("plain")))
}

func TestCodeOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(errors.New("boom")))
	assert.Equal(t, CodeGatewayTimeout, CodeOf(New(CodeGatewayTimeout, "slow")))
}

func TestMetadata(t *testing.T) {
	assert.Equal(t, http.StatusConflict, MetadataFor(CodeConflict).HTTPStatus)
	assert.Equal(t, http.StatusGatewayTimeout, MetadataFor(CodeGatewayTimeout).HTTPStatus)
	assert.Equal(t, http.StatusInternalServerError, MetadataFor(Code("UNKNOWN")).HTTPStatus)

	assert.True(t, Retryable(New(CodeGatewayTimeout, "slow")))
	assert.False(t, Retryable(New(CodeGatewayRejected, "declined")))
	assert.False(t, Retryable(nil))
}

func TestConflictDetails(t *testing.T) {
	err := Conflict("order", "preparing", "ready")

	assert.Equal(t, CodeConflict, err.Code())
	assert.Equal(t, ConflictDetails{Expected: "preparing", Actual: "ready"}, err.Details())
}
