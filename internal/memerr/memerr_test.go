package memerr

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	assert.Equal(t, Code(""), CodeOf(nil))
	assert.Equal(t, CodeNotFound, CodeOf(Ef(CodeNotFound, "unit %s not found", "u1")))
	assert.Equal(t, CodeInternal, CodeOf(errors.New("plain")))
	assert.Equal(t, CodeCancelled, CodeOf(context.Canceled))
	assert.Equal(t, CodeDeadlineExceeded, CodeOf(context.DeadlineExceeded))

	// The code survives wrapping.
	wrapped := fmt.Errorf("outer: %w", E(CodeValidation, "bad input", nil))
	assert.Equal(t, CodeValidation, CodeOf(wrapped))
	assert.True(t, Is(wrapped, CodeValidation))
	assert.False(t, Is(wrapped, CodeNotFound))
}

func TestMessageOfHidesInternals(t *testing.T) {
	assert.Empty(t, MessageOf(nil))
	assert.Equal(t, "bad input", MessageOf(E(CodeValidation, "bad input", errors.New("secret detail"))))
	assert.Equal(t, "internal error", MessageOf(errors.New("sql: table engram exploded")))
	assert.Equal(t, "operation cancelled", MessageOf(context.Canceled))
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := E(CodeStoreUnavailable, "vector store unreachable", cause)
	assert.Contains(t, err.Error(), "STORE_UNAVAILABLE")
	assert.Contains(t, err.Error(), "refused")
	assert.ErrorIs(t, err, cause)

	bare := Ef(CodePermissionDenied, "no read permission")
	assert.Equal(t, "PERMISSION_DENIED: no read permission", bare.Error())
}
