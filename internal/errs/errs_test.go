package errs

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := New(KindNotFound, "missing")
	assert.True(t, Is(err, KindNotFound))
	assert.False(t, Is(err, KindTimeout))
}

func TestIsUnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(KindIntegrityFailure, "digest mismatch")
	wrapped := fmt.Errorf("verify chunk: %w", base)
	assert.True(t, Is(wrapped, KindIntegrityFailure))
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), KindNotFound))
}

func TestWrapPreservesCauseInMessage(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(KindUnavailable, "write chunk", cause)
	assert.ErrorContains(t, err, "disk full")
	assert.ErrorContains(t, err, "write chunk")
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "NotFound", KindNotFound.String())
	assert.Equal(t, "Unknown", Kind(999).String())
}
