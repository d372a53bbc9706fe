package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsMatchesKindAcrossWrapping(t *testing.T) {
	specific := New(Invalid, "invalid_amount")
	wrapped := fmt.Errorf("allocate: %w", specific)

	require.True(t, errors.Is(wrapped, ErrInvalid))
	require.True(t, errors.Is(wrapped, specific))
	assert.False(t, errors.Is(wrapped, New(Invalid, "invalid_name")))
	assert.False(t, errors.Is(wrapped, ErrForbidden))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(nil))
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, OverRelease, KindOf(fmt.Errorf("x: %w", ErrOverRelease)))
	assert.True(t, Is(Wrap(NotFound, "pool_not_found", errors.New("missing")), NotFound))
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "[forbidden] forbidden", ErrForbidden.Error())
	err := Wrap(Internal, "save_failed", errors.New("disk"))
	assert.Equal(t, "[internal] save_failed: disk", err.Error())
	assert.EqualError(t, errors.Unwrap(err), "disk")
}
