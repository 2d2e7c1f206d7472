package errors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWrap(t *testing.T) {
	original := New("original")
	wrapped := Wrap(original, "wrapped")

	assert.Contains(t, wrapped.Error(), "wrapped")
	assert.Contains(t, wrapped.Error(), "original")
	assert.True(t, Is(wrapped, original))
}

func TestTaxonomyConstructors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		sentinel error
		check    func(error) bool
	}{
		{"invalid argument", NewInvalidArgumentError("platform %q is not supported", "myspace"), ErrInvalidArgument, IsInvalidArgumentError},
		{"not found", NewNotFoundError("post %s", "abc"), ErrNotFound, IsNotFoundError},
		{"precondition failed", NewPreconditionFailedError("post %s is processing", "abc"), ErrPreconditionFailed, IsPreconditionFailedError},
		{"conflict", NewConflictError("post %s is published", "abc"), ErrConflict, IsConflictError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Error(t, tt.err)
			assert.True(t, Is(tt.err, tt.sentinel))
			assert.True(t, tt.check(tt.err))
			assert.True(t, tt.check(Wrap(tt.err, "outer context")))
		})
	}
}

func TestTaxonomyChecksDoNotCrossMatch(t *testing.T) {
	err := NewConflictError("post %s is published", "abc")

	assert.False(t, IsNotFoundError(err))
	assert.False(t, IsInvalidArgumentError(err))
	assert.False(t, IsPreconditionFailedError(err))
	assert.False(t, IsConflictError(nil))
}

func TestMarkKeepsMessage(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	marked := Mark(Wrap(cause, "linkedin request"), ErrTransient)

	assert.True(t, Is(marked, ErrTransient))
	assert.False(t, Is(marked, ErrAuth))
	assert.Contains(t, marked.Error(), "connection refused")
	assert.NotContains(t, marked.Error(), ErrTransient.Error())
}

func TestWithDetail(t *testing.T) {
	err := WithDetail(Mark(New("too many requests"), ErrRateLimited), "retry-after: 30")

	assert.True(t, Is(err, ErrRateLimited))
	assert.Contains(t, GetAllDetails(err), "retry-after: 30")
}
