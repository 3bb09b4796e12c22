package errors

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSentinelWrappingPreservesIdentity(t *testing.T) {
	err := NewNotFoundError("job %s", "dl_abc123")
	require.Error(t, err)
	assert.True(t, IsNotFoundError(err))
	assert.False(t, IsConflictError(err))
	assert.Contains(t, err.Error(), "dl_abc123")

	wrapped := Wrap(err, "while handling delete")
	assert.True(t, IsNotFoundError(wrapped), "wrapping must preserve the sentinel")
}

func TestConflictError(t *testing.T) {
	err := NewConflictError("job is %s, cannot pause", "queued")
	assert.True(t, IsConflictError(err))
	assert.False(t, IsNotFoundError(err))
	assert.False(t, IsInvalidRequestError(err))
}

func TestInvalidRequestError(t *testing.T) {
	err := NewInvalidRequestError("no URLs provided")
	assert.True(t, IsInvalidRequestError(err))

	wrapped := Wrapf(err, "create rejected")
	assert.True(t, IsInvalidRequestError(wrapped))
}

func TestNilChecks(t *testing.T) {
	assert.False(t, IsNotFoundError(nil))
	assert.False(t, IsConflictError(nil))
	assert.False(t, IsInvalidRequestError(nil))
}
