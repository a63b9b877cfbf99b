package errors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStorageErrorWrapsOpAndPath(t *testing.T) {
	cause := errors.New("disk full")
	err := Storage("add_file", "/tmp/_index.db", cause)

	require.Error(t, err)
	assert.Equal(t, ErrCodeStorage, err.Code)
	assert.Equal(t, CategoryStorage, err.Category)
	assert.Equal(t, "add_file", err.Details["operation"])
	assert.Equal(t, "/tmp/_index.db", err.Details["db_path"])
	assert.ErrorIs(t, err, cause)
}

func TestIsRetryable(t *testing.T) {
	retryable := New(ErrCodeEmbedderUnavail, "model warming up", nil)
	assert.True(t, IsRetryable(retryable))

	fatal := New(ErrCodeSchemaTooNew, "unsupported schema", nil)
	assert.False(t, IsRetryable(fatal))
	assert.Equal(t, SeverityFatal, fatal.Severity)
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(ErrCodeNoIndexForPath, "missing", nil)
	b := New(ErrCodeNoIndexForPath, "different message", nil)
	assert.True(t, errors.Is(a, b))
}

func TestNoIndexForPathDetail(t *testing.T) {
	err := NoIndexForPath("/src/widgets")
	assert.Equal(t, "/src/widgets", err.Details["path"])
}
