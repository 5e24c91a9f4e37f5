package apperror

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesWrappedErrors(t *testing.T) {
	base := AlreadyOwned("purchase already exists")
	wrapped := fmt.Errorf("initiate: %w", base)

	assert.True(t, Is(wrapped, CodeAlreadyOwned))
	assert.False(t, Is(wrapped, CodeNotFound))
	assert.False(t, Is(errors.New("plain"), CodeAlreadyOwned))
}

func TestStorageUnavailableKeepsCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := StorageUnavailable(cause)

	assert.Equal(t, http.StatusServiceUnavailable, err.Status)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAs(t *testing.T) {
	appErr, ok := As(fmt.Errorf("outer: %w", TooLarge(10, 5)))
	if assert.True(t, ok) {
		assert.Equal(t, CodeTooLarge, appErr.Code)
		assert.Equal(t, http.StatusRequestEntityTooLarge, appErr.Status)
	}

	_, ok = As(errors.New("plain"))
	assert.False(t, ok)
}
