package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppErrorMessage(t *testing.T) {
	err := New(ErrCodeValidation, "stake must be positive")
	assert.Equal(t, "VALIDATION_ERROR: stake must be positive", err.Error())

	wrapped := Wrap(stderrors.New("connection refused"), ErrCodeExternalService, "charge failed")
	assert.Equal(t, "EXTERNAL_SERVICE_FAILURE: charge failed (connection refused)", wrapped.Error())
}

func TestKindHelpersFollowWrapping(t *testing.T) {
	base := New(ErrCodeInsufficientFunds, "insufficient funds")
	err := fmt.Errorf("join match: %w", base)

	assert.True(t, IsInsufficientFunds(err))
	assert.True(t, IsValidation(err), "insufficient funds is a validation failure")
	assert.False(t, IsConflict(err))
	assert.Equal(t, ErrCodeInsufficientFunds, CodeOf(err))
}

func TestCodeOfPlainError(t *testing.T) {
	assert.Equal(t, "", CodeOf(stderrors.New("boom")))
	assert.False(t, IsInvariant(nil))
}

func TestUnwrapReachesCause(t *testing.T) {
	cause := stderrors.New("timeout")
	err := External(cause, "compliance unreachable")
	assert.True(t, stderrors.Is(err, cause))
	assert.True(t, IsExternal(err))
}
