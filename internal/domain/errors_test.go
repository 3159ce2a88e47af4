package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		validation bool
		transient  bool
		notFound   bool
	}{
		{"validation", Invalid("limit", "must be positive, got %d", -1), true, false, false},
		{"wrapped validation", fmt.Errorf("search: %w", Invalid("code", "bad")), true, false, false},
		{"transient", Transient("embed", errors.New("connection refused")), false, true, false},
		{"wrapped transient", fmt.Errorf("query: %w", Transient("qdrant", errors.New("503"))), false, true, false},
		{"not found", fmt.Errorf("parent 0406: %w", ErrNotFound), false, false, true},
		{"plain", errors.New("boom"), false, false, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.validation, IsValidation(tt.err))
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
		})
	}
}

func TestTransientNil(t *testing.T) {
	assert.NoError(t, Transient("embed", nil))
}

func TestTransientUnwrap(t *testing.T) {
	cause := errors.New("timeout")
	err := Transient("embed", cause)
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "embed")
}

func TestValidationMessage(t *testing.T) {
	assert.Equal(t, "invalid overlap: must be less than max_tokens", Invalid("overlap", "must be less than max_tokens").Error())
	assert.Equal(t, "invalid input: empty", (&ValidationError{Message: "empty"}).Error())
}
