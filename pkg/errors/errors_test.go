package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	err := NewError("SYNC", "cannot parse step", ErrConfigInconsistent)
	assert.Equal(t, "[SYNC] cannot parse step: item configuration is inconsistent", err.Error())
	assert.ErrorIs(t, err, ErrConfigInconsistent)

	bare := NewError("X", "plain", nil)
	assert.Equal(t, "[X] plain", bare.Error())
	assert.Nil(t, bare.Unwrap())
}

func TestIsFatal(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"worker lost", fmt.Errorf("worker 3: %w", ErrWorkerLost), true},
		{"malformed", NewError("DECODE", "bad json", ErrMalformedMessage), true},
		{"config", ErrConfigInconsistent, true},
		{"unknown worker", ErrUnknownWorker, true},
		{"timeout", ErrTimeout, false},
		{"other", errors.New("boom"), false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsFatal(tt.err))
		})
	}
}

func TestIsTimeout(t *testing.T) {
	assert.True(t, IsTimeout(fmt.Errorf("wait: %w", ErrTimeout)))
	assert.False(t, IsTimeout(ErrStopped))
	assert.True(t, IsNotConnected(ErrNotConnected))
}
