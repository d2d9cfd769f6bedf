package transport

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeError(t *testing.T) {
	tests := []struct {
		name     string
		input    error
		expected error
	}{
		{
			name:     "nil passes through",
			input:    nil,
			expected: nil,
		},
		{
			name:     "not connected",
			input:    errors.New("ble: Device Not Connected"),
			expected: ErrNotConnected,
		},
		{
			name:     "already connected",
			input:    errors.New("Device Already Connected to peer"),
			expected: ErrAlreadyConnected,
		},
		{
			name:     "not initialized",
			input:    errors.New("connection is not initialized"),
			expected: ErrNotInitialized,
		},
		{
			name:     "deadline exceeded maps to timeout",
			input:    fmt.Errorf("dial: %w", context.DeadlineExceeded),
			expected: ErrTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NormalizeError(tt.input)
			if tt.expected == nil {
				assert.NoError(t, got)
				return
			}
			assert.ErrorIs(t, got, tt.expected)
		})
	}
}

func TestNormalizeError_UnknownPassesThrough(t *testing.T) {
	orig := errors.New("something else entirely")
	assert.Equal(t, orig, NormalizeError(orig))
}

func TestConnectionError_Error(t *testing.T) {
	assert.Equal(t, "not_connected", ErrNotConnected.Error())

	withMsg := &ConnectionError{State: NotConnected, Msg: "peripheral vanished"}
	assert.Equal(t, "not_connected: peripheral vanished", withMsg.Error())
}

func TestConnectionError_Is(t *testing.T) {
	wrapped := fmt.Errorf("connect: %w", ErrNotConnected)
	assert.ErrorIs(t, wrapped, ErrNotConnected)
	assert.NotErrorIs(t, wrapped, ErrAlreadyConnected)
}

func TestNotFoundError(t *testing.T) {
	err := &NotFoundError{Resource: "characteristic", UUID: "6e400003"}
	assert.Equal(t, `characteristic "6e400003" not found`, err.Error())

	var nf *NotFoundError
	assert.ErrorAs(t, fmt.Errorf("discover: %w", err), &nf)
}

func TestNormalizeUUID(t *testing.T) {
	assert.Equal(t, "6e400001b5a3f393e0a9e50e24dcca9e",
		NormalizeUUID("6E400001-B5A3-F393-E0A9-E50E24DCCA9E"))
	assert.Equal(t, "2a37", NormalizeUUID("2A37"))
}
