package main

import (
	"context"
	"errors"
	"strings"

	"github.com/freshsense/gasmon/internal/transport"
)

// FormatUserError rewrites low-level transport failures into messages a
// user can act on. Unknown errors pass through unchanged.
func FormatUserError(err error) string {
	var notFound *transport.NotFoundError
	switch {
	case errors.Is(err, transport.ErrTimeout), errors.Is(err, context.DeadlineExceeded):
		return "operation timed out - is the sensor powered on and in range?"
	case errors.Is(err, transport.ErrNotConnected):
		return "sensor is not connected"
	case errors.As(err, &notFound):
		return notFound.Error() + " - the device may not be a spoilage sensor"
	case strings.Contains(err.Error(), "bluetooth"), strings.Contains(err.Error(), "Bluetooth"):
		return err.Error()
	default:
		return err.Error()
	}
}
