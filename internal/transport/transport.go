// Package transport abstracts the BLE stack the hub runs on. The hub
// consumes these interfaces; the go-ble backed implementation lives in
// goble.go and can be swapped out in tests via Factory.
package transport

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Nordic UART service identifiers, the notification surface the sensor
// firmware streams readings over.
const (
	SpoilageServiceUUID = "6e400001b5a3f393e0a9e50e24dcca9e"
	SpoilageTxCharUUID  = "6e400003b5a3f393e0a9e50e24dcca9e"
)

// Advertisement is one received advertising packet.
type Advertisement interface {
	LocalName() string
	Addr() string
	RSSI() int
	Connectable() bool
	Services() []string
	ManufacturerData() []byte
}

// Scanner discovers advertising peripherals. The handler is invoked for
// every received advertisement until ctx expires.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, handler func(Advertisement)) error
}

// Peripheral is a live link to one connected sensor device.
type Peripheral interface {
	Address() string

	// EnsureCharacteristic discovers the peripheral's services and
	// verifies the notification characteristic is present.
	EnsureCharacteristic(serviceUUID, charUUID string) error

	// Subscribe arms notifications on a characteristic. The handler
	// must copy data it retains beyond the callback.
	Subscribe(serviceUUID, charUUID string, handler func(data []byte)) error

	// Disconnected is closed when the transport reports link loss.
	Disconnected() <-chan struct{}

	Disconnect() error
}

// Transport combines discovery and connection establishment.
type Transport interface {
	Scanner
	Dial(ctx context.Context, address string) (Peripheral, error)
}

// ConnectionState classifies connection-level failures.
type ConnectionState string

const (
	NotConnected     ConnectionState = "not_connected"
	AlreadyConnected ConnectionState = "already_connected"
	NotInitialized   ConnectionState = "not_initialized"
)

// ConnectionError represents any connection-related problem.
type ConnectionError struct {
	State ConnectionState
	Msg   string
}

func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	if e.Msg == "" {
		return string(e.State)
	}
	return fmt.Sprintf("%s: %s", e.State, e.Msg)
}

// Is allows errors.Is to compare ConnectionError values by State.
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.State == t.State
}

// Sentinel errors for connection states.
var (
	ErrNotConnected     = &ConnectionError{State: NotConnected}
	ErrAlreadyConnected = &ConnectionError{State: AlreadyConnected}
	ErrNotInitialized   = &ConnectionError{State: NotInitialized}
)

// Operation errors.
var (
	ErrTimeout = errors.New("timeout")
)

// NotFoundError reports a missing GATT resource on a peripheral that
// otherwise connected fine.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// NormalizeError maps known go-ble error strings onto the structured
// taxonomy so callers don't depend on upstream message wording. The
// original error is preserved via wrapping.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "device not connected"):
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	case strings.Contains(msg, "device already connected"):
		return fmt.Errorf("%w: %v", ErrAlreadyConnected, err)
	case strings.Contains(msg, "connection is not initialized"):
		return fmt.Errorf("%w: %v", ErrNotInitialized, err)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	default:
		return err
	}
}

// NormalizeUUID converts a UUID string into the internal lookup form:
// lowercase with dashes stripped.
func NormalizeUUID(uuid string) string {
	return strings.ToLower(strings.ReplaceAll(uuid, "-", ""))
}
