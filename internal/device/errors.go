package device

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ErrNotConnected is returned when an operation needs an open link and none exists.
var ErrNotConnected = errors.New("device disconnected")

// ConnectionError wraps a failed link operation. It is transient: callers may retry.
type ConnectionError struct {
	Op      string
	Address string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("device %s: %s: %v", e.Address, e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionLoss reports whether err indicates the link has dropped.
func IsConnectionLoss(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrNotConnected) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "unreachable") || strings.Contains(msg, "disconnected")
}

var bluetoothAddress = regexp.MustCompile(`^([0-9A-Fa-f]{2}[:-]){5}[0-9A-Fa-f]{2}$`)

// ValidAddress reports whether address is a Bluetooth MAC address.
func ValidAddress(address string) bool {
	return bluetoothAddress.MatchString(address)
}
