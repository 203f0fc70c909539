package adapter

import (
	"errors"
	"fmt"
	"strings"
)

// Normalized radio error codes.
var (
	ErrInvalidRange = errors.New("INVALID_RANGE")
	ErrBusy         = errors.New("BUSY")
	ErrUnavailable  = errors.New("UNAVAILABLE")
	ErrInternal     = errors.New("INTERNAL")
)

// ErrUnrecoverable marks errors after which the radio stack state is unknown and the
// node must be torn down.
var ErrUnrecoverable = errors.New("radio stack in unknown state")

// StackMap defines the error token mapping for one BLE stack.
type StackMap struct {
	Range       []string // Tokens that map to INVALID_RANGE
	Busy        []string // Tokens that map to BUSY
	Unavailable []string // Tokens that map to UNAVAILABLE
}

// StackErrorMappings contains the deterministic error mapping tables per stack.
//
// Matching is a case-insensitive substring search over the error message. Categories are
// checked in the order range, busy, unavailable; anything unmatched maps to INTERNAL.
// Stacks without an entry fall back to "generic".
var StackErrorMappings = map[string]StackMap{
	"bluez": {
		Range: []string{
			"org.bluez.Error.InvalidArguments",
			"org.bluez.Error.InvalidLength",
			"org.bluez.Error.InvalidOffset",
			"INVALID_RANGE",
		},
		Busy: []string{
			"org.bluez.Error.InProgress",
			"org.bluez.Error.AlreadyExists",
			"org.bluez.Error.Busy",
			"org.freedesktop.DBus.Error.LimitsExceeded",
		},
		Unavailable: []string{
			"org.bluez.Error.NotReady",
			"org.bluez.Error.NotAvailable",
			"org.bluez.Error.NotPermitted",
			"org.freedesktop.DBus.Error.ServiceUnknown",
			"org.freedesktop.DBus.Error.NoReply",
			"org.freedesktop.DBus.Error.Disconnected",
			"no such adapter",
		},
	},
	"generic": {
		Range: []string{
			"OUT_OF_RANGE",
			"INVALID_PARAMETER",
			"INVALID_RANGE",
			"INVALID_ARG",
			"BAD_VALUE",
		},
		Busy: []string{
			"BUSY",
			"IN_PROGRESS",
			"INVALID_STATE",
			"RETRY",
		},
		Unavailable: []string{
			"UNAVAILABLE",
			"NOT_READY",
			"NOT_ENABLED",
			"OFFLINE",
		},
	},
}

// HardwareError is a radio call failure. It carries the operation that failed, the
// normalized code and the original stack error for diagnostics.
type HardwareError struct {
	Op   string // Radio operation, e.g. "start_scan"
	Code error  // Normalized code
	Err  error  // Stack error
}

func (e *HardwareError) Error() string {
	return fmt.Sprintf("%s: %v (stack: %v)", e.Op, e.Code, e.Err)
}

// Unwrap returns the stack error.
func (e *HardwareError) Unwrap() error {
	return e.Err
}

// Is reports whether target is the normalized code or ErrUnrecoverable.
func (e *HardwareError) Is(target error) bool {
	return target == ErrUnrecoverable || target == e.Code
}

// Fatal wraps a stack error for operation op using the generic mapping table.
func Fatal(op string, stackErr error) error {
	return FatalWithStack(op, stackErr, "generic")
}

// FatalWithStack wraps a stack error for operation op using the mapping table of stackID.
// A nil error returns nil. An error that is already a HardwareError is returned unchanged.
func FatalWithStack(op string, stackErr error, stackID string) error {
	if stackErr == nil {
		return nil
	}
	var hw *HardwareError
	if errors.As(stackErr, &hw) {
		return stackErr
	}
	return &HardwareError{
		Op:   op,
		Code: mapStackErrorToCode(stackErr.Error(), stackID),
		Err:  stackErr,
	}
}

// IsFatal reports whether err leaves the radio in an unknown state.
func IsFatal(err error) bool {
	return errors.Is(err, ErrUnrecoverable)
}

func mapStackErrorToCode(msg string, stackID string) error {
	stackMap, exists := StackErrorMappings[stackID]
	if !exists {
		stackMap = StackErrorMappings["generic"]
	}

	upperMsg := strings.ToUpper(msg)

	for _, token := range stackMap.Range {
		if strings.Contains(upperMsg, strings.ToUpper(token)) {
			return ErrInvalidRange
		}
	}

	for _, token := range stackMap.Busy {
		if strings.Contains(upperMsg, strings.ToUpper(token)) {
			return ErrBusy
		}
	}

	for _, token := range stackMap.Unavailable {
		if strings.Contains(upperMsg, strings.ToUpper(token)) {
			return ErrUnavailable
		}
	}

	return ErrInternal
}
