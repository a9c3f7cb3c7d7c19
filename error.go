package mosaicd

import "fmt"

type ErrorCode int

// Closed error taxonomy used in logs, the failure ledger and breaker decisions.
const (
	Unknown ErrorCode = iota
	Config
	NotFound
	Corrupt
	Validation
	MissingTable
	NoCalibrator
	LowVisibility
	Transient
	Resource
	Timeout
	CircuitOpen
	Conflict
	Permanent
)

func (c ErrorCode) String() string {
	switch c {
	case Config:
		return "Config"
	case NotFound:
		return "NotFound"
	case Corrupt:
		return "Corrupt"
	case Validation:
		return "Validation"
	case MissingTable:
		return "MissingTable"
	case NoCalibrator:
		return "NoCalibrator"
	case LowVisibility:
		return "LowVisibility"
	case Transient:
		return "Transient"
	case Resource:
		return "Resource"
	case Timeout:
		return "Timeout"
	case CircuitOpen:
		return "CircuitOpen"
	case Conflict:
		return "Conflict"
	case Permanent:
		return "Permanent"
	}
	return "Unknown"
}

// Mosaicd custom error.
type Error struct {
	Code     ErrorCode
	Err      error
	UserData any
}

func (e Error) Error() string {
	if e.UserData == nil {
		return fmt.Errorf("%s: %w", e.Code, e.Err).Error()
	}
	return fmt.Errorf("%s: %w, detail: %v", e.Code, e.Err, e.UserData).Error()
}

func (e Error) Unwrap() error {
	return e.Err
}

// Errorf builds an Error with the given code from a format string.
func Errorf(code ErrorCode, format string, args ...any) error {
	return Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// CodeOf extracts the ErrorCode from err, walking the wrap chain.
// Returns Unknown when err carries no Error.
func CodeOf(err error) ErrorCode {
	for err != nil {
		if e, ok := err.(Error); ok {
			return e.Code
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return Unknown
		}
		err = u.Unwrap()
	}
	return Unknown
}
