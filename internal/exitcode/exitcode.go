// Package exitcode defines the stable process exit taxonomy of hostprov.
package exitcode

import "errors"

// Code is a process exit status.
type Code int

const (
	Success            Code = 0
	ValidationFailed   Code = 1
	ProvisioningFailed Code = 2
	RollbackFailed     Code = 3
	VerificationFailed Code = 4
	ConfigError        Code = 5
	PermissionDenied   Code = 6
)

func (c Code) String() string {
	switch c {
	case Success:
		return "SUCCESS"
	case ValidationFailed:
		return "VALIDATION_FAILED"
	case ProvisioningFailed:
		return "PROVISIONING_FAILED"
	case RollbackFailed:
		return "ROLLBACK_FAILED"
	case VerificationFailed:
		return "VERIFICATION_FAILED"
	case ConfigError:
		return "CONFIG_ERROR"
	case PermissionDenied:
		return "PERMISSION_DENIED"
	default:
		return "UNKNOWN"
	}
}

// Error carries an exit code through an error chain up to main.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Code.String()
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with an exit code.
func New(code Code, err error) *Error {
	return &Error{Code: code, Err: err}
}

// From extracts the exit code from err. A nil error is Success and an error
// without an attached code is ProvisioningFailed.
func From(err error) Code {
	if err == nil {
		return Success
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ProvisioningFailed
}
