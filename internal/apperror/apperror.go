// Package apperror defines the stable error kinds returned across the engine boundary.
package apperror

import (
	"errors"
	"fmt"
)

// Kind classifies an error so callers can branch without parsing messages.
type Kind string

const (
	NotFound               Kind = "not_found"
	InsufficientCapacity   Kind = "insufficient_capacity"
	UsageExceedsAllocation Kind = "usage_exceeds_allocation"
	OverRelease            Kind = "over_release"
	TenantNotActive        Kind = "tenant_not_active"
	LimitBelowUsage        Kind = "limit_below_usage"
	TenantLimitExceeded    Kind = "tenant_limit_exceeded"
	DuplicateTenant        Kind = "duplicate_tenant"
	NoSeatsAvailable       Kind = "no_seats_available"
	LicenseNotActive       Kind = "license_not_active"
	InvalidRenewalDate     Kind = "invalid_renewal_date"
	ConcurrentModification Kind = "concurrent_modification"
	Forbidden              Kind = "forbidden"
	CycleDetected          Kind = "cycle_detected"
	Invalid                Kind = "invalid"
	Internal               Kind = "internal"
)

// Error carries a Kind, a snake_case code and an optional cause.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is matches by kind. A generic sentinel (message equal to its kind) matches
// every error of that kind; a specific sentinel also requires the same code.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok || t.Kind != e.Kind {
		return false
	}
	return t.Message == string(t.Kind) || t.Message == e.Message
}

// New builds an error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap attaches a cause to a new error of the given kind.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, Err: err}
}

// KindOf returns the kind of err, or Internal when err carries none.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Internal
}

// Is reports whether err is of the given kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

var (
	ErrNotFound               = New(NotFound, string(NotFound))
	ErrInsufficientCapacity   = New(InsufficientCapacity, string(InsufficientCapacity))
	ErrUsageExceedsAllocation = New(UsageExceedsAllocation, string(UsageExceedsAllocation))
	ErrOverRelease            = New(OverRelease, string(OverRelease))
	ErrTenantNotActive        = New(TenantNotActive, string(TenantNotActive))
	ErrLimitBelowUsage        = New(LimitBelowUsage, string(LimitBelowUsage))
	ErrTenantLimitExceeded    = New(TenantLimitExceeded, string(TenantLimitExceeded))
	ErrDuplicateTenant        = New(DuplicateTenant, string(DuplicateTenant))
	ErrNoSeatsAvailable       = New(NoSeatsAvailable, string(NoSeatsAvailable))
	ErrLicenseNotActive       = New(LicenseNotActive, string(LicenseNotActive))
	ErrInvalidRenewalDate     = New(InvalidRenewalDate, string(InvalidRenewalDate))
	ErrConcurrentModification = New(ConcurrentModification, string(ConcurrentModification))
	ErrForbidden              = New(Forbidden, string(Forbidden))
	ErrCycleDetected          = New(CycleDetected, string(CycleDetected))
	ErrInvalid                = New(Invalid, string(Invalid))
	ErrInternal               = New(Internal, string(Internal))
)
