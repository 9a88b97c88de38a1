// internal/model/errors.go
package model

import (
	"errors"
	"fmt"
)

// ErrorCategory classifies transport failures for the arbitrator.
// Unavailable must be distinguished from "tried and failed": the
// arbitrator skips unavailable transports with no penalty.
type ErrorCategory string

const (
	CategoryUnavailable ErrorCategory = "unavailable"
	CategoryTimeout     ErrorCategory = "timeout"
	CategoryTransport   ErrorCategory = "transport"
	CategoryProtocol    ErrorCategory = "protocol"
	CategoryDomain      ErrorCategory = "domain"
)

// BridgeError is a categorized transport failure
type BridgeError struct {
	Category  ErrorCategory
	Transport TransportKind
	Err       error
}

func (e *BridgeError) Error() string {
	return fmt.Sprintf("%s (%s): %v", e.Transport, e.Category, e.Err)
}

func (e *BridgeError) Unwrap() error {
	return e.Err
}

// NewUnavailableError marks a transport whose prerequisite is missing
func NewUnavailableError(kind TransportKind, err error) *BridgeError {
	return &BridgeError{Category: CategoryUnavailable, Transport: kind, Err: err}
}

// NewTimeoutError marks a deadline expiry
func NewTimeoutError(kind TransportKind, err error) *BridgeError {
	return &BridgeError{Category: CategoryTimeout, Transport: kind, Err: err}
}

// NewTransportError marks a dropped connection or rejected write
func NewTransportError(kind TransportKind, err error) *BridgeError {
	return &BridgeError{Category: CategoryTransport, Transport: kind, Err: err}
}

// NewDomainError marks an error reported by the firmware itself
func NewDomainError(kind TransportKind, err error) *BridgeError {
	return &BridgeError{Category: CategoryDomain, Transport: kind, Err: err}
}

// Category extracts the error category, defaulting to transport
func Category(err error) ErrorCategory {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Category
	}
	return CategoryTransport
}

// IsUnavailable reports whether err marks a missing prerequisite
func IsUnavailable(err error) bool {
	return Category(err) == CategoryUnavailable
}

// IsTimeout reports whether err marks a deadline expiry
func IsTimeout(err error) bool {
	return Category(err) == CategoryTimeout
}
