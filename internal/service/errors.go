package service

import (
	"errors"
	"fmt"
)

var (
	// ErrRequestNotFound is returned when a pending request has already
	// been claimed by another admin action or never existed.
	ErrRequestNotFound = errors.New("pending request not found")

	// ErrKeyNotFound is returned when a client email cannot be located
	// on the panel.
	ErrKeyNotFound = errors.New("key not found on panel")

	// ErrUserBlocked is returned for user-initiated operations while the
	// user's block window is active.
	ErrUserBlocked = errors.New("user is blocked")
)

// ProvisioningError wraps a panel failure with the operation that hit it,
// so handlers can report which step of issuing a key went wrong.
type ProvisioningError struct {
	Op  string
	Err error
}

func (e *ProvisioningError) Error() string {
	return fmt.Sprintf("provisioning %s: %v", e.Op, e.Err)
}

func (e *ProvisioningError) Unwrap() error { return e.Err }
