package gateway

import (
	"errors"
	"fmt"

	"dispatch-admin/console/internal/session/domain"
)

// ErrInvalidToken aborts a request whose stored token failed the validity check
// before it reached the network. The session has been logged out with ReasonExpired.
var ErrInvalidToken = errors.New("gateway: invalid token")

// DeniedError is a terminal 401/403: the single refresh-and-retry (if any) did not
// help and the session has ended with Reason.
type DeniedError struct {
	Status int
	Reason domain.LogoutReason
	// Err is the refresh failure that made the denial terminal, if any.
	Err error
}

func (e *DeniedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("gateway: request denied (status %d), session ended (%s): %v", e.Status, e.Reason, e.Err)
	}
	return fmt.Sprintf("gateway: request denied (status %d), session ended (%s)", e.Status, e.Reason)
}

func (e *DeniedError) Unwrap() error { return e.Err }
