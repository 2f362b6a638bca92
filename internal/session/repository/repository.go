package repository

import (
	"context"
	"time"

	"dispatch-admin/console/internal/session/domain"
)

// Repository persists the console's credentials across the session and durable tiers.
// It is the only component that reads or writes those tiers.
type Repository interface {
	// Persist stores token and user for a fresh login and starts a new session-expiry window.
	Persist(ctx context.Context, token string, user *domain.Profile, rememberMe bool) error
	// Rotate replaces token and user after a refresh, keeping the existing session-expiry marker.
	Rotate(ctx context.Context, token string, user *domain.Profile, rememberMe bool) error
	// Clear removes every credential key from both tiers.
	Clear(ctx context.Context) error
	// Recover returns the stored session if it is still usable, clearing it otherwise.
	Recover(ctx context.Context) (RecoverResult, error)
	// Touch records the last-activity instant.
	Touch(ctx context.Context, rememberMe bool) error
	// LastActivity returns the recorded last-activity instant, if any.
	LastActivity(ctx context.Context) (time.Time, bool, error)
}

// RecoverResult is what Recover found. Token is empty when nothing usable was stored.
type RecoverResult struct {
	Token      string
	User       *domain.Profile
	RememberMe bool
	// Discarded is true when a stored token existed but was expired, malformed or
	// past its session-expiry marker, and was cleared.
	Discarded bool
}
