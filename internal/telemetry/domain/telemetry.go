// Package domain defines the session events the console emits.
package domain

import "time"

// Event types.
const (
	EventLogin      = "session.login"
	EventLogout     = "session.logout"
	EventRefreshed  = "session.refreshed"
	EventRecovered  = "session.recovered"
	EventRefreshErr = "session.refresh_failed"
)

// SessionEvent is one auth state transition. It never carries the token.
type SessionEvent struct {
	ID         string    `json:"id"`
	EventType  string    `json:"eventType"`
	Reason     string    `json:"reason,omitempty"`
	UserID     string    `json:"userId,omitempty"`
	Generation uint64    `json:"generation"`
	RememberMe bool      `json:"rememberMe,omitempty"`
	Source     string    `json:"source"`
	CreatedAt  time.Time `json:"createdAt"`
}
