// Package domain holds the console's session model.
package domain

import "time"

// State is the coarse authentication state of the console.
type State string

const (
	StateAnonymous      State = "anonymous"
	StateAuthenticated  State = "authenticated"
	StateSessionExpired State = "session_expired"
)

// LogoutReason explains why a session ended.
type LogoutReason string

const (
	ReasonManual        LogoutReason = "manual"
	ReasonExpired       LogoutReason = "expired"
	ReasonRefreshFailed LogoutReason = "refresh_failed"
)

// User-facing messages set on logout.
const (
	MsgSessionExpired = "Session expired. Please login again."
	MsgRefreshFailed  = "Session refresh failed. Please login again."
)

// Profile is the signed-in administrator as returned by the admin API.
// Extra carries any fields the console does not interpret.
type Profile struct {
	ID    string         `json:"id"`
	Email string         `json:"email,omitempty"`
	Name  string         `json:"name,omitempty"`
	Role  string         `json:"role,omitempty"`
	Extra map[string]any `json:"-"`
}

// Credentials is the {token, user} pair issued by login and refresh.
type Credentials struct {
	Token string   `json:"token"`
	User  *Profile `json:"user"`
}

// Session is a point-in-time copy of the auth state.
type Session struct {
	Token           string
	User            *Profile
	IsAuthenticated bool
	SessionExpired  bool
	Error           string
	RememberMe      bool
	// Generation increases on every transition that changes Token.
	Generation uint64
	// ExpiresAt is the token's exp; zero when there is no token.
	ExpiresAt time.Time
}

// State derives the coarse state from the flags.
func (s Session) State() State {
	switch {
	case s.IsAuthenticated:
		return StateAuthenticated
	case s.SessionExpired:
		return StateSessionExpired
	default:
		return StateAnonymous
	}
}
