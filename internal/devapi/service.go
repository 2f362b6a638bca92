// Package devapi is a local stand-in for the admin API: password login, token
// refresh with rotation, and a bearer-protected business endpoint.
package devapi

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
)

// Sentinel errors for the auth service; the handler maps them to HTTP statuses.
var (
	ErrEmailAlreadyRegistered = errors.New("email already registered")
	ErrInvalidCredentials     = errors.New("invalid credentials")
	ErrInvalidRefreshToken    = errors.New("invalid or expired refresh token")
	ErrTokenReuse             = errors.New("token reuse detected; all sessions revoked")
	ErrUnauthenticated        = errors.New("missing or invalid authorization")
)

// Account is a dashboard user.
type Account struct {
	ID           string
	Email        string
	Name         string
	Role         string
	PasswordHash string
}

// Profile is the user object returned alongside a token.
func (a *Account) Profile() *domain.Profile {
	return &domain.Profile{ID: a.ID, Email: a.Email, Name: a.Name, Role: a.Role}
}

// AuthResult is the outcome of Login or Refresh.
type AuthResult struct {
	Token     string
	ExpiresAt time.Time
	Account   *Account
}

// session tracks the one live token of a login. A token that hashes to an older
// value of the same session is a replay.
type session struct {
	id          string
	userID      string
	currentHash string
	revokedAt   *time.Time
	lastSeen    time.Time
}

// AuthService implements login, refresh with rotation, bearer checks and revocation in memory.
type AuthService struct {
	mu       sync.Mutex
	accounts map[string]*Account // by email
	byID     map[string]*Account
	sessions map[string]*session
	byHash   map[string]string // token hash -> session id, including rotated tokens

	hasher *security.PasswordHasher
	tokens *security.TokenIssuer
	nowF   func() time.Time
}

// NewAuthService returns an AuthService with no accounts. nowF may be nil for the wall clock.
func NewAuthService(tokens *security.TokenIssuer, hasher *security.PasswordHasher, nowF func() time.Time) *AuthService {
	if nowF == nil {
		nowF = func() time.Time { return time.Now().UTC() }
	}
	return &AuthService{
		accounts: make(map[string]*Account),
		byID:     make(map[string]*Account),
		sessions: make(map[string]*session),
		byHash:   make(map[string]string),
		hasher:   hasher,
		tokens:   tokens,
		nowF:     nowF,
	}
}

// Register adds an account with a bcrypt-hashed password.
func (s *AuthService) Register(ctx context.Context, email, password, name, role string) (*Account, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, errors.New("password must be at least 8 characters")
	}
	hashed, err := s.hasher.Hash(password)
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.accounts[email]; ok {
		return nil, ErrEmailAlreadyRegistered
	}
	acct := &Account{
		ID:           uuid.New().String(),
		Email:        email,
		Name:         strings.TrimSpace(name),
		Role:         role,
		PasswordHash: hashed,
	}
	s.accounts[email] = acct
	s.byID[acct.ID] = acct
	return acct, nil
}

// Login checks email and password and opens a session.
func (s *AuthService) Login(ctx context.Context, email, password string) (*AuthResult, error) {
	email = strings.TrimSpace(strings.ToLower(email))
	if email == "" || password == "" {
		return nil, ErrInvalidCredentials
	}
	s.mu.Lock()
	acct := s.accounts[email]
	s.mu.Unlock()
	if acct == nil || !s.hasher.Matches(acct.PasswordHash, password) {
		return nil, ErrInvalidCredentials
	}
	token, exp, err := s.tokens.Issue(acct.ID, acct.Role)
	if err != nil {
		return nil, err
	}
	sess := &session{
		id:          uuid.New().String(),
		userID:      acct.ID,
		currentHash: security.HashToken(token),
		lastSeen:    s.nowF(),
	}
	s.mu.Lock()
	s.sessions[sess.id] = sess
	s.byHash[sess.currentHash] = sess.id
	s.mu.Unlock()
	return &AuthResult{Token: token, ExpiresAt: exp, Account: acct}, nil
}

// Refresh rotates the session's token. Presenting a token that was already rotated
// revokes every session of the user.
func (s *AuthService) Refresh(ctx context.Context, token string) (*AuthResult, error) {
	if token == "" {
		return nil, ErrInvalidRefreshToken
	}
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, ErrInvalidRefreshToken
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionForLocked(token)
	if sess == nil || sess.revokedAt != nil || sess.userID != claims.Subject {
		return nil, ErrInvalidRefreshToken
	}
	if !security.TokenHashEqual(token, sess.currentHash) {
		s.revokeUserLocked(sess.userID)
		return nil, ErrTokenReuse
	}
	acct := s.byID[sess.userID]
	if acct == nil {
		return nil, ErrInvalidRefreshToken
	}
	next, exp, err := s.tokens.Issue(acct.ID, acct.Role)
	if err != nil {
		return nil, err
	}
	sess.currentHash = security.HashToken(next)
	sess.lastSeen = s.nowF()
	s.byHash[sess.currentHash] = sess.id
	return &AuthResult{Token: next, ExpiresAt: exp, Account: acct}, nil
}

// Authenticate resolves a bearer token to its account. Only the session's current,
// unrevoked token is accepted.
func (s *AuthService) Authenticate(ctx context.Context, token string) (*Account, error) {
	claims, err := s.tokens.Verify(token)
	if err != nil {
		return nil, ErrUnauthenticated
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sessionForLocked(token)
	if sess == nil || sess.revokedAt != nil || sess.userID != claims.Subject || !security.TokenHashEqual(token, sess.currentHash) {
		return nil, ErrUnauthenticated
	}
	sess.lastSeen = s.nowF()
	acct := s.byID[sess.userID]
	if acct == nil {
		return nil, ErrUnauthenticated
	}
	return acct, nil
}

// RevokeUser ends every session of userID and returns how many were live.
func (s *AuthService) RevokeUser(ctx context.Context, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.revokeUserLocked(userID)
}

func (s *AuthService) revokeUserLocked(userID string) int {
	now := s.nowF()
	n := 0
	for _, sess := range s.sessions {
		if sess.userID == userID && sess.revokedAt == nil {
			sess.revokedAt = &now
			n++
		}
	}
	return n
}

func (s *AuthService) sessionForLocked(token string) *session {
	id, ok := s.byHash[security.HashToken(token)]
	if !ok {
		return nil
	}
	return s.sessions[id]
}

func validateEmail(email string) error {
	if email == "" {
		return errors.New("email is required")
	}
	const simpleEmail = `^[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}$`
	ok, _ := regexp.MatchString(simpleEmail, email)
	if !ok {
		return errors.New("invalid email format")
	}
	return nil
}
