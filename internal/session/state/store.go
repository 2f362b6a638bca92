// Package state is the console's single source of truth for authentication state.
//
// Store is a small state machine (anonymous, authenticated, session expired) mutated
// only through its transition methods. Every transition that changes the token bumps
// a generation counter; callbacks from network calls pass the generation they started
// from and are dropped when it no longer matches.
package state

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/repository"
	"dispatch-admin/console/internal/telemetry"
	teldomain "dispatch-admin/console/internal/telemetry/domain"
)

// ErrStaleTransition is returned when a transition was computed against a generation
// that is no longer current (e.g. a refresh finishing after a manual logout).
var ErrStaleTransition = errors.New("stale session transition")

// Listener observes every committed transition. It runs synchronously and in commit
// order; it may read the Store but must not call transition methods.
type Listener func(domain.Session)

// Options configures a Store.
type Options struct {
	Repository repository.Repository
	Clock      clock.Clock
	Logger     *zap.Logger
	// Events receives one SessionEvent per transition. May be nil.
	Events telemetry.EventEmitter
}

// Store holds the live session. The zero value is not usable; call New.
type Store struct {
	mu   sync.Mutex
	sess domain.Session

	notifyMu  sync.Mutex
	listeners map[int]Listener
	nextID    int

	repo   repository.Repository
	clock  clock.Clock
	logger *zap.Logger
	events telemetry.EventEmitter
}

// New returns an anonymous Store. Call RecoverSession to pick up stored credentials.
func New(opts Options) *Store {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{
		repo:      opts.Repository,
		clock:     clock.OrSystem(opts.Clock),
		logger:    logger.With(zap.String("component", "session")),
		events:    opts.Events,
		listeners: make(map[int]Listener),
	}
}

// Snapshot returns a copy of the current session.
func (s *Store) Snapshot() domain.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

func (s *Store) snapshotLocked() domain.Session {
	out := s.sess
	out.User = cloneProfile(out.User)
	return out
}

func cloneProfile(p *domain.Profile) *domain.Profile {
	if p == nil {
		return nil
	}
	u := *p
	u.Extra = maps.Clone(p.Extra)
	return &u
}

// Current returns the token and generation to sign a request with. ok is false when
// the session is not authenticated.
func (s *Store) Current() (token string, generation uint64, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess.Token, s.sess.Generation, s.sess.IsAuthenticated
}

// Subscribe registers l and returns a function that removes it.
func (s *Store) Subscribe(l Listener) (unsubscribe func()) {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = l
	return func() {
		s.notifyMu.Lock()
		defer s.notifyMu.Unlock()
		delete(s.listeners, id)
	}
}

// commitLocked publishes the current state to listeners. It must be called with s.mu
// held and releases it.
func (s *Store) commitLocked() {
	snap := s.snapshotLocked()
	s.notifyMu.Lock()
	s.mu.Unlock()
	defer s.notifyMu.Unlock()
	for _, l := range s.listeners {
		l(snap)
	}
}

func (s *Store) emit(ctx context.Context, eventType string, reason domain.LogoutReason, user *domain.Profile, gen uint64, rememberMe bool) {
	ev := &teldomain.SessionEvent{
		ID:         uuid.NewString(),
		EventType:  eventType,
		Reason:     string(reason),
		Generation: gen,
		RememberMe: rememberMe,
		Source:     "console",
		CreatedAt:  s.clock.Now().UTC(),
	}
	if user != nil {
		ev.UserID = user.ID
	}
	telemetry.EmitAsync(ctx, s.events, ev, s.logger)
}

// Login moves to Authenticated with creds. A token the validity oracle rejects is
// refused without changing state; so is a persistence failure.
func (s *Store) Login(ctx context.Context, creds domain.Credentials, rememberMe bool) error {
	if err := security.Check(creds.Token, s.clock.Now()); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	s.mu.Lock()
	if err := s.repo.Persist(ctx, creds.Token, creds.User, rememberMe); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("login: persist credentials: %w", err)
	}
	s.setAuthenticatedLocked(creds.Token, creds.User, rememberMe)
	gen := s.sess.Generation
	s.logger.Info("session: login", zap.Uint64("generation", gen), zap.Bool("remember_me", rememberMe))
	s.emit(ctx, teldomain.EventLogin, "", creds.User, gen, rememberMe)
	s.commitLocked()
	return nil
}

func (s *Store) setAuthenticatedLocked(token string, user *domain.Profile, rememberMe bool) {
	exp, _ := security.ExpirationInstant(token)
	s.sess = domain.Session{
		Token:           token,
		User:            cloneProfile(user),
		IsAuthenticated: true,
		RememberMe:      rememberMe,
		Generation:      s.sess.Generation + 1,
		ExpiresAt:       exp,
	}
}

// Logout clears the session and both storage tiers. It is idempotent: repeating it
// leaves the same terminal state. ReasonExpired sets SessionExpired and its message;
// ReasonRefreshFailed sets its message only; ReasonManual clears the error.
// The in-memory state is cleared even when storage fails; the storage error is returned.
func (s *Store) Logout(ctx context.Context, reason domain.LogoutReason) error {
	s.mu.Lock()
	return s.logoutLocked(ctx, reason)
}

// LogoutIfCurrent logs out only if generation is still current.
func (s *Store) LogoutIfCurrent(ctx context.Context, generation uint64, reason domain.LogoutReason) error {
	s.mu.Lock()
	if s.sess.Generation != generation {
		s.mu.Unlock()
		return ErrStaleTransition
	}
	return s.logoutLocked(ctx, reason)
}

// logoutLocked must be called with s.mu held; it releases it.
func (s *Store) logoutLocked(ctx context.Context, reason domain.LogoutReason) error {
	clearErr := s.repo.Clear(ctx)
	if clearErr != nil {
		s.logger.Warn("session: clear credentials", zap.Error(clearErr))
	}
	prev := s.sess
	next := domain.Session{Generation: prev.Generation}
	if prev.Token != "" {
		next.Generation++
	}
	switch reason {
	case domain.ReasonExpired:
		next.SessionExpired = true
		next.Error = domain.MsgSessionExpired
	case domain.ReasonRefreshFailed:
		next.Error = domain.MsgRefreshFailed
	}
	s.sess = next
	if prev.Token != "" {
		s.logger.Info("session: logout", zap.String("reason", string(reason)), zap.Uint64("generation", next.Generation))
		s.emit(ctx, teldomain.EventLogout, reason, prev.User, next.Generation, prev.RememberMe)
	}
	s.commitLocked()
	return clearErr
}

// RefreshSuccess installs a refreshed token if generation is still current and the
// session is authenticated. rememberMe is kept; a nil user keeps the previous profile.
func (s *Store) RefreshSuccess(ctx context.Context, generation uint64, creds domain.Credentials) error {
	now := s.clock.Now()
	s.mu.Lock()
	if s.sess.Generation != generation || !s.sess.IsAuthenticated {
		s.mu.Unlock()
		return ErrStaleTransition
	}
	if err := security.Check(creds.Token, now); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("refresh: %w", err)
	}
	user := creds.User
	if user == nil {
		user = s.sess.User
	}
	rememberMe := s.sess.RememberMe
	if err := s.repo.Rotate(ctx, creds.Token, user, rememberMe); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("refresh: persist credentials: %w", err)
	}
	s.setAuthenticatedLocked(creds.Token, user, rememberMe)
	gen := s.sess.Generation
	s.logger.Debug("session: token refreshed", zap.Uint64("generation", gen), zap.Time("expires_at", s.sess.ExpiresAt))
	s.emit(ctx, teldomain.EventRefreshed, "", user, gen, rememberMe)
	s.commitLocked()
	return nil
}

// RecoverSession adopts stored credentials at startup without network I/O.
// It reports whether the session is now authenticated.
func (s *Store) RecoverSession(ctx context.Context) (bool, error) {
	s.mu.Lock()
	res, err := s.repo.Recover(ctx)
	if err != nil {
		s.mu.Unlock()
		return false, fmt.Errorf("recover session: %w", err)
	}
	if res.Token == "" {
		if res.Discarded {
			s.logger.Info("session: stored credentials expired and were cleared")
		}
		s.mu.Unlock()
		return false, nil
	}
	s.adoptLocked(ctx, res)
	return true, nil
}

// adoptLocked must be called with s.mu held; it releases it.
func (s *Store) adoptLocked(ctx context.Context, res repository.RecoverResult) {
	s.setAuthenticatedLocked(res.Token, res.User, res.RememberMe)
	gen := s.sess.Generation
	s.logger.Info("session: recovered", zap.Uint64("generation", gen), zap.Bool("remember_me", res.RememberMe))
	s.emit(ctx, teldomain.EventRecovered, "", res.User, gen, res.RememberMe)
	s.commitLocked()
}

// PeriodicRecheck re-derives the session from storage.
//
// Authenticated: an in-memory token that is no longer valid, or storage that no longer
// yields a usable token, logs out with ReasonExpired; a different valid stored token
// (rotated by another process sharing the durable tier) is adopted.
// Anonymous or expired: a stored token that had to be discarded moves to SessionExpired;
// a valid stored token is adopted; an empty store is a no-op.
func (s *Store) PeriodicRecheck(ctx context.Context) error {
	// Recover may clear storage, so it runs under s.mu like every other storage write.
	s.mu.Lock()
	authenticated := s.sess.IsAuthenticated
	token := s.sess.Token

	if authenticated && !security.IsValid(token, s.clock.Now()) {
		return s.logoutLocked(ctx, domain.ReasonExpired)
	}

	res, err := s.repo.Recover(ctx)
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("recheck: %w", err)
	}

	switch {
	case authenticated && res.Token == "":
		return s.logoutLocked(ctx, domain.ReasonExpired)
	case authenticated && res.Token != token:
		s.adoptLocked(ctx, res)
	case !authenticated && res.Token != "":
		s.adoptLocked(ctx, res)
	case !authenticated && res.Discarded:
		return s.logoutLocked(ctx, domain.ReasonExpired)
	default:
		s.mu.Unlock()
	}
	return nil
}

// ClearSessionExpired resets SessionExpired and Error; token and user are untouched.
func (s *Store) ClearSessionExpired() {
	s.mu.Lock()
	if !s.sess.SessionExpired && s.sess.Error == "" {
		s.mu.Unlock()
		return
	}
	s.sess.SessionExpired = false
	s.sess.Error = ""
	s.commitLocked()
}

// LastActivity returns the most recent recorded activity. ok is false when none is stored.
func (s *Store) LastActivity(ctx context.Context) (at time.Time, ok bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.repo.LastActivity(ctx)
}

// Touch records activity for an authenticated session. Anonymous sessions are a no-op.
func (s *Store) Touch(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.sess.IsAuthenticated {
		return nil
	}
	return s.repo.Touch(ctx, s.sess.RememberMe)
}
