// Package repository stores console credentials in two storage tiers.
package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/storage"
)

// Storage keys, identical in both tiers.
const (
	KeyToken         = "token"
	KeyUser          = "user"
	KeySessionExpiry = "session_expiry"
	KeyLastActivity  = "last_activity"
)

// TimestampLayout is the ISO-8601 form used for session_expiry and last_activity.
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var allKeys = []string{KeyToken, KeyUser, KeySessionExpiry, KeyLastActivity}

// Options configures a CredentialStore.
type Options struct {
	// SessionMaxAge bounds a session that was not remembered. Default 24h.
	SessionMaxAge time.Duration
	// RememberMeMaxAge bounds a remembered session. Default 30 days.
	RememberMeMaxAge time.Duration
	// MirrorToDurable also writes non-remembered sessions to the durable tier.
	MirrorToDurable bool
	Clock           clock.Clock
}

// CredentialStore implements Repository over a session tier and a durable tier.
type CredentialStore struct {
	session storage.Store
	durable storage.Store
	opts    Options
	clock   clock.Clock
}

// NewCredentialStore returns a CredentialStore. Zero durations in opts take their defaults.
func NewCredentialStore(session, durable storage.Store, opts Options) *CredentialStore {
	if opts.SessionMaxAge <= 0 {
		opts.SessionMaxAge = 24 * time.Hour
	}
	if opts.RememberMeMaxAge <= 0 {
		opts.RememberMeMaxAge = 30 * 24 * time.Hour
	}
	return &CredentialStore{
		session: session,
		durable: durable,
		opts:    opts,
		clock:   clock.OrSystem(opts.Clock),
	}
}

// tiers returns the tiers a session with rememberMe is written to, and the tiers it must not linger in.
func (s *CredentialStore) tiers(rememberMe bool) (write, stale []storage.Store) {
	switch {
	case rememberMe:
		return []storage.Store{s.durable}, []storage.Store{s.session}
	case s.opts.MirrorToDurable:
		return []storage.Store{s.session, s.durable}, nil
	default:
		return []storage.Store{s.session}, []storage.Store{s.durable}
	}
}

// Persist writes token, user, a new session-expiry marker and last activity.
func (s *CredentialStore) Persist(ctx context.Context, token string, user *domain.Profile, rememberMe bool) error {
	now := s.clock.Now()
	maxAge := s.opts.SessionMaxAge
	if rememberMe {
		maxAge = s.opts.RememberMeMaxAge
	}
	return s.write(ctx, token, user, rememberMe, map[string]string{
		KeySessionExpiry: now.Add(maxAge).UTC().Format(TimestampLayout),
		KeyLastActivity:  now.UTC().Format(TimestampLayout),
	})
}

// Rotate writes token and user, keeping the session-expiry marker already stored.
// A missing marker is recreated as on Persist.
func (s *CredentialStore) Rotate(ctx context.Context, token string, user *domain.Profile, rememberMe bool) error {
	write, _ := s.tiers(rememberMe)
	if _, ok, err := write[0].Get(ctx, KeySessionExpiry); err != nil {
		return err
	} else if !ok {
		return s.Persist(ctx, token, user, rememberMe)
	}
	return s.write(ctx, token, user, rememberMe, nil)
}

func (s *CredentialStore) write(ctx context.Context, token string, user *domain.Profile, rememberMe bool, extra map[string]string) error {
	userJSON, err := json.Marshal(user)
	if err != nil {
		return fmt.Errorf("encode user: %w", err)
	}
	write, stale := s.tiers(rememberMe)
	for _, tier := range write {
		if err := tier.Set(ctx, KeyToken, token); err != nil {
			return err
		}
		if err := tier.Set(ctx, KeyUser, string(userJSON)); err != nil {
			return err
		}
		for k, v := range extra {
			if err := tier.Set(ctx, k, v); err != nil {
				return err
			}
		}
	}
	var errs []error
	for _, tier := range stale {
		errs = append(errs, clearTier(ctx, tier))
	}
	return errors.Join(errs...)
}

// Clear removes all credential keys from both tiers. Clearing empty tiers is not an error.
func (s *CredentialStore) Clear(ctx context.Context) error {
	return errors.Join(clearTier(ctx, s.session), clearTier(ctx, s.durable))
}

func clearTier(ctx context.Context, tier storage.Store) error {
	var errs []error
	for _, k := range allKeys {
		errs = append(errs, tier.Delete(ctx, k))
	}
	return errors.Join(errs...)
}

// Recover looks in the session tier, then the durable tier. A token that is past its
// session-expiry marker or fails the validity check is cleared from both tiers and
// reported as Discarded.
func (s *CredentialStore) Recover(ctx context.Context) (RecoverResult, error) {
	for _, src := range []struct {
		tier       storage.Store
		rememberMe bool
	}{{s.session, false}, {s.durable, true}} {
		token, ok, err := src.tier.Get(ctx, KeyToken)
		if err != nil {
			return RecoverResult{}, err
		}
		if !ok || token == "" {
			continue
		}
		now := s.clock.Now()
		if s.pastMarker(ctx, src.tier, now) || !security.IsValid(token, now) {
			return RecoverResult{Discarded: true}, s.Clear(ctx)
		}
		res := RecoverResult{Token: token, RememberMe: src.rememberMe}
		if raw, ok, err := src.tier.Get(ctx, KeyUser); err != nil {
			return RecoverResult{}, err
		} else if ok && raw != "" && raw != "null" {
			var p domain.Profile
			if json.Unmarshal([]byte(raw), &p) == nil {
				res.User = &p
			}
		}
		return res, nil
	}
	return RecoverResult{}, nil
}

// pastMarker reports whether tier's session-expiry marker is before now.
// A missing or unreadable marker does not expire the session.
func (s *CredentialStore) pastMarker(ctx context.Context, tier storage.Store, now time.Time) bool {
	raw, ok, err := tier.Get(ctx, KeySessionExpiry)
	if err != nil || !ok {
		return false
	}
	marker, err := time.Parse(TimestampLayout, raw)
	if err != nil {
		return false
	}
	return now.After(marker)
}

// Touch writes the current instant as last activity.
func (s *CredentialStore) Touch(ctx context.Context, rememberMe bool) error {
	ts := s.clock.Now().UTC().Format(TimestampLayout)
	write, _ := s.tiers(rememberMe)
	for _, tier := range write {
		if err := tier.Set(ctx, KeyLastActivity, ts); err != nil {
			return err
		}
	}
	return nil
}

// LastActivity returns the most recent last-activity instant found in either tier.
func (s *CredentialStore) LastActivity(ctx context.Context) (time.Time, bool, error) {
	var latest time.Time
	for _, tier := range []storage.Store{s.session, s.durable} {
		raw, ok, err := tier.Get(ctx, KeyLastActivity)
		if err != nil {
			return time.Time{}, false, err
		}
		if !ok {
			continue
		}
		if ts, err := time.Parse(TimestampLayout, raw); err == nil && ts.After(latest) {
			latest = ts
		}
	}
	return latest, !latest.IsZero(), nil
}
