package state

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/repository"
	"dispatch-admin/console/internal/storage/memory"
	teldomain "dispatch-admin/console/internal/telemetry/domain"
)

var t0 = time.Date(2026, 4, 10, 8, 0, 0, 0, time.UTC)

type harness struct {
	clock   *clock.Fake
	session *memory.Store
	durable *memory.Store
	repo    *repository.CredentialStore
	store   *Store
	events  *eventRecorder
}

type eventRecorder struct {
	mu     sync.Mutex
	events []*teldomain.SessionEvent
	ch     chan struct{}
}

func (r *eventRecorder) Emit(ctx context.Context, ev *teldomain.SessionEvent) error {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	r.ch <- struct{}{}
	return nil
}

func (r *eventRecorder) wait(t *testing.T, n int) []*teldomain.SessionEvent {
	t.Helper()
	for i := 0; i < n; i++ {
		select {
		case <-r.ch:
		case <-time.After(2 * time.Second):
			t.Fatalf("waited for %d events, got %d", n, i)
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*teldomain.SessionEvent(nil), r.events...)
}

func newHarness() *harness {
	h := &harness{
		clock:   clock.NewFake(t0),
		session: memory.NewStore(),
		durable: memory.NewStore(),
		events:  &eventRecorder{ch: make(chan struct{}, 64)},
	}
	h.repo = repository.NewCredentialStore(h.session, h.durable, repository.Options{Clock: h.clock})
	h.store = New(Options{Repository: h.repo, Clock: h.clock, Events: h.events})
	return h
}

func (h *harness) token(in time.Duration) string {
	return security.TokenExpiringAt("admin-1", h.clock.Now().Add(in))
}

func creds(token string) domain.Credentials {
	return domain.Credentials{Token: token, User: &domain.Profile{ID: "admin-1", Email: "ops@example.test"}}
}

func TestLogin(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tok := h.token(time.Hour)

	if err := h.store.Login(ctx, creds(tok), true); err != nil {
		t.Fatalf("Login: %v", err)
	}
	snap := h.store.Snapshot()
	if !snap.IsAuthenticated || snap.Token != tok || !snap.RememberMe {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.State() != domain.StateAuthenticated {
		t.Errorf("State = %q", snap.State())
	}
	if !snap.ExpiresAt.Equal(t0.Add(time.Hour)) {
		t.Errorf("ExpiresAt = %v", snap.ExpiresAt)
	}
	if _, ok, _ := h.durable.Get(ctx, repository.KeyToken); !ok {
		t.Error("rememberMe login should persist to the durable tier")
	}
	if evs := h.events.wait(t, 1); evs[0].EventType != teldomain.EventLogin || evs[0].UserID != "admin-1" {
		t.Errorf("event = %+v", evs[0])
	}
}

func TestLogin_RejectsInvalidToken(t *testing.T) {
	h := newHarness()
	for _, tok := range []string{"not-a-jwt", "", h.token(-time.Second)} {
		err := h.store.Login(context.Background(), creds(tok), false)
		if !errors.Is(err, security.ErrMalformedToken) && !errors.Is(err, security.ErrTokenExpired) {
			t.Errorf("Login(%q) = %v, want validity error", tok, err)
		}
	}
	if h.store.Snapshot().IsAuthenticated {
		t.Error("invalid login should not authenticate")
	}
	if h.session.Len() != 0 || h.durable.Len() != 0 {
		t.Error("invalid login should not persist anything")
	}
}

func TestLogout_ReasonsAndMessages(t *testing.T) {
	testCases := []struct {
		reason  domain.LogoutReason
		expired bool
		msg     string
	}{
		{domain.ReasonManual, false, ""},
		{domain.ReasonExpired, true, domain.MsgSessionExpired},
		{domain.ReasonRefreshFailed, false, domain.MsgRefreshFailed},
	}
	for _, tc := range testCases {
		t.Run(string(tc.reason), func(t *testing.T) {
			h := newHarness()
			ctx := context.Background()
			_ = h.store.Login(ctx, creds(h.token(time.Hour)), true)

			if err := h.store.Logout(ctx, tc.reason); err != nil {
				t.Fatalf("Logout: %v", err)
			}
			snap := h.store.Snapshot()
			if snap.IsAuthenticated || snap.Token != "" || snap.User != nil {
				t.Errorf("snapshot after logout = %+v", snap)
			}
			if snap.SessionExpired != tc.expired || snap.Error != tc.msg {
				t.Errorf("SessionExpired=%v Error=%q; want %v %q", snap.SessionExpired, snap.Error, tc.expired, tc.msg)
			}
			if h.durable.Len() != 0 || h.session.Len() != 0 {
				t.Error("logout should clear both tiers")
			}
		})
	}
}

func TestLogout_Idempotent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)

	if err := h.store.Logout(ctx, domain.ReasonExpired); err != nil {
		t.Fatalf("first Logout: %v", err)
	}
	first := h.store.Snapshot()
	if err := h.store.Logout(ctx, domain.ReasonExpired); err != nil {
		t.Fatalf("second Logout: %v", err)
	}
	second := h.store.Snapshot()
	if first != (domain.Session{Generation: first.Generation, SessionExpired: true, Error: domain.MsgSessionExpired}) {
		t.Errorf("first = %+v", first)
	}
	if first.Generation != second.Generation || first.SessionExpired != second.SessionExpired || first.Error != second.Error {
		t.Errorf("second logout changed state: %+v -> %+v", first, second)
	}
	// login + one logout event; the repeated logout emits nothing
	logouts := 0
	for _, ev := range h.events.wait(t, 2) {
		if ev.EventType == teldomain.EventLogout {
			logouts++
			if ev.Reason != "expired" {
				t.Errorf("logout reason = %q", ev.Reason)
			}
		}
	}
	if logouts != 1 {
		t.Errorf("logout events = %d, want 1", logouts)
	}
}

func TestRefreshSuccess_KeepsRememberMe(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(3*time.Minute)), true)
	_, gen, _ := h.store.Current()

	newTok := h.token(time.Hour)
	if err := h.store.RefreshSuccess(ctx, gen, domain.Credentials{Token: newTok}); err != nil {
		t.Fatalf("RefreshSuccess: %v", err)
	}
	snap := h.store.Snapshot()
	if snap.Token != newTok || !snap.RememberMe || snap.Generation != gen+1 {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.User == nil || snap.User.ID != "admin-1" {
		t.Error("nil user in refresh should keep the previous profile")
	}
	if stored, _, _ := h.durable.Get(ctx, repository.KeyToken); stored != newTok {
		t.Error("refreshed token should replace the stored one")
	}
}

func TestRefreshSuccess_AfterLogoutIsStale(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), true)
	_, gen, _ := h.store.Current()
	_ = h.store.Logout(ctx, domain.ReasonManual)

	err := h.store.RefreshSuccess(ctx, gen, creds(h.token(2*time.Hour)))
	if !errors.Is(err, ErrStaleTransition) {
		t.Fatalf("RefreshSuccess after logout = %v, want ErrStaleTransition", err)
	}
	if h.store.Snapshot().IsAuthenticated {
		t.Error("stale refresh must not resurrect the session")
	}
	if h.durable.Len() != 0 {
		t.Error("stale refresh must not write storage")
	}
}

func TestRefreshSuccess_RejectsInvalidToken(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	old := h.token(time.Hour)
	_ = h.store.Login(ctx, creds(old), false)
	_, gen, _ := h.store.Current()

	if err := h.store.RefreshSuccess(ctx, gen, creds("not-a-jwt")); !errors.Is(err, security.ErrMalformedToken) {
		t.Errorf("RefreshSuccess(malformed) = %v", err)
	}
	if tok, _, _ := h.store.Current(); tok != old {
		t.Error("rejected refresh should keep the old token")
	}
}

func TestLogoutIfCurrent(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)
	_, oldGen, _ := h.store.Current()
	_ = h.store.Login(ctx, creds(h.token(2*time.Hour)), false)

	if err := h.store.LogoutIfCurrent(ctx, oldGen, domain.ReasonExpired); !errors.Is(err, ErrStaleTransition) {
		t.Errorf("LogoutIfCurrent(old) = %v, want ErrStaleTransition", err)
	}
	if !h.store.Snapshot().IsAuthenticated {
		t.Error("stale logout must not end the newer session")
	}
	_, gen, _ := h.store.Current()
	if err := h.store.LogoutIfCurrent(ctx, gen, domain.ReasonExpired); err != nil {
		t.Errorf("LogoutIfCurrent(current) = %v", err)
	}
	if !h.store.Snapshot().SessionExpired {
		t.Error("current logout should expire the session")
	}
}

func TestPeriodicRecheck_ExpiresRememberedSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(3600*time.Second)), true)

	h.clock.Advance(3660 * time.Second)
	if err := h.store.PeriodicRecheck(ctx); err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	snap := h.store.Snapshot()
	if snap.State() != domain.StateSessionExpired {
		t.Errorf("State = %q, want session_expired", snap.State())
	}
	if h.durable.Len() != 0 {
		t.Error("storage should be cleared")
	}
}

func TestPeriodicRecheck_ValidSessionNoop(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)
	before := h.store.Snapshot()

	h.clock.Advance(time.Minute)
	if err := h.store.PeriodicRecheck(ctx); err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	if after := h.store.Snapshot(); after.Generation != before.Generation || !after.IsAuthenticated {
		t.Errorf("recheck changed a valid session: %+v -> %+v", before, after)
	}
}

func TestPeriodicRecheck_StorageClearedExternally(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), true)
	_ = h.repo.Clear(ctx)

	if err := h.store.PeriodicRecheck(ctx); err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	if h.store.Snapshot().State() != domain.StateSessionExpired {
		t.Error("missing stored credentials should expire the session")
	}
}

func TestPeriodicRecheck_AnonymousEmptyStoreStaysAnonymous(t *testing.T) {
	h := newHarness()
	if err := h.store.PeriodicRecheck(context.Background()); err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	if s := h.store.Snapshot(); s.State() != domain.StateAnonymous || s.Error != "" {
		t.Errorf("snapshot = %+v", s)
	}
}

func TestPeriodicRecheck_AnonymousDiscardedTokenExpires(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.durable.Set(ctx, repository.KeyToken, h.token(-time.Minute))

	if err := h.store.PeriodicRecheck(ctx); err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	if h.store.Snapshot().State() != domain.StateSessionExpired {
		t.Error("discarded stored token should move to session_expired")
	}
	if h.durable.Len() != 0 {
		t.Error("discarded token should be cleared")
	}
}

func TestPeriodicRecheck_AdoptsStoredToken(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tok := h.token(time.Hour)
	_ = h.durable.Set(ctx, repository.KeyToken, tok)

	if err := h.store.PeriodicRecheck(ctx); err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	if got, _, ok := h.store.Current(); !ok || got != tok {
		t.Errorf("Current = %q, %v; want adopted token", got, ok)
	}
}

func TestRecoverSession(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	tok := h.token(time.Hour)
	_ = h.repo.Persist(ctx, tok, &domain.Profile{ID: "admin-1"}, true)

	ok, err := h.store.RecoverSession(ctx)
	if err != nil || !ok {
		t.Fatalf("RecoverSession = %v, %v", ok, err)
	}
	snap := h.store.Snapshot()
	if !snap.IsAuthenticated || snap.Token != tok || !snap.RememberMe || snap.User.ID != "admin-1" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRecoverSession_ExpiredTokenClearsStorage(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.durable.Set(ctx, repository.KeyToken, h.token(-time.Hour))
	_ = h.durable.Set(ctx, repository.KeyUser, `{"id":"admin-1"}`)

	ok, err := h.store.RecoverSession(ctx)
	if err != nil {
		t.Fatalf("RecoverSession: %v", err)
	}
	if ok || h.store.Snapshot().IsAuthenticated {
		t.Error("expired stored token must not authenticate")
	}
	if h.durable.Len() != 0 {
		t.Errorf("durable Len = %d, want 0", h.durable.Len())
	}
}

func TestClearSessionExpired(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)
	_ = h.store.Logout(ctx, domain.ReasonExpired)

	h.store.ClearSessionExpired()
	h.store.ClearSessionExpired()
	snap := h.store.Snapshot()
	if snap.SessionExpired || snap.Error != "" {
		t.Errorf("snapshot = %+v", snap)
	}
	if snap.State() != domain.StateAnonymous {
		t.Errorf("State = %q", snap.State())
	}
}

func TestSubscribe(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	var states []domain.State
	unsubscribe := h.store.Subscribe(func(s domain.Session) {
		states = append(states, s.State())
	})

	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)
	_ = h.store.Logout(ctx, domain.ReasonExpired)
	unsubscribe()
	h.store.ClearSessionExpired()

	want := []domain.State{domain.StateAuthenticated, domain.StateSessionExpired}
	if len(states) != len(want) {
		t.Fatalf("states = %v, want %v", states, want)
	}
	for i := range want {
		if states[i] != want[i] {
			t.Errorf("states[%d] = %q, want %q", i, states[i], want[i])
		}
	}
}

func TestSnapshot_ProfileIsCopied(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	var seen domain.Session
	unsubscribe := h.store.Subscribe(func(s domain.Session) { seen = s })
	defer unsubscribe()

	c := creds(h.token(time.Hour))
	c.User.Extra = map[string]any{"region": "north"}
	if err := h.store.Login(ctx, c, false); err != nil {
		t.Fatalf("Login: %v", err)
	}
	c.User.Extra["region"] = "caller"
	seen.User.Extra["region"] = "listener"
	snap := h.store.Snapshot()
	if snap.User.Extra["region"] != "north" {
		t.Fatalf("Extra = %v, want region north", snap.User.Extra)
	}
	snap.User.Extra["region"] = "snapshot"
	if again := h.store.Snapshot(); again.User.Extra["region"] != "north" {
		t.Errorf("snapshot mutation leaked into the store: %v", again.User.Extra)
	}
}

func TestTouch(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	if err := h.store.Touch(ctx); err != nil {
		t.Fatalf("anonymous Touch: %v", err)
	}
	if h.session.Len() != 0 {
		t.Error("anonymous Touch should not write")
	}

	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)
	h.clock.Advance(5 * time.Minute)
	if err := h.store.Touch(ctx); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	last, ok, err := h.store.LastActivity(ctx)
	if err != nil || !ok || !last.Equal(t0.Add(5*time.Minute)) {
		t.Errorf("LastActivity = %v, %v", last, ok)
	}
}

func TestConcurrentTransitions(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	_ = h.store.Login(ctx, creds(h.token(time.Hour)), false)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(3)
		go func() { defer wg.Done(); _ = h.store.Logout(ctx, domain.ReasonExpired) }()
		go func() { defer wg.Done(); _ = h.store.PeriodicRecheck(ctx) }()
		go func() { defer wg.Done(); _ = h.store.Snapshot() }()
	}
	wg.Wait()
	if s := h.store.Snapshot(); s.IsAuthenticated || s.Token != "" {
		t.Errorf("snapshot = %+v, want logged out", s)
	}
}

// gatedStore pauses the first token read until release is closed.
type gatedStore struct {
	*memory.Store
	once    sync.Once
	reached chan struct{}
	release chan struct{}
}

func (g *gatedStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok, err := g.Store.Get(ctx, key)
	if key == repository.KeyToken {
		g.once.Do(func() {
			close(g.reached)
			<-g.release
		})
	}
	return v, ok, err
}

func TestPeriodicRecheck_LoginDuringRecoverKeepsCredentials(t *testing.T) {
	ctx := context.Background()
	c := clock.NewFake(t0)
	durable := &gatedStore{Store: memory.NewStore(), reached: make(chan struct{}), release: make(chan struct{})}
	repo := repository.NewCredentialStore(memory.NewStore(), durable, repository.Options{Clock: c})
	store := New(Options{Repository: repo, Clock: c})
	_ = durable.Store.Set(ctx, repository.KeyToken, security.TokenExpiringAt("admin-1", t0.Add(-time.Minute)))

	recheckDone := make(chan error, 1)
	go func() { recheckDone <- store.PeriodicRecheck(ctx) }()
	<-durable.reached

	fresh := security.TokenExpiringAt("admin-1", t0.Add(time.Hour))
	loginDone := make(chan error, 1)
	go func() { loginDone <- store.Login(ctx, creds(fresh), true) }()
	time.Sleep(20 * time.Millisecond)
	close(durable.release)

	if err := <-recheckDone; err != nil {
		t.Fatalf("PeriodicRecheck: %v", err)
	}
	if err := <-loginDone; err != nil {
		t.Fatalf("Login: %v", err)
	}
	if got, _, ok := store.Current(); !ok || got != fresh {
		t.Fatalf("Current = %q, %v; want the fresh login", got, ok)
	}
	if stored, ok, _ := durable.Store.Get(ctx, repository.KeyToken); !ok || stored != fresh {
		t.Errorf("stored token = %q, %v; want the fresh login", stored, ok)
	}

	if err := store.PeriodicRecheck(ctx); err != nil {
		t.Fatalf("second PeriodicRecheck: %v", err)
	}
	if s := store.Snapshot(); !s.IsAuthenticated || s.SessionExpired {
		t.Errorf("snapshot after next tick = %+v, want authenticated", s)
	}
}
