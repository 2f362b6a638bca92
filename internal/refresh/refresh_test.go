package refresh

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/repository"
	"dispatch-admin/console/internal/session/state"
	"dispatch-admin/console/internal/storage/memory"
)

var t0 = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

// fakeAPI counts exchanges. When gate is non-nil each exchange signals started and
// blocks until gate is closed.
type fakeAPI struct {
	calls   atomic.Int32
	started chan struct{}
	gate    chan struct{}
	respond func(token string) (domain.Credentials, error)
}

func (f *fakeAPI) Refresh(ctx context.Context, token string) (domain.Credentials, error) {
	f.calls.Add(1)
	if f.gate != nil {
		f.started <- struct{}{}
		<-f.gate
	}
	return f.respond(token)
}

type env struct {
	clock   *clock.Fake
	durable *memory.Store
	store   *state.Store
	api     *fakeAPI
	ref     *Refresher
}

func newEnv(t *testing.T, tokenTTL time.Duration, rememberMe bool) *env {
	t.Helper()
	e := &env{clock: clock.NewFake(t0), durable: memory.NewStore()}
	repo := repository.NewCredentialStore(memory.NewStore(), e.durable, repository.Options{Clock: e.clock})
	e.store = state.New(state.Options{Repository: repo, Clock: e.clock})
	e.api = &fakeAPI{respond: func(string) (domain.Credentials, error) {
		return domain.Credentials{Token: security.TokenExpiringAt("admin-1", e.clock.Now().Add(time.Hour))}, nil
	}}
	e.ref = NewRefresher(Options{API: e.api, Store: e.store, Clock: e.clock, Timeout: time.Second})
	login := domain.Credentials{Token: security.TokenExpiringAt("admin-1", t0.Add(tokenTTL)), User: &domain.Profile{ID: "admin-1"}}
	if err := e.store.Login(context.Background(), login, rememberMe); err != nil {
		t.Fatalf("Login: %v", err)
	}
	return e
}

func TestRefresh_Success(t *testing.T) {
	e := newEnv(t, 3*time.Minute, true)
	old, gen, _ := e.store.Current()

	ok, err := e.ref.Refresh(context.Background(), gen)
	if err != nil || !ok {
		t.Fatalf("Refresh = %v, %v", ok, err)
	}
	tok, newGen, authed := e.store.Current()
	if !authed || tok == old || newGen != gen+1 {
		t.Errorf("Current = %q, %d, %v", tok, newGen, authed)
	}
	if e.api.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", e.api.calls.Load())
	}
}

func TestRefresh_SingleFlight(t *testing.T) {
	e := newEnv(t, 3*time.Minute, false)
	e.api.started = make(chan struct{}, 1)
	e.api.gate = make(chan struct{})
	_, gen, _ := e.store.Current()

	const n = 5
	var wg sync.WaitGroup
	results := make([]bool, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = e.ref.Refresh(context.Background(), gen)
		}(i)
	}
	<-e.api.started
	time.Sleep(20 * time.Millisecond)
	close(e.api.gate)
	wg.Wait()

	if got := e.api.calls.Load(); got != 1 {
		t.Errorf("refresh endpoint calls = %d, want 1", got)
	}
	for i := 0; i < n; i++ {
		if errs[i] != nil || !results[i] {
			t.Errorf("caller %d: %v, %v", i, results[i], errs[i])
		}
	}
}

func TestRefresh_AlreadyAdvancedGenerationSkipsNetwork(t *testing.T) {
	e := newEnv(t, 3*time.Minute, false)
	_, gen, _ := e.store.Current()
	if ok, _ := e.ref.Refresh(context.Background(), gen); !ok {
		t.Fatal("first refresh failed")
	}

	ok, err := e.ref.Refresh(context.Background(), gen)
	if err != nil || !ok {
		t.Fatalf("Refresh(old gen) = %v, %v; want true", ok, err)
	}
	if e.api.calls.Load() != 1 {
		t.Errorf("calls = %d, want 1", e.api.calls.Load())
	}
}

func TestRefresh_FailureLogsOut(t *testing.T) {
	e := newEnv(t, 3*time.Minute, true)
	e.api.respond = func(string) (domain.Credentials, error) {
		return domain.Credentials{}, errors.New("connection refused")
	}
	_, gen, _ := e.store.Current()

	ok, err := e.ref.Refresh(context.Background(), gen)
	if ok || !errors.Is(err, ErrRefreshFailed) {
		t.Fatalf("Refresh = %v, %v; want false, ErrRefreshFailed", ok, err)
	}
	snap := e.store.Snapshot()
	if snap.IsAuthenticated || !snap.SessionExpired || snap.Error != domain.MsgSessionExpired {
		t.Errorf("snapshot = %+v", snap)
	}
	if e.durable.Len() != 0 {
		t.Error("failed refresh should clear storage")
	}
}

func TestRefresh_InvalidReturnedTokenIsFailure(t *testing.T) {
	for name, tok := range map[string]string{
		"malformed": "not-a-jwt",
		"expired":   security.TokenExpiringAt("admin-1", t0.Add(-time.Second)),
	} {
		t.Run(name, func(t *testing.T) {
			e := newEnv(t, 3*time.Minute, false)
			e.api.respond = func(string) (domain.Credentials, error) { return domain.Credentials{Token: tok}, nil }
			_, gen, _ := e.store.Current()

			ok, err := e.ref.Refresh(context.Background(), gen)
			if ok || !errors.Is(err, ErrRefreshFailed) {
				t.Fatalf("Refresh = %v, %v", ok, err)
			}
			if e.store.Snapshot().IsAuthenticated {
				t.Error("invalid refreshed token must not be committed")
			}
		})
	}
}

func TestRefresh_NotAuthenticated(t *testing.T) {
	e := newEnv(t, 3*time.Minute, false)
	_ = e.store.Logout(context.Background(), domain.ReasonManual)

	if _, err := e.ref.Refresh(context.Background(), 0); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("Refresh = %v, want ErrNotAuthenticated", err)
	}
	if e.api.calls.Load() != 0 {
		t.Error("no exchange should happen without a session")
	}
}

func TestRefresh_LogoutDuringExchangeWins(t *testing.T) {
	e := newEnv(t, 3*time.Minute, false)
	e.api.started = make(chan struct{}, 1)
	e.api.gate = make(chan struct{})
	_, gen, _ := e.store.Current()

	done := make(chan error, 1)
	go func() {
		_, err := e.ref.Refresh(context.Background(), gen)
		done <- err
	}()
	<-e.api.started
	_ = e.store.Logout(context.Background(), domain.ReasonManual)
	close(e.api.gate)

	if err := <-done; !errors.Is(err, state.ErrStaleTransition) {
		t.Errorf("Refresh = %v, want ErrStaleTransition", err)
	}
	snap := e.store.Snapshot()
	if snap.IsAuthenticated || snap.SessionExpired {
		t.Errorf("manual logout should stand: %+v", snap)
	}
}

func TestRefresh_CallerCancelDoesNotAbortExchange(t *testing.T) {
	e := newEnv(t, 3*time.Minute, false)
	e.api.started = make(chan struct{}, 1)
	e.api.gate = make(chan struct{})
	_, gen, _ := e.store.Current()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := e.ref.Refresh(ctx, gen)
		done <- err
	}()
	<-e.api.started
	cancel()
	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Fatalf("Refresh = %v, want context.Canceled", err)
	}
	close(e.api.gate)

	deadline := time.Now().Add(2 * time.Second)
	generation := func() uint64 { _, g, _ := e.store.Current(); return g }
	for generation() == gen && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if generation() != gen+1 {
		t.Error("exchange should complete after the caller gave up")
	}
}
