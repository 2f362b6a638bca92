// Package refresh exchanges expiring tokens for new ones, one exchange at a time.
package refresh

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/state"
)

const instrumentationName = "dispatch-admin/console/refresh"

var (
	// ErrRefreshFailed wraps every failed exchange. The session has been logged out
	// (unless it had already moved on) by the time the caller sees it.
	ErrRefreshFailed = errors.New("token refresh failed")
	// ErrNotAuthenticated is returned when there is no session to refresh.
	ErrNotAuthenticated = errors.New("not authenticated")
)

// TokenAPI exchanges a token for new credentials. *authapi.Client implements it.
type TokenAPI interface {
	Refresh(ctx context.Context, token string) (domain.Credentials, error)
}

// SessionStore is the slice of *state.Store the refresh package drives.
type SessionStore interface {
	Current() (token string, generation uint64, ok bool)
	RefreshSuccess(ctx context.Context, generation uint64, creds domain.Credentials) error
	LogoutIfCurrent(ctx context.Context, generation uint64, reason domain.LogoutReason) error
	PeriodicRecheck(ctx context.Context) error
}

// Options configures a Refresher.
type Options struct {
	API   TokenAPI
	Store SessionStore
	Clock clock.Clock
	// Timeout bounds one exchange, independent of any caller's context. Default 10s.
	Timeout time.Duration
	Logger  *zap.Logger
}

// Refresher performs the refresh operation. Concurrent callers share one in-flight exchange.
type Refresher struct {
	api     TokenAPI
	store   SessionStore
	clock   clock.Clock
	timeout time.Duration
	logger  *zap.Logger

	group singleflight.Group

	tracer   trace.Tracer
	attempts metric.Int64Counter
	latency  metric.Float64Histogram
}

// NewRefresher returns a Refresher. Instruments come from the global OTel providers.
func NewRefresher(opts Options) *Refresher {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	attempts, _ := meter.Int64Counter("console.refresh.attempts",
		metric.WithDescription("Token refresh exchanges by outcome"))
	latency, _ := meter.Float64Histogram("console.refresh.duration",
		metric.WithDescription("Token refresh exchange latency"), metric.WithUnit("s"))
	return &Refresher{
		api:      opts.API,
		store:    opts.Store,
		clock:    clock.OrSystem(opts.Clock),
		timeout:  opts.Timeout,
		logger:   logger.With(zap.String("component", "refresh")),
		tracer:   otel.Tracer(instrumentationName),
		attempts: attempts,
		latency:  latency,
	}
}

// Refresh exchanges the current token if the session is still at observedGeneration.
// If the generation has already advanced and the session is authenticated, another
// caller refreshed in the meantime and Refresh reports true without a network call.
// ok is true when the caller should retry with the store's current token.
//
// The exchange runs detached from ctx, so one caller giving up does not fail the
// others; ctx only bounds how long this caller waits.
func (r *Refresher) Refresh(ctx context.Context, observedGeneration uint64) (ok bool, err error) {
	ch := r.group.DoChan("refresh", func() (any, error) {
		return r.exchange(context.WithoutCancel(ctx), observedGeneration)
	})
	select {
	case res := <-ch:
		if res.Err != nil {
			return false, res.Err
		}
		return res.Val.(bool), nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (r *Refresher) exchange(ctx context.Context, observedGeneration uint64) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	token, gen, ok := r.store.Current()
	if !ok {
		return false, ErrNotAuthenticated
	}
	if gen != observedGeneration {
		return true, nil
	}

	ctx, span := r.tracer.Start(ctx, "refresh.exchange", trace.WithAttributes(attribute.Int64("session.generation", int64(gen))))
	defer span.End()
	start := time.Now()

	outcome := "success"
	defer func() {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		r.attempts.Add(ctx, 1, attrs)
		r.latency.Record(ctx, time.Since(start).Seconds(), attrs)
	}()

	creds, err := r.api.Refresh(ctx, token)
	if err == nil {
		err = security.Check(creds.Token, r.clock.Now())
	}
	if err == nil {
		err = r.store.RefreshSuccess(ctx, gen, creds)
		if errors.Is(err, state.ErrStaleTransition) {
			// logged out (or re-logged in) while the exchange was in flight
			outcome = "stale"
			span.SetStatus(codes.Error, "stale")
			return false, err
		}
	}
	if err != nil {
		outcome = "failure"
		span.RecordError(err)
		span.SetStatus(codes.Error, "refresh failed")
		r.logger.Warn("refresh: exchange failed, logging out", zap.Uint64("generation", gen), zap.Error(err))
		if lerr := r.store.LogoutIfCurrent(ctx, gen, domain.ReasonExpired); lerr != nil && !errors.Is(lerr, state.ErrStaleTransition) {
			r.logger.Warn("refresh: logout after failure", zap.Error(lerr))
		}
		return false, fmt.Errorf("%w: %w", ErrRefreshFailed, err)
	}
	r.logger.Debug("refresh: token exchanged", zap.Uint64("generation", gen+1))
	return true, nil
}
