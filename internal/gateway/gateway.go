// Package gateway signs outbound admin API calls with the session's bearer token and
// turns authorization failures into at most one refresh-and-retry before logging out.
package gateway

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"dispatch-admin/console/internal/platform/clock"
	"dispatch-admin/console/internal/security"
	"dispatch-admin/console/internal/session/domain"
	"dispatch-admin/console/internal/session/state"
)

const (
	instrumentationName = "dispatch-admin/console/gateway"
	// RequestIDHeader is set on every outbound request that does not already carry one.
	RequestIDHeader = "X-Request-ID"
)

// SessionStore is the slice of *state.Store the gateway reads and drives.
type SessionStore interface {
	Current() (token string, generation uint64, ok bool)
	LogoutIfCurrent(ctx context.Context, generation uint64, reason domain.LogoutReason) error
	Touch(ctx context.Context) error
}

// Refresher runs the shared refresh operation. *refresh.Refresher implements it.
type Refresher interface {
	Refresh(ctx context.Context, observedGeneration uint64) (bool, error)
}

// RefreshFunc adapts a function to Refresher. It lets the composition root hand the
// gateway a refresher that is built after the gateway's own http.Client.
type RefreshFunc func(ctx context.Context, observedGeneration uint64) (bool, error)

// Refresh calls f.
func (f RefreshFunc) Refresh(ctx context.Context, observedGeneration uint64) (bool, error) {
	return f(ctx, observedGeneration)
}

// Options configures a Gateway.
type Options struct {
	// Base sends the request. Default http.DefaultTransport.
	Base      http.RoundTripper
	Store     SessionStore
	Refresher Refresher
	// Routes defaults to an empty StaticRoutes: everything is protected.
	Routes RouteClassifier
	Clock  clock.Clock
	// Threshold for the proactive refresh before send. Default security.DefaultExpiryThreshold.
	Threshold time.Duration
	// OnLogout runs once per ended session when a call through the gateway ends it,
	// e.g. to send the user back to the login entry point.
	OnLogout func(reason domain.LogoutReason)
	Logger   *zap.Logger
}

// Gateway is an http.RoundTripper; its gRPC counterpart is UnaryClientInterceptor.
type Gateway struct {
	base      http.RoundTripper
	store     SessionStore
	refresher Refresher
	routes    RouteClassifier
	clock     clock.Clock
	threshold time.Duration
	onLogout  func(reason domain.LogoutReason)
	logger    *zap.Logger

	// generation of the last ended session OnLogout was called for
	notified atomic.Uint64

	tracer  trace.Tracer
	retries metric.Int64Counter
	denials metric.Int64Counter
}

var _ http.RoundTripper = (*Gateway)(nil)

// New returns a Gateway. Store and Refresher are required.
func New(opts Options) *Gateway {
	if opts.Base == nil {
		opts.Base = http.DefaultTransport
	}
	if opts.Routes == nil {
		opts.Routes = StaticRoutes{}
	}
	if opts.Threshold <= 0 {
		opts.Threshold = security.DefaultExpiryThreshold
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	meter := otel.Meter(instrumentationName)
	retries, _ := meter.Int64Counter("console.gateway.retries",
		metric.WithDescription("Requests re-sent after a 401/403"))
	denials, _ := meter.Int64Counter("console.gateway.denials",
		metric.WithDescription("Requests that ended the session"))
	return &Gateway{
		base:      opts.Base,
		store:     opts.Store,
		refresher: opts.Refresher,
		routes:    opts.Routes,
		clock:     clock.OrSystem(opts.Clock),
		threshold: opts.Threshold,
		onLogout:  opts.OnLogout,
		logger:    logger.With(zap.String("component", "gateway")),
		tracer:    otel.Tracer(instrumentationName),
		retries:   retries,
		denials:   denials,
	}
}

// Client returns an http.Client that sends through g.
func (g *Gateway) Client(timeout time.Duration) *http.Client {
	return &http.Client{Transport: g, Timeout: timeout}
}

// RoundTrip implements http.RoundTripper.
func (g *Gateway) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	kind := g.routes.Classify(ctx, req.Method, req.URL)
	ctx, span := g.tracer.Start(ctx, "gateway.request",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("http.request.method", req.Method),
			attribute.String("url.path", req.URL.Path),
			attribute.String("console.route", kind.String()),
		))
	defer span.End()

	out := req.Clone(ctx)
	if out.Header.Get(RequestIDHeader) == "" {
		out.Header.Set(RequestIDHeader, uuid.NewString())
	}
	resp, err := g.roundTrip(ctx, out, kind)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "request failed")
		return nil, err
	}
	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))
	return resp, nil
}

func (g *Gateway) roundTrip(ctx context.Context, req *http.Request, kind RouteKind) (*http.Response, error) {
	if kind == RoutePublic {
		return g.base.RoundTrip(req)
	}
	token, gen, ok := g.store.Current()
	if !ok {
		// no session: sent unsigned, the response is the caller's to interpret
		return g.base.RoundTrip(req)
	}

	if kind == RouteRefresh {
		if err := g.checkToken(ctx, token, gen); err != nil {
			closeBody(req)
			return nil, err
		}
		resp, err := g.send(req, token)
		if err != nil || !deniedStatus(resp.StatusCode) {
			return resp, err
		}
		discard(resp)
		return nil, g.deny(ctx, gen, resp.StatusCode, domain.ReasonRefreshFailed, nil)
	}

	if err := bufferBody(req); err != nil {
		return nil, err
	}
	token, gen, err := g.preflight(ctx, token, gen)
	if err != nil {
		closeBody(req)
		return nil, err
	}
	resp, err := g.send(req, token)
	if err != nil {
		return nil, err
	}
	if !deniedStatus(resp.StatusCode) {
		g.touch(ctx)
		return resp, nil
	}
	discard(resp)

	token, gen, err = g.afterDenied(ctx, gen, resp.StatusCode)
	if err != nil {
		return nil, err
	}
	retry, err := g.send(req, token)
	if err != nil {
		return nil, err
	}
	if deniedStatus(retry.StatusCode) {
		discard(retry)
		return nil, g.deny(ctx, gen, retry.StatusCode, domain.ReasonExpired, nil)
	}
	g.touch(ctx)
	return retry, nil
}

// checkToken rejects a stored token the validity oracle refuses and ends the session.
func (g *Gateway) checkToken(ctx context.Context, token string, gen uint64) error {
	err := security.Check(token, g.clock.Now())
	if err == nil {
		return nil
	}
	g.logger.Info("gateway: stored token rejected before send", zap.Uint64("generation", gen), zap.Error(err))
	g.logout(ctx, gen, domain.ReasonExpired)
	return fmt.Errorf("%w: %w", ErrInvalidToken, err)
}

// preflight validates the token and, when it is about to expire, joins the shared
// refresh first. It returns the token and generation to send with.
func (g *Gateway) preflight(ctx context.Context, token string, gen uint64) (string, uint64, error) {
	if err := g.checkToken(ctx, token, gen); err != nil {
		return "", 0, err
	}
	if !security.IsExpiringSoon(token, g.clock.Now(), g.threshold) {
		return token, gen, nil
	}
	refreshed, err := g.refresher.Refresh(ctx, gen)
	if !refreshed {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}
		if next, nextGen, ok := g.newerSession(gen); ok {
			return next, nextGen, nil
		}
		g.notifyLogout(domain.ReasonExpired)
		return "", 0, err
	}
	next, nextGen, ok := g.store.Current()
	if !ok {
		return "", 0, fmt.Errorf("%w: session ended during refresh", ErrInvalidToken)
	}
	return next, nextGen, nil
}

// afterDenied decides the single retry for a 401/403 answered to a request signed at
// generation sent. It returns the token to retry with, or the terminal error.
func (g *Gateway) afterDenied(ctx context.Context, sent uint64, status int) (string, uint64, error) {
	token, gen, ok := g.store.Current()
	switch {
	case !ok:
		return "", 0, g.deny(ctx, sent, status, domain.ReasonExpired, nil)
	case gen != sent:
		// signed with a token that has since been replaced; the retry uses the new one
		g.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "newer_token")))
		return token, gen, nil
	case !security.IsValid(token, g.clock.Now()):
		return "", 0, g.deny(ctx, sent, status, domain.ReasonExpired, nil)
	}

	refreshed, err := g.refresher.Refresh(ctx, sent)
	if !refreshed {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", 0, ctxErr
		}
		if next, nextGen, ok := g.newerSession(sent); ok {
			g.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "newer_token")))
			return next, nextGen, nil
		}
		return "", 0, g.deny(ctx, sent, status, domain.ReasonExpired, err)
	}
	token, gen, ok = g.store.Current()
	if !ok {
		return "", 0, g.deny(ctx, sent, status, domain.ReasonExpired, nil)
	}
	g.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", "refreshed")))
	return token, gen, nil
}

// newerSession returns the current token when the refresh lost to another transition
// (a re-login or an adopted stored token) that left the session authenticated at a
// generation other than gen.
func (g *Gateway) newerSession(gen uint64) (string, uint64, bool) {
	token, cur, ok := g.store.Current()
	if !ok || cur == gen || !security.IsValid(token, g.clock.Now()) {
		return "", 0, false
	}
	g.logger.Debug("gateway: refresh superseded, using newer token",
		zap.Uint64("generation", gen), zap.Uint64("current", cur))
	return token, cur, true
}

// deny ends the session at gen (a no-op if it has moved on) and builds the terminal error.
func (g *Gateway) deny(ctx context.Context, gen uint64, status int, reason domain.LogoutReason, cause error) error {
	g.denials.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", string(reason))))
	g.logger.Info("gateway: request denied, ending session",
		zap.Int("status", status), zap.String("reason", string(reason)), zap.Uint64("generation", gen))
	g.logout(ctx, gen, reason)
	return &DeniedError{Status: status, Reason: reason, Err: cause}
}

func (g *Gateway) logout(ctx context.Context, gen uint64, reason domain.LogoutReason) {
	err := g.store.LogoutIfCurrent(context.WithoutCancel(ctx), gen, reason)
	if err != nil && !errors.Is(err, state.ErrStaleTransition) {
		g.logger.Warn("gateway: logout", zap.Error(err))
	}
	g.notifyLogout(reason)
}

// notifyLogout calls OnLogout if the session is over and has not been reported yet.
func (g *Gateway) notifyLogout(reason domain.LogoutReason) {
	if g.onLogout == nil {
		return
	}
	_, gen, ok := g.store.Current()
	if ok || g.notified.Swap(gen) == gen {
		return
	}
	g.onLogout(reason)
}

func (g *Gateway) touch(ctx context.Context) {
	if err := g.store.Touch(ctx); err != nil {
		g.logger.Debug("gateway: record activity", zap.Error(err))
	}
}

// send signs a copy of req with token. Each call gets a fresh body from GetBody.
func (g *Gateway) send(req *http.Request, token string) (*http.Response, error) {
	r := req.Clone(req.Context())
	if req.GetBody != nil && req.Body != nil && req.Body != http.NoBody {
		body, err := req.GetBody()
		if err != nil {
			return nil, err
		}
		r.Body = body
	}
	r.Header.Set("Authorization", "Bearer "+token)
	return g.base.RoundTrip(r)
}

func deniedStatus(code int) bool {
	return code == http.StatusUnauthorized || code == http.StatusForbidden
}

// bufferBody makes req's body replayable so the retry can resend it.
func bufferBody(req *http.Request) error {
	if req.Body == nil || req.Body == http.NoBody || req.GetBody != nil {
		return nil
	}
	data, err := io.ReadAll(req.Body)
	req.Body.Close()
	if err != nil {
		return fmt.Errorf("gateway: read request body: %w", err)
	}
	req.Body = io.NopCloser(bytes.NewReader(data))
	req.GetBody = func() (io.ReadCloser, error) {
		return io.NopCloser(bytes.NewReader(data)), nil
	}
	return nil
}

func closeBody(req *http.Request) {
	if req.Body != nil {
		req.Body.Close()
	}
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
