// Package engine decides outbound route kinds with an OPA Rego policy.
package engine

import (
	"context"
	"fmt"
	"net/url"
	"os"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"
	"go.uber.org/zap"

	"dispatch-admin/console/internal/gateway"
)

const routePolicyQuery = "data.console.routes.kind"

// Default Rego policy: the configured refresh path is the refresh route; login,
// /public/ and health checks go out unsigned; everything else is protected.
const defaultRoutePolicy = `package console.routes

default kind := "protected"

kind := "refresh" if {
	input.path == input.refresh_path
}

kind := "public" if {
	input.path != input.refresh_path
	public_route
}

public_route if input.path == input.login_path

public_route if startswith(input.path, "/public/")

public_route if input.path == "/healthz"

public_route if input.path == "/grpc.health.v1.Health/Check"
`

// Options configures an OPARouteClassifier.
type Options struct {
	LoginPath   string
	RefreshPath string
	// PolicyFile replaces the default policy. It must define data.console.routes.kind.
	PolicyFile string
	Logger     *zap.Logger
}

// OPARouteClassifier implements gateway.RouteClassifier with a prepared Rego query.
type OPARouteClassifier struct {
	query       rego.PreparedEvalQuery
	loginPath   string
	refreshPath string
	fallback    gateway.StaticRoutes
	logger      *zap.Logger
}

var _ gateway.RouteClassifier = (*OPARouteClassifier)(nil)

// NewOPARouteClassifier compiles the route policy. A policy that fails to compile is an error;
// one that fails at evaluation time falls back to exact matching of the two auth paths.
func NewOPARouteClassifier(ctx context.Context, opts Options) (*OPARouteClassifier, error) {
	module := defaultRoutePolicy
	name := "routes.rego"
	if opts.PolicyFile != "" {
		b, err := os.ReadFile(opts.PolicyFile)
		if err != nil {
			return nil, fmt.Errorf("read route policy: %w", err)
		}
		module, name = string(b), opts.PolicyFile
	}
	compiler, err := ast.CompileModules(map[string]string{name: module})
	if err != nil {
		return nil, fmt.Errorf("compile route policy: %w", err)
	}
	query, err := rego.New(
		rego.Query(routePolicyQuery),
		rego.Compiler(compiler),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("prepare route policy: %w", err)
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OPARouteClassifier{
		query:       query,
		loginPath:   opts.LoginPath,
		refreshPath: opts.RefreshPath,
		fallback:    gateway.StaticRoutes{Refresh: []string{opts.RefreshPath}, Public: []string{opts.LoginPath}},
		logger:      logger.With(zap.String("component", "route_policy")),
	}, nil
}

// Classify implements gateway.RouteClassifier.
func (e *OPARouteClassifier) Classify(ctx context.Context, method string, u *url.URL) gateway.RouteKind {
	rs, err := e.query.Eval(ctx, rego.EvalInput(e.buildInput(method, u)))
	if err != nil || len(rs) == 0 || len(rs[0].Expressions) == 0 {
		e.logger.Warn("route policy: evaluation failed, using static routes", zap.Error(err))
		return e.fallback.Classify(ctx, method, u)
	}
	kind, ok := kindFromValue(rs[0].Expressions[0].Value)
	if !ok {
		e.logger.Warn("route policy: unexpected kind, treating as protected",
			zap.Any("value", rs[0].Expressions[0].Value))
	}
	return kind
}

// HealthCheck verifies that the compiled policy classifies the refresh path as the refresh route.
func (e *OPARouteClassifier) HealthCheck(ctx context.Context) error {
	rs, err := e.query.Eval(ctx, rego.EvalInput(e.buildInput("POST", &url.URL{Path: e.refreshPath})))
	if err != nil {
		return fmt.Errorf("eval route policy: %w", err)
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return fmt.Errorf("route policy query returned no result")
	}
	if kind, _ := kindFromValue(rs[0].Expressions[0].Value); kind != gateway.RouteRefresh {
		return fmt.Errorf("route policy classifies %s as %s, want refresh", e.refreshPath, kind)
	}
	return nil
}
