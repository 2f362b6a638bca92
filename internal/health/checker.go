// Package health reports whether the console's dependencies are usable: the durable
// credential tier and the route policy.
package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Component names in a Report.
const (
	ComponentDurableStore = "durable_store"
	ComponentRoutePolicy  = "route_policy"
)

// Pinger is used for durable tier readiness (e.g. *sql.DB, *redisstore.Store).
type Pinger interface {
	PingContext(ctx context.Context) error
}

// PolicyChecker is used for route policy readiness (e.g. *engine.OPARouteClassifier).
type PolicyChecker interface {
	HealthCheck(ctx context.Context) error
}

// Report is the outcome of one Check. Checks holds nil for a healthy component.
type Report struct {
	Status healthpb.HealthCheckResponse_ServingStatus
	Checks map[string]error
}

// String renders the report on one line, components sorted by name.
func (r Report) String() string {
	names := make([]string, 0, len(r.Checks))
	for name := range r.Checks {
		names = append(names, name)
	}
	sort.Strings(names)
	parts := make([]string, 0, len(names))
	for _, name := range names {
		if err := r.Checks[name]; err != nil {
			parts = append(parts, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		parts = append(parts, name+": ok")
	}
	if len(parts) == 0 {
		return r.Status.String()
	}
	return fmt.Sprintf("%s (%s)", r.Status, strings.Join(parts, ", "))
}

// Checker runs the readiness checks. Nil dependencies are skipped.
type Checker struct {
	pinger  Pinger
	policy  PolicyChecker
	timeout time.Duration
}

// NewChecker returns a Checker. Each check is bounded by 2s.
func NewChecker(pinger Pinger, policy PolicyChecker) *Checker {
	return &Checker{pinger: pinger, policy: policy, timeout: 2 * time.Second}
}

// Check returns SERVING when every configured dependency is healthy and NOT_SERVING otherwise.
func (c *Checker) Check(ctx context.Context) Report {
	r := Report{Status: healthpb.HealthCheckResponse_SERVING, Checks: make(map[string]error)}
	if c.pinger != nil {
		r.record(ComponentDurableStore, c.run(ctx, c.pinger.PingContext))
	}
	if c.policy != nil {
		r.record(ComponentRoutePolicy, c.run(ctx, c.policy.HealthCheck))
	}
	return r
}

func (c *Checker) run(ctx context.Context, check func(context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	return check(ctx)
}

func (r *Report) record(name string, err error) {
	r.Checks[name] = err
	if err != nil {
		r.Status = healthpb.HealthCheckResponse_NOT_SERVING
	}
}
