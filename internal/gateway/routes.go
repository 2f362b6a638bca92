package gateway

import (
	"context"
	"net/url"
	"strings"
)

// RouteKind says how the gateway treats an outbound call.
type RouteKind int

const (
	// RouteProtected carries the bearer token and gets one refresh-and-retry on 401/403.
	RouteProtected RouteKind = iota
	// RoutePublic is sent without a bearer and its response is passed through untouched.
	RoutePublic
	// RouteRefresh is the token refresh endpoint: bearer attached, never retried,
	// and a 401/403 ends the session with refresh_failed.
	RouteRefresh
)

func (k RouteKind) String() string {
	switch k {
	case RoutePublic:
		return "public"
	case RouteRefresh:
		return "refresh"
	default:
		return "protected"
	}
}

// RouteClassifier decides the RouteKind of a call. For gRPC, u.Path is the full method name.
type RouteClassifier interface {
	Classify(ctx context.Context, method string, u *url.URL) RouteKind
}

// StaticRoutes classifies by exact path. A Public entry ending in "/" matches every path under it.
type StaticRoutes struct {
	Refresh []string
	Public  []string
}

// Classify implements RouteClassifier.
func (s StaticRoutes) Classify(_ context.Context, _ string, u *url.URL) RouteKind {
	if u == nil {
		return RouteProtected
	}
	path := u.Path
	for _, p := range s.Refresh {
		if path == p {
			return RouteRefresh
		}
	}
	for _, p := range s.Public {
		if path == p || (strings.HasSuffix(p, "/") && strings.HasPrefix(path, p)) {
			return RoutePublic
		}
	}
	return RouteProtected
}
