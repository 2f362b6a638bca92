package gateway

import (
	"context"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"dispatch-admin/console/internal/session/domain"
)

// UnaryClientInterceptor applies the gateway to unary gRPC calls: the bearer goes in
// the "authorization" metadata and Unauthenticated/PermissionDenied play the part of
// 401/403. Routes are classified with the full method name as the URL path.
func (g *Gateway) UnaryClientInterceptor() grpc.UnaryClientInterceptor {
	return func(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
		ctx = withRequestID(ctx)
		kind := g.routes.Classify(ctx, http.MethodPost, &url.URL{Path: method})
		if kind == RoutePublic {
			return invoker(ctx, method, req, reply, cc, opts...)
		}
		token, gen, ok := g.store.Current()
		if !ok {
			return invoker(ctx, method, req, reply, cc, opts...)
		}

		if kind == RouteRefresh {
			if err := g.checkToken(ctx, token, gen); err != nil {
				return err
			}
			err := invoker(withBearer(ctx, token), method, req, reply, cc, opts...)
			if code, denied := deniedCode(err); denied {
				return g.deny(ctx, gen, code, domain.ReasonRefreshFailed, err)
			}
			return err
		}

		token, gen, err := g.preflight(ctx, token, gen)
		if err != nil {
			return err
		}
		err = invoker(withBearer(ctx, token), method, req, reply, cc, opts...)
		code, denied := deniedCode(err)
		if !denied {
			if err == nil {
				g.touch(ctx)
			}
			return err
		}

		token, gen, err = g.afterDenied(ctx, gen, code)
		if err != nil {
			return err
		}
		err = invoker(withBearer(ctx, token), method, req, reply, cc, opts...)
		if code, denied := deniedCode(err); denied {
			return g.deny(ctx, gen, code, domain.ReasonExpired, err)
		}
		if err == nil {
			g.touch(ctx)
		}
		return err
	}
}

// deniedCode maps Unauthenticated and PermissionDenied to 401 and 403.
func deniedCode(err error) (int, bool) {
	if err == nil {
		return 0, false
	}
	switch status.Code(err) {
	case codes.Unauthenticated:
		return http.StatusUnauthorized, true
	case codes.PermissionDenied:
		return http.StatusForbidden, true
	}
	return 0, false
}

func withBearer(ctx context.Context, token string) context.Context {
	return metadata.AppendToOutgoingContext(ctx, "authorization", "Bearer "+token)
}

func withRequestID(ctx context.Context) context.Context {
	if md, ok := metadata.FromOutgoingContext(ctx); ok && len(md.Get("x-request-id")) > 0 {
		return ctx
	}
	return metadata.AppendToOutgoingContext(ctx, "x-request-id", uuid.NewString())
}
