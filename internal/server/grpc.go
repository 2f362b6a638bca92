// Package server is the dev backend's gRPC surface: the standard health service and a
// bearer-protected driver listing, behind the auth and logging interceptors.
package server

import (
	"context"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"

	"dispatch-admin/console/internal/devapi"
	"dispatch-admin/console/internal/server/interceptors"
)

// Full method names served here.
const (
	HealthCheckMethod = "/grpc.health.v1.Health/Check"
	ListDriversMethod = "/dispatch.v1.DriverService/ListDrivers"
)

// PublicMethods do not require a Bearer token.
var PublicMethods = map[string]bool{
	HealthCheckMethod: true,
}

// Deps holds the dependencies of the gRPC services.
type Deps struct {
	// Auth validates bearer tokens for protected RPCs.
	Auth interceptors.Authenticator
	// Drivers lists the rows served by DriverService. If nil, devapi.ListDrivers is used.
	Drivers func() []devapi.Driver
	// Health is the health server; if nil one reporting SERVING is created.
	Health *health.Server
	Logger *zap.Logger
}

// NewGRPCServer returns a server with the interceptor chain and all services registered.
// Protected methods require the "admin" role.
func NewGRPCServer(deps Deps) *grpc.Server {
	s := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(
			interceptors.AuthUnary(deps.Auth, PublicMethods),
			interceptors.LoggingUnary(deps.Logger, PublicMethods),
			interceptors.RequireRole("admin", PublicMethods),
		),
	)
	RegisterServices(s, deps)
	return s
}

// RegisterServices registers the health service and DriverService with s.
func RegisterServices(s grpc.ServiceRegistrar, deps Deps) {
	hs := deps.Health
	if hs == nil {
		hs = health.NewServer()
	}
	healthpb.RegisterHealthServer(s, hs)
	drivers := deps.Drivers
	if drivers == nil {
		drivers = devapi.ListDrivers
	}
	s.RegisterService(&driverServiceDesc, &driverServer{list: drivers})
}

// driverService is the handler type checked by RegisterService.
type driverService interface {
	ListDrivers(ctx context.Context, req *emptypb.Empty) (*structpb.Struct, error)
}

type driverServer struct {
	list func() []devapi.Driver
}

func (d *driverServer) ListDrivers(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	rows := d.list()
	items := make([]any, 0, len(rows))
	for _, r := range rows {
		items = append(items, map[string]any{"id": r.ID, "name": r.Name, "status": r.Status, "zone": r.Zone})
	}
	out := map[string]any{"drivers": items}
	if userID, ok := interceptors.GetUserID(ctx); ok {
		out["viewer"] = userID
	}
	return structpb.NewStruct(out)
}

func listDriversHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(emptypb.Empty)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(driverService).ListDrivers(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: ListDriversMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(driverService).ListDrivers(ctx, req.(*emptypb.Empty))
	}
	return interceptor(ctx, in, info, handler)
}

var driverServiceDesc = grpc.ServiceDesc{
	ServiceName: "dispatch.v1.DriverService",
	HandlerType: (*driverService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "ListDrivers", Handler: listDriversHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "dispatch/v1/driver.proto",
}

// ListDrivers calls DriverService.ListDrivers on cc.
func ListDrivers(ctx context.Context, cc grpc.ClientConnInterface, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := cc.Invoke(ctx, ListDriversMethod, &emptypb.Empty{}, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
