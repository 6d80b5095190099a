// Package grpcapi exposes the attendance collector over gRPC. Messages are
// google.protobuf.Struct values carrying the same fields as the HTTP JSON
// bodies, so the agent's gRPC transport needs no generated stubs.
package grpcapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/service"
	"github.com/BrandonDHaskell/Portunus/presence/internal/portunus/types"
	"github.com/BrandonDHaskell/Portunus/presence/internal/telemetry"
)

const (
	ServiceName = "portunus.attendance.v1.Attendance"

	MethodCheckIn   = "/" + ServiceName + "/CheckIn"
	MethodHeartbeat = "/" + ServiceName + "/Heartbeat"
	MethodCheckOut  = "/" + ServiceName + "/CheckOut"

	// MetadataIdempotencyKey carries the agent's task key.
	MetadataIdempotencyKey = "idempotency-key"
)

// AttendanceServer is the handler side of the service descriptor.
type AttendanceServer interface {
	CheckIn(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Heartbeat(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckOut(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*AttendanceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "CheckIn", Handler: unary(MethodCheckIn, AttendanceServer.CheckIn)},
		{MethodName: "Heartbeat", Handler: unary(MethodHeartbeat, AttendanceServer.Heartbeat)},
		{MethodName: "CheckOut", Handler: unary(MethodCheckOut, AttendanceServer.CheckOut)},
	},
	Metadata: "portunus/attendance/v1/attendance.proto",
}

func unary(fullMethod string, call func(AttendanceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(srv.(AttendanceServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(srv.(AttendanceServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// RegisterAttendanceServer registers srv on s.
func RegisterAttendanceServer(s grpc.ServiceRegistrar, srv AttendanceServer) {
	s.RegisterService(&serviceDesc, srv)
}

// Handler adapts the attendance service to AttendanceServer.
type Handler struct {
	svc    *service.AttendanceService
	logger *slog.Logger
}

func NewHandler(svc *service.AttendanceService, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	return &Handler{svc: svc, logger: logger}
}

func (h *Handler) CheckIn(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.CheckInRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := h.svc.CheckIn(ctx, idempotencyKey(ctx), req)
	return h.respond("checkin", resp, err)
}

func (h *Handler) Heartbeat(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.HeartbeatRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := h.svc.Heartbeat(ctx, idempotencyKey(ctx), req)
	return h.respond("heartbeat", resp, err)
}

func (h *Handler) CheckOut(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	var req types.CheckOutRequest
	if err := decodeStruct(in, &req); err != nil {
		return nil, err
	}
	resp, err := h.svc.CheckOut(ctx, idempotencyKey(ctx), req)
	return h.respond("checkout", resp, err)
}

func (h *Handler) respond(op string, resp types.AttendanceResponse, err error) (*structpb.Struct, error) {
	if err != nil {
		switch {
		case errors.Is(err, service.ErrMissingIdempotencyKey),
			errors.Is(err, service.ErrInvalidSessionKey),
			errors.Is(err, service.ErrInvalidUserID),
			errors.Is(err, service.ErrInvalidSiteID):
			return nil, status.Error(codes.InvalidArgument, err.Error())
		default:
			h.logger.Error(op+" error", "err", err)
			return nil, status.Error(codes.Internal, "unexpected server error")
		}
	}

	st, err := structpb.NewStruct(map[string]any{
		"ok":          resp.OK,
		"known":       resp.Known,
		"duplicate":   resp.Duplicate,
		"session_key": resp.SessionKey,
		"site_id":     resp.SiteID,
		"server_time": resp.ServerTime,
	})
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return st, nil
}

func decodeStruct(in *structpb.Struct, v any) error {
	raw, err := in.MarshalJSON()
	if err != nil {
		return status.Error(codes.InvalidArgument, "invalid request body")
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return status.Error(codes.InvalidArgument, "invalid request body")
	}
	return nil
}

func idempotencyKey(ctx context.Context) string {
	md, ok := metadata.FromIncomingContext(ctx)
	if !ok {
		return ""
	}
	vals := md.Get(MetadataIdempotencyKey)
	if len(vals) == 0 {
		return ""
	}
	return strings.TrimSpace(vals[0])
}

// Server hosts the attendance gRPC API with health checks and tracing.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

func NewServer(svc *service.AttendanceService, logger *slog.Logger, opts ...grpc.ServerOption) *Server {
	if logger == nil {
		logger = telemetry.NopLogger()
	}
	opts = append([]grpc.ServerOption{grpc.StatsHandler(otelgrpc.NewServerHandler())}, opts...)
	gs := grpc.NewServer(opts...)
	hs := health.NewServer()

	RegisterAttendanceServer(gs, NewHandler(svc, logger))
	healthpb.RegisterHealthServer(gs, hs)
	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{grpcServer: gs, health: hs, logger: logger}
}

// Serve blocks on lis until ctx is cancelled, then stops gracefully.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	s.logger.Info("grpc listening", "addr", lis.Addr().String())
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(lis)
	}()

	select {
	case <-ctx.Done():
		s.health.Shutdown()
		s.grpcServer.GracefulStop()
		err := <-serveErr
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	case err := <-serveErr:
		if err == nil || errors.Is(err, grpc.ErrServerStopped) {
			return nil
		}
		return fmt.Errorf("serve gRPC: %w", err)
	}
}
