package transport

import (
	"context"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/BrandonDHaskell/Portunus/presence/internal/errs"
)

// MetadataIdempotencyKey carries the task key on gRPC calls.
const MetadataIdempotencyKey = "idempotency-key"

// GRPC invokes a unary method per task. The endpoint is the full method
// name, e.g. "/portunus.attendance.v1.Attendance/CheckIn"; request and
// response are protobuf Structs.
type GRPC struct {
	conn grpc.ClientConnInterface
}

func NewGRPC(conn grpc.ClientConnInterface) *GRPC {
	return &GRPC{conn: conn}
}

func (g *GRPC) Send(ctx context.Context, endpoint string, payload []byte, idempotencyKey string) error {
	in, err := payloadStruct(payload)
	if err != nil {
		return err
	}

	ctx = metadata.AppendToOutgoingContext(ctx, MetadataIdempotencyKey, idempotencyKey)
	var out structpb.Struct
	if err := g.conn.Invoke(ctx, endpoint, in, &out); err != nil {
		return classifyStatusCode(endpoint, err)
	}
	return nil
}

func classifyStatusCode(endpoint string, err error) error {
	st, _ := status.FromError(err)
	switch st.Code() {
	case codes.OK, codes.AlreadyExists:
		// AlreadyExists: the collector has the event; the effect happened.
		return nil
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted,
		codes.Aborted, codes.Internal, codes.Unknown, codes.Canceled:
		return errs.Transient("invoke "+endpoint, err)
	default:
		return errs.Terminal("invoke "+endpoint, err)
	}
}
