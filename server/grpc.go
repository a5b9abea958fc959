package server

import (
	"context"
	"errors"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// EvaluationServer is the gRPC service implemented by Server.
type EvaluationServer interface {
	Evaluate(context.Context, *wrapperspb.BytesValue) (*structpb.Struct, error)
}

// The service uses well-known types only, so the descriptor is written out
// rather than generated.
var evaluationServiceDesc = grpc.ServiceDesc{
	ServiceName: EvaluationServiceName,
	HandlerType: (*EvaluationServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Evaluate", Handler: evaluateHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "pikevm/v1/evaluation.proto",
}

func evaluateHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	call := func(ctx context.Context, req any) (any, error) {
		resp, err := srv.(EvaluationServer).Evaluate(ctx, req.(*wrapperspb.BytesValue))
		if err != nil {
			return nil, status.Error(grpcCode(err), err.Error())
		}
		return resp, nil
	}
	if interceptor == nil {
		return call(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: EvaluateProcedure}
	return interceptor(ctx, in, info, call)
}

func grpcCode(err error) codes.Code {
	switch {
	case errors.Is(err, errInvalidImage):
		return codes.InvalidArgument
	case errors.Is(err, ErrWorkerStopped):
		return codes.Unavailable
	case errors.Is(err, context.Canceled):
		return codes.Canceled
	case errors.Is(err, context.DeadlineExceeded):
		return codes.DeadlineExceeded
	}
	return codes.Internal
}

// EvaluateClient calls the evaluation service over a gRPC connection.
type EvaluateClient struct {
	cc grpc.ClientConnInterface
}

// NewEvaluateClient wraps cc.
func NewEvaluateClient(cc grpc.ClientConnInterface) *EvaluateClient {
	return &EvaluateClient{cc: cc}
}

// Evaluate sends a program image and returns the evaluation report.
func (c *EvaluateClient) Evaluate(ctx context.Context, in *wrapperspb.BytesValue, opts ...grpc.CallOption) (*structpb.Struct, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, EvaluateProcedure, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}
