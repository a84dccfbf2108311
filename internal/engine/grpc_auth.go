package engine

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/xela07ax/spaceai-agent-router/internal/infra/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

// UnaryAuthInterceptor verifies the bearer token in the "authorization"
// metadata and stores the caller and a trace id in the context.
func UnaryAuthInterceptor(v auth.TokenValidator) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		md, ok := metadata.FromIncomingContext(ctx)
		if !ok {
			return nil, status.Errorf(codes.Unauthenticated, "missing metadata")
		}

		// gRPC lowercases header names.
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		claims, err := v.VerifyToken(tokens[0])
		if err != nil {
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}

		traceID := uuid.NewString()
		if ids := md.Get("x-trace-id"); len(ids) > 0 && ids[0] != "" {
			traceID = ids[0]
		}

		ctx = auth.WithCaller(ctx, common.HexToAddress(claims.Address))
		return handler(WithTraceID(ctx, traceID), req)
	}
}
