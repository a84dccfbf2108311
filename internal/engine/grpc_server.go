package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"github.com/xela07ax/spaceai-agent-router/internal/infra/auth"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

const (
	RouterServiceName   = "agentrouter.v1.Router"
	MethodRouterExecute = "/" + RouterServiceName + "/Execute"
)

// RouterServer is the gRPC execution surface. Requests and responses are
// google.protobuf.Struct:
//
//	request:  {action, principal, strategy_id, payload: {...}}
//	response: {order_id, filled, health_factor}
//
// Amounts travel as decimal strings.
type RouterServer interface {
	Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

var routerServiceDesc = grpc.ServiceDesc{
	ServiceName: RouterServiceName,
	HandlerType: (*RouterServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Execute", Handler: executeHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "agentrouter/v1/router.proto",
}

// RegisterRouterServer attaches srv to s.
func RegisterRouterServer(s grpc.ServiceRegistrar, srv RouterServer) {
	s.RegisterService(&routerServiceDesc, srv)
}

func executeHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(structpb.Struct)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(RouterServer).Execute(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: MethodRouterExecute}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(RouterServer).Execute(ctx, req.(*structpb.Struct))
	}
	return interceptor(ctx, in, info, handler)
}

type GRPCGatewayServer struct {
	router *Router
}

func NewGRPCGatewayServer(router *Router) *GRPCGatewayServer {
	return &GRPCGatewayServer{router: router}
}

func (s *GRPCGatewayServer) Execute(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	caller, ok := auth.Caller(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing caller")
	}

	fields := req.GetFields()
	action := fields["action"].GetStringValue()
	principal, err := parseAddressField(fields["principal"])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}
	id, err := parseStrategyField(fields["strategy_id"])
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	// Same pipeline as HTTP.
	payload, err := json.Marshal(fields["payload"].GetStructValue().AsMap())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	res, err := s.router.ProcessAction(ctx, caller, principal, id, action, payload)
	if err != nil {
		return nil, grpcError(ctx, err)
	}

	out, err := resultStruct(&res)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func parseAddressField(v *structpb.Value) (domain.Address, error) {
	s := v.GetStringValue()
	if !common.IsHexAddress(s) {
		return domain.Address{}, fmt.Errorf("invalid principal %q", s)
	}
	return common.HexToAddress(s), nil
}

func parseStrategyField(v *structpb.Value) (domain.StrategyID, error) {
	switch k := v.GetKind().(type) {
	case *structpb.Value_StringValue:
		n, err := strconv.ParseUint(k.StringValue, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid strategy_id %q", k.StringValue)
		}
		return domain.StrategyID(n), nil
	case *structpb.Value_NumberValue:
		if k.NumberValue < 0 || k.NumberValue != float64(uint64(k.NumberValue)) {
			return 0, fmt.Errorf("invalid strategy_id %v", k.NumberValue)
		}
		return domain.StrategyID(k.NumberValue), nil
	}
	return 0, errors.New("missing strategy_id")
}

func resultStruct(res *domain.ExecutionResult) (*structpb.Struct, error) {
	raw, err := json.Marshal(res)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, err
	}
	return structpb.NewStruct(m)
}

// grpcError maps a router failure to a status; the domain code travels in the
// "error-code" trailer.
func grpcError(ctx context.Context, err error) error {
	e, ok := domain.AsError(err)
	if !ok {
		return status.Error(codes.Internal, err.Error())
	}
	_ = grpc.SetTrailer(ctx, metadata.Pairs("error-code", e.Code))

	code := codes.Internal
	switch e.Kind {
	case domain.KindAuthorization, domain.KindPermission:
		code = codes.PermissionDenied
	case domain.KindPolicyState, domain.KindRisk:
		code = codes.FailedPrecondition
		if errors.Is(err, domain.ErrCooldownActive) || errors.Is(err, domain.ErrDailyVolumeExceeded) {
			code = codes.ResourceExhausted
		}
	case domain.KindCircuitBreaker:
		code = codes.Aborted
	case domain.KindPolicyValidation, domain.KindInvalidRequest:
		code = codes.InvalidArgument
	case domain.KindNotFound:
		code = codes.NotFound
	case domain.KindConflict:
		code = codes.AlreadyExists
	case domain.KindUnavailable:
		code = codes.Unavailable
	}
	return status.Error(code, e.Error())
}
