package connectors

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xela07ax/spaceai-agent-router/internal/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"
	"google.golang.org/protobuf/types/known/structpb"
)

// Full method names of the registry services. Payloads are
// google.protobuf.Struct on both sides.
const (
	MethodOwnerOf           = "/agentrouter.registry.v1.IdentityRegistry/OwnerOf"
	MethodGetAgentWallet    = "/agentrouter.registry.v1.IdentityRegistry/GetAgentWallet"
	MethodSubmitFeedback    = "/agentrouter.registry.v1.ReputationRegistry/SubmitFeedback"
	MethodRequestValidation = "/agentrouter.registry.v1.ValidationRegistry/RequestValidation"
)

// GRPCRegistry talks to the identity, reputation and validation registries
// over one connection.
type GRPCRegistry struct {
	conn    grpc.ClientConnInterface
	timeout time.Duration
}

func NewGRPCRegistry(conn grpc.ClientConnInterface, timeout time.Duration) *GRPCRegistry {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &GRPCRegistry{conn: conn, timeout: timeout}
}

func (g *GRPCRegistry) OwnerOf(ctx context.Context, id domain.StrategyID) (domain.Address, error) {
	resp, err := g.invoke(ctx, MethodOwnerOf, map[string]any{"strategy_id": strategyID(id)})
	if err != nil {
		return domain.Address{}, err
	}
	owner, err := address(resp, "owner")
	if err != nil {
		return domain.Address{}, err
	}
	if owner == (domain.Address{}) {
		return domain.Address{}, domain.ErrUnknownStrategy.Withf("strategy %d", id)
	}
	return owner, nil
}

// AgentWallet reports false when the registry has no wallet for id.
func (g *GRPCRegistry) AgentWallet(ctx context.Context, id domain.StrategyID) (domain.Address, bool, error) {
	resp, err := g.invoke(ctx, MethodGetAgentWallet, map[string]any{"strategy_id": strategyID(id)})
	if err != nil {
		return domain.Address{}, false, err
	}
	wallet, err := address(resp, "wallet")
	if err != nil {
		return domain.Address{}, false, err
	}
	return wallet, wallet != (domain.Address{}), nil
}

func (g *GRPCRegistry) SubmitFeedback(ctx context.Context, f domain.Feedback) error {
	_, err := g.invoke(ctx, MethodSubmitFeedback, map[string]any{
		"strategy_id":   strategyID(f.StrategyID),
		"principal":     f.Principal.Hex(),
		"feedback_type": f.Type,
		"data":          fields(f.Data),
	})
	return err
}

func (g *GRPCRegistry) RequestValidation(ctx context.Context, r domain.ValidationRequest) error {
	_, err := g.invoke(ctx, MethodRequestValidation, map[string]any{
		"strategy_id": strategyID(r.StrategyID),
		"principal":   r.Principal.Hex(),
		"task_type":   r.TaskType,
		"data":        fields(r.Data),
	})
	return err
}

func (g *GRPCRegistry) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create proto struct: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	ctx = metadata.AppendToOutgoingContext(ctx, "source", "agent-router")

	out := new(structpb.Struct)
	var trailer metadata.MD
	if err := g.conn.Invoke(ctx, method, in, out, grpc.Trailer(&trailer)); err != nil {
		return nil, fromStatus(method, err, trailer)
	}
	return out, nil
}

// Strategy ids travel as decimal strings; Struct numbers are doubles.
func strategyID(id domain.StrategyID) string {
	return strconv.FormatUint(uint64(id), 10)
}

func address(s *structpb.Struct, field string) (domain.Address, error) {
	v := s.GetFields()[field].GetStringValue()
	if v == "" {
		return domain.Address{}, nil
	}
	if !common.IsHexAddress(v) {
		return domain.Address{}, fmt.Errorf("registry returned invalid %s %q", field, v)
	}
	return common.HexToAddress(v), nil
}

func fields(data map[string]string) map[string]any {
	out := make(map[string]any, len(data))
	for k, v := range data {
		out[k] = v
	}
	return out
}
