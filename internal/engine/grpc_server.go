package engine

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/infra/auth"
)

// PolicyServiceName — gRPC сервис модуля. Сообщения — google.protobuf.Struct,
// поэтому сгенерированный код не нужен: дескриптор описан вручную.
const PolicyServiceName = "intentguard.v1.PolicyService"

// PolicyServiceServer — серверная сторона PolicyService.
type PolicyServiceServer interface {
	Install(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Uninstall(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsInitialized(context.Context, *structpb.Struct) (*structpb.Struct, error)
	IsModuleType(context.Context, *structpb.Struct) (*structpb.Struct, error)
	ExpectedNonce(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckUserOp(context.Context, *structpb.Struct) (*structpb.Struct, error)
	CheckSignature(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

var PolicyServiceDesc = grpc.ServiceDesc{
	ServiceName: PolicyServiceName,
	HandlerType: (*PolicyServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unaryMethod("Install", PolicyServiceServer.Install),
		unaryMethod("Uninstall", PolicyServiceServer.Uninstall),
		unaryMethod("IsInitialized", PolicyServiceServer.IsInitialized),
		unaryMethod("IsModuleType", PolicyServiceServer.IsModuleType),
		unaryMethod("ExpectedNonce", PolicyServiceServer.ExpectedNonce),
		unaryMethod("CheckUserOp", PolicyServiceServer.CheckUserOp),
		unaryMethod("CheckSignature", PolicyServiceServer.CheckSignature),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "intentguard/v1/policy.proto",
}

func RegisterPolicyServiceServer(s grpc.ServiceRegistrar, srv PolicyServiceServer) {
	s.RegisterService(&PolicyServiceDesc, srv)
}

func FullMethod(method string) string { return "/" + PolicyServiceName + "/" + method }

func unaryMethod(name string, call func(PolicyServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(structpb.Struct)
			if err := dec(in); err != nil {
				return nil, err
			}
			s := srv.(PolicyServiceServer)
			if interceptor == nil {
				return call(s, ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: FullMethod(name)}
			return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
				return call(s, ctx, req.(*structpb.Struct))
			})
		},
	}
}

// PolicyServiceClient — тонкий клиент поверх ClientConn (intentctl, тесты).
type PolicyServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewPolicyServiceClient(cc grpc.ClientConnInterface) *PolicyServiceClient {
	return &PolicyServiceClient{cc: cc}
}

func (c *PolicyServiceClient) Call(ctx context.Context, method string, in map[string]any, opts ...grpc.CallOption) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, err
	}
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, FullMethod(method), req, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCPolicyServer обслуживает тот же PolicyModule, что и HTTP шлюз.
type GRPCPolicyServer struct {
	policy PolicyModule
	logger *zap.Logger
}

func NewGRPCPolicyServer(p PolicyModule, logger *zap.Logger) *GRPCPolicyServer {
	return &GRPCPolicyServer{policy: p, logger: logger.Named("grpc")}
}

func (s *GRPCPolicyServer) Install(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	data, err := hexutil.Decode(in.GetFields()["data"].GetStringValue())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "data: %v", err)
	}
	if err := s.policy.OnInstall(ctx, principal, data); err != nil {
		return nil, s.misuse(err)
	}
	return &structpb.Struct{}, nil
}

func (s *GRPCPolicyServer) Uninstall(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	id, err := instanceField(in)
	if err != nil {
		return nil, err
	}
	if err := s.policy.OnUninstall(ctx, principal, id[:]); err != nil {
		return nil, s.misuse(err)
	}
	return &structpb.Struct{}, nil
}

func (s *GRPCPolicyServer) IsInitialized(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	ok, err := s.policy.IsInitialized(ctx, principal)
	if err != nil {
		s.logger.Error("isInitialized failed", zap.Error(err))
		return nil, status.Error(codes.Unavailable, "store unavailable")
	}
	return structpb.NewStruct(map[string]any{"initialized": ok})
}

func (s *GRPCPolicyServer) IsModuleType(_ context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	typeID, err := uint256.FromDecimal(in.GetFields()["type_id"].GetStringValue())
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, "type_id must be a decimal uint256")
	}
	return structpb.NewStruct(map[string]any{"is_module_type": s.policy.IsModuleType(typeID)})
}

func (s *GRPCPolicyServer) ExpectedNonce(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	id, err := instanceField(in)
	if err != nil {
		return nil, err
	}
	n, err := s.policy.ExpectedNonce(ctx, principal, id)
	if err != nil {
		return nil, s.misuse(err)
	}
	return structpb.NewStruct(map[string]any{"nonce": n.Dec()})
}

func (s *GRPCPolicyServer) CheckUserOp(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	id, err := instanceField(in)
	if err != nil {
		return nil, err
	}
	// Struct -> JSON -> UserOperation: hex-поля разбираются теми же правилами, что и в HTTP
	raw, err := json.Marshal(in.GetFields()["user_op"].GetStructValue().AsMap())
	if err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "user_op: %v", err)
	}
	var op domain.UserOperation
	if err := json.Unmarshal(raw, &op); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "user_op: %v", err)
	}
	return verdictStruct(s.policy.CheckUserOpPolicy(ctx, principal, id, &op))
}

func (s *GRPCPolicyServer) CheckSignature(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	principal, _ := auth.PrincipalFromContext(ctx)
	id, err := instanceField(in)
	if err != nil {
		return nil, err
	}
	f := in.GetFields()
	var (
		sender common.Address
		hash   common.Hash
		sig    []byte
	)
	if err := sender.UnmarshalText([]byte(f["sender"].GetStringValue())); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "sender: %v", err)
	}
	if err := hash.UnmarshalText([]byte(f["hash"].GetStringValue())); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "hash: %v", err)
	}
	if raw := f["signature"].GetStringValue(); raw != "" {
		if sig, err = hexutil.Decode(raw); err != nil {
			return nil, status.Errorf(codes.InvalidArgument, "signature: %v", err)
		}
	}
	return verdictStruct(s.policy.CheckSignaturePolicy(ctx, principal, id, sender, hash, sig))
}

func (s *GRPCPolicyServer) misuse(err error) error {
	switch {
	case errors.Is(err, domain.ErrAlreadyInitialized):
		return status.Error(codes.AlreadyExists, err.Error())
	case errors.Is(err, domain.ErrNotInitialized):
		return status.Error(codes.NotFound, err.Error())
	}
	if MisuseStatus(err) != http.StatusInternalServerError {
		return status.Error(codes.InvalidArgument, err.Error())
	}
	s.logger.Error("policy call failed", zap.Error(err))
	return status.Error(codes.Internal, "internal error")
}

func instanceField(in *structpb.Struct) (domain.InstanceID, error) {
	id, err := domain.ParseInstanceID(in.GetFields()["instance_id"].GetStringValue())
	if err != nil {
		return id, status.Error(codes.InvalidArgument, err.Error())
	}
	return id, nil
}

func verdictStruct(v domain.Verdict) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]any{"verdict": int(v), "result": v.String()})
}
