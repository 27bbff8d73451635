package engine

import (
	"context"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/xela07ax/intentguard/internal/audit"
	"github.com/xela07ax/intentguard/internal/infra/auth"
)

// Методы без принципала: статическое объявление типа модуля.
var publicMethods = map[string]bool{
	FullMethod("IsModuleType"): true,
}

// UnaryAuthInterceptor проверяет RS256 токен в метаданных gRPC вызова
func UnaryAuthInterceptor(v auth.TokenValidator, logger *zap.Logger) grpc.UnaryServerInterceptor {
	return func(
		ctx context.Context,
		req interface{},
		info *grpc.UnaryServerInfo,
		handler grpc.UnaryHandler,
	) (interface{}, error) {
		// 1. Извлекаем метаданные из контекста
		md, _ := metadata.FromIncomingContext(ctx)

		// 2. Сквозной trace-id, как в HTTP
		if ids := md.Get("x-trace-id"); len(ids) > 0 {
			ctx = audit.WithTraceID(ctx, ids[0])
		}

		if publicMethods[info.FullMethod] {
			return handler(ctx, req)
		}

		// 3. Ищем токен (в gRPC заголовки в нижнем регистре)
		tokens := md.Get("authorization")
		if len(tokens) == 0 {
			return nil, status.Errorf(codes.Unauthenticated, "missing access token")
		}

		// 4. Обогащаем контекст принципалом
		newCtx, err := auth.Authorize(ctx, v, tokens[0])
		if err != nil {
			logger.Warn("grpc auth failure", zap.String("method", info.FullMethod), zap.Error(err))
			return nil, status.Errorf(codes.Unauthenticated, "invalid access token")
		}

		return handler(newCtx, req)
	}
}
