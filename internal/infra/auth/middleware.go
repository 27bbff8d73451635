package auth

import (
	"context"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// TokenValidator — интерфейс, который реализуют HTTP и gRPC периметры
type TokenValidator interface {
	VerifyToken(tokenStr string) (*Claims, error)
}

type ctxKey string

const principalKey ctxKey = "principal"

func WithPrincipal(ctx context.Context, principal common.Address) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// PrincipalFromContext достает аккаунт, проверенный middleware/интерцептором.
func PrincipalFromContext(ctx context.Context) (common.Address, bool) {
	p, ok := ctx.Value(principalKey).(common.Address)
	return p, ok
}

// Authorize проверяет заголовок/метаданные и возвращает контекст с принципалом.
func Authorize(ctx context.Context, v TokenValidator, header string) (context.Context, error) {
	claims, err := v.VerifyToken(header)
	if err != nil {
		return ctx, err
	}
	principal, err := claims.PrincipalAddress()
	if err != nil {
		return ctx, err
	}
	return WithPrincipal(ctx, principal), nil
}

func NewMiddleware(v TokenValidator, logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			ctx, err := Authorize(r.Context(), v, authHeader)
			if err != nil {
				logger.Warn("auth failure", zap.Error(err))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}
