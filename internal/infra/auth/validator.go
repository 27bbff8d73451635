package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/golang-jwt/jwt/v5"
)

var ErrNoPrincipal = errors.New("token carries no valid principal")

// Claims — токен вызывающего аккаунта. Principal — адрес смарт-аккаунта,
// от имени которого идут вызовы жизненного цикла и проверки.
type Claims struct {
	Principal string `json:"principal"`
	jwt.RegisteredClaims
}

// PrincipalAddress разбирает claim в адрес; нулевой адрес не допускается.
func (c *Claims) PrincipalAddress() (common.Address, error) {
	if !common.IsHexAddress(c.Principal) {
		return common.Address{}, ErrNoPrincipal
	}
	addr := common.HexToAddress(c.Principal)
	if addr == (common.Address{}) {
		return common.Address{}, ErrNoPrincipal
	}
	return addr, nil
}

// BaseValidator содержит общую логику проверки RS256
type BaseValidator struct {
	publicKey *rsa.PublicKey
}

func NewBaseValidator(pubKey *rsa.PublicKey) *BaseValidator {
	return &BaseValidator{publicKey: pubKey}
}

// VerifyToken реализует интерфейс auth.TokenValidator.
// Он проверяет JWT токен, подписанный асимметричным ключом RS256.
func (v *BaseValidator) VerifyToken(tokenStr string) (*Claims, error) {
	tokenStr = strings.TrimPrefix(tokenStr, "Bearer ")
	tokenStr = strings.TrimSpace(tokenStr)

	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodRSA); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.publicKey, nil
	})

	if err != nil || !token.Valid {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return nil, fmt.Errorf("invalid claims")
	}
	if _, err := claims.PrincipalAddress(); err != nil {
		return nil, err
	}

	return claims, nil
}

// Issuer выпускает токены для аккаунтов (утилита intentctl и тесты).
type Issuer struct {
	privateKey *rsa.PrivateKey
	ttl        time.Duration
}

func NewIssuer(key *rsa.PrivateKey, ttl time.Duration) *Issuer {
	return &Issuer{privateKey: key, ttl: ttl}
}

func (i *Issuer) Issue(principal common.Address) (string, error) {
	now := time.Now()
	claims := Claims{
		Principal: principal.Hex(),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   principal.Hex(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(i.ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
}

// ParseRSAPublicKey превращает []byte в объект для проверки подписи
func ParseRSAPublicKey(data []byte) (*rsa.PublicKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("public key data is empty")
	}
	key, err := jwt.ParseRSAPublicKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return key, nil
}

// ParseRSAPrivateKey превращает []byte в объект для подписи (только для intentctl)
func ParseRSAPrivateKey(data []byte) (*rsa.PrivateKey, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("private key data is empty")
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse private key: %w", err)
	}
	return key, nil
}
