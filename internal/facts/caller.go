// Package facts читает on-chain факты для проверок программы: только read-only вызовы
// к настроенным источникам, с лимитом газа, таймаутом и ограничением размера ответа.
package facts

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/rpc"
)

// Caller исполняет eth_call. Реализуется *ethclient.Client.
type Caller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// HeaderReader нужен ChainClock. Реализуется *ethclient.Client.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

var (
	ErrReverted      = errors.New("facts: call reverted")
	ErrNotAllowed    = errors.New("facts: target/selector not on allow-list")
	ErrReturnTooLong = errors.New("facts: return data exceeds bound")
	ErrShortReturn   = errors.New("facts: return data too short")
	ErrNoBackend     = errors.New("facts: no rpc backend configured")
)

// NoBackend — Caller без узла: любое чтение факта проваливается.
type NoBackend struct{}

func (NoBackend) CallContract(context.Context, ethereum.CallMsg, *big.Int) ([]byte, error) {
	return nil, ErrNoBackend
}

// ThrottleError — узел попросил притормозить; ретрай ждет RetryAfter вместо бэкоффа.
type ThrottleError struct {
	RetryAfter time.Duration
	Cause      error
}

func (e *ThrottleError) Error() string {
	return fmt.Sprintf("throttled: retry after %v (cause: %v)", e.RetryAfter, e.Cause)
}

func (e *ThrottleError) Unwrap() error { return e.Cause }

// classify раскладывает ошибку узла: revert детерминирован и не ретраится,
// 429 превращается в ThrottleError, остальное считается транзиентным.
func classify(err error, throttleDelay time.Duration) error {
	if err == nil {
		return nil
	}
	var rpcErr rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.ErrorCode() == 3 {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	if strings.Contains(err.Error(), "execution reverted") {
		return fmt.Errorf("%w: %v", ErrReverted, err)
	}
	var httpErr rpc.HTTPError
	if errors.As(err, &httpErr) && httpErr.StatusCode == 429 {
		return &ThrottleError{RetryAfter: throttleDelay, Cause: err}
	}
	return err
}
