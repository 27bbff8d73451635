// Package replay защищает инстансы от повторного использования конвертов:
// каждый вердикт SUCCESS обязан предъявить ровно следующий nonce.
package replay

import (
	"context"
	"fmt"

	"github.com/holiman/uint256"

	"github.com/xela07ax/intentguard/internal/domain"
)

// NonceStore — часть хранилища, которая нужна guard-у.
type NonceStore interface {
	Nonce(ctx context.Context, key domain.InstanceKey) (*uint256.Int, error)
	CompareAndIncrementNonce(ctx context.Context, key domain.InstanceKey, generation uint64, expected *uint256.Int) error
}

type Guard struct {
	store NonceStore
}

func NewGuard(store NonceStore) *Guard {
	return &Guard{store: store}
}

// ExpectedNonce — значение, которое должен нести следующий конверт инстанса.
func (g *Guard) ExpectedNonce(ctx context.Context, key domain.InstanceKey) (*uint256.Int, error) {
	n, err := g.store.Nonce(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("expected nonce: %w", err)
	}
	return n, nil
}

// Consume атомарно продвигает счетчик на 1, только если supplied совпадает с ожидаемым.
// Больше или меньше ожидаемого — domain.ErrNonceMismatch. generation — поколение
// конфига, по которому проверялся конверт; если инстанс с тех пор переустановлен,
// domain.ErrConfigChanged. Вызывается последним, после того как все остальные проверки прошли.
func (g *Guard) Consume(ctx context.Context, key domain.InstanceKey, generation uint64, supplied *uint256.Int) error {
	if err := g.store.CompareAndIncrementNonce(ctx, key, generation, supplied); err != nil {
		return fmt.Errorf("consume nonce %s: %w", supplied.Dec(), err)
	}
	return nil
}
