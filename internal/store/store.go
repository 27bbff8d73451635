// Package store хранит конфигурации инстансов, счетчики nonce и число инстансов
// на принципала. Все реализации обязаны давать атомарный CAS по nonce.
package store

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xela07ax/intentguard/internal/domain"
)

type Store interface {
	// Install — ErrAlreadyInitialized, если конфиг уже есть. Nonce сбрасывается в 0,
	// конфиг получает новое поколение (cfg.Generation на входе игнорируется).
	Install(ctx context.Context, cfg domain.InstanceConfig) error
	// Uninstall — ErrNotInitialized, если конфига нет. Удаляет конфиг и nonce.
	Uninstall(ctx context.Context, principal common.Address, id domain.InstanceID) error
	Config(ctx context.Context, key domain.InstanceKey) (domain.InstanceConfig, error)
	Nonce(ctx context.Context, key domain.InstanceKey) (*uint256.Int, error)
	// CompareAndIncrementNonce: поколение совпадает и nonce == expected -> nonce+1.
	// Другое поколение — ErrConfigChanged, другой nonce — ErrNonceMismatch.
	CompareAndIncrementNonce(ctx context.Context, key domain.InstanceKey, generation uint64, expected *uint256.Int) error
	UsedInstances(ctx context.Context, principal common.Address) (uint64, error)
}
