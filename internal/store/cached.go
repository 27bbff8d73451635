package store

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/infra"
)

// CachedStore держит L1-кэш конфигураций поверх основного хранилища.
// Конфиг неизменен между install и uninstall, поэтому кэшируется только он;
// nonce и счетчики всегда читаются из основного хранилища. Устаревший конфиг
// (переустановка на другой реплике, потерянное сообщение) ловит CAS по поколению.
type CachedStore struct {
	next Store

	mu      sync.RWMutex
	configs map[domain.InstanceKey]domain.InstanceConfig
	// растет при каждой инвалидации; заполнение кэша сверяется с ним
	epoch uint64

	rdb    redis.UniversalClient // nil: только локальная инвалидация
	logger *zap.Logger
}

func NewCachedStore(next Store, rdb redis.UniversalClient, logger *zap.Logger) *CachedStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CachedStore{
		next:    next,
		configs: make(map[domain.InstanceKey]domain.InstanceConfig),
		rdb:     rdb,
		logger:  logger.Named("config-cache"),
	}
}

func (s *CachedStore) Install(ctx context.Context, cfg domain.InstanceConfig) error {
	if err := s.next.Install(ctx, cfg); err != nil {
		return err
	}
	s.invalidate(ctx, cfg.Key())
	return nil
}

func (s *CachedStore) Uninstall(ctx context.Context, principal common.Address, id domain.InstanceID) error {
	if err := s.next.Uninstall(ctx, principal, id); err != nil {
		return err
	}
	s.invalidate(ctx, domain.NewInstanceKey(principal, id))
	return nil
}

func (s *CachedStore) Config(ctx context.Context, key domain.InstanceKey) (domain.InstanceConfig, error) {
	s.mu.RLock()
	cfg, ok := s.configs[key]
	epoch := s.epoch
	s.mu.RUnlock()
	if ok {
		return cfg, nil
	}

	cfg, err := s.next.Config(ctx, key)
	if err != nil {
		return cfg, err
	}
	s.mu.Lock()
	// пока читали, кэш инвалидировали: прочитанное могло устареть, не кладем
	if s.epoch == epoch {
		s.configs[key] = cfg
	}
	s.mu.Unlock()
	return cfg, nil
}

func (s *CachedStore) Nonce(ctx context.Context, key domain.InstanceKey) (*uint256.Int, error) {
	return s.next.Nonce(ctx, key)
}

func (s *CachedStore) CompareAndIncrementNonce(ctx context.Context, key domain.InstanceKey, generation uint64, expected *uint256.Int) error {
	err := s.next.CompareAndIncrementNonce(ctx, key, generation, expected)
	if errors.Is(err, domain.ErrNotInitialized) || errors.Is(err, domain.ErrConfigChanged) {
		// конфиг мог быть удален или заменен на другой реплике, а сообщение еще не дошло
		s.evict(key)
	}
	return err
}

func (s *CachedStore) UsedInstances(ctx context.Context, principal common.Address) (uint64, error) {
	return s.next.UsedInstances(ctx, principal)
}

// Listen применяет инвалидации от других реплик. Блокируется до отмены ctx.
func (s *CachedStore) Listen(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	ListenResilient(ctx, s.rdb, s.logger, infra.RedisChanInstanceInvalidate, 5*time.Second,
		s.Flush,
		func(payload string) {
			if !isHashHex(payload) {
				s.logger.Error("invalid invalidation payload", zap.String("payload", payload))
				return
			}
			s.evict(domain.InstanceKey(common.HexToHash(payload)))
		})
}

// Flush сбрасывает весь кэш.
func (s *CachedStore) Flush() {
	s.mu.Lock()
	s.configs = make(map[domain.InstanceKey]domain.InstanceConfig)
	s.epoch++
	s.mu.Unlock()
}

func (s *CachedStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.configs)
}

func (s *CachedStore) evict(key domain.InstanceKey) {
	s.mu.Lock()
	delete(s.configs, key)
	s.epoch++
	s.mu.Unlock()
}

func (s *CachedStore) invalidate(ctx context.Context, key domain.InstanceKey) {
	s.evict(key)
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Publish(ctx, infra.RedisChanInstanceInvalidate, key.Hex()).Err(); err != nil {
		s.logger.Warn("failed to publish invalidation", zap.String("key", key.Hex()), zap.Error(err))
	}
}

func isHashHex(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
