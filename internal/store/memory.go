package store

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xela07ax/intentguard/internal/domain"
)

type memEntry struct {
	cfg   domain.InstanceConfig
	nonce uint256.Int
}

// MemoryStore — потокобезопасное хранилище в памяти процесса.
type MemoryStore struct {
	mu        sync.RWMutex
	instances map[domain.InstanceKey]*memEntry
	used      map[common.Address]uint64
	gen       uint64
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		instances: make(map[domain.InstanceKey]*memEntry),
		used:      make(map[common.Address]uint64),
	}
}

func (s *MemoryStore) Install(_ context.Context, cfg domain.InstanceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	key := cfg.Key()

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[key]; ok {
		return domain.ErrAlreadyInitialized
	}
	s.gen++
	cfg.Generation = s.gen
	s.instances[key] = &memEntry{cfg: cfg}
	s.used[cfg.Principal]++
	return nil
}

func (s *MemoryStore) Uninstall(_ context.Context, principal common.Address, id domain.InstanceID) error {
	key := domain.NewInstanceKey(principal, id)

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.instances[key]; !ok {
		return domain.ErrNotInitialized
	}
	if s.used[principal] == 0 {
		return fmt.Errorf("used instance counter underflow for %s", principal.Hex())
	}
	delete(s.instances, key)
	if s.used[principal]--; s.used[principal] == 0 {
		delete(s.used, principal)
	}
	return nil
}

func (s *MemoryStore) Config(_ context.Context, key domain.InstanceKey) (domain.InstanceConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.instances[key]
	if !ok {
		return domain.InstanceConfig{}, domain.ErrNotInitialized
	}
	return e.cfg, nil
}

func (s *MemoryStore) Nonce(_ context.Context, key domain.InstanceKey) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.instances[key]
	if !ok {
		return nil, domain.ErrNotInitialized
	}
	return new(uint256.Int).Set(&e.nonce), nil
}

func (s *MemoryStore) CompareAndIncrementNonce(_ context.Context, key domain.InstanceKey, generation uint64, expected *uint256.Int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.instances[key]
	if !ok {
		return domain.ErrNotInitialized
	}
	if e.cfg.Generation != generation {
		return domain.ErrConfigChanged
	}
	if !e.nonce.Eq(expected) {
		return domain.ErrNonceMismatch
	}
	e.nonce.AddUint64(&e.nonce, 1)
	return nil
}

func (s *MemoryStore) UsedInstances(_ context.Context, principal common.Address) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.used[principal], nil
}
