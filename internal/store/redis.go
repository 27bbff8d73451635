package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/redis/go-redis/v9"

	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/infra"
)

// Lua-скрипты держат связку "конфиг + nonce + счетчик принципала" атомарной.
var (
	installScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
local gen = redis.call('INCR', KEYS[3])
redis.call('HSET', KEYS[1],
	'principal', ARGV[1], 'instance_id', ARGV[2], 'signer', ARGV[3],
	'state', ARGV[4], 'position', ARGV[5], 'liquidity', ARGV[6],
	'version', ARGV[7], 'nonce', '0', 'generation', tostring(gen))
redis.call('INCR', KEYS[2])
return 1
`)

	uninstallScript = redis.NewScript(`
if redis.call('DEL', KEYS[1]) == 0 then
	return 0
end
local n = redis.call('DECR', KEYS[2])
if n <= 0 then
	redis.call('DEL', KEYS[2])
end
return 1
`)

	// nonce хранится десятичной строкой; инкремент считает Go (u256 не помещается в Lua number)
	casNonceScript = redis.NewScript(`
local cur = redis.call('HMGET', KEYS[1], 'nonce', 'generation')
if not cur[1] then
	return -1
end
if cur[2] ~= ARGV[3] then
	return -2
end
if cur[1] ~= ARGV[1] then
	return 0
end
redis.call('HSET', KEYS[1], 'nonce', ARGV[2])
return 1
`)
)

// RedisStore — общее хранилище для нескольких реплик движка.
type RedisStore struct {
	rdb redis.UniversalClient
}

func NewRedisStore(rdb redis.UniversalClient) *RedisStore {
	return &RedisStore{rdb: rdb}
}

func (s *RedisStore) Install(ctx context.Context, cfg domain.InstanceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	keys := []string{
		infra.InstanceRedisKey(cfg.Key().Hex()),
		infra.UsedCountRedisKey(cfg.Principal),
		infra.GenerationRedisKey(),
	}
	res, err := installScript.Run(ctx, s.rdb, keys,
		cfg.Principal.Hex(), cfg.InstanceID.Hex(), cfg.AuthorizedSigner.Hex(),
		cfg.Sources.StateSource.Hex(), cfg.Sources.PositionSource.Hex(), cfg.Sources.LiquiditySource.Hex(),
		strconv.Itoa(int(cfg.Version)),
	).Int()
	if err != nil {
		return fmt.Errorf("redis install: %w", err)
	}
	if res == 0 {
		return domain.ErrAlreadyInitialized
	}
	return nil
}

func (s *RedisStore) Uninstall(ctx context.Context, principal common.Address, id domain.InstanceID) error {
	key := domain.NewInstanceKey(principal, id)
	keys := []string{infra.InstanceRedisKey(key.Hex()), infra.UsedCountRedisKey(principal)}
	res, err := uninstallScript.Run(ctx, s.rdb, keys).Int()
	if err != nil {
		return fmt.Errorf("redis uninstall: %w", err)
	}
	if res == 0 {
		return domain.ErrNotInitialized
	}
	return nil
}

func (s *RedisStore) Config(ctx context.Context, key domain.InstanceKey) (domain.InstanceConfig, error) {
	var cfg domain.InstanceConfig
	fields, err := s.rdb.HGetAll(ctx, infra.InstanceRedisKey(key.Hex())).Result()
	if err != nil {
		return cfg, fmt.Errorf("redis config: %w", err)
	}
	if len(fields) == 0 {
		return cfg, domain.ErrNotInitialized
	}
	return decodeConfig(fields)
}

func (s *RedisStore) Nonce(ctx context.Context, key domain.InstanceKey) (*uint256.Int, error) {
	v, err := s.rdb.HGet(ctx, infra.InstanceRedisKey(key.Hex()), "nonce").Result()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("redis nonce: %w", err)
	}
	n, err := uint256.FromDecimal(v)
	if err != nil {
		return nil, fmt.Errorf("redis nonce %q: %w", v, err)
	}
	return n, nil
}

func (s *RedisStore) CompareAndIncrementNonce(ctx context.Context, key domain.InstanceKey, generation uint64, expected *uint256.Int) error {
	next := new(uint256.Int).AddUint64(expected, 1)
	res, err := casNonceScript.Run(ctx, s.rdb, []string{infra.InstanceRedisKey(key.Hex())},
		expected.Dec(), next.Dec(), strconv.FormatUint(generation, 10)).Int()
	if err != nil {
		return fmt.Errorf("redis nonce cas: %w", err)
	}
	switch res {
	case -1:
		return domain.ErrNotInitialized
	case -2:
		return domain.ErrConfigChanged
	case 0:
		return domain.ErrNonceMismatch
	}
	return nil
}

func (s *RedisStore) UsedInstances(ctx context.Context, principal common.Address) (uint64, error) {
	n, err := s.rdb.Get(ctx, infra.UsedCountRedisKey(principal)).Uint64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("redis used count: %w", err)
	}
	return n, nil
}

func decodeConfig(f map[string]string) (domain.InstanceConfig, error) {
	var cfg domain.InstanceConfig
	for _, name := range []string{"principal", "signer", "state", "position", "liquidity"} {
		if !common.IsHexAddress(f[name]) {
			return cfg, fmt.Errorf("redis config: bad %s %q", name, f[name])
		}
	}
	id, err := domain.ParseInstanceID(f["instance_id"])
	if err != nil {
		return cfg, fmt.Errorf("redis config: %w", err)
	}
	version, err := strconv.ParseUint(f["version"], 10, 8)
	if err != nil {
		return cfg, fmt.Errorf("redis config: version: %w", err)
	}
	gen, err := strconv.ParseUint(f["generation"], 10, 64)
	if err != nil {
		return cfg, fmt.Errorf("redis config: generation: %w", err)
	}
	cfg.Principal = common.HexToAddress(f["principal"])
	cfg.InstanceID = id
	cfg.AuthorizedSigner = common.HexToAddress(f["signer"])
	cfg.Sources = domain.FactSources{
		StateSource:     common.HexToAddress(f["state"]),
		PositionSource:  common.HexToAddress(f["position"]),
		LiquiditySource: common.HexToAddress(f["liquidity"]),
	}
	cfg.Version = uint8(version)
	cfg.Generation = gen
	return cfg, nil
}
