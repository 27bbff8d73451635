package postgres

/*
Файл instance_repo.go хранит конфигурации инстансов, nonce и счетчики принципалов.
Install/Uninstall идут в одной транзакции с изменением счетчика, nonce продвигается
условным UPDATE (CAS), поэтому несколько реплик могут работать с одной БД.
Поколение установки берется из последовательности и сверяется в том же UPDATE.
*/

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/xela07ax/intentguard/internal/domain"
)

type InstanceRepo struct {
	pool *pgxpool.Pool
}

func NewInstanceRepo(pool *pgxpool.Pool) *InstanceRepo {
	return &InstanceRepo{pool: pool}
}

func (r *InstanceRepo) Install(ctx context.Context, cfg domain.InstanceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	key := cfg.Key()

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `
			INSERT INTO policy_instances
				(instance_key, principal, instance_id, signer, state_source, position_source, liquidity_source, version, nonce)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
			ON CONFLICT (instance_key) DO NOTHING`,
			key[:], cfg.Principal.Bytes(), cfg.InstanceID[:], cfg.AuthorizedSigner.Bytes(),
			cfg.Sources.StateSource.Bytes(), cfg.Sources.PositionSource.Bytes(), cfg.Sources.LiquiditySource.Bytes(),
			int16(cfg.Version),
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to insert instance: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return domain.ErrAlreadyInitialized
		}

		_, err = tx.Exec(ctx, `
			INSERT INTO principal_usage (principal, used) VALUES ($1, 1)
			ON CONFLICT (principal) DO UPDATE SET used = principal_usage.used + 1`,
			cfg.Principal.Bytes(),
		)
		if err != nil {
			return fmt.Errorf("postgres: failed to bump usage: %w", err)
		}
		return nil
	})
}

func (r *InstanceRepo) Uninstall(ctx context.Context, principal common.Address, id domain.InstanceID) error {
	key := domain.NewInstanceKey(principal, id)

	return pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		ct, err := tx.Exec(ctx, `DELETE FROM policy_instances WHERE instance_key = $1`, key[:])
		if err != nil {
			return fmt.Errorf("postgres: failed to delete instance: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return domain.ErrNotInitialized
		}

		ct, err = tx.Exec(ctx, `
			UPDATE principal_usage SET used = used - 1
			WHERE principal = $1 AND used > 0`, principal.Bytes())
		if err != nil {
			return fmt.Errorf("postgres: failed to decrement usage: %w", err)
		}
		if ct.RowsAffected() == 0 {
			return fmt.Errorf("postgres: used instance counter underflow for %s", principal.Hex())
		}
		_, err = tx.Exec(ctx, `DELETE FROM principal_usage WHERE principal = $1 AND used = 0`, principal.Bytes())
		return err
	})
}

func (r *InstanceRepo) Config(ctx context.Context, key domain.InstanceKey) (domain.InstanceConfig, error) {
	var (
		cfg                                    domain.InstanceConfig
		principal, id, signer, state, pos, liq []byte
		version                                int16
		generation                             int64
	)
	err := r.pool.QueryRow(ctx, `
		SELECT principal, instance_id, signer, state_source, position_source, liquidity_source, version, generation
		FROM policy_instances WHERE instance_key = $1`, key[:]).
		Scan(&principal, &id, &signer, &state, &pos, &liq, &version, &generation)
	if errors.Is(err, pgx.ErrNoRows) {
		return cfg, domain.ErrNotInitialized
	}
	if err != nil {
		return cfg, fmt.Errorf("postgres: failed to load instance: %w", err)
	}
	if len(id) != len(cfg.InstanceID) {
		return cfg, fmt.Errorf("postgres: corrupt instance id for %s", key.Hex())
	}

	cfg.Principal = common.BytesToAddress(principal)
	copy(cfg.InstanceID[:], id)
	cfg.AuthorizedSigner = common.BytesToAddress(signer)
	cfg.Sources = domain.FactSources{
		StateSource:     common.BytesToAddress(state),
		PositionSource:  common.BytesToAddress(pos),
		LiquiditySource: common.BytesToAddress(liq),
	}
	cfg.Version = uint8(version)
	cfg.Generation = uint64(generation)
	return cfg, nil
}

func (r *InstanceRepo) Nonce(ctx context.Context, key domain.InstanceKey) (*uint256.Int, error) {
	var dec string
	err := r.pool.QueryRow(ctx, `SELECT nonce::text FROM policy_instances WHERE instance_key = $1`, key[:]).Scan(&dec)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, domain.ErrNotInitialized
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to load nonce: %w", err)
	}
	n, err := uint256.FromDecimal(dec)
	if err != nil {
		return nil, fmt.Errorf("postgres: nonce %q: %w", dec, err)
	}
	return n, nil
}

func (r *InstanceRepo) CompareAndIncrementNonce(ctx context.Context, key domain.InstanceKey, generation uint64, expected *uint256.Int) error {
	ct, err := r.pool.Exec(ctx, `
		UPDATE policy_instances SET nonce = nonce + 1
		WHERE instance_key = $1 AND generation = $2 AND nonce = $3::numeric`, key[:], int64(generation), expected.Dec())
	if err != nil {
		return fmt.Errorf("postgres: nonce cas: %w", err)
	}
	if ct.RowsAffected() == 1 {
		return nil
	}

	var current int64
	err = r.pool.QueryRow(ctx,
		`SELECT generation FROM policy_instances WHERE instance_key = $1`, key[:]).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return domain.ErrNotInitialized
	}
	if err != nil {
		return fmt.Errorf("postgres: nonce cas: %w", err)
	}
	if uint64(current) != generation {
		return domain.ErrConfigChanged
	}
	return domain.ErrNonceMismatch
}

func (r *InstanceRepo) UsedInstances(ctx context.Context, principal common.Address) (uint64, error) {
	var used int64
	err := r.pool.QueryRow(ctx, `SELECT used FROM principal_usage WHERE principal = $1`, principal.Bytes()).Scan(&used)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to load usage: %w", err)
	}
	return uint64(used), nil
}
