package facts

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xela07ax/intentguard/internal/domain"
)

const (
	DefaultGasCap         = 200_000
	DefaultMaxReturnBytes = 4 << 10

	poolWords = 14
)

// ReadObserver получает исход каждого чтения (метрики).
type ReadObserver interface {
	FactRead(accessor, outcome string)
}

// Options общие для всех провайдеров процесса.
type Options struct {
	GasCap         uint64
	MaxReturnBytes int
	// Дополнительные разрешения для обобщенной проверки (поверх аксессоров источников)
	Extra    *Allowlist
	Observer ReadObserver
}

// Factory создает провайдер под конфигурацию инстанса.
type Factory struct {
	caller Caller
	opts   Options
}

func NewFactory(caller Caller, opts Options) *Factory {
	if opts.GasCap == 0 {
		opts.GasCap = DefaultGasCap
	}
	if opts.MaxReturnBytes <= 0 {
		opts.MaxReturnBytes = DefaultMaxReturnBytes
	}
	return &Factory{caller: caller, opts: opts}
}

func (f *Factory) ForInstance(cfg domain.InstanceConfig) *OnchainProvider {
	return &OnchainProvider{
		caller:  f.caller,
		sources: cfg.Sources,
		allow:   SourcesAllowlist(cfg.Sources).Merge(f.opts.Extra),
		opts:    f.opts,
	}
}

// OnchainProvider реализует program.Facts поверх настроенных источников инстанса.
// Ничего не кэширует: каждый вердикт читает свежие значения.
type OnchainProvider struct {
	caller  Caller
	sources domain.FactSources
	allow   *Allowlist
	opts    Options
}

func (p *OnchainProvider) Slot0(ctx context.Context, poolID [32]byte) (domain.Slot0, error) {
	var s domain.Slot0
	out, err := p.read(ctx, SigSlot0, p.sources.StateSource, selSlot0, poolID[:], 4)
	if err != nil {
		return s, err
	}
	s.SqrtPriceX96.SetBytes32(out[0:32])
	s.Tick = int24(out[32:64])
	s.ProtocolFee = uint24(out[64:96])
	s.LPFee = uint24(out[96:128])
	return s, nil
}

func (p *OnchainProvider) PositionOpen(ctx context.Context, positionID [32]byte) (bool, error) {
	out, err := p.read(ctx, SigCheckpoint, p.sources.PositionSource, selCheckpoint, positionID[:], 4)
	if err != nil {
		return false, err
	}
	return !isZeroWord(out[32:64]), nil
}

func (p *OnchainProvider) QueuedAmount(ctx context.Context, asset, owner common.Address) (*uint256.Int, error) {
	args := append(domain.LeftPadAddress(asset), domain.LeftPadAddress(owner)...)
	out, err := p.read(ctx, SigSettleQueue, p.sources.LiquiditySource, selSettleQueue, args, 1)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(out[:32]), nil
}

func (p *OnchainProvider) Reserve(ctx context.Context, asset common.Address) (*uint256.Int, error) {
	out, err := p.read(ctx, SigReserve, p.sources.LiquiditySource, selReserve, domain.LeftPadAddress(asset), 1)
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes32(out[:32]), nil
}

func (p *OnchainProvider) SettledAmounts(ctx context.Context, positionID [32]byte) (*uint256.Int, *uint256.Int, error) {
	return p.pair(ctx, SigSettledAmounts, selSettledAmounts, positionID)
}

func (p *OnchainProvider) CommitmentMaxima(ctx context.Context, positionID [32]byte) (*uint256.Int, *uint256.Int, error) {
	return p.pair(ctx, SigCommitmentMaxima, selCommitmentMaxima, positionID)
}

// GraceState собирает checkpoint позиции и grace-времена ее пула.
// Для закрытой позиции пул не читается.
func (p *OnchainProvider) GraceState(ctx context.Context, positionID [32]byte) (domain.GraceState, error) {
	var g domain.GraceState
	cp, err := p.read(ctx, SigCheckpoint, p.sources.PositionSource, selCheckpoint, positionID[:], 4)
	if err != nil {
		return g, err
	}
	g.LastTransition.SetBytes32(cp[0:32])
	g.Open = !isZeroWord(cp[32:64])
	g.Extension0.SetBytes32(cp[64:96])
	g.Extension1.SetBytes32(cp[96:128])
	if !g.Open {
		return g, nil
	}

	pos, err := p.read(ctx, SigPosition, p.sources.PositionSource, selPosition, positionID[:], 2)
	if err != nil {
		return g, err
	}
	pool, err := p.read(ctx, SigPool, p.sources.PositionSource, selPool, pos[32:64], poolWords)
	if err != nil {
		return g, err
	}
	g.Grace0.SetBytes32(pool[3*32 : 4*32])
	g.Grace1.SetBytes32(pool[7*32 : 8*32])
	return g, nil
}

// StaticCall — обобщенная проверка. Ровно 32 байта сравниваются как uint256,
// более длинный ответ — как uint256(keccak256(raw)), короче — отказ.
func (p *OnchainProvider) StaticCall(ctx context.Context, target common.Address, selector [4]byte, args []byte) (domain.StaticResult, error) {
	var res domain.StaticResult
	out, err := p.guarded(ctx, "static", target, selector, args)
	if err != nil {
		return res, err
	}
	switch {
	case len(out) == 32:
		res.Value.SetBytes32(out)
	case len(out) > 32:
		h := domain.Keccak256(out)
		res.Value.SetBytes32(h[:])
		res.Hashed = true
	default:
		return res, fmt.Errorf("%w: %d bytes", ErrShortReturn, len(out))
	}
	return res, nil
}

func (p *OnchainProvider) pair(ctx context.Context, accessor string, sel [4]byte, positionID [32]byte) (*uint256.Int, *uint256.Int, error) {
	out, err := p.read(ctx, accessor, p.sources.PositionSource, sel, positionID[:], 2)
	if err != nil {
		return nil, nil, err
	}
	return new(uint256.Int).SetBytes32(out[0:32]), new(uint256.Int).SetBytes32(out[32:64]), nil
}

// read — guarded-вызов типизированного аксессора с проверкой минимального числа слов.
func (p *OnchainProvider) read(ctx context.Context, accessor string, target common.Address, sel [4]byte, args []byte, words int) ([]byte, error) {
	out, err := p.guarded(ctx, accessor, target, sel, args)
	if err != nil {
		return nil, err
	}
	if len(out) < words*32 {
		p.observe(accessor, "short")
		return nil, fmt.Errorf("%s: %w: %d bytes, want %d", accessor, ErrShortReturn, len(out), words*32)
	}
	return out, nil
}

func (p *OnchainProvider) guarded(ctx context.Context, accessor string, target common.Address, sel [4]byte, args []byte) ([]byte, error) {
	if !p.allow.Allowed(target, sel) {
		p.observe(accessor, "denied")
		return nil, fmt.Errorf("%s at %s: %w", accessor, target.Hex(), ErrNotAllowed)
	}
	data := make([]byte, 0, 4+len(args))
	data = append(data, sel[:]...)
	data = append(data, args...)

	out, err := p.caller.CallContract(ctx, ethereum.CallMsg{
		To:   &target,
		Gas:  p.opts.GasCap,
		Data: data,
	}, nil)
	if err != nil {
		outcome := "error"
		if errors.Is(err, ErrReverted) {
			outcome = "reverted"
		}
		p.observe(accessor, outcome)
		return nil, fmt.Errorf("%s at %s: %w", accessor, target.Hex(), err)
	}
	if len(out) > p.opts.MaxReturnBytes {
		p.observe(accessor, "oversized")
		return nil, fmt.Errorf("%s: %w: %d bytes", accessor, ErrReturnTooLong, len(out))
	}
	p.observe(accessor, "ok")
	return out, nil
}

func (p *OnchainProvider) observe(accessor, outcome string) {
	if p.opts.Observer != nil {
		p.opts.Observer.FactRead(accessor, outcome)
	}
}

// int24 берет младшие 3 байта ABI-слова со знаковым расширением.
func int24(w []byte) int32 {
	v := int32(w[29])<<16 | int32(w[30])<<8 | int32(w[31])
	if v&0x800000 != 0 {
		v -= 1 << 24
	}
	return v
}

func uint24(w []byte) uint32 {
	return uint32(w[29])<<16 | uint32(w[30])<<8 | uint32(w[31])
}

func isZeroWord(w []byte) bool {
	for _, b := range w {
		if b != 0 {
			return false
		}
	}
	return true
}
