package program

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xela07ax/intentguard/internal/bundle"
	"github.com/xela07ax/intentguard/internal/domain"
)

var (
	ErrConditionUnmet  = errors.New("condition unmet")
	ErrFactUnavailable = errors.New("fact unavailable")
	ErrBundleUnknown   = errors.New("call bundle could not be summarized")
	ErrHashedOrdering  = errors.New("ordering comparison on hashed return data")
)

// Facts — контракт чтения, который нужен интерпретатору. Реализуется facts.OnchainProvider;
// значения всегда читаются заново для текущего вердикта.
type Facts interface {
	Slot0(ctx context.Context, poolID [32]byte) (domain.Slot0, error)
	PositionOpen(ctx context.Context, positionID [32]byte) (bool, error)
	QueuedAmount(ctx context.Context, asset, owner common.Address) (*uint256.Int, error)
	Reserve(ctx context.Context, asset common.Address) (*uint256.Int, error)
	SettledAmounts(ctx context.Context, positionID [32]byte) (*uint256.Int, *uint256.Int, error)
	CommitmentMaxima(ctx context.Context, positionID [32]byte) (*uint256.Int, *uint256.Int, error)
	GraceState(ctx context.Context, positionID [32]byte) (domain.GraceState, error)
	StaticCall(ctx context.Context, target common.Address, selector [4]byte, args []byte) (domain.StaticResult, error)
}

// Env — уже проверенный контекст вердикта.
type Env struct {
	Now        uint64
	Nonce      uint256.Int
	BundleHash common.Hash
	Bundle     *bundle.Summary // nil: payload не удалось разобрать
}

// CheckError указывает на первую провалившуюся проверку.
type CheckError struct {
	Index  int
	Opcode Opcode
	Err    error
}

func (e *CheckError) Error() string {
	return fmt.Sprintf("check #%d (%s): %v", e.Index, e.Opcode, e.Err)
}

func (e *CheckError) Unwrap() error { return e.Err }

// Evaluate исполняет проверки по порядку и останавливается на первом провале.
// Пустая программа проходит.
func Evaluate(ctx context.Context, checks []Check, env Env, facts Facts) error {
	for i, c := range checks {
		if err := ctx.Err(); err != nil {
			return &CheckError{Index: i, Opcode: c.Opcode(), Err: err}
		}
		if err := evalCheck(ctx, c, env, facts); err != nil {
			return &CheckError{Index: i, Opcode: c.Opcode(), Err: err}
		}
	}
	return nil
}

func evalCheck(ctx context.Context, c Check, env Env, facts Facts) error {
	switch c := c.(type) {
	case DeadlineCheck:
		return expect(env.Now <= c.Deadline)

	case NonceCheck:
		return expect(env.Nonce.Eq(&c.Expected))

	case BundleHashCheck:
		return expect(env.BundleHash == c.Hash)

	case TokenAmountCeilingCheck:
		if env.Bundle == nil {
			return ErrBundleUnknown
		}
		return expect(!env.Bundle.TokenAmount(c.Token).Gt(&c.Max))

	case NativeValueCeilingCheck:
		if env.Bundle == nil {
			return ErrBundleUnknown
		}
		return expect(!env.Bundle.NativeValue.Gt(&c.Max))

	case LiquidityDeltaCeilingCheck:
		if env.Bundle == nil {
			return ErrBundleUnknown
		}
		return expect(!env.Bundle.LiquidityDelta.Gt(&c.Max))

	case TickRangeCheck:
		s, err := facts.Slot0(ctx, c.PoolID)
		if err != nil {
			return unavailable(err)
		}
		return expect(s.Tick >= c.Min && s.Tick <= c.Max)

	case PriceRangeCheck:
		s, err := facts.Slot0(ctx, c.PoolID)
		if err != nil {
			return unavailable(err)
		}
		return expect(!s.SqrtPriceX96.Lt(&c.Min) && !s.SqrtPriceX96.Gt(&c.Max))

	case PositionClosedCheck:
		open, err := facts.PositionOpen(ctx, c.PositionID)
		if err != nil {
			return unavailable(err)
		}
		return expect(!open)

	case QueueCeilingCheck:
		q, err := facts.QueuedAmount(ctx, c.Asset, c.Owner)
		if err != nil {
			return unavailable(err)
		}
		return expect(!q.Gt(&c.Max))

	case ReserveFloorCheck:
		r, err := facts.Reserve(ctx, c.Asset)
		if err != nil {
			return unavailable(err)
		}
		return expect(!r.Lt(&c.Min))

	case SettledFloorCheck:
		a0, a1, err := facts.SettledAmounts(ctx, c.PositionID)
		if err != nil {
			return unavailable(err)
		}
		return expect(!a0.Lt(&c.Min0) && !a1.Lt(&c.Min1))

	case DeficitCeilingCheck:
		c0, c1, err := facts.CommitmentMaxima(ctx, c.PositionID)
		if err != nil {
			return unavailable(err)
		}
		s0, s1, err := facts.SettledAmounts(ctx, c.PositionID)
		if err != nil {
			return unavailable(err)
		}
		d0, d1 := saturatingSub(c0, s0), saturatingSub(c1, s1)
		return expect(!d0.Gt(&c.Max0) && !d1.Gt(&c.Max1))

	case GracePeriodFloorCheck:
		g, err := facts.GraceState(ctx, c.PositionID)
		if err != nil {
			return unavailable(err)
		}
		return expect(GraceRemaining(g, env.Now) >= c.MinSeconds)

	case StaticCallCheck:
		res, err := facts.StaticCall(ctx, c.Target, c.Selector, c.Args)
		if err != nil {
			return unavailable(err)
		}
		if res.Hashed && c.Op.Ordering() {
			return ErrHashedOrdering
		}
		return expect(c.Op.Apply(&res.Value, &c.RHS))
	}
	return fmt.Errorf("%w: %T", ErrUnknownOpcode, c)
}

// GraceRemaining = max(0, min(grace0+ext0, grace1+ext1) - (now - lastTransition)).
// Закрытая позиция имеет неограниченный остаток; результат зажат в u64.
func GraceRemaining(g domain.GraceState, now uint64) uint64 {
	if !g.Open {
		return math.MaxUint64
	}
	elapsed := saturatingSub(uint256.NewInt(now), &g.LastTransition)

	total0, o0 := new(uint256.Int).AddOverflow(&g.Grace0, &g.Extension0)
	total1, o1 := new(uint256.Int).AddOverflow(&g.Grace1, &g.Extension1)
	// переполнение порога = порог не достижим
	earliest := total0
	switch {
	case o0 && o1:
		return math.MaxUint64
	case o0:
		earliest = total1
	case !o1 && total1.Lt(total0):
		earliest = total1
	}

	remaining := saturatingSub(earliest, elapsed)
	if !remaining.IsUint64() {
		return math.MaxUint64
	}
	return remaining.Uint64()
}

func saturatingSub(a, b *uint256.Int) *uint256.Int {
	if !a.Gt(b) {
		return new(uint256.Int)
	}
	return new(uint256.Int).Sub(a, b)
}

func expect(ok bool) error {
	if ok {
		return nil
	}
	return ErrConditionUnmet
}

func unavailable(err error) error {
	return fmt.Errorf("%w: %w", ErrFactUnavailable, err)
}
