package program

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

var (
	ErrTruncated       = errors.New("program: truncated")
	ErrUnknownOpcode   = errors.New("program: unknown opcode")
	ErrUnknownCompOp   = errors.New("program: unknown comparison operator")
	ErrTooManyChecks   = errors.New("program: too many checks")
	ErrProgramTooLarge = errors.New("program: too large")
	ErrArgsTooLarge    = errors.New("program: static call args too large")
)

// Limits ограничивают программу до начала исполнения. Нулевое или отрицательное
// поле заменяется значением из DefaultLimits: снять ограничение нельзя.
type Limits struct {
	MaxChecks       int
	MaxProgramBytes int
	MaxArgsBytes    int
}

// DefaultLimits — 64 проверки, 8 КиБ программы, 1 КиБ аргументов staticcall.
var DefaultLimits = Limits{
	MaxChecks:       64,
	MaxProgramBytes: 8 << 10,
	MaxArgsBytes:    1 << 10,
}

// WithDefaults подставляет DefaultLimits в незаданные поля.
func (l Limits) WithDefaults() Limits {
	if l.MaxChecks <= 0 {
		l.MaxChecks = DefaultLimits.MaxChecks
	}
	if l.MaxProgramBytes <= 0 {
		l.MaxProgramBytes = DefaultLimits.MaxProgramBytes
	}
	if l.MaxArgsBytes <= 0 {
		l.MaxArgsBytes = DefaultLimits.MaxArgsBytes
	}
	return l
}

// Decode разбирает байты программы в упорядоченный список проверок.
// Любой сбой разбора — отказ всей программы, байты никогда не пропускаются.
func Decode(data []byte, lim Limits) ([]Check, error) {
	lim = lim.WithDefaults()
	if len(data) > lim.MaxProgramBytes {
		return nil, fmt.Errorf("%w: %d bytes", ErrProgramTooLarge, len(data))
	}

	r := &reader{buf: data}
	var checks []Check
	for !r.done() {
		if len(checks) >= lim.MaxChecks {
			return nil, ErrTooManyChecks
		}
		at := r.off
		op, err := r.u8()
		if err != nil {
			return nil, err
		}
		c, err := decodeCheck(r, Opcode(op), lim)
		if err != nil {
			return nil, fmt.Errorf("check #%d at offset %d: %w", len(checks), at, err)
		}
		checks = append(checks, c)
	}
	return checks, nil
}

func decodeCheck(r *reader, op Opcode, lim Limits) (Check, error) {
	switch op {
	case OpDeadline:
		v, err := r.u64()
		if err != nil {
			return nil, err
		}
		return DeadlineCheck{Deadline: v}, nil

	case OpNonce:
		var c NonceCheck
		if err := r.word(&c.Expected); err != nil {
			return nil, err
		}
		return c, nil

	case OpBundleHash:
		var c BundleHashCheck
		if err := r.fixed(c.Hash[:]); err != nil {
			return nil, err
		}
		return c, nil

	case OpTokenAmountCeiling:
		var c TokenAmountCeilingCheck
		if err := r.address(&c.Token); err != nil {
			return nil, err
		}
		if err := r.word(&c.Max); err != nil {
			return nil, err
		}
		return c, nil

	case OpNativeValueCeiling:
		var c NativeValueCeilingCheck
		if err := r.word(&c.Max); err != nil {
			return nil, err
		}
		return c, nil

	case OpLiquidityDeltaCeiling:
		var c LiquidityDeltaCeilingCheck
		b, err := r.take(16)
		if err != nil {
			return nil, err
		}
		c.Max.SetBytes(b)
		return c, nil

	case OpTickRange:
		var c TickRangeCheck
		if err := r.fixed(c.PoolID[:]); err != nil {
			return nil, err
		}
		lo, err := r.u32()
		if err != nil {
			return nil, err
		}
		hi, err := r.u32()
		if err != nil {
			return nil, err
		}
		c.Min, c.Max = int32(lo), int32(hi)
		return c, nil

	case OpPriceRange:
		var c PriceRangeCheck
		if err := r.fixed(c.PoolID[:]); err != nil {
			return nil, err
		}
		if err := r.word(&c.Min); err != nil {
			return nil, err
		}
		if err := r.word(&c.Max); err != nil {
			return nil, err
		}
		return c, nil

	case OpPositionClosed:
		var c PositionClosedCheck
		if err := r.fixed(c.PositionID[:]); err != nil {
			return nil, err
		}
		return c, nil

	case OpQueueCeiling:
		var c QueueCeilingCheck
		if err := r.address(&c.Asset); err != nil {
			return nil, err
		}
		if err := r.address(&c.Owner); err != nil {
			return nil, err
		}
		if err := r.word(&c.Max); err != nil {
			return nil, err
		}
		return c, nil

	case OpReserveFloor:
		var c ReserveFloorCheck
		if err := r.address(&c.Asset); err != nil {
			return nil, err
		}
		if err := r.word(&c.Min); err != nil {
			return nil, err
		}
		return c, nil

	case OpSettledFloor:
		var c SettledFloorCheck
		if err := r.fixed(c.PositionID[:]); err != nil {
			return nil, err
		}
		if err := r.word(&c.Min0); err != nil {
			return nil, err
		}
		if err := r.word(&c.Min1); err != nil {
			return nil, err
		}
		return c, nil

	case OpDeficitCeiling:
		var c DeficitCeilingCheck
		if err := r.fixed(c.PositionID[:]); err != nil {
			return nil, err
		}
		if err := r.word(&c.Max0); err != nil {
			return nil, err
		}
		if err := r.word(&c.Max1); err != nil {
			return nil, err
		}
		return c, nil

	case OpGracePeriodFloor:
		var c GracePeriodFloorCheck
		if err := r.fixed(c.PositionID[:]); err != nil {
			return nil, err
		}
		v, err := r.u64()
		if err != nil {
			return nil, err
		}
		c.MinSeconds = v
		return c, nil

	case OpStaticCallCompare:
		var c StaticCallCheck
		if err := r.address(&c.Target); err != nil {
			return nil, err
		}
		if err := r.fixed(c.Selector[:]); err != nil {
			return nil, err
		}
		n, err := r.u16()
		if err != nil {
			return nil, err
		}
		if int(n) > lim.MaxArgsBytes {
			return nil, fmt.Errorf("%w: %d bytes", ErrArgsTooLarge, n)
		}
		args, err := r.take(int(n))
		if err != nil {
			return nil, err
		}
		c.Args = append([]byte(nil), args...)
		b, err := r.u8()
		if err != nil {
			return nil, err
		}
		c.Op = CompOp(b)
		if !c.Op.Valid() {
			return nil, fmt.Errorf("%w: %d", ErrUnknownCompOp, b)
		}
		if err := r.word(&c.RHS); err != nil {
			return nil, err
		}
		return c, nil
	}
	return nil, fmt.Errorf("%w: %#02x", ErrUnknownOpcode, uint8(op))
}

// reader — курсор по недоверенному буферу с проверкой длины на каждом чтении.
type reader struct {
	buf []byte
	off int
}

func (r *reader) done() bool { return r.off >= len(r.buf) }

func (r *reader) take(n int) ([]byte, error) {
	if n < 0 || len(r.buf)-r.off < n {
		return nil, ErrTruncated
	}
	b := r.buf[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *reader) fixed(dst []byte) error {
	b, err := r.take(len(dst))
	if err != nil {
		return err
	}
	copy(dst, b)
	return nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u16() (uint16, error) {
	b, err := r.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (r *reader) word(dst *uint256.Int) error {
	b, err := r.take(32)
	if err != nil {
		return err
	}
	dst.SetBytes32(b)
	return nil
}

func (r *reader) address(dst *common.Address) error {
	b, err := r.take(common.AddressLength)
	if err != nil {
		return err
	}
	dst.SetBytes(b)
	return nil
}
