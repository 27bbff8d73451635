// Package program декодирует и исполняет check-программу конверта.
// Программа — недоверенный вход: декодер проверяет длину на каждом шаге,
// интерпретатор идет строго последовательно и останавливается на первом провале.
package program

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

type Opcode uint8

const (
	OpDeadline   Opcode = 0x01
	OpNonce      Opcode = 0x02
	OpBundleHash Opcode = 0x03

	OpTokenAmountCeiling    Opcode = 0x11
	OpNativeValueCeiling    Opcode = 0x12
	OpLiquidityDeltaCeiling Opcode = 0x13

	OpTickRange  Opcode = 0x20
	OpPriceRange Opcode = 0x21

	OpPositionClosed    Opcode = 0x30
	OpQueueCeiling      Opcode = 0x31
	OpReserveFloor      Opcode = 0x32
	OpSettledFloor      Opcode = 0x33
	OpDeficitCeiling    Opcode = 0x34
	OpGracePeriodFloor  Opcode = 0x35
	OpStaticCallCompare Opcode = 0xF0
)

var opcodeNames = map[Opcode]string{
	OpDeadline:              "deadline",
	OpNonce:                 "nonce",
	OpBundleHash:            "bundle_hash",
	OpTokenAmountCeiling:    "token_amount_ceiling",
	OpNativeValueCeiling:    "native_value_ceiling",
	OpLiquidityDeltaCeiling: "liquidity_delta_ceiling",
	OpTickRange:             "tick_range",
	OpPriceRange:            "price_range",
	OpPositionClosed:        "position_closed",
	OpQueueCeiling:          "queue_ceiling",
	OpReserveFloor:          "reserve_floor",
	OpSettledFloor:          "settled_floor",
	OpDeficitCeiling:        "deficit_ceiling",
	OpGracePeriodFloor:      "grace_period_floor",
	OpStaticCallCompare:     "static_call",
}

func (o Opcode) String() string {
	if n, ok := opcodeNames[o]; ok {
		return n
	}
	return fmt.Sprintf("opcode(%#02x)", uint8(o))
}

// CompOp — оператор сравнения обобщенной проверки.
type CompOp uint8

const (
	CompLt CompOp = iota
	CompLte
	CompGt
	CompGte
	CompEq
	CompNeq
)

func (op CompOp) Valid() bool { return op <= CompNeq }

// Ordering сообщает, требует ли оператор упорядочивания (а не только равенства).
func (op CompOp) Ordering() bool { return op < CompEq }

func (op CompOp) Apply(lhs, rhs *uint256.Int) bool {
	switch op {
	case CompLt:
		return lhs.Lt(rhs)
	case CompLte:
		return !lhs.Gt(rhs)
	case CompGt:
		return lhs.Gt(rhs)
	case CompGte:
		return !lhs.Lt(rhs)
	case CompEq:
		return lhs.Eq(rhs)
	case CompNeq:
		return !lhs.Eq(rhs)
	}
	return false
}

func (op CompOp) String() string {
	if !op.Valid() {
		return fmt.Sprintf("op(%d)", uint8(op))
	}
	return [...]string{"<", "<=", ">", ">=", "==", "!="}[op]
}

// Check — одна декодированная проверка. Каждый вариант несет только свои поля.
type Check interface {
	Opcode() Opcode
}

type DeadlineCheck struct{ Deadline uint64 }

type NonceCheck struct{ Expected uint256.Int }

type BundleHashCheck struct{ Hash common.Hash }

type TokenAmountCeilingCheck struct {
	Token common.Address
	Max   uint256.Int
}

type NativeValueCeilingCheck struct{ Max uint256.Int }

// LiquidityDeltaCeilingCheck: на проводе Max — u128.
type LiquidityDeltaCeilingCheck struct{ Max uint256.Int }

type TickRangeCheck struct {
	PoolID   [32]byte
	Min, Max int32
}

type PriceRangeCheck struct {
	PoolID   [32]byte
	Min, Max uint256.Int
}

type PositionClosedCheck struct{ PositionID [32]byte }

type QueueCeilingCheck struct {
	Asset common.Address
	Owner common.Address
	Max   uint256.Int
}

type ReserveFloorCheck struct {
	Asset common.Address
	Min   uint256.Int
}

type SettledFloorCheck struct {
	PositionID [32]byte
	Min0, Min1 uint256.Int
}

type DeficitCeilingCheck struct {
	PositionID [32]byte
	Max0, Max1 uint256.Int
}

type GracePeriodFloorCheck struct {
	PositionID [32]byte
	MinSeconds uint64
}

type StaticCallCheck struct {
	Target   common.Address
	Selector [4]byte
	Args     []byte
	Op       CompOp
	RHS      uint256.Int
}

func (DeadlineCheck) Opcode() Opcode              { return OpDeadline }
func (NonceCheck) Opcode() Opcode                 { return OpNonce }
func (BundleHashCheck) Opcode() Opcode            { return OpBundleHash }
func (TokenAmountCeilingCheck) Opcode() Opcode    { return OpTokenAmountCeiling }
func (NativeValueCeilingCheck) Opcode() Opcode    { return OpNativeValueCeiling }
func (LiquidityDeltaCeilingCheck) Opcode() Opcode { return OpLiquidityDeltaCeiling }
func (TickRangeCheck) Opcode() Opcode             { return OpTickRange }
func (PriceRangeCheck) Opcode() Opcode            { return OpPriceRange }
func (PositionClosedCheck) Opcode() Opcode        { return OpPositionClosed }
func (QueueCeilingCheck) Opcode() Opcode          { return OpQueueCeiling }
func (ReserveFloorCheck) Opcode() Opcode          { return OpReserveFloor }
func (SettledFloorCheck) Opcode() Opcode          { return OpSettledFloor }
func (DeficitCeilingCheck) Opcode() Opcode        { return OpDeficitCeiling }
func (GracePeriodFloorCheck) Opcode() Opcode      { return OpGracePeriodFloor }
func (StaticCallCheck) Opcode() Opcode            { return OpStaticCallCompare }
