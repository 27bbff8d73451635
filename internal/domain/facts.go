package domain

import "github.com/holiman/uint256"

// Slot0 — снимок состояния пула: текущая цена и тик.
type Slot0 struct {
	SqrtPriceX96 uint256.Int
	Tick         int32
	ProtocolFee  uint32
	LPFee        uint32
}

// GraceState — чекпоинт позиции вместе с базовыми grace-периодами пула.
// Для закрытой позиции поля Grace* не читаются и остаются нулевыми.
type GraceState struct {
	Open           bool
	LastTransition uint256.Int
	Extension0     uint256.Int
	Extension1     uint256.Int
	Grace0         uint256.Int
	Grace1         uint256.Int
}

// StaticResult — значение, прочитанное обобщенным staticcall.
// Hashed=true: ответ шире одного слова и Value = keccak256(raw).
type StaticResult struct {
	Value  uint256.Int
	Hashed bool
}
