// Package bundle разбирает исполняемый payload (ERC-7579 execute) в сводку,
// по которой проверяются потолки токенов, нативной стоимости и ликвидности.
package bundle

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/xela07ax/intentguard/internal/domain"
)

var (
	ErrUnknownPayload      = errors.New("bundle: payload is not an ERC-7579 execute call")
	ErrUnsupportedCallType = errors.New("bundle: unsupported call type")
	ErrMalformed           = errors.New("bundle: malformed execution calldata")
	ErrOverflow            = errors.New("bundle: amount overflow")
)

// Типы вызова из первого байта ExecMode.
const (
	CallTypeSingle       byte = 0x00
	CallTypeBatch        byte = 0x01
	CallTypeDelegatecall byte = 0xFF
)

var (
	SelectorExecute         = domain.Selector("execute(bytes32,bytes)")
	SelectorTransfer        = domain.Selector("transfer(address,uint256)")
	SelectorApprove         = domain.Selector("approve(address,uint256)")
	SelectorTransferFrom    = domain.Selector("transferFrom(address,address,uint256)")
	SelectorModifyLiquidity = domain.Selector("modifyLiquidity((address,address,uint24,int24,address),(int24,int24,int256,bytes32),bytes)")
)

// Call — один вызов внутри бандла.
type Call struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Summary — то, что проверки-потолки знают об исполняемом бандле.
type Summary struct {
	Calls          []Call
	NativeValue    uint256.Int
	TokenAmounts   map[common.Address]*uint256.Int
	LiquidityDelta uint256.Int // максимальный |liquidityDelta| среди modifyLiquidity
}

// TokenAmount возвращает суммарный объем токена в бандле (ноль, если токен не затронут).
func (s *Summary) TokenAmount(token common.Address) *uint256.Int {
	if v, ok := s.TokenAmounts[token]; ok {
		return v
	}
	return new(uint256.Int)
}

var (
	executeArgs = abi.Arguments{
		{Name: "mode", Type: mustType("bytes32", nil)},
		{Name: "executionCalldata", Type: mustType("bytes", nil)},
	}
	batchArgs = abi.Arguments{
		{Name: "executions", Type: mustType("tuple[]", []abi.ArgumentMarshaling{
			{Name: "target", Type: "address"},
			{Name: "value", Type: "uint256"},
			{Name: "callData", Type: "bytes"},
		})},
	}
)

func mustType(t string, components []abi.ArgumentMarshaling) abi.Type {
	typ, err := abi.NewType(t, "", components)
	if err != nil {
		panic(err)
	}
	return typ
}

// execution повторяет кортеж Execution из ERC-7579 для abi.ConvertType.
type execution struct {
	Target   common.Address
	Value    *big.Int
	CallData []byte
}

// Summarize декодирует callData операции. Неизвестный формат — ошибка:
// проверки, зависящие от сводки, в этом случае проваливаются.
func Summarize(callData []byte) (*Summary, error) {
	if len(callData) < 4 || [4]byte(callData[:4]) != SelectorExecute {
		return nil, ErrUnknownPayload
	}
	vals, err := executeArgs.Unpack(callData[4:])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	mode := vals[0].([32]byte)
	execData := vals[1].([]byte)

	var calls []Call
	switch mode[0] {
	case CallTypeSingle:
		if len(execData) < common.AddressLength+32 {
			return nil, ErrMalformed
		}
		calls = []Call{{
			Target:   common.BytesToAddress(execData[:20]),
			Value:    new(big.Int).SetBytes(execData[20:52]),
			CallData: execData[52:],
		}}
	case CallTypeBatch:
		out, err := batchArgs.Unpack(execData)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		execs := *abi.ConvertType(out[0], new([]execution)).(*[]execution)
		for _, e := range execs {
			calls = append(calls, Call(e))
		}
	default:
		return nil, fmt.Errorf("%w: %#02x", ErrUnsupportedCallType, mode[0])
	}
	return summarize(calls)
}

func summarize(calls []Call) (*Summary, error) {
	s := &Summary{Calls: calls, TokenAmounts: make(map[common.Address]*uint256.Int)}
	for _, c := range calls {
		if c.Value != nil {
			if c.Value.Sign() < 0 {
				return nil, ErrMalformed
			}
			v, overflow := uint256.FromBig(c.Value)
			if overflow {
				return nil, ErrOverflow
			}
			if _, overflow := s.NativeValue.AddOverflow(&s.NativeValue, v); overflow {
				return nil, ErrOverflow
			}
		}
		if len(c.CallData) < 4 {
			continue
		}
		sel := [4]byte(c.CallData[:4])
		args := c.CallData[4:]
		switch sel {
		case SelectorTransfer, SelectorApprove:
			if err := s.addToken(c.Target, args, 1); err != nil {
				return nil, err
			}
		case SelectorTransferFrom:
			if err := s.addToken(c.Target, args, 2); err != nil {
				return nil, err
			}
		case SelectorModifyLiquidity:
			// PoolKey (5 слов) + tickLower, tickUpper, liquidityDelta — статический кортеж, слово 7
			w, ok := word(args, 7)
			if !ok {
				return nil, ErrMalformed
			}
			delta := new(uint256.Int).SetBytes32(w)
			if delta.Sign() < 0 {
				delta.Neg(delta)
			}
			if delta.Gt(&s.LiquidityDelta) {
				s.LiquidityDelta.Set(delta)
			}
		}
	}
	return s, nil
}

func (s *Summary) addToken(token common.Address, args []byte, idx int) error {
	w, ok := word(args, idx)
	if !ok {
		return ErrMalformed
	}
	amount := new(uint256.Int).SetBytes32(w)
	acc, ok := s.TokenAmounts[token]
	if !ok {
		acc = new(uint256.Int)
		s.TokenAmounts[token] = acc
	}
	if _, overflow := acc.AddOverflow(acc, amount); overflow {
		return ErrOverflow
	}
	return nil
}

func word(args []byte, idx int) ([]byte, bool) {
	start := idx * 32
	if len(args) < start+32 {
		return nil, false
	}
	return args[start : start+32], true
}
