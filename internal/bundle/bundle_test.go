package bundle

import (
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	tokenA = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	tokenB = common.HexToAddress("0x00000000000000000000000000000000000000bb")
	pool   = common.HexToAddress("0x00000000000000000000000000000000000000cc")
)

func erc20Call(sel [4]byte, words ...*big.Int) []byte {
	out := append([]byte(nil), sel[:]...)
	for _, w := range words {
		out = append(out, common.BigToHash(w).Bytes()...)
	}
	return out
}

func executeCall(t *testing.T, mode byte, execData []byte) []byte {
	t.Helper()
	var m [32]byte
	m[0] = mode
	packed, err := executeArgs.Pack(m, execData)
	require.NoError(t, err)
	return append(SelectorExecute[:], packed...)
}

func TestSummarize_Single(t *testing.T) {
	inner := erc20Call(SelectorTransfer, big.NewInt(0x1234), big.NewInt(500))
	exec := append(tokenA.Bytes(), common.BigToHash(big.NewInt(7)).Bytes()...)
	exec = append(exec, inner...)

	s, err := Summarize(executeCall(t, CallTypeSingle, exec))
	require.NoError(t, err)
	require.Len(t, s.Calls, 1)
	assert.Equal(t, uint64(7), s.NativeValue.Uint64())
	assert.Equal(t, uint64(500), s.TokenAmount(tokenA).Uint64())
	assert.True(t, s.TokenAmount(tokenB).IsZero())
}

func TestSummarize_Batch(t *testing.T) {
	liquidity := make([]byte, 4+8*32+32)
	copy(liquidity, SelectorModifyLiquidity[:])
	// liquidityDelta = -1000 (int256)
	delta := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1000))
	copy(liquidity[4+7*32:], common.BigToHash(delta).Bytes())

	execs := []execution{
		{Target: tokenA, Value: big.NewInt(1), CallData: erc20Call(SelectorTransfer, big.NewInt(1), big.NewInt(100))},
		{Target: tokenA, Value: big.NewInt(2), CallData: erc20Call(SelectorTransferFrom, big.NewInt(1), big.NewInt(2), big.NewInt(50))},
		{Target: tokenB, Value: big.NewInt(0), CallData: erc20Call(SelectorApprove, big.NewInt(3), big.NewInt(9))},
		{Target: pool, Value: big.NewInt(0), CallData: liquidity},
	}
	packed, err := batchArgs.Pack(execs)
	require.NoError(t, err)

	s, err := Summarize(executeCall(t, CallTypeBatch, packed))
	require.NoError(t, err)
	require.Len(t, s.Calls, 4)
	assert.Equal(t, uint64(3), s.NativeValue.Uint64())
	assert.Equal(t, uint64(150), s.TokenAmount(tokenA).Uint64())
	assert.Equal(t, uint64(9), s.TokenAmount(tokenB).Uint64())
	assert.Equal(t, uint64(1000), s.LiquidityDelta.Uint64())
}

func TestSummarize_Rejects(t *testing.T) {
	_, err := Summarize([]byte{0xde, 0xad})
	assert.ErrorIs(t, err, ErrUnknownPayload)

	_, err = Summarize(erc20Call(SelectorTransfer, big.NewInt(1), big.NewInt(1)))
	assert.ErrorIs(t, err, ErrUnknownPayload)

	_, err = Summarize(executeCall(t, CallTypeDelegatecall, tokenA.Bytes()))
	assert.ErrorIs(t, err, ErrUnsupportedCallType)

	_, err = Summarize(executeCall(t, CallTypeSingle, tokenA.Bytes()))
	assert.ErrorIs(t, err, ErrMalformed)

	// transfer без слова amount
	short := append(tokenA.Bytes(), make([]byte, 32)...)
	short = append(short, SelectorTransfer[:]...)
	_, err = Summarize(executeCall(t, CallTypeSingle, short))
	assert.ErrorIs(t, err, ErrMalformed)
}
