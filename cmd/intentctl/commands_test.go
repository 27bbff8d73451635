package main

import (
	"bytes"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/envelope"
	"github.com/xela07ax/intentguard/internal/policy"
)

func execute(t *testing.T, args ...string) string {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs(args)
	require.NoError(t, rootCmd.Execute())
	return strings.TrimSpace(out.String())
}

func TestInstallDataCommand(t *testing.T) {
	id := domain.InstanceID{9}
	out := execute(t, "install-data",
		"--instance", id.Hex(),
		"--signer", "0x00000000000000000000000000000000000051c0",
		"--state", "0x00000000000000000000000000000000000000a1",
		"--position", "0x00000000000000000000000000000000000000a2",
		"--liquidity", "0x00000000000000000000000000000000000000a3")

	data, err := hexutil.Decode(out)
	require.NoError(t, err)
	gotID, initData, err := policy.SplitInstallData(data)
	require.NoError(t, err)
	assert.Equal(t, id, gotID)

	cfg, err := policy.ParseInitData(common.Address{1}, gotID, initData)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0x51c0"), cfg.AuthorizedSigner)
}

func TestSignEnvelopeCommand(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	principal := common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	contract := common.HexToAddress("0x0000000000000000000000000000000000000c0d")
	id := domain.InstanceID{3}

	out := execute(t, "sign-envelope",
		"--key", hexutil.Encode(crypto.FromECDSA(key)),
		"--principal", principal.Hex(),
		"--instance", id.Hex(),
		"--chain-id", "10",
		"--contract", contract.Hex(),
		"--nonce", "4",
		"--deadline", "1900000000",
		"--calldata", "0xdeadbeef")

	raw, err := hexutil.Decode(out)
	require.NoError(t, err)
	env, err := envelope.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), env.Nonce.Uint64())
	assert.Equal(t, domain.Keccak256([]byte{0xde, 0xad, 0xbe, 0xef}), env.CallBundleHash)

	v := envelope.NewVerifier(envelope.Domain{
		Name:              envelope.DefaultDomainName,
		Version:           envelope.DefaultDomainVersion,
		ChainID:           big.NewInt(10),
		VerifyingContract: contract,
	})
	assert.NoError(t, v.Authenticate(envelope.Binding{Principal: principal, InstanceID: id}, env, crypto.PubkeyToAddress(key.PublicKey)))
}
