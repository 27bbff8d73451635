package envelope

import (
	"encoding/binary"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xela07ax/intentguard/internal/domain"
)

func testEnvelope() *Envelope {
	env := &Envelope{
		Version:        1,
		Deadline:       1_700_000_000,
		CallBundleHash: domain.Keccak256([]byte("calls")),
		Program:        []byte{0x01, 0, 0, 0, 0, 0, 0, 0, 1},
	}
	env.Nonce.SetUint64(5)
	return env
}

func testDomain() Domain {
	return Domain{
		Name:              DefaultDomainName,
		Version:           DefaultDomainVersion,
		ChainID:           big.NewInt(42161),
		VerifyingContract: common.HexToAddress("0x00000000000000000000000000000000000c0de0"),
	}
}

func TestParse_RoundTrip(t *testing.T) {
	env := testEnvelope()
	env.Signature[64] = 27

	raw, err := Encode(env)
	require.NoError(t, err)

	got, err := Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, env, got)
}

func TestParse_Rejects(t *testing.T) {
	raw, err := Encode(testEnvelope())
	require.NoError(t, err)

	t.Run("trailing bytes", func(t *testing.T) {
		_, err := Parse(append(append([]byte(nil), raw...), 0x00))
		assert.ErrorIs(t, err, ErrTrailingBytes)
	})
	t.Run("truncated", func(t *testing.T) {
		_, err := Parse(raw[:len(raw)-1])
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("short header", func(t *testing.T) {
		_, err := Parse(raw[:10])
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("unsupported version", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.BigEndian.PutUint16(bad, 2)
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrUnsupportedVersion)
	})
	t.Run("program length overruns", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		binary.BigEndian.PutUint32(bad[74:], 0xFFFFFFFF)
		_, err := Parse(bad)
		assert.ErrorIs(t, err, ErrMalformed)
	})
	t.Run("signature length", func(t *testing.T) {
		bad := append([]byte(nil), raw...)
		off := headerLength + len(testEnvelope().Program)
		binary.BigEndian.PutUint16(bad[off:], 64)
		_, err := Parse(bad[:len(bad)-1])
		assert.ErrorIs(t, err, ErrSignatureLength)
	})
}

func TestDigest_BindsDomainAndInstance(t *testing.T) {
	env := testEnvelope()
	b := Binding{Principal: common.HexToAddress("0x01")}

	base, err := Digest(testDomain(), b, env)
	require.NoError(t, err)

	other := testDomain()
	other.ChainID = big.NewInt(1)
	d, err := Digest(other, b, env)
	require.NoError(t, err)
	assert.NotEqual(t, base, d)

	b2 := b
	b2.InstanceID[0] = 1
	d, err = Digest(testDomain(), b2, env)
	require.NoError(t, err)
	assert.NotEqual(t, base, d)

	env.Program = append(env.Program, 0x00)
	d, err = Digest(testDomain(), b, env)
	require.NoError(t, err)
	assert.NotEqual(t, base, d)

	env.Version = 9
	_, err = Digest(testDomain(), b, env)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestVerifier_Authenticate(t *testing.T) {
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	signer := crypto.PubkeyToAddress(key.PublicKey)

	v := NewVerifier(testDomain())
	b := Binding{Principal: common.HexToAddress("0x01")}
	env := testEnvelope()
	require.NoError(t, v.SignEnvelope(b, env, key))
	assert.Contains(t, []byte{27, 28}, env.Signature[64])

	require.NoError(t, v.Authenticate(b, env, signer))

	t.Run("v as recovery id", func(t *testing.T) {
		e := *env
		e.Signature[64] -= 27
		assert.NoError(t, v.Authenticate(b, &e, signer))
	})
	t.Run("unknown v tries both", func(t *testing.T) {
		e := *env
		e.Signature[64] = 99
		assert.NoError(t, v.Authenticate(b, &e, signer))
	})
	t.Run("wrong signer", func(t *testing.T) {
		assert.ErrorIs(t, v.Authenticate(b, env, common.HexToAddress("0x02")), ErrSignerMismatch)
	})
	t.Run("tampered nonce", func(t *testing.T) {
		e := *env
		e.Nonce = *uint256.NewInt(6)
		assert.Error(t, v.Authenticate(b, &e, signer))
	})
	t.Run("high s rejected", func(t *testing.T) {
		e := *env
		n := crypto.S256().Params().N
		s := new(big.Int).SetBytes(e.Signature[32:64])
		copy(e.Signature[32:64], common.LeftPadBytes(new(big.Int).Sub(n, s).Bytes(), 32))
		e.Signature[64] ^= 1
		assert.ErrorIs(t, v.Authenticate(b, &e, signer), ErrInvalidSignature)
	})
	t.Run("zero signature", func(t *testing.T) {
		e := *env
		e.Signature = [SignatureLength]byte{}
		assert.ErrorIs(t, v.Authenticate(b, &e, signer), ErrInvalidSignature)
	})
}
