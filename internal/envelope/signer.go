package envelope

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

var (
	ErrInvalidSignature = errors.New("envelope: invalid signature")
	ErrSignerMismatch   = errors.New("envelope: signer mismatch")
)

// recoveryIDs: v из {27,28} или {0,1}; иначе пробуем оба.
func recoveryIDs(v byte) []byte {
	switch v {
	case 27, 28:
		return []byte{v - 27}
	case 0, 1:
		return []byte{v}
	}
	return []byte{0, 1}
}

// RecoverSigners восстанавливает адреса-кандидаты для подписи r||s||v над digest.
// Подписи с high-s отклоняются (неподатливость).
func RecoverSigners(digest common.Hash, sig [SignatureLength]byte) ([]common.Address, error) {
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:64])

	var out []common.Address
	for _, id := range recoveryIDs(sig[64]) {
		if !crypto.ValidateSignatureValues(id, r, s, true) {
			continue
		}
		raw := make([]byte, SignatureLength)
		copy(raw, sig[:64])
		raw[64] = id
		pub, err := crypto.SigToPub(digest[:], raw)
		if err != nil {
			continue
		}
		if addr := crypto.PubkeyToAddress(*pub); addr != (common.Address{}) {
			out = append(out, addr)
		}
	}
	if len(out) == 0 {
		return nil, ErrInvalidSignature
	}
	return out, nil
}

// Sign подписывает digest и возвращает r||s||v с v в {27,28}.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([SignatureLength]byte, error) {
	var out [SignatureLength]byte
	sig, err := crypto.Sign(digest[:], key)
	if err != nil {
		return out, fmt.Errorf("sign envelope: %w", err)
	}
	copy(out[:], sig)
	out[64] += 27
	return out, nil
}

// Verifier связывает конверт с доменом развертывания и ожидаемым подписантом.
type Verifier struct {
	domain Domain
}

func NewVerifier(d Domain) *Verifier {
	return &Verifier{domain: d}
}

func (v *Verifier) Domain() Domain { return v.domain }

// Authenticate проходит, только если подпись восстановлена ровно в expected.
func (v *Verifier) Authenticate(b Binding, env *Envelope, expected common.Address) error {
	if expected == (common.Address{}) {
		return ErrSignerMismatch
	}
	digest, err := Digest(v.domain, b, env)
	if err != nil {
		return err
	}
	signers, err := RecoverSigners(digest, env.Signature)
	if err != nil {
		return err
	}
	for _, s := range signers {
		if s == expected {
			return nil
		}
	}
	return ErrSignerMismatch
}

// SignEnvelope вычисляет digest и вписывает подпись в конверт.
func (v *Verifier) SignEnvelope(b Binding, env *Envelope, key *ecdsa.PrivateKey) error {
	digest, err := Digest(v.domain, b, env)
	if err != nil {
		return err
	}
	sig, err := Sign(digest, key)
	if err != nil {
		return err
	}
	env.Signature = sig
	return nil
}
