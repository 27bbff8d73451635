package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/sha3"
)

// Keccak256 — хэш Ethereum (legacy Keccak, не SHA3-256 из FIPS-202).
func Keccak256(parts ...[]byte) common.Hash {
	h := sha3.NewLegacyKeccak256()
	for _, p := range parts {
		h.Write(p)
	}
	var out common.Hash
	h.Sum(out[:0])
	return out
}

// Selector возвращает 4-байтовый селектор функции по её Solidity-сигнатуре.
func Selector(signature string) [4]byte {
	h := Keccak256([]byte(signature))
	var sel [4]byte
	copy(sel[:], h[:4])
	return sel
}

// LeftPadAddress кладет адрес в 32-байтовое ABI-слово.
func LeftPadAddress(a common.Address) []byte {
	return common.LeftPadBytes(a.Bytes(), 32)
}
