// Package envelope разбирает и аутентифицирует подписанный intent-конверт.
//
// Проводной формат (big-endian):
//
//	version(2) || nonce(32) || deadline(8) || callBundleHash(32) ||
//	programLen(4) || program(programLen) || sigLen(2) || signature(sigLen = 65)
package envelope

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

const (
	SignatureLength = 65
	headerLength    = 2 + 32 + 8 + 32 + 4
	minLength       = headerLength + 2
)

var (
	ErrMalformed          = errors.New("envelope: malformed")
	ErrUnsupportedVersion = errors.New("envelope: unsupported version")
	ErrSignatureLength    = errors.New("envelope: signature must be 65 bytes")
	ErrTrailingBytes      = errors.New("envelope: trailing bytes")
)

// Envelope — эфемерный конверт, никогда не сохраняется.
type Envelope struct {
	Version        uint16
	Nonce          uint256.Int
	Deadline       uint64
	CallBundleHash common.Hash
	Program        []byte
	Signature      [SignatureLength]byte
}

// Parse разбирает срез подписи политики. Любое несовпадение длины, неизвестная версия
// или длина подписи не 65 байт — ошибка разбора.
func Parse(data []byte) (*Envelope, error) {
	if len(data) < minLength {
		return nil, fmt.Errorf("%w: %d bytes", ErrMalformed, len(data))
	}
	var env Envelope
	off := 0

	env.Version = binary.BigEndian.Uint16(data[off:])
	off += 2
	if !Supported(env.Version) {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	env.Nonce.SetBytes32(data[off : off+32])
	off += 32
	env.Deadline = binary.BigEndian.Uint64(data[off:])
	off += 8
	copy(env.CallBundleHash[:], data[off:off+32])
	off += 32

	progLen := uint64(binary.BigEndian.Uint32(data[off:]))
	off += 4
	// программа + 2 байта sigLen должны уместиться в остаток
	if progLen+2 > uint64(len(data)-off) {
		return nil, fmt.Errorf("%w: program length %d", ErrMalformed, progLen)
	}
	env.Program = append([]byte(nil), data[off:off+int(progLen)]...)
	off += int(progLen)

	sigLen := int(binary.BigEndian.Uint16(data[off:]))
	off += 2
	if sigLen != SignatureLength {
		return nil, fmt.Errorf("%w: got %d", ErrSignatureLength, sigLen)
	}
	if len(data)-off < sigLen {
		return nil, fmt.Errorf("%w: signature truncated", ErrMalformed)
	}
	copy(env.Signature[:], data[off:off+sigLen])
	off += sigLen

	if off != len(data) {
		return nil, fmt.Errorf("%w: %d", ErrTrailingBytes, len(data)-off)
	}
	return &env, nil
}

// Encode собирает проводной формат конверта.
func Encode(env *Envelope) ([]byte, error) {
	if len(env.Program) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: program too long", ErrMalformed)
	}
	buf := make([]byte, 0, minLength+len(env.Program)+SignatureLength)
	buf = binary.BigEndian.AppendUint16(buf, env.Version)
	nonce := env.Nonce.Bytes32()
	buf = append(buf, nonce[:]...)
	buf = binary.BigEndian.AppendUint64(buf, env.Deadline)
	buf = append(buf, env.CallBundleHash[:]...)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(env.Program)))
	buf = append(buf, env.Program...)
	buf = binary.BigEndian.AppendUint16(buf, SignatureLength)
	buf = append(buf, env.Signature[:]...)
	return buf, nil
}
