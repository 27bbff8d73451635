package domain

import "errors"

// Ошибки неправильного использования жизненного цикла. Возвращаются вызывающему как есть,
// в отличие от ошибок вердикта, которые схлопываются в VerdictFailed.
var (
	ErrAlreadyInitialized = errors.New("instance already initialized")
	ErrNotInitialized     = errors.New("instance not initialized")
	ErrInvalidInitData    = errors.New("invalid init data")
	ErrUnsupportedVersion = errors.New("unsupported init version")
	ErrZeroSigner         = errors.New("invalid signer")
	ErrZeroFactSource     = errors.New("invalid fact sources")
)

// ErrNonceMismatch возвращается хранилищем, когда CAS по nonce не прошел.
var ErrNonceMismatch = errors.New("nonce mismatch")

// ErrConfigChanged: инстанс переустановлен после того, как конфиг был прочитан.
var ErrConfigChanged = errors.New("instance config changed")
