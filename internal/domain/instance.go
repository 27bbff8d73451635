package domain

import (
	"encoding/hex"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// ConfigVersion — единственная поддерживаемая версия initData.
const ConfigVersion uint8 = 1

// ModuleTypePolicy — тип модуля ERC-7579 (Kernel v3: Policy = 5).
const ModuleTypePolicy uint64 = 5

// InstanceID — идентификатор разрешения (permissionId) внутри одного принципала.
type InstanceID [32]byte

func (id InstanceID) Hex() string { return "0x" + hex.EncodeToString(id[:]) }

func (id InstanceID) MarshalText() ([]byte, error) {
	return hexutil.Bytes(id[:]).MarshalText()
}

func (id *InstanceID) UnmarshalText(input []byte) error {
	return hexutil.UnmarshalFixedText("InstanceID", input, id[:])
}

// ParseInstanceID разбирает 0x-строку ровно из 32 байт.
func ParseInstanceID(s string) (InstanceID, error) {
	var id InstanceID
	if err := id.UnmarshalText([]byte(s)); err != nil {
		return id, fmt.Errorf("instance id: %w", err)
	}
	return id, nil
}

// InstanceKey — детерминированный составной ключ keccak256(principal || instanceId).
type InstanceKey common.Hash

func (k InstanceKey) Hex() string { return common.Hash(k).Hex() }

// NewInstanceKey строит ключ хранилища для пары (принципал, инстанс).
func NewInstanceKey(principal common.Address, id InstanceID) InstanceKey {
	return InstanceKey(Keccak256(principal.Bytes(), id[:]))
}

// FactSources — канонические источники фактов, закрепленные за инстансом.
type FactSources struct {
	StateSource     common.Address `json:"state_source"`
	PositionSource  common.Address `json:"position_source"`
	LiquiditySource common.Address `json:"liquidity_source"`
}

// InstanceConfig неизменяем между install и uninstall.
// Generation назначает хранилище при каждой установке; переустановка того же
// ключа всегда дает новое значение, и CAS по nonce сверяет его.
type InstanceConfig struct {
	Principal        common.Address `json:"principal"`
	InstanceID       InstanceID     `json:"instance_id"`
	AuthorizedSigner common.Address `json:"authorized_signer"`
	Sources          FactSources    `json:"fact_sources"`
	Version          uint8          `json:"version"`
	Generation       uint64         `json:"generation"`
}

func (c InstanceConfig) Key() InstanceKey {
	return NewInstanceKey(c.Principal, c.InstanceID)
}

// Validate проверяет конфигурацию до записи в хранилище.
func (c InstanceConfig) Validate() error {
	if c.Version != ConfigVersion {
		return ErrUnsupportedVersion
	}
	if c.AuthorizedSigner == (common.Address{}) {
		return ErrZeroSigner
	}
	if c.Sources.StateSource == (common.Address{}) ||
		c.Sources.PositionSource == (common.Address{}) ||
		c.Sources.LiquiditySource == (common.Address{}) {
		return ErrZeroFactSource
	}
	return nil
}
