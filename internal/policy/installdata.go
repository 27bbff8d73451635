package policy

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xela07ax/intentguard/internal/domain"
)

// InitDataLength = version(1) || signer(20) || stateSource(20) || positionSource(20) || liquiditySource(20).
const InitDataLength = 1 + 4*common.AddressLength

// SplitInstallData разделяет данные хоста: instanceId(32) || остаток.
func SplitInstallData(data []byte) (domain.InstanceID, []byte, error) {
	var id domain.InstanceID
	if len(data) < len(id) {
		return id, nil, fmt.Errorf("%w: %d bytes, want at least %d", domain.ErrInvalidInitData, len(data), len(id))
	}
	copy(id[:], data[:len(id)])
	return id, data[len(id):], nil
}

// ParseInitData собирает и проверяет конфигурацию инстанса.
func ParseInitData(principal common.Address, id domain.InstanceID, initData []byte) (domain.InstanceConfig, error) {
	var cfg domain.InstanceConfig
	if len(initData) != InitDataLength {
		return cfg, fmt.Errorf("%w: length %d, want %d", domain.ErrInvalidInitData, len(initData), InitDataLength)
	}
	cfg = domain.InstanceConfig{
		Principal:        principal,
		InstanceID:       id,
		Version:          initData[0],
		AuthorizedSigner: common.BytesToAddress(initData[1:21]),
		Sources: domain.FactSources{
			StateSource:     common.BytesToAddress(initData[21:41]),
			PositionSource:  common.BytesToAddress(initData[41:61]),
			LiquiditySource: common.BytesToAddress(initData[61:81]),
		},
	}
	if err := cfg.Validate(); err != nil {
		return domain.InstanceConfig{}, err
	}
	return cfg, nil
}

// EncodeInstallData — обратная операция, для клиентов и тестов.
func EncodeInstallData(id domain.InstanceID, signer common.Address, s domain.FactSources) []byte {
	out := make([]byte, 0, len(id)+InitDataLength)
	out = append(out, id[:]...)
	out = append(out, domain.ConfigVersion)
	out = append(out, signer.Bytes()...)
	out = append(out, s.StateSource.Bytes()...)
	out = append(out, s.PositionSource.Bytes()...)
	out = append(out, s.LiquiditySource.Bytes()...)
	return out
}
