package envelope

import (
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/xela07ax/intentguard/internal/domain"
)

const (
	DefaultDomainName    = "Intent Revalidation Policy"
	DefaultDomainVersion = "1"
)

var (
	domainTypeHash = domain.Keccak256([]byte("EIP712Domain(string name,string version,uint256 chainId,address verifyingContract)"))
	envelopeTypeV1 = domain.Keccak256([]byte("IntentPolicyEnvelope(address wallet,bytes32 permissionId,uint256 nonce,uint64 deadline,bytes32 callBundleHash,bytes32 programHash)"))
)

// Domain — EIP-712 домен; разводит подписи между сетями и развертываниями.
type Domain struct {
	Name              string
	Version           string
	ChainID           *big.Int
	VerifyingContract common.Address
}

// Separator — hashStruct(EIP712Domain).
func (d Domain) Separator() common.Hash {
	chainID := d.ChainID
	if chainID == nil {
		chainID = new(big.Int)
	}
	return domain.Keccak256(
		domainTypeHash[:],
		domain.Keccak256([]byte(d.Name)).Bytes(),
		domain.Keccak256([]byte(d.Version)).Bytes(),
		math.U256Bytes(new(big.Int).Set(chainID)),
		domain.LeftPadAddress(d.VerifyingContract),
	)
}

// Binding — то, к чему привязан конверт помимо собственных полей.
type Binding struct {
	Principal  common.Address
	InstanceID domain.InstanceID
}

type structHasher func(b Binding, env *Envelope) common.Hash

// Отображение версия -> структура сообщения. Новая версия конверта добавляет сюда
// свой хэшер, старые продолжают проверяться как раньше.
var structHashers = map[uint16]structHasher{
	1: structHashV1,
}

// Supported сообщает, знает ли движок версию конверта.
func Supported(version uint16) bool {
	_, ok := structHashers[version]
	return ok
}

func structHashV1(b Binding, env *Envelope) common.Hash {
	nonce := env.Nonce.Bytes32()
	deadline := new(big.Int).SetUint64(env.Deadline)
	return domain.Keccak256(
		envelopeTypeV1[:],
		domain.LeftPadAddress(b.Principal),
		b.InstanceID[:],
		nonce[:],
		math.U256Bytes(deadline),
		env.CallBundleHash[:],
		domain.Keccak256(env.Program).Bytes(),
	)
}

// Digest = keccak256("\x19\x01" || domainSeparator || structHash).
func Digest(d Domain, b Binding, env *Envelope) (common.Hash, error) {
	h, ok := structHashers[env.Version]
	if !ok {
		return common.Hash{}, fmt.Errorf("%w: %d", ErrUnsupportedVersion, env.Version)
	}
	sep := d.Separator()
	sh := h(b, env)
	return domain.Keccak256([]byte("\x19\x01"), sep[:], sh[:]), nil
}
