package domain

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// UserOperation — упакованная операция ERC-4337. Signature содержит срез, который
// конвейер разрешений хоста выделил этой политике (проводной формат конверта).
type UserOperation struct {
	Sender             common.Address `json:"sender"`
	Nonce              *hexutil.Big   `json:"nonce,omitempty"`
	InitCode           hexutil.Bytes  `json:"initCode,omitempty"`
	CallData           hexutil.Bytes  `json:"callData"`
	AccountGasLimits   common.Hash    `json:"accountGasLimits"`
	PreVerificationGas *hexutil.Big   `json:"preVerificationGas,omitempty"`
	GasFees            common.Hash    `json:"gasFees"`
	PaymasterAndData   hexutil.Bytes  `json:"paymasterAndData,omitempty"`
	Signature          hexutil.Bytes  `json:"signature"`
}

// CallBundleHash — хэш фактически исполняемого payload. Считается точкой входа,
// а не берется из конверта.
func (op UserOperation) CallBundleHash() common.Hash {
	return Keccak256(op.CallData)
}
