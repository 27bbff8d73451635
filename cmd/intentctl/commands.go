package main

import (
	"fmt"
	"math/big"
	"os"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/spf13/cobra"

	"github.com/xela07ax/intentguard/internal/domain"
	"github.com/xela07ax/intentguard/internal/envelope"
	"github.com/xela07ax/intentguard/internal/infra"
	"github.com/xela07ax/intentguard/internal/infra/auth"
	"github.com/xela07ax/intentguard/internal/policy"
)

// tokenCmd выпускает токен аккаунта; ключ берется из --key или из секции auth конфига
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Issue an RS256 access token for a smart account",
	RunE:  runToken,
}

var installDataCmd = &cobra.Command{
	Use:   "install-data",
	Short: "Build instanceId || initData for onInstall",
	RunE:  runInstallData,
}

var signEnvelopeCmd = &cobra.Command{
	Use:   "sign-envelope",
	Short: "Build and sign a revalidation envelope",
	Long: `Build and sign a revalidation envelope.

The envelope is bound to the EIP-712 domain (chain id, verifying contract),
the principal and the instance, and commits to keccak256(callData).`,
	RunE: runSignEnvelope,
}

func init() {
	tokenCmd.Flags().String("principal", "", "smart account address")
	tokenCmd.Flags().String("key", "", "path to RSA private key PEM (default: auth.private_key_path)")
	tokenCmd.Flags().Duration("ttl", 0, "token lifetime (default: auth.token_ttl)")
	_ = tokenCmd.MarkFlagRequired("principal")

	f := installDataCmd.Flags()
	f.String("instance", "", "instance id, 32-byte hex")
	f.String("signer", "", "authorized signer address")
	f.String("state", "", "state source address")
	f.String("position", "", "position source address")
	f.String("liquidity", "", "liquidity source address")
	for _, name := range []string{"instance", "signer", "state", "position", "liquidity"} {
		_ = installDataCmd.MarkFlagRequired(name)
	}

	f = signEnvelopeCmd.Flags()
	f.String("key", "", "signer secp256k1 private key, hex")
	f.String("principal", "", "smart account address")
	f.String("instance", "", "instance id, 32-byte hex")
	f.Int64("chain-id", 1, "EIP-712 chain id")
	f.String("contract", "", "EIP-712 verifying contract")
	f.String("domain-name", envelope.DefaultDomainName, "EIP-712 domain name")
	f.String("nonce", "0", "envelope nonce, decimal")
	f.Uint64("deadline", 0, "unix deadline (default: now + 5m)")
	f.String("calldata", "0x", "UserOperation callData, hex")
	f.String("program", "0x", "encoded check program, hex")
	for _, name := range []string{"key", "principal", "instance", "contract"} {
		_ = signEnvelopeCmd.MarkFlagRequired(name)
	}
}

func runToken(cmd *cobra.Command, _ []string) error {
	principal, err := addressFlag(cmd, "principal")
	if err != nil {
		return err
	}
	keyPath, _ := cmd.Flags().GetString("key")
	ttl, _ := cmd.Flags().GetDuration("ttl")

	var pem []byte
	if keyPath != "" {
		if pem, err = os.ReadFile(keyPath); err != nil {
			return err
		}
	} else {
		cfg, err := infra.LoadConfig()
		if err != nil {
			return err
		}
		pem = cfg.Auth.PrivateKey
		if ttl == 0 {
			ttl = cfg.Auth.TokenTTL
		}
	}
	if ttl == 0 {
		ttl = time.Hour
	}

	key, err := auth.ParseRSAPrivateKey(pem)
	if err != nil {
		return err
	}
	token, err := auth.NewIssuer(key, ttl).Issue(principal)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), token)
	return nil
}

func runInstallData(cmd *cobra.Command, _ []string) error {
	idStr, _ := cmd.Flags().GetString("instance")
	id, err := domain.ParseInstanceID(idStr)
	if err != nil {
		return err
	}
	var addrs [4]common.Address
	for i, name := range []string{"signer", "state", "position", "liquidity"} {
		if addrs[i], err = addressFlag(cmd, name); err != nil {
			return err
		}
	}
	data := policy.EncodeInstallData(id, addrs[0], domain.FactSources{
		StateSource:     addrs[1],
		PositionSource:  addrs[2],
		LiquiditySource: addrs[3],
	})
	fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(data))
	return nil
}

func runSignEnvelope(cmd *cobra.Command, _ []string) error {
	f := cmd.Flags()
	keyHex, _ := f.GetString("key")
	key, err := crypto.HexToECDSA(trim0x(keyHex))
	if err != nil {
		return fmt.Errorf("key: %w", err)
	}
	principal, err := addressFlag(cmd, "principal")
	if err != nil {
		return err
	}
	contract, err := addressFlag(cmd, "contract")
	if err != nil {
		return err
	}
	idStr, _ := f.GetString("instance")
	id, err := domain.ParseInstanceID(idStr)
	if err != nil {
		return err
	}
	chainID, _ := f.GetInt64("chain-id")
	name, _ := f.GetString("domain-name")

	nonceStr, _ := f.GetString("nonce")
	nonce, err := uint256.FromDecimal(nonceStr)
	if err != nil {
		return fmt.Errorf("nonce: %w", err)
	}
	deadline, _ := f.GetUint64("deadline")
	if deadline == 0 {
		deadline = uint64(time.Now().Add(5 * time.Minute).Unix())
	}
	callData, err := hexFlag(cmd, "calldata")
	if err != nil {
		return err
	}
	program, err := hexFlag(cmd, "program")
	if err != nil {
		return err
	}

	env := &envelope.Envelope{
		Version:        1,
		Nonce:          *nonce,
		Deadline:       deadline,
		CallBundleHash: domain.Keccak256(callData),
		Program:        program,
	}
	v := envelope.NewVerifier(envelope.Domain{
		Name:              name,
		Version:           envelope.DefaultDomainVersion,
		ChainID:           big.NewInt(chainID),
		VerifyingContract: contract,
	})
	if err := v.SignEnvelope(envelope.Binding{Principal: principal, InstanceID: id}, env, key); err != nil {
		return err
	}
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), hexutil.Encode(raw))
	return nil
}

func addressFlag(cmd *cobra.Command, name string) (common.Address, error) {
	s, _ := cmd.Flags().GetString(name)
	if !common.IsHexAddress(s) {
		return common.Address{}, fmt.Errorf("--%s: not a hex address: %q", name, s)
	}
	return common.HexToAddress(s), nil
}

func hexFlag(cmd *cobra.Command, name string) ([]byte, error) {
	s, _ := cmd.Flags().GetString(name)
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("--%s: %w", name, err)
	}
	return b, nil
}

func trim0x(s string) string {
	if len(s) >= 2 && s[0] == '0' && (s[1] == 'x' || s[1] == 'X') {
		return s[2:]
	}
	return s
}
