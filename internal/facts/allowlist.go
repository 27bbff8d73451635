package facts

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/xela07ax/intentguard/internal/domain"
)

// Аксессоры источников фактов.
const (
	SigSlot0            = "getSlot0(bytes32)"
	SigCheckpoint       = "positionToCheckpoint(bytes32)"
	SigSettledAmounts   = "getPositionSettledAmounts(bytes32)"
	SigCommitmentMaxima = "getCommitmentMaxima(bytes32)"
	SigPosition         = "getPosition(bytes32)"
	SigPool             = "getPool(bytes32)"
	SigReserve          = "reserveOfUnderlying(address)"
	SigSettleQueue      = "settleQueue(address,address)"
)

var (
	selSlot0            = domain.Selector(SigSlot0)
	selCheckpoint       = domain.Selector(SigCheckpoint)
	selSettledAmounts   = domain.Selector(SigSettledAmounts)
	selCommitmentMaxima = domain.Selector(SigCommitmentMaxima)
	selPosition         = domain.Selector(SigPosition)
	selPool             = domain.Selector(SigPool)
	selReserve          = domain.Selector(SigReserve)
	selSettleQueue      = domain.Selector(SigSettleQueue)
)

// Allowlist — разрешенные пары (контракт, селектор) для guarded-вызовов.
type Allowlist struct {
	entries map[common.Address]map[[4]byte]struct{}
}

func NewAllowlist() *Allowlist {
	return &Allowlist{entries: make(map[common.Address]map[[4]byte]struct{})}
}

func (a *Allowlist) Add(target common.Address, selector [4]byte) {
	sels, ok := a.entries[target]
	if !ok {
		sels = make(map[[4]byte]struct{})
		a.entries[target] = sels
	}
	sels[selector] = struct{}{}
}

func (a *Allowlist) Allowed(target common.Address, selector [4]byte) bool {
	if a == nil {
		return false
	}
	_, ok := a.entries[target][selector]
	return ok
}

func (a *Allowlist) Len() int {
	if a == nil {
		return 0
	}
	n := 0
	for _, sels := range a.entries {
		n += len(sels)
	}
	return n
}

// Merge возвращает новый список: a ∪ other.
func (a *Allowlist) Merge(other *Allowlist) *Allowlist {
	out := NewAllowlist()
	for _, src := range []*Allowlist{a, other} {
		if src == nil {
			continue
		}
		for target, sels := range src.entries {
			for sel := range sels {
				out.Add(target, sel)
			}
		}
	}
	return out
}

// SourcesAllowlist — аксессоры, которые всегда разрешены для источников инстанса.
func SourcesAllowlist(s domain.FactSources) *Allowlist {
	a := NewAllowlist()
	a.Add(s.StateSource, selSlot0)
	for _, sel := range [][4]byte{selCheckpoint, selSettledAmounts, selCommitmentMaxima, selPosition, selPool} {
		a.Add(s.PositionSource, sel)
	}
	a.Add(s.LiquiditySource, selReserve)
	a.Add(s.LiquiditySource, selSettleQueue)
	return a
}

// ParseAllowlist разбирает записи вида "0xADDR:balanceOf(address)" или "0xADDR:0x70a08231".
func ParseAllowlist(entries []string) (*Allowlist, error) {
	a := NewAllowlist()
	for _, e := range entries {
		addr, sel, ok := strings.Cut(strings.TrimSpace(e), ":")
		if !ok || !common.IsHexAddress(addr) {
			return nil, fmt.Errorf("allow-list entry %q: want address:selector", e)
		}
		var selector [4]byte
		switch {
		case strings.HasPrefix(sel, "0x") && len(sel) == 10:
			b, err := hex.DecodeString(sel[2:])
			if err != nil {
				return nil, fmt.Errorf("allow-list entry %q: %w", e, err)
			}
			copy(selector[:], b)
		case strings.Contains(sel, "("):
			selector = domain.Selector(sel)
		default:
			return nil, fmt.Errorf("allow-list entry %q: bad selector", e)
		}
		a.Add(common.HexToAddress(addr), selector)
	}
	return a, nil
}
