// Package registry maps symbolic contract names and ilks to addresses and
// collateral metadata. A Registry is an explicit value handed to each
// component; there is no process-wide table.
package registry

import (
	"fmt"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

// Contract names used by the orchestration layer.
const (
	ProxyRegistry = "PROXY_REGISTRY"
	DSProxy       = "DS_PROXY"
	ProxyActions  = "PROXY_ACTIONS"
	CdpManager    = "CDP_MANAGER"
	Vat           = "MCD_VAT"
	Jug           = "MCD_JUG"
	JoinDai       = "MCD_JOIN_DAI"
	Dai           = "MCD_DAI"
)

// DefaultCdpTypes returns the collateral types known out of the box.
func DefaultCdpTypes() []domain.CdpType {
	return []domain.CdpType{
		{Ilk: "ETH-A", Currency: domain.ETH, Kind: domain.KindNative, Join: "MCD_JOIN_ETH_A"},
		{Ilk: "ETH-B", Currency: domain.ETH, Kind: domain.KindNative, Join: "MCD_JOIN_ETH_B"},
		{Ilk: "BAT-A", Currency: domain.Currency{Symbol: "BAT", Decimals: 18}, Kind: domain.KindStandard, Join: "MCD_JOIN_BAT_A", Token: "BAT"},
		{Ilk: "GNT-A", Currency: domain.Currency{Symbol: "GNT", Decimals: 18}, Kind: domain.KindBridged, Join: "MCD_JOIN_GNT_A", Token: "GNT"},
	}
}

// Registry resolves contract names and CDP types.
type Registry struct {
	addrs map[string]common.Address
	names map[common.Address]string
	types map[string]domain.CdpType
	ilks  []string
}

// New validates and indexes the given address book and CDP types.
func New(addrs map[string]common.Address, types []domain.CdpType) (*Registry, error) {
	r := &Registry{
		addrs: make(map[string]common.Address, len(addrs)),
		names: make(map[common.Address]string, len(addrs)),
		types: make(map[string]domain.CdpType, len(types)),
	}
	for name, addr := range addrs {
		name = strings.ToUpper(strings.TrimSpace(name))
		if addr == (common.Address{}) {
			return nil, fmt.Errorf("registry: contract %s has zero address", name)
		}
		r.addrs[name] = addr
		r.names[addr] = name
	}

	for _, t := range types {
		if t.Ilk == "" {
			return nil, fmt.Errorf("registry: cdp type with empty ilk")
		}
		if _, dup := r.types[t.Ilk]; dup {
			return nil, fmt.Errorf("registry: duplicate ilk %s", t.Ilk)
		}
		if !t.Kind.Valid() {
			return nil, fmt.Errorf("registry: ilk %s: unknown kind %q", t.Ilk, t.Kind)
		}
		if t.Join == "" {
			return nil, fmt.Errorf("registry: ilk %s: missing join adapter", t.Ilk)
		}
		if t.Kind != domain.KindNative && t.Token == "" {
			return nil, fmt.Errorf("registry: ilk %s: %s collateral needs a token", t.Ilk, t.Kind)
		}
		if t.Currency.Symbol == "" {
			return nil, fmt.Errorf("registry: ilk %s: missing currency", t.Ilk)
		}
		r.types[t.Ilk] = t
		r.ilks = append(r.ilks, t.Ilk)
	}
	sort.Strings(r.ilks)
	return r, nil
}

// Address returns the address registered for name.
func (r *Registry) Address(name string) (common.Address, error) {
	addr, ok := r.addrs[name]
	if !ok {
		return common.Address{}, fmt.Errorf("registry: contract %s: %w", name, domain.ErrNotFound)
	}
	return addr, nil
}

// Name is the reverse of Address.
func (r *Registry) Name(addr common.Address) (string, bool) {
	name, ok := r.names[addr]
	return name, ok
}

// CdpType returns the collateral metadata for ilk.
func (r *Registry) CdpType(ilk string) (domain.CdpType, error) {
	t, ok := r.types[ilk]
	if !ok {
		return domain.CdpType{}, fmt.Errorf("registry: %s: %w", ilk, domain.ErrUnknownIlk)
	}
	return t, nil
}

// CdpTypes lists the configured collateral types ordered by ilk.
func (r *Registry) CdpTypes() []domain.CdpType {
	out := make([]domain.CdpType, 0, len(r.ilks))
	for _, ilk := range r.ilks {
		out = append(out, r.types[ilk])
	}
	return out
}

// Bridged returns the first bridged collateral type, if any.
func (r *Registry) Bridged() (domain.CdpType, bool) {
	for _, ilk := range r.ilks {
		if t := r.types[ilk]; t.Kind == domain.KindBridged {
			return t, true
		}
	}
	return domain.CdpType{}, false
}

// Contracts returns a copy of the address book.
func (r *Registry) Contracts() map[string]common.Address {
	out := make(map[string]common.Address, len(r.addrs))
	for k, v := range r.addrs {
		out[k] = v
	}
	return out
}
