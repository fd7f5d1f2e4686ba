package eth

import (
	"embed"
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

//go:embed abi/*.json
var abiFS embed.FS

// ABIs maps registry contract names to their interfaces.
type ABIs struct {
	byName  map[string]*abi.ABI
	proxy   *abi.ABI
	erc20   *abi.ABI
	gemJoin *abi.ABI
}

func loadABI(file string) (*abi.ABI, error) {
	f, err := abiFS.Open("abi/" + file)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	parsed, err := abi.JSON(f)
	if err != nil {
		return nil, fmt.Errorf("eth: parse %s: %w", file, err)
	}
	return &parsed, nil
}

// LoadABIs parses the embedded interfaces and binds them to the names in
// reg. Collateral tokens and DAI share the ERC-20 interface; bridged joins
// get the gem-join interface.
func LoadABIs(reg *registry.Registry) (*ABIs, error) {
	load := map[string]string{
		registry.ProxyRegistry: "proxy_registry.json",
		registry.DSProxy:       "ds_proxy.json",
		registry.ProxyActions:  "proxy_actions.json",
		registry.CdpManager:    "cdp_manager.json",
		registry.Vat:           "vat.json",
		"erc20":                "erc20.json",
		"gem_join":             "gem_join.json",
	}
	parsed := make(map[string]*abi.ABI, len(load))
	for name, file := range load {
		a, err := loadABI(file)
		if err != nil {
			return nil, err
		}
		parsed[name] = a
	}

	out := &ABIs{
		byName:  make(map[string]*abi.ABI),
		proxy:   parsed[registry.DSProxy],
		erc20:   parsed["erc20"],
		gemJoin: parsed["gem_join"],
	}
	for _, n := range []string{registry.ProxyRegistry, registry.DSProxy, registry.ProxyActions, registry.CdpManager, registry.Vat} {
		out.byName[n] = parsed[n]
	}
	out.byName[registry.Dai] = out.erc20
	for _, t := range reg.CdpTypes() {
		if t.Token != "" {
			out.byName[strings.ToUpper(t.Token)] = out.erc20
		}
		if t.Kind == domain.KindBridged {
			out.byName[strings.ToUpper(t.Join)] = out.gemJoin
		}
	}
	return out, nil
}

// For returns the interface of the named contract.
func (a *ABIs) For(contract string) (*abi.ABI, error) {
	parsed, ok := a.byName[strings.ToUpper(contract)]
	if !ok {
		return nil, fmt.Errorf("eth: no ABI for %s: %w", contract, domain.ErrNotFound)
	}
	return parsed, nil
}
