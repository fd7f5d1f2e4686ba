package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

// LoadAddressBook reads a YAML mapping of contract names to addresses:
//
//	PROXY_REGISTRY: "0x4678f0a6958e4D2Bc4F1BAF7Bc52E8F3564f3fE4"
//	CDP_MANAGER: "0x5ef30b9986345249bc32d8928B7ee64DE9435E39"
func LoadAddressBook(path string) (map[string]common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read address book: %w", err)
	}
	var raw map[string]string
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("config: parse address book %s: %w", path, err)
	}
	return parseAddresses(raw, path)
}

func parseAddresses(raw map[string]string, source string) (map[string]common.Address, error) {
	out := make(map[string]common.Address, len(raw))
	for name, hex := range raw {
		if !common.IsHexAddress(hex) {
			return nil, fmt.Errorf("config: %s: %s is not a hex address: %q", source, name, hex)
		}
		out[strings.ToUpper(strings.TrimSpace(name))] = common.HexToAddress(hex)
	}
	return out, nil
}

// CdpTypeList converts [[cdp_types]]; with none configured it returns the
// registry defaults.
func (c *Config) CdpTypeList() []domain.CdpType {
	if len(c.CdpTypes) == 0 {
		return registry.DefaultCdpTypes()
	}
	out := make([]domain.CdpType, 0, len(c.CdpTypes))
	for _, t := range c.CdpTypes {
		decimals := t.Decimals
		if decimals == 0 {
			decimals = 18
		}
		symbol := t.Currency
		if symbol == "" {
			symbol, _, _ = strings.Cut(t.Ilk, "-")
		}
		join := t.Join
		if join == "" {
			join = "MCD_JOIN_" + strings.ReplaceAll(t.Ilk, "-", "_")
		}
		out = append(out, domain.CdpType{
			Ilk:      t.Ilk,
			Currency: domain.Currency{Symbol: strings.ToUpper(symbol), Decimals: decimals},
			Kind:     domain.CdpKind(t.Kind),
			Join:     strings.ToUpper(join),
			Token:    strings.ToUpper(t.Token),
		})
	}
	return out
}

// Registry builds the contract and CDP-type registry from the address book
// file, the inline addresses and the CDP types.
func (c *Config) Registry() (*registry.Registry, error) {
	addrs := make(map[string]common.Address)
	if c.Contracts.AddressBook != "" {
		book, err := LoadAddressBook(c.Contracts.AddressBook)
		if err != nil {
			return nil, err
		}
		for k, v := range book {
			addrs[k] = v
		}
	}
	inline, err := parseAddresses(c.Contracts.Addresses, "contracts.addresses")
	if err != nil {
		return nil, err
	}
	for k, v := range inline {
		addrs[k] = v
	}
	return registry.New(addrs, c.CdpTypeList())
}
