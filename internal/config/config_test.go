package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

const sampleTOML = `
mode = "list"
log_level = "debug"

[wallet]
private_key = "0x01"

[chain]
rpc_url = "http://node:8545"
chain_id = 42
poll_interval = "500ms"

[contracts]
address_book = "%s"

[contracts.addresses]
CDP_MANAGER = "0x00000000000000000000000000000000000000c1"

[[cdp_types]]
ilk = "ETH-A"
kind = "native"
currency = "ETH"

[[cdp_types]]
ilk = "WBTC-A"
kind = "standard"
token = "wbtc"
decimals = 8
`

const sampleBook = `
PROXY_REGISTRY: "0x00000000000000000000000000000000000000a1"
CDP_MANAGER: "0x00000000000000000000000000000000000000ff"
`

func writeFiles(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	book := filepath.Join(dir, "addresses.yaml")
	if err := os.WriteFile(book, []byte(sampleBook), 0o600); err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "config.toml")
	body := strings.Replace(sampleTOML, "%s", filepath.ToSlash(book), 1)
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadMergesDefaultsAndEnv(t *testing.T) {
	path := writeFiles(t)
	t.Setenv("MCD_CHAIN_CONFIRMATIONS", "3")
	t.Setenv("MCD_SERVER_CORS_ORIGINS", "https://a.example, https://b.example")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Chain.ChainID != 42 || cfg.Chain.PollInterval.Milliseconds() != 500 {
		t.Fatalf("chain=%+v", cfg.Chain)
	}
	if cfg.Chain.Confirmations != 3 {
		t.Fatalf("confirmations=%d", cfg.Chain.Confirmations)
	}
	if cfg.Manager.DebtConcurrency != 8 || cfg.Database.Port != 5432 {
		t.Fatal("defaults not kept")
	}
	if len(cfg.Server.CORSOrigins) != 2 || cfg.Server.CORSOrigins[1] != "https://b.example" {
		t.Fatalf("cors=%v", cfg.Server.CORSOrigins)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestRegistryFromConfig(t *testing.T) {
	cfg, err := Load(writeFiles(t))
	if err != nil {
		t.Fatal(err)
	}
	reg, err := cfg.Registry()
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	mgr, _ := reg.Address(registry.CdpManager)
	if mgr != common.HexToAddress("0x00000000000000000000000000000000000000c1") {
		t.Fatalf("inline address must win, got %s", mgr.Hex())
	}
	if _, err := reg.Address(registry.ProxyRegistry); err != nil {
		t.Fatal(err)
	}
	wbtc, err := reg.CdpType("WBTC-A")
	if err != nil {
		t.Fatal(err)
	}
	if wbtc.Currency.Symbol != "WBTC" || wbtc.Currency.Decimals != 8 || wbtc.Join != "MCD_JOIN_WBTC_A" || wbtc.Token != "WBTC" {
		t.Fatalf("wbtc=%+v", wbtc)
	}
	if wbtc.Kind != domain.KindStandard {
		t.Fatalf("kind=%s", wbtc.Kind)
	}
}

func TestDefaultCdpTypes(t *testing.T) {
	cfg := Defaults()
	if got := len(cfg.CdpTypeList()); got != len(registry.DefaultCdpTypes()) {
		t.Fatalf("types=%d", got)
	}
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Wallet.KeyFile = "k.json"
	cfg.CdpTypes = []CdpTypeConfig{{Ilk: "X-A", Kind: "standard"}}
	cfg.Server.HMACKey = "k"

	err := cfg.Validate()
	if err == nil {
		t.Fatal("expected errors")
	}
	for _, want := range []string{
		`unknown mode "trade"`,
		`unknown log_level "loud"`,
		"key_password is required",
		"standard collateral needs a token",
		"hmac_key and hmac_secret must be set together",
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("missing %q in:\n%v", want, err)
		}
	}
}

func TestArchiveNeedsStorage(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "archive"
	err := cfg.Validate()
	if err == nil || !strings.Contains(err.Error(), "database and s3 must both be enabled") {
		t.Fatalf("err=%v", err)
	}
	cfg.Database.Enabled, cfg.S3.Enabled = true, true
	if err := cfg.Validate(); err != nil {
		t.Fatalf("archive without wallet: %v", err)
	}
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Wallet.PrivateKey = "deadbeef"
	cfg.Server.HMACSecret = "s"
	cfg.Contracts.Addresses = map[string]string{"A": "0x1"}

	out := RedactedConfig(&cfg)
	if out.Wallet.PrivateKey != redacted || out.Server.HMACSecret != redacted {
		t.Fatalf("not redacted: %+v", out.Wallet)
	}
	if out.Redis.Password != "" {
		t.Fatal("empty secrets stay empty")
	}
	out.Contracts.Addresses["A"] = "0x2"
	if cfg.Contracts.Addresses["A"] != "0x1" || cfg.Wallet.PrivateKey != "deadbeef" {
		t.Fatal("original mutated")
	}
}
