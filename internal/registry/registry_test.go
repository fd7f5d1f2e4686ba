package registry

import (
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
)

func TestRegistryLookups(t *testing.T) {
	vat := common.HexToAddress("0x01")
	r, err := New(map[string]common.Address{"mcd_vat": vat}, DefaultCdpTypes())
	if err != nil {
		t.Fatalf("new: %v", err)
	}

	got, err := r.Address(Vat)
	if err != nil || got != vat {
		t.Fatalf("address=%s err=%v", got.Hex(), err)
	}
	if name, ok := r.Name(vat); !ok || name != Vat {
		t.Fatalf("name=%q ok=%v", name, ok)
	}
	if _, err := r.Address(Jug); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	ct, err := r.CdpType("GNT-A")
	if err != nil || ct.Kind != domain.KindBridged {
		t.Fatalf("cdp type=%+v err=%v", ct, err)
	}
	if _, err := r.CdpType("XYZ-A"); !errors.Is(err, domain.ErrUnknownIlk) {
		t.Fatalf("expected ErrUnknownIlk, got %v", err)
	}
	if b, ok := r.Bridged(); !ok || b.Ilk != "GNT-A" {
		t.Fatalf("bridged=%+v", b)
	}
	if n := len(r.CdpTypes()); n != 4 {
		t.Fatalf("types=%d", n)
	}
}

func TestRegistryRejectsBadTypes(t *testing.T) {
	cases := []domain.CdpType{
		{Ilk: "", Currency: domain.ETH, Kind: domain.KindNative, Join: "J"},
		{Ilk: "X-A", Currency: domain.ETH, Kind: "weird", Join: "J"},
		{Ilk: "X-A", Currency: domain.ETH, Kind: domain.KindStandard, Join: "J"},
		{Ilk: "X-A", Currency: domain.ETH, Kind: domain.KindNative},
	}
	for i, c := range cases {
		if _, err := New(nil, []domain.CdpType{c}); err == nil {
			t.Fatalf("case %d: expected error", i)
		}
	}
	dup := []domain.CdpType{DefaultCdpTypes()[0], DefaultCdpTypes()[0]}
	if _, err := New(nil, dup); err == nil {
		t.Fatal("expected duplicate ilk error")
	}
}
