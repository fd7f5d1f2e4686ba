package cdp

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

// GetCombinedEventHistory returns the formatted history of every indexed
// CDP of proxyAddr, newest first. The query service is called once with the
// distinct ilks and urns of those CDPs; a proxy without CDPs never reaches
// it.
func (m *Manager) GetCombinedEventHistory(ctx context.Context, proxyAddr common.Address) ([]domain.CdpEvent, error) {
	if m.events == nil {
		return nil, fmt.Errorf("cdp: event history: no query service configured")
	}
	refs, err := m.GetCdpIds(ctx, proxyAddr)
	if err != nil {
		return nil, err
	}
	if len(refs) == 0 {
		return []domain.CdpEvent{}, nil
	}

	seen := make(map[string]bool)
	var ilks, urns []string
	byUrn := make(map[string]domain.CdpRef, len(refs))
	for _, ref := range refs {
		if !seen[ref.Ilk] {
			seen[ref.Ilk] = true
			ilks = append(ilks, ref.Ilk)
		}
		urn, err := ledger.ReadAddress(ctx, m.client, ledger.Call{
			Contract: registry.CdpManager, Method: "urns", Args: []any{new(big.Int).SetUint64(ref.ID)},
		})
		if err != nil {
			return nil, fmt.Errorf("cdp: urn of %d: %w", ref.ID, err)
		}
		key := strings.ToLower(urn.Hex())
		urns = append(urns, key)
		byUrn[key] = ref
	}

	raw, err := m.events.EventsForIlksAndOwners(ctx, ilks, urns)
	if err != nil {
		return nil, fmt.Errorf("cdp: event history: %w", err)
	}
	out := make([]domain.CdpEvent, 0, len(raw))
	for _, r := range raw {
		if ref, ok := byUrn[strings.ToLower(r.Urn)]; ok && r.CdpID == 0 {
			r.CdpID = ref.ID
		}
		out = append(out, m.format(r)...)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Block != out[j].Block {
			return out[i].Block > out[j].Block
		}
		return out[i].Time.After(out[j].Time)
	})
	return out, nil
}

// format turns one raw row into display events. A frob that moves both
// collateral and debt yields two entries.
func (m *Manager) format(r domain.RawCdpEvent) []domain.CdpEvent {
	coll := m.collateralOf(r.Ilk)
	base := domain.CdpEvent{
		CdpID:      r.CdpID,
		Ilk:        r.Ilk,
		Collateral: coll.Symbol,
		Sender:     r.TxFrom,
		TxHash:     r.TxHash,
		Block:      r.Block,
		Time:       r.Time,
	}
	switch r.Kind {
	case "open":
		e := base
		e.Type = domain.EventOpen
		return []domain.CdpEvent{e}
	case "give":
		e := base
		e.Type = domain.EventGive
		e.NewOwner = r.NewOwner
		return []domain.CdpEvent{e}
	case "frob":
		var evs []domain.CdpEvent
		if r.Dink != nil && r.Dink.Sign() != 0 {
			e := base
			e.Type = domain.EventDeposit
			if r.Dink.Sign() < 0 {
				e.Type = domain.EventWithdraw
			}
			amt := domain.FromWad(coll, new(big.Int).Abs(r.Dink))
			e.Amount = &amt
			evs = append(evs, e)
		}
		if r.Dart != nil && r.Dart.Sign() != 0 {
			rate := r.Rate
			if rate == nil || rate.Sign() == 0 {
				rate = domain.RAY
			}
			dai := new(big.Int).Mul(new(big.Int).Abs(r.Dart), rate)
			dai.Quo(dai, domain.RAY)

			e := base
			e.Type = domain.EventGenerate
			if r.Dart.Sign() < 0 {
				e.Type = domain.EventPayback
			}
			amt := domain.FromWad(domain.DAI, dai)
			e.Amount = &amt
			evs = append(evs, e)
		}
		return evs
	}
	m.logger.Warn("unknown cdp event kind", slog.String("kind", r.Kind), slog.String("tx", r.TxHash))
	return nil
}

// collateralOf resolves the currency of ilk, falling back to the ilk's
// prefix for types missing from the registry.
func (m *Manager) collateralOf(ilk string) domain.Currency {
	if t, err := m.reg.CdpType(ilk); err == nil {
		return t.Currency
	}
	sym, _, _ := strings.Cut(ilk, "-")
	return domain.Currency{Symbol: sym, Decimals: 18}
}
