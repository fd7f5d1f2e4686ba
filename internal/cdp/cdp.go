package cdp

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// Cdp is a handle on one position. It holds no cached state; every reader
// goes to the ledger.
type Cdp struct {
	ID   uint64
	Ilk  string
	Type domain.CdpType

	mgr *Manager
}

// String makes the id the operation result recorded by the tracker.
func (c *Cdp) String() string {
	if c == nil {
		return ""
	}
	return strconv.FormatUint(c.ID, 10)
}

func (c *Cdp) MarshalJSON() ([]byte, error) {
	return json.Marshal(domain.CdpRef{ID: c.ID, Ilk: c.Ilk})
}

func (c *Cdp) idInt() *big.Int { return new(big.Int).SetUint64(c.ID) }

// Urn returns the vat urn that holds the position's ink and art.
func (c *Cdp) Urn(ctx context.Context) (common.Address, error) {
	addr, err := ledger.ReadAddress(ctx, c.mgr.client, ledger.Call{
		Contract: registry.CdpManager, Method: "urns", Args: []any{c.idInt()},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("cdp %d: urn: %w", c.ID, err)
	}
	return addr, nil
}

// Owner returns the address the CDP manager records as owner, normally a
// proxy.
func (c *Cdp) Owner(ctx context.Context) (common.Address, error) {
	addr, err := ledger.ReadAddress(ctx, c.mgr.client, ledger.Call{
		Contract: registry.CdpManager, Method: "owns", Args: []any{c.idInt()},
	})
	if err != nil {
		return common.Address{}, fmt.Errorf("cdp %d: owner: %w", c.ID, err)
	}
	return addr, nil
}

// urnState returns ink and art for the position.
func (c *Cdp) urnState(ctx context.Context) (ink, art *big.Int, err error) {
	urn, err := c.Urn(ctx)
	if err != nil {
		return nil, nil, err
	}
	out, err := c.mgr.client.Call(ctx, ledger.Call{
		Contract: registry.Vat, Method: "urns", Args: []any{domain.IlkBytes32(c.Ilk), urn},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("cdp %d: urn state: %w", c.ID, err)
	}
	if ink, err = ledger.Uint(out, 0); err != nil {
		return nil, nil, fmt.Errorf("cdp %d: urn state: %w", c.ID, err)
	}
	if art, err = ledger.Uint(out, 1); err != nil {
		return nil, nil, fmt.Errorf("cdp %d: urn state: %w", c.ID, err)
	}
	return ink, art, nil
}

// CollateralAmount returns the locked collateral in the ilk's currency.
func (c *Cdp) CollateralAmount(ctx context.Context) (domain.Amount, error) {
	ink, _, err := c.urnState(ctx)
	if err != nil {
		return domain.Amount{}, err
	}
	return domain.FromWad(c.Type.Currency, ink), nil
}

// DebtValue returns art scaled by the ilk's accumulated rate, in DAI.
func (c *Cdp) DebtValue(ctx context.Context) (domain.Amount, error) {
	_, art, err := c.urnState(ctx)
	if err != nil {
		return domain.Amount{}, err
	}
	rate, err := ledger.ReadUint(ctx, c.mgr.client, ledger.Call{
		Contract: registry.Vat, Method: "ilks", Args: []any{domain.IlkBytes32(c.Ilk)},
	}, 1)
	if err != nil {
		return domain.Amount{}, fmt.Errorf("cdp %d: rate: %w", c.ID, err)
	}
	debt := new(big.Int).Mul(art, rate)
	debt.Quo(debt, domain.RAY)
	return domain.FromWad(domain.DAI, debt), nil
}

// owned runs fn as a tracked operation once the account's proxy exists.
func (c *Cdp) owned(ctx context.Context, name string, fn func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error) *txmgr.Future[*Cdp] {
	m := c.mgr
	return txmgr.Go(ctx, m.tracker, name, func(ctx context.Context, run *txmgr.Run) (*Cdp, error) {
		proxyAddr, err := txmgr.JoinFuture(ctx, run, m.proxies.Ensure(ctx))
		if err != nil {
			return nil, err
		}
		a, err := m.addrs(c.Type)
		if err != nil {
			return nil, err
		}
		if err := fn(ctx, run, proxyAddr, a); err != nil {
			return nil, fmt.Errorf("cdp %d: %s: %w", c.ID, name, err)
		}
		return c, nil
	})
}

// LockCollateral adds amount to the position's collateral.
func (c *Cdp) LockCollateral(ctx context.Context, amount domain.Amount) *txmgr.Future[*Cdp] {
	return c.owned(ctx, "lockCollateral", func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error {
		if err := checkPositive(amount, c.Type.Currency); err != nil {
			return err
		}
		if err := c.mgr.fundCollateral(ctx, run, c.Type, proxyAddr, amount.Int()); err != nil {
			return err
		}
		_, err := c.mgr.step(ctx, run, proxyAddr, lockCall(c.Type, a, c.idInt(), amount.Int()))
		return err
	})
}

// DrawDebt generates amount of DAI against the position.
func (c *Cdp) DrawDebt(ctx context.Context, amount domain.Amount) *txmgr.Future[*Cdp] {
	return c.owned(ctx, "drawDebt", func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error {
		if err := checkPositive(amount, domain.DAI); err != nil {
			return err
		}
		_, err := c.mgr.step(ctx, run, proxyAddr, drawCall(a, c.idInt(), amount.Int()))
		return err
	})
}

// LockAndDraw locks collateral and draws debt in one proxy action.
func (c *Cdp) LockAndDraw(ctx context.Context, collateral, debt domain.Amount) *txmgr.Future[*Cdp] {
	return c.owned(ctx, "lockAndDraw", func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error {
		if err := checkAmount(collateral, c.Type.Currency, true); err != nil {
			return err
		}
		if err := checkAmount(debt, domain.DAI, true); err != nil {
			return err
		}
		if err := c.mgr.fundCollateral(ctx, run, c.Type, proxyAddr, collateral.Int()); err != nil {
			return err
		}
		_, err := c.mgr.step(ctx, run, proxyAddr, lockAndDrawCall(c.Type, a, c.idInt(), collateral.Int(), debt.Int()))
		return err
	})
}

// WipeDebt pays back amount of DAI. The proxy is approved to pull the DAI
// first when its allowance is short.
func (c *Cdp) WipeDebt(ctx context.Context, amount domain.Amount) *txmgr.Future[*Cdp] {
	return c.owned(ctx, "wipeDebt", func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error {
		if err := checkPositive(amount, domain.DAI); err != nil {
			return err
		}
		if err := c.mgr.tokens.RequireBalance(ctx, registry.Dai, amount.Int()); err != nil {
			return err
		}
		if err := c.mgr.tokens.EnsureAllowance(ctx, run, registry.Dai, proxyAddr, amount.Int()); err != nil {
			return err
		}
		_, err := c.mgr.step(ctx, run, proxyAddr, wipeCall(a, c.idInt(), amount.Int()))
		return err
	})
}

// FreeCollateral withdraws amount of collateral back to the account. The
// ledger rejects the call unless the caller's proxy owns the position; that
// surfaces as an error matching domain.ErrUnauthorized.
func (c *Cdp) FreeCollateral(ctx context.Context, amount domain.Amount) *txmgr.Future[*Cdp] {
	return c.owned(ctx, "freeCollateral", func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error {
		if err := checkPositive(amount, c.Type.Currency); err != nil {
			return err
		}
		_, err := c.mgr.step(ctx, run, proxyAddr, freeCall(c.Type, a, c.idInt(), amount.Int()))
		return err
	})
}

// Give transfers ownership of the position to dst.
func (c *Cdp) Give(ctx context.Context, dst common.Address) *txmgr.Future[*Cdp] {
	return c.owned(ctx, "give", func(ctx context.Context, run *txmgr.Run, proxyAddr common.Address, a addrs) error {
		if dst == (common.Address{}) {
			return fmt.Errorf("give: zero destination")
		}
		_, err := c.mgr.step(ctx, run, proxyAddr, giveCall(a, c.idInt(), dst))
		return err
	})
}

func checkPositive(a domain.Amount, cur domain.Currency) error {
	if err := checkAmount(a, cur, false); err != nil {
		return err
	}
	if a.Value.Sign() == 0 {
		return fmt.Errorf("%w: zero %s", domain.ErrInvalidAmount, cur.Symbol)
	}
	return nil
}
