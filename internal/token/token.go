// Package token reads ERC-20 balances and allowances and submits the
// approve and transfer steps the CDP workflows need.
package token

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/txmgr"
)

// Service wraps token calls for one account.
type Service struct {
	client ledger.Client
}

// New creates a Service reading through client.
func New(client ledger.Client) *Service {
	return &Service{client: client}
}

// BalanceOf returns holder's balance of the token registered as name.
func (s *Service) BalanceOf(ctx context.Context, name string, holder common.Address) (*big.Int, error) {
	v, err := ledger.ReadUint(ctx, s.client, ledger.Call{Contract: name, Method: "balanceOf", Args: []any{holder}}, 0)
	if err != nil {
		return nil, fmt.Errorf("token: %s balance of %s: %w", name, holder.Hex(), err)
	}
	return v, nil
}

// Balance is BalanceOf expressed in currency c.
func (s *Service) Balance(ctx context.Context, name string, c domain.Currency, holder common.Address) (domain.Amount, error) {
	v, err := s.BalanceOf(ctx, name, holder)
	if err != nil {
		return domain.Amount{}, err
	}
	return domain.NewAmount(c, v), nil
}

// Allowance returns how much spender may pull from owner.
func (s *Service) Allowance(ctx context.Context, name string, owner, spender common.Address) (*big.Int, error) {
	v, err := ledger.ReadUint(ctx, s.client, ledger.Call{Contract: name, Method: "allowance", Args: []any{owner, spender}}, 0)
	if err != nil {
		return nil, fmt.Errorf("token: %s allowance: %w", name, err)
	}
	return v, nil
}

// RequireBalance fails with domain.ErrInsufficientBalance when the
// account holds less than amt.
func (s *Service) RequireBalance(ctx context.Context, name string, amt *big.Int) error {
	bal, err := s.BalanceOf(ctx, name, s.client.Account())
	if err != nil {
		return err
	}
	if bal.Cmp(amt) < 0 {
		return fmt.Errorf("token: %s balance %s below %s: %w", name, bal, amt, domain.ErrInsufficientBalance)
	}
	return nil
}

// EnsureAllowance adds an approve(spender, max) step to run when the
// account's allowance for spender is below amt.
func (s *Service) EnsureAllowance(ctx context.Context, run *txmgr.Run, name string, spender common.Address, amt *big.Int) error {
	cur, err := s.Allowance(ctx, name, s.client.Account(), spender)
	if err != nil {
		return err
	}
	if cur.Cmp(amt) >= 0 {
		return nil
	}
	_, err = run.Step(ctx, ledger.Call{
		Contract: name,
		Method:   "approve",
		Args:     []any{spender, new(big.Int).Set(math.MaxBig256)},
	})
	return err
}

// Transfer adds a transfer(to, amt) step to run.
func (s *Service) Transfer(ctx context.Context, run *txmgr.Run, name string, to common.Address, amt *big.Int) error {
	_, err := run.Step(ctx, ledger.Call{
		Contract: name,
		Method:   "transfer",
		Args:     []any{to, new(big.Int).Set(amt)},
	})
	return err
}
