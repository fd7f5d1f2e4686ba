// Package ledger defines the narrow surface the orchestration layer needs
// from a contract ledger: submit a call, wait for it to settle, and read
// state. Implementations live in sub-packages.
package ledger

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Call is one contract method invocation, addressed by registry name.
type Call struct {
	Contract string
	Method   string
	Args     []any
	// Address overrides the registry lookup for Contract. Used for
	// per-account contracts such as a proxy or a bag.
	Address common.Address
	// Value is the native currency attached to the call.
	Value *big.Int
	// Proxy, when set, routes the call through that DS-Proxy's execute.
	Proxy common.Address
}

// StepHandle identifies a submitted transaction.
type StepHandle struct {
	Hash common.Hash
}

// Event is a decoded contract log.
type Event struct {
	Contract string
	Name     string
	Args     map[string]any
}

// Receipt is the settled outcome of a submitted call.
type Receipt struct {
	Hash        common.Hash
	BlockNumber uint64
	GasUsed     uint64
	Events      []Event
}

// Find returns the first event named name emitted by contract.
func (r Receipt) Find(contract, name string) (Event, bool) {
	for _, e := range r.Events {
		if e.Contract == contract && e.Name == name {
			return e, true
		}
	}
	return Event{}, false
}

// Client submits and reads contract calls for a single account.
//
// WaitForConfirmation returns a *domain.LedgerRejectedError when the
// transaction reverted.
type Client interface {
	Submit(ctx context.Context, call Call) (StepHandle, error)
	WaitForConfirmation(ctx context.Context, h StepHandle) (Receipt, error)
	Call(ctx context.Context, call Call) ([]any, error)
	Account() common.Address
}

// ReadUint calls c and returns output i as *big.Int.
func ReadUint(ctx context.Context, c Client, call Call, i int) (*big.Int, error) {
	out, err := c.Call(ctx, call)
	if err != nil {
		return nil, err
	}
	return Uint(out, i)
}

// ReadAddress calls c and returns output 0 as an address.
func ReadAddress(ctx context.Context, c Client, call Call) (common.Address, error) {
	out, err := c.Call(ctx, call)
	if err != nil {
		return common.Address{}, err
	}
	return Address(out, 0)
}

// Uint extracts output i as *big.Int.
func Uint(out []any, i int) (*big.Int, error) {
	if i >= len(out) {
		return nil, fmt.Errorf("ledger: output %d of %d missing", i, len(out))
	}
	v, ok := out[i].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("ledger: output %d is %T, not uint", i, out[i])
	}
	return v, nil
}

// Address extracts output i as an address.
func Address(out []any, i int) (common.Address, error) {
	if i >= len(out) {
		return common.Address{}, fmt.Errorf("ledger: output %d of %d missing", i, len(out))
	}
	v, ok := out[i].(common.Address)
	if !ok {
		return common.Address{}, fmt.Errorf("ledger: output %d is %T, not address", i, out[i])
	}
	return v, nil
}

// Bytes32 extracts output i as a bytes32.
func Bytes32(out []any, i int) ([32]byte, error) {
	if i >= len(out) {
		return [32]byte{}, fmt.Errorf("ledger: output %d of %d missing", i, len(out))
	}
	v, ok := out[i].([32]byte)
	if !ok {
		return [32]byte{}, fmt.Errorf("ledger: output %d is %T, not bytes32", i, out[i])
	}
	return v, nil
}
