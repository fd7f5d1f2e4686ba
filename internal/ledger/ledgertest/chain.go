// Package ledgertest provides an in-memory ledger that simulates the proxy
// registry, CDP manager, vat, join adapters, gem bags and ERC-20 tokens
// closely enough to drive the orchestration packages in tests.
package ledgertest

import (
	"context"
	"encoding/binary"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

// NativeToken is the balance key for the chain's own currency.
const NativeToken = "ETH"

// AddressOf derives the deterministic test address for a label.
func AddressOf(label string) common.Address {
	return common.BytesToAddress(crypto.Keccak256([]byte(label))[12:])
}

// NewRegistry returns a registry with addresses for every contract the chain
// simulates, including the joins and tokens of registry.DefaultCdpTypes.
func NewRegistry() *registry.Registry {
	names := []string{
		registry.ProxyRegistry, registry.ProxyActions, registry.CdpManager,
		registry.Vat, registry.Jug, registry.JoinDai, registry.Dai,
	}
	for _, t := range registry.DefaultCdpTypes() {
		names = append(names, t.Join)
		if t.Token != "" {
			names = append(names, t.Token)
		}
	}
	addrs := make(map[string]common.Address, len(names))
	for _, n := range names {
		addrs[n] = AddressOf(n)
	}
	reg, err := registry.New(addrs, registry.DefaultCdpTypes())
	if err != nil {
		panic(err)
	}
	return reg
}

type cdpRecord struct {
	ilk        string
	owner      common.Address
	urn        common.Address
	prev, next uint64
	ink, art   *big.Int
}

type ilkState struct {
	art  *big.Int // total normalized debt
	rate *big.Int
	spot *big.Int
	line *big.Int // rad
	dust *big.Int
}

type pendingTx struct {
	from    common.Address
	call    ledger.Call
	revert  string
	receipt *ledger.Receipt
	err     error
}

// Chain is the shared ledger state. Use Client to act as an account.
type Chain struct {
	reg *registry.Registry

	mu         sync.Mutex
	block      uint64
	txCount    uint64
	nextCdp    uint64
	proxies    map[common.Address]common.Address // account -> proxy
	proxyOwner map[common.Address]common.Address // proxy -> account
	cdps       map[uint64]*cdpRecord
	first      map[common.Address]uint64
	last       map[common.Address]uint64
	count      map[common.Address]uint64
	ilks       map[string]*ilkState
	bags       map[common.Address]common.Address // proxy -> bag
	balances   map[string]map[common.Address]*big.Int
	allowances map[string]map[[2]common.Address]*big.Int
	txs        map[common.Hash]*pendingTx
	failNext   map[string]string
	calls      map[string]int
	gate       chan struct{}
	readGate   chan struct{}
}

// New returns an empty chain bound to reg. Every configured ilk starts with
// rate 1.0, a spot price of 100 DAI per collateral unit and a large ceiling.
func New(reg *registry.Registry) *Chain {
	if reg == nil {
		reg = NewRegistry()
	}
	c := &Chain{
		reg:        reg,
		proxies:    make(map[common.Address]common.Address),
		proxyOwner: make(map[common.Address]common.Address),
		cdps:       make(map[uint64]*cdpRecord),
		first:      make(map[common.Address]uint64),
		last:       make(map[common.Address]uint64),
		count:      make(map[common.Address]uint64),
		ilks:       make(map[string]*ilkState),
		bags:       make(map[common.Address]common.Address),
		balances:   make(map[string]map[common.Address]*big.Int),
		allowances: make(map[string]map[[2]common.Address]*big.Int),
		txs:        make(map[common.Hash]*pendingTx),
		failNext:   make(map[string]string),
		calls:      make(map[string]int),
		gate:       closedGate(),
		readGate:   closedGate(),
	}
	line := new(big.Int).Mul(big.NewInt(1_000_000_000), new(big.Int).Mul(domain.WAD, domain.RAY))
	for _, t := range reg.CdpTypes() {
		c.ilks[t.Ilk] = &ilkState{
			art:  new(big.Int),
			rate: new(big.Int).Set(domain.RAY),
			spot: new(big.Int).Mul(big.NewInt(100), domain.RAY),
			line: new(big.Int).Set(line),
			dust: new(big.Int),
		}
	}
	return c
}

func closedGate() chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}

// Registry returns the registry the chain was built with.
func (c *Chain) Registry() *registry.Registry { return c.reg }

// Client returns a ledger client acting as account.
func (c *Chain) Client(account common.Address) *Client {
	return &Client{chain: c, account: account}
}

// Fund credits amount of token ("ETH" for native) to holder.
func (c *Chain) Fund(token string, holder common.Address, amount *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.credit(token, holder, amount)
}

// Balance returns holder's balance of token.
func (c *Chain) Balance(token string, holder common.Address) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return new(big.Int).Set(c.balanceOf(token, holder))
}

// SetRate overrides an ilk's stability-fee accumulator (ray).
func (c *Chain) SetRate(ilk string, rate *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ilks[ilk].rate = new(big.Int).Set(rate)
}

// SetCeiling overrides an ilk's debt ceiling (rad).
func (c *Chain) SetCeiling(ilk string, line *big.Int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ilks[ilk].line = new(big.Int).Set(line)
}

// FailNext makes the next submission of contract.method revert with reason.
func (c *Chain) FailNext(contract, method, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failNext[contract+"."+method] = reason
}

// CallCount reports how many reads of contract.method were served.
func (c *Chain) CallCount(contract, method string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[contract+"."+method]
}

// Pause blocks every Submit until the returned resume func is called.
func (c *Chain) Pause() (resume func()) {
	return c.hold(&c.gate)
}

// PauseReads blocks every Call until the returned resume func is called.
func (c *Chain) PauseReads() (resume func()) {
	return c.hold(&c.readGate)
}

func (c *Chain) hold(slot *chan struct{}) func() {
	c.mu.Lock()
	gate := make(chan struct{})
	*slot = gate
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			*slot = closedGate()
			c.mu.Unlock()
			close(gate)
		})
	}
}

func (c *Chain) await(ctx context.Context, slot *chan struct{}) error {
	c.mu.Lock()
	gate := *slot
	c.mu.Unlock()
	select {
	case <-gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ProxyOf returns the proxy registered for account.
func (c *Chain) ProxyOf(account common.Address) common.Address {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.proxies[account]
}

// Debt returns the DAI debt (wad) of a CDP.
func (c *Chain) Debt(id uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	rec, ok := c.cdps[id]
	if !ok {
		return new(big.Int)
	}
	return debtOf(rec.art, c.ilks[rec.ilk].rate)
}

func debtOf(art, rate *big.Int) *big.Int {
	v := new(big.Int).Mul(art, rate)
	return v.Quo(v, domain.RAY)
}

func (c *Chain) submit(ctx context.Context, from common.Address, call ledger.Call) (ledger.StepHandle, error) {
	if err := c.await(ctx, &c.gate); err != nil {
		return ledger.StepHandle{}, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.validate(call); err != nil {
		return ledger.StepHandle{}, err
	}
	c.txCount++
	var buf [16]byte
	copy(buf[:8], from[:8])
	binary.BigEndian.PutUint64(buf[8:], c.txCount)
	hash := crypto.Keccak256Hash(buf[:])

	tx := &pendingTx{from: from, call: call}
	label := call.Contract + "." + call.Method
	if reason, ok := c.failNext[label]; ok {
		tx.revert = reason
		delete(c.failNext, label)
	}
	c.txs[hash] = tx
	return ledger.StepHandle{Hash: hash}, nil
}

func (c *Chain) validate(call ledger.Call) error {
	switch call.Contract {
	case registry.ProxyRegistry:
		if call.Method == "build" {
			return nil
		}
	case registry.ProxyActions:
		if call.Proxy == (common.Address{}) {
			return fmt.Errorf("ledgertest: %s.%s must be routed through a proxy", call.Contract, call.Method)
		}
		if _, ok := proxyActions[call.Method]; ok {
			return nil
		}
	default:
		if call.Method == "approve" || call.Method == "transfer" {
			return nil
		}
	}
	return fmt.Errorf("ledgertest: unsupported transaction %s.%s", call.Contract, call.Method)
}

func (c *Chain) wait(ctx context.Context, h ledger.StepHandle) (ledger.Receipt, error) {
	if err := ctx.Err(); err != nil {
		return ledger.Receipt{}, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	tx, ok := c.txs[h.Hash]
	if !ok {
		return ledger.Receipt{}, fmt.Errorf("ledgertest: unknown transaction %s", h.Hash.Hex())
	}
	if tx.receipt != nil || tx.err != nil {
		if tx.err != nil {
			return ledger.Receipt{}, tx.err
		}
		return *tx.receipt, nil
	}

	c.block++
	if tx.revert != "" {
		tx.err = &domain.LedgerRejectedError{Reason: tx.revert}
		return ledger.Receipt{}, tx.err
	}

	x := &exec{chain: c, from: tx.from, value: tx.call.Value}
	events, reason := x.run(tx.call)
	if reason != "" {
		x.rollback()
		tx.err = &domain.LedgerRejectedError{Reason: reason}
		return ledger.Receipt{}, tx.err
	}
	tx.receipt = &ledger.Receipt{Hash: h.Hash, BlockNumber: c.block, GasUsed: 21000, Events: events}
	return *tx.receipt, nil
}

// Client is a ledger.Client bound to one account.
type Client struct {
	chain   *Chain
	account common.Address
}

var _ ledger.Client = (*Client)(nil)

func (cl *Client) Account() common.Address { return cl.account }

func (cl *Client) Submit(ctx context.Context, call ledger.Call) (ledger.StepHandle, error) {
	return cl.chain.submit(ctx, cl.account, call)
}

func (cl *Client) WaitForConfirmation(ctx context.Context, h ledger.StepHandle) (ledger.Receipt, error) {
	return cl.chain.wait(ctx, h)
}

func (cl *Client) Call(ctx context.Context, call ledger.Call) ([]any, error) {
	if err := cl.chain.await(ctx, &cl.chain.readGate); err != nil {
		return nil, err
	}
	return cl.chain.read(call)
}
