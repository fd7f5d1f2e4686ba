// Package eth implements ledger.Client on an Ethereum JSON-RPC node with
// go-ethereum: calls are ABI-encoded by registry name, routed through the
// account's DS-Proxy when asked, signed as EIP-1559 transactions and
// followed to the configured number of confirmations.
package eth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/big"
	"strings"
	"sync"
	"time"

	ethereum "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"golang.org/x/time/rate"

	"github.com/abbaskiko/mcdkit/internal/crypto"
	"github.com/abbaskiko/mcdkit/internal/domain"
	"github.com/abbaskiko/mcdkit/internal/ledger"
	"github.com/abbaskiko/mcdkit/internal/registry"
)

// Backend is the subset of *ethclient.Client the ledger needs.
type Backend interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, block *big.Int) ([]byte, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

var (
	_ Backend       = (*ethclient.Client)(nil)
	_ ledger.Client = (*Client)(nil)
)

// Config tunes submission and confirmation.
type Config struct {
	Confirmations uint64
	PollInterval  time.Duration
	// RateLimit caps RPC requests per second; 0 disables throttling.
	RateLimit float64
	Burst     int
	// GasMultiplier pads estimated gas. Defaults to 1.2.
	GasMultiplier float64
}

// Client is a ledger.Client for one signing account.
type Client struct {
	backend Backend
	reg     *registry.Registry
	abis    *ABIs
	signer  *crypto.Signer
	cfg     Config
	limiter *rate.Limiter
	logger  *slog.Logger

	submitMu sync.Mutex
	mu       sync.Mutex
	sent     map[common.Hash]ethereum.CallMsg
}

// Dial connects to rpcURL and checks the node serves the signer's chain.
func Dial(ctx context.Context, rpcURL string, reg *registry.Registry, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Client, error) {
	ec, err := ethclient.DialContext(ctx, rpcURL)
	if err != nil {
		return nil, fmt.Errorf("eth: dial %s: %w", rpcURL, err)
	}
	id, err := ec.ChainID(ctx)
	if err != nil {
		ec.Close()
		return nil, fmt.Errorf("eth: chain id: %w", err)
	}
	if id.Cmp(signer.ChainID()) != 0 {
		ec.Close()
		return nil, fmt.Errorf("eth: node serves chain %s, wallet configured for %s", id, signer.ChainID())
	}
	return New(ec, reg, signer, cfg, logger)
}

// New wraps an existing backend.
func New(b Backend, reg *registry.Registry, signer *crypto.Signer, cfg Config, logger *slog.Logger) (*Client, error) {
	abis, err := LoadABIs(reg)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Confirmations == 0 {
		cfg.Confirmations = 1
	}
	if cfg.GasMultiplier < 1 {
		cfg.GasMultiplier = 1.2
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = int(cfg.RateLimit) + 1
		}
		lim = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return &Client{
		backend: b,
		reg:     reg,
		abis:    abis,
		signer:  signer,
		cfg:     cfg,
		limiter: lim,
		logger:  logger.With(slog.String("component", "ledger")),
		sent:    make(map[common.Hash]ethereum.CallMsg),
	}, nil
}

// Close releases the RPC connection when the backend owns one.
func (c *Client) Close() {
	if cl, ok := c.backend.(interface{ Close() }); ok {
		cl.Close()
	}
}

// Account returns the signing address.
func (c *Client) Account() common.Address { return c.signer.Address() }

// encode resolves the target and calldata of call, wrapping it in the
// proxy's execute when call.Proxy is set.
func (c *Client) encode(call ledger.Call) (common.Address, []byte, error) {
	parsed, err := c.abis.For(call.Contract)
	if err != nil {
		return common.Address{}, nil, err
	}
	data, err := parsed.Pack(call.Method, call.Args...)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("eth: encode %s.%s: %w", call.Contract, call.Method, err)
	}
	target := call.Address
	if target == (common.Address{}) {
		if target, err = c.reg.Address(call.Contract); err != nil {
			return common.Address{}, nil, err
		}
	}
	if call.Proxy == (common.Address{}) {
		return target, data, nil
	}
	wrapped, err := c.abis.proxy.Pack("execute", target, data)
	if err != nil {
		return common.Address{}, nil, fmt.Errorf("eth: encode proxy execute: %w", err)
	}
	return call.Proxy, wrapped, nil
}

// Submit signs and broadcasts call. A call the node refuses to estimate
// because it would revert fails with *domain.LedgerRejectedError before
// anything is broadcast.
func (c *Client) Submit(ctx context.Context, call ledger.Call) (ledger.StepHandle, error) {
	to, data, err := c.encode(call)
	if err != nil {
		return ledger.StepHandle{}, err
	}
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	msg := ethereum.CallMsg{From: c.Account(), To: &to, Value: value, Data: data}

	c.submitMu.Lock()
	defer c.submitMu.Unlock()

	if err := c.limiter.Wait(ctx); err != nil {
		return ledger.StepHandle{}, err
	}
	gas, err := c.backend.EstimateGas(ctx, msg)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return ledger.StepHandle{}, &domain.LedgerRejectedError{Reason: reason}
		}
		return ledger.StepHandle{}, fmt.Errorf("eth: estimate gas: %w", err)
	}
	nonce, err := c.backend.PendingNonceAt(ctx, msg.From)
	if err != nil {
		return ledger.StepHandle{}, fmt.Errorf("eth: nonce: %w", err)
	}
	tip, err := c.backend.SuggestGasTipCap(ctx)
	if err != nil {
		return ledger.StepHandle{}, fmt.Errorf("eth: gas tip: %w", err)
	}
	head, err := c.backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return ledger.StepHandle{}, fmt.Errorf("eth: head: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	tx, err := c.signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas * uint64(math.Round(c.cfg.GasMultiplier*100)) / 100,
		To:        &to,
		Value:     value,
		Data:      data,
	}))
	if err != nil {
		return ledger.StepHandle{}, err
	}
	if err := c.backend.SendTransaction(ctx, tx); err != nil {
		return ledger.StepHandle{}, fmt.Errorf("eth: send: %w", err)
	}

	c.mu.Lock()
	c.sent[tx.Hash()] = msg
	c.mu.Unlock()

	c.logger.InfoContext(ctx, "tx sent",
		slog.String("call", call.Contract+"."+call.Method),
		slog.String("hash", tx.Hash().Hex()),
		slog.Uint64("nonce", nonce),
	)
	return ledger.StepHandle{Hash: tx.Hash()}, nil
}

// WaitForConfirmation polls for the receipt, then for the confirmation
// depth. A failed receipt yields *domain.LedgerRejectedError carrying the
// revert reason recovered by replaying the call.
func (c *Client) WaitForConfirmation(ctx context.Context, h ledger.StepHandle) (ledger.Receipt, error) {
	defer func() {
		c.mu.Lock()
		delete(c.sent, h.Hash)
		c.mu.Unlock()
	}()

	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	var rcpt *types.Receipt
	for {
		if err := c.limiter.Wait(ctx); err != nil {
			return ledger.Receipt{}, err
		}
		r, err := c.backend.TransactionReceipt(ctx, h.Hash)
		switch {
		case err == nil && r != nil:
			rcpt = r
		case err != nil && !errors.Is(err, ethereum.NotFound):
			c.logger.WarnContext(ctx, "receipt poll failed",
				slog.String("hash", h.Hash.Hex()),
				slog.String("error", err.Error()),
			)
		}
		if rcpt != nil {
			head, err := c.backend.BlockNumber(ctx)
			if err == nil && head+1 >= rcpt.BlockNumber.Uint64()+c.cfg.Confirmations {
				break
			}
		}
		select {
		case <-ctx.Done():
			return ledger.Receipt{}, ctx.Err()
		case <-ticker.C:
		}
	}

	if rcpt.Status == types.ReceiptStatusFailed {
		return ledger.Receipt{}, &domain.LedgerRejectedError{Reason: c.replayReason(ctx, h.Hash, rcpt.BlockNumber)}
	}
	return ledger.Receipt{
		Hash:        h.Hash,
		BlockNumber: rcpt.BlockNumber.Uint64(),
		GasUsed:     rcpt.GasUsed,
		Events:      c.decodeLogs(rcpt.Logs),
	}, nil
}

// replayReason re-executes a reverted transaction against the parent block
// to recover its revert string.
func (c *Client) replayReason(ctx context.Context, hash common.Hash, block *big.Int) string {
	c.mu.Lock()
	msg, ok := c.sent[hash]
	c.mu.Unlock()
	if !ok {
		return "reverted"
	}
	at := new(big.Int).Sub(block, big.NewInt(1))
	_, err := c.backend.CallContract(ctx, msg, at)
	if reason, ok := revertReason(err); ok {
		return reason
	}
	return "reverted"
}

// revertReason extracts the reason string from an execution error.
func revertReason(err error) (string, bool) {
	if err == nil {
		return "", false
	}
	var de rpc.DataError
	if errors.As(err, &de) {
		if s, ok := de.ErrorData().(string); ok {
			if data, derr := hexutil.Decode(s); derr == nil {
				if reason, uerr := abi.UnpackRevert(data); uerr == nil {
					return reason, true
				}
			}
		}
	}
	msg := err.Error()
	if i := strings.Index(msg, "execution reverted"); i >= 0 {
		reason := strings.TrimPrefix(strings.TrimSpace(msg[i+len("execution reverted"):]), ":")
		if reason = strings.TrimSpace(reason); reason == "" {
			reason = "execution reverted"
		}
		return reason, true
	}
	if de != nil {
		return msg, true
	}
	return "", false
}

// decodeLogs turns receipt logs emitted by registry contracts into events.
// Logs from unknown addresses or with unknown topics are skipped.
func (c *Client) decodeLogs(logs []*types.Log) []ledger.Event {
	var out []ledger.Event
	for _, l := range logs {
		if len(l.Topics) == 0 {
			continue
		}
		name, ok := c.reg.Name(l.Address)
		if !ok {
			continue
		}
		parsed, err := c.abis.For(name)
		if err != nil {
			continue
		}
		ev, err := parsed.EventByID(l.Topics[0])
		if err != nil {
			continue
		}
		args := make(map[string]any)
		var indexed abi.Arguments
		for _, in := range ev.Inputs {
			if in.Indexed {
				indexed = append(indexed, in)
			}
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, l.Topics[1:]); err != nil {
			c.logger.Warn("decode log topics", slog.String("event", ev.Name), slog.String("error", err.Error()))
			continue
		}
		if err := ev.Inputs.UnpackIntoMap(args, l.Data); err != nil {
			c.logger.Warn("decode log data", slog.String("event", ev.Name), slog.String("error", err.Error()))
			continue
		}
		out = append(out, ledger.Event{Contract: name, Name: ev.Name, Args: args})
	}
	return out
}

// Call performs a read-only call and returns the decoded outputs.
func (c *Client) Call(ctx context.Context, call ledger.Call) ([]any, error) {
	parsed, err := c.abis.For(call.Contract)
	if err != nil {
		return nil, err
	}
	to, data, err := c.encode(ledger.Call{Contract: call.Contract, Method: call.Method, Args: call.Args, Address: call.Address})
	if err != nil {
		return nil, err
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	raw, err := c.backend.CallContract(ctx, ethereum.CallMsg{From: c.Account(), To: &to, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("eth: call %s.%s: %w", call.Contract, call.Method, err)
	}
	out, err := parsed.Methods[call.Method].Outputs.Unpack(raw)
	if err != nil {
		return nil, fmt.Errorf("eth: decode %s.%s: %w", call.Contract, call.Method, err)
	}
	return out, nil
}
