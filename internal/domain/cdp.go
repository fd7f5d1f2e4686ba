package domain

import (
	"bytes"
	"math/big"
	"time"
)

// CdpKind selects how collateral of a CDP type reaches the vat.
type CdpKind string

const (
	// KindNative collateral is the chain's own currency, sent as call value.
	KindNative CdpKind = "native"
	// KindStandard collateral is an ERC-20 pulled by the proxy with transferFrom.
	KindStandard CdpKind = "standard"
	// KindBridged collateral must first be moved into a per-proxy bag.
	KindBridged CdpKind = "bridged"
)

// Valid reports whether k is one of the known kinds.
func (k CdpKind) Valid() bool {
	switch k {
	case KindNative, KindStandard, KindBridged:
		return true
	}
	return false
}

// CdpType describes one collateral market (ilk).
type CdpType struct {
	Ilk      string   `json:"ilk"`
	Currency Currency `json:"currency"`
	Kind     CdpKind  `json:"kind"`
	// Join is the registry name of the ilk's join adapter, e.g. MCD_JOIN_ETH_A.
	Join string `json:"join"`
	// Token is the registry name of the collateral token. Empty for native.
	Token string `json:"token,omitempty"`
}

// CdpRef is one entry of the position index.
type CdpRef struct {
	ID  uint64 `json:"id"`
	Ilk string `json:"ilk"`
}

// CdpRecord is a journaled position opened through this client.
type CdpRecord struct {
	ID          uint64
	Ilk         string
	Owner       string // proxy address
	Account     string
	OperationID string
	CreatedAt   time.Time
}

// IlkBytes32 encodes an ilk name as the vat's right-padded bytes32.
func IlkBytes32(ilk string) [32]byte {
	var b [32]byte
	copy(b[:], ilk)
	return b
}

// IlkFromBytes32 decodes a bytes32 ilk, dropping the zero padding.
func IlkFromBytes32(b [32]byte) string {
	return string(bytes.TrimRight(b[:], "\x00"))
}

// CdpEventType classifies a normalized history entry.
type CdpEventType string

const (
	EventOpen     CdpEventType = "OPEN"
	EventDeposit  CdpEventType = "DEPOSIT"
	EventWithdraw CdpEventType = "WITHDRAW"
	EventGenerate CdpEventType = "GENERATE"
	EventPayback  CdpEventType = "PAYBACK"
	EventGive     CdpEventType = "GIVE"
)

// RawCdpEvent is one row returned by the query service.
type RawCdpEvent struct {
	Kind     string // "open", "frob" or "give"
	CdpID    uint64
	Ilk      string
	Urn      string
	Dink     *big.Int // signed collateral delta, wad
	Dart     *big.Int // signed normalized debt delta, wad
	Rate     *big.Int // ilk rate at the time of the frob, ray
	NewOwner string
	TxHash   string
	TxFrom   string
	Block    uint64
	Time     time.Time
}

// CdpEvent is a history entry normalized for display.
type CdpEvent struct {
	Type       CdpEventType `json:"type"`
	CdpID      uint64       `json:"cdp_id"`
	Ilk        string       `json:"ilk"`
	Collateral string       `json:"collateral"`
	Amount     *Amount      `json:"amount,omitempty"`
	NewOwner   string       `json:"new_owner,omitempty"`
	Sender     string       `json:"sender"`
	TxHash     string       `json:"tx_hash"`
	Block      uint64       `json:"block"`
	Time       time.Time    `json:"time"`
}
