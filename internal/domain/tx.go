package domain

import "time"

// TxState is the lifecycle state of one step of a tracked transaction.
type TxState string

const (
	TxPending TxState = "pending"
	TxMined   TxState = "mined"
	TxError   TxState = "error"
)

// TxMetadata identifies the contract entry point behind a step.
type TxMetadata struct {
	Contract string `json:"contract"`
	Method   string `json:"method"`
	Args     []any  `json:"-"`
}

// Label returns "CONTRACT.method", or just the method when no contract is
// set.
func (m TxMetadata) Label() string {
	if m.Contract == "" {
		return m.Method
	}
	return m.Contract + "." + m.Method
}

// TxEvent is a single lifecycle transition delivered to listeners.
type TxEvent struct {
	OperationID string     `json:"operation_id"`
	Operation   string     `json:"operation"`
	Step        int        `json:"step"`
	State       TxState    `json:"state"`
	Metadata    TxMetadata `json:"metadata"`
	Hash        string     `json:"hash,omitempty"`
	BlockNumber uint64     `json:"block_number,omitempty"`
	Error       string     `json:"error,omitempty"`
	Err         error      `json:"-"`
	At          time.Time  `json:"at"`
}

// Operation is the persisted summary of a tracked transaction.
type Operation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Account   string    `json:"account"`
	Status    TxState   `json:"status"`
	Steps     int       `json:"steps"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
