package domain

import "time"

// Receipt status values as reported by the chain.
const (
	ReceiptStatusFailed     uint64 = 0
	ReceiptStatusSuccessful uint64 = 1
)

// Receipt is the outcome of a mined transaction.
type Receipt struct {
	BlockNumber uint64
	Status      uint64
	TxHash      string
	GasUsed     uint64
}

// Succeeded reports whether the transaction did not revert.
func (r Receipt) Succeeded() bool {
	return r.Status == ReceiptStatusSuccessful
}

// Action names recorded in the journal and in metrics.
const (
	ActionFlag            = "flag"
	ActionLiquidate       = "liquidate"
	ActionExecuteOrder    = "execute_order"
	ActionExecuteOffchain = "execute_offchain_order"
	ActionRefreshLiqPrice = "refresh_liq_price"
	ActionDropStaleOrder  = "drop_stale_order"
	ActionDropFailedOrder = "drop_failed_order"
)

// ActionRecord is one journal entry for a keeper action.
type ActionRecord struct {
	ID          string
	Market      string
	Action      string
	Account     string
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
	Success     bool
	Error       string
	ExecutedAt  time.Time
}
