package ports

import (
	"context"
	"math/big"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// BlockTag selects which view of the chain a nonce is read from.
type BlockTag string

const (
	BlockTagLatest  BlockTag = "latest"
	BlockTagPending BlockTag = "pending"
)

// TxRequest is an unsigned contract call.
type TxRequest struct {
	To    string
	Data  []byte
	Value *big.Int
}

// Signer is one transaction-signing identity with a local nonce counter.
type Signer interface {
	Address() string
	SendTransaction(ctx context.Context, req TxRequest) (PendingTx, error)
	SequenceCount(ctx context.Context, tag BlockTag) (uint64, error)
	SetSequenceCount(n uint64)
	Balance(ctx context.Context) (*big.Int, error)
}

// PendingTx is a submitted transaction.
type PendingTx interface {
	Hash() string
	// Wait blocks until the transaction has the given number of
	// confirmations. A reverted transaction returns its receipt together
	// with domain.ErrTxReverted.
	Wait(ctx context.Context, confirmations uint64) (domain.Receipt, error)
}
