package onchain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// pendingTx implements ports.PendingTx.
type pendingTx struct {
	client *Client
	hash   common.Hash
}

func (p *pendingTx) Hash() string { return p.hash.Hex() }

// Wait polls for the receipt, then for the requested confirmations, bounded
// by the client's receipt timeout.
func (p *pendingTx) Wait(ctx context.Context, confirmations uint64) (domain.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.client.receiptTimeout)
	defer cancel()

	receipt, err := p.waitForReceipt(ctx)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return domain.Receipt{TxHash: p.Hash()}, fmt.Errorf("%w: %s", domain.ErrReceiptTimeout, p.Hash())
		}
		return domain.Receipt{TxHash: p.Hash()}, err
	}

	out := domain.Receipt{
		BlockNumber: receipt.BlockNumber.Uint64(),
		Status:      receipt.Status,
		TxHash:      p.Hash(),
		GasUsed:     receipt.GasUsed,
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return out, fmt.Errorf("%w: %s", domain.ErrTxReverted, p.Hash())
	}

	if confirmations > 1 {
		target := out.BlockNumber + confirmations - 1
		if err := p.waitForBlock(ctx, target); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				return out, fmt.Errorf("%w: %s at %d confirmations", domain.ErrReceiptTimeout, p.Hash(), confirmations)
			}
			return out, err
		}
	}
	return out, nil
}

// waitForReceipt polls for a transaction receipt until mined or ctx ends.
func (p *pendingTx) waitForReceipt(ctx context.Context) (*types.Receipt, error) {
	ticker := time.NewTicker(p.client.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			if err := p.client.wait(ctx); err != nil {
				return nil, err
			}
			receipt, err := p.client.rpc.TransactionReceipt(ctx, p.hash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}

func (p *pendingTx) waitForBlock(ctx context.Context, target uint64) error {
	ticker := time.NewTicker(p.client.pollInterval)
	defer ticker.Stop()

	for {
		n, err := p.client.LatestBlockNumber(ctx)
		if err == nil && n >= target {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
