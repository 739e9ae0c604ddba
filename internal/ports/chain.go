package ports

import (
	"context"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// Subscription is a live feed that can fail asynchronously.
type Subscription interface {
	// Err delivers at most one error and is closed on Unsubscribe.
	Err() <-chan error
	Unsubscribe()
}

// Chain exposes the chain-wide reads the scheduler and keepers need.
type Chain interface {
	LatestBlockNumber(ctx context.Context) (uint64, error)
	BlockHeader(ctx context.Context, number uint64) (domain.BlockHeader, error)

	// SubscribeNewBlocks pushes every new block number to ch until the
	// subscription fails or is cancelled.
	SubscribeNewBlocks(ctx context.Context, ch chan<- uint64) (Subscription, error)
}

// EventSource returns decoded logs of one event kind for one market.
type EventSource interface {
	// QueryLogs returns the events of kind emitted in [fromBlock, toBlock].
	// Implementations do not paginate; callers keep ranges provider-safe.
	QueryLogs(ctx context.Context, kind domain.EventKind, fromBlock, toBlock uint64) ([]domain.Event, error)
}
