package ports

import (
	"context"
	"math/big"
)

// Market is the perps market contract as seen by the keepers. Write methods
// submit through the given signer and return without waiting for inclusion.
type Market interface {
	Name() string

	CanLiquidate(ctx context.Context, account string) (bool, error)
	LiquidationPrice(ctx context.Context, account string) (float64, error)
	AssetPrice(ctx context.Context) (float64, error)

	// CurrentRoundID returns the latest oracle round for the market's base asset.
	CurrentRoundID(ctx context.Context) (uint64, error)

	FlagPosition(ctx context.Context, signer Signer, account string) (PendingTx, error)
	LiquidatePosition(ctx context.Context, signer Signer, account string) (PendingTx, error)
	ExecuteDelayedOrder(ctx context.Context, signer Signer, account string) (PendingTx, error)
	ExecuteOffchainDelayedOrder(ctx context.Context, signer Signer, account string, priceUpdate [][]byte, fee *big.Int) (PendingTx, error)
}

// PriceFeed provides signed off-chain price updates for off-chain orders.
type PriceFeed interface {
	SignedPriceUpdate(ctx context.Context, feedID string) ([][]byte, error)
	UpdateFee(ctx context.Context, update [][]byte) (*big.Int, error)
}
