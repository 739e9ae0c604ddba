package domain

import "math"

// UnknownLiqPrice marks a position whose liquidation price must be re-read
// from the market before it can be classified.
const UnknownLiqPrice = -1.0

// Position is the keeper's view of an open position, keyed by account.
type Position struct {
	ID                       uint64
	Account                  string
	Size                     float64
	Leverage                 float64
	LiqPrice                 float64
	LiqPriceUpdatedTimestamp uint64
}

// HasLiqPrice reports whether a liquidation price estimate is cached.
func (p Position) HasLiqPrice() bool {
	return p.LiqPrice != UnknownLiqPrice
}

// Leverage computes |size|·price/margin. A non-positive margin yields 0.
func Leverage(size, price, margin float64) float64 {
	if margin <= 0 {
		return 0
	}
	return math.Abs(size) * price / margin
}
