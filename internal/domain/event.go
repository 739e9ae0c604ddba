package domain

import "sort"

// EventKind identifies one of the market events the keepers consume.
type EventKind string

const (
	EventPositionModified   EventKind = "PositionModified"
	EventPositionLiquidated EventKind = "PositionLiquidated"
	EventPositionFlagged    EventKind = "PositionFlagged"
	EventOrderSubmitted     EventKind = "DelayedOrderSubmitted"
	EventOrderRemoved       EventKind = "DelayedOrderRemoved"
	EventFundingRecomputed  EventKind = "FundingRecomputed"
)

// Event is a decoded market log. Exactly one payload pointer is set and it
// matches Kind; a nil payload means the log could not be decoded.
type Event struct {
	Kind        EventKind
	BlockNumber uint64
	TxIndex     uint
	LogIndex    uint
	TxHash      string

	PositionModified   *PositionModified
	PositionLiquidated *PositionLiquidated
	PositionFlagged    *PositionFlagged
	OrderSubmitted     *OrderSubmitted
	OrderRemoved       *OrderRemoved
	FundingRecomputed  *FundingRecomputed
}

// HasPayload reports whether the payload for e.Kind was decoded.
func (e Event) HasPayload() bool {
	switch e.Kind {
	case EventPositionModified:
		return e.PositionModified != nil
	case EventPositionLiquidated:
		return e.PositionLiquidated != nil
	case EventPositionFlagged:
		return e.PositionFlagged != nil
	case EventOrderSubmitted:
		return e.OrderSubmitted != nil
	case EventOrderRemoved:
		return e.OrderRemoved != nil
	case EventFundingRecomputed:
		return e.FundingRecomputed != nil
	default:
		return false
	}
}

// Less orders events by (block, transaction index, log index).
func (e Event) Less(o Event) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	if e.TxIndex != o.TxIndex {
		return e.TxIndex < o.TxIndex
	}
	return e.LogIndex < o.LogIndex
}

// SortEvents sorts events in place into canonical chain order.
func SortEvents(events []Event) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Less(events[j])
	})
}

// PositionModified is emitted on every margin or size change of a position.
// Amounts are already scaled from 18-decimal fixed point.
type PositionModified struct {
	ID        uint64
	Account   string
	Margin    float64
	Size      float64
	TradeSize float64
	LastPrice float64
	Fee       float64
}

// PositionLiquidated is emitted when a flagged position is closed by a keeper.
type PositionLiquidated struct {
	ID         uint64
	Account    string
	Liquidator string
	Size       float64
	Price      float64
}

// PositionFlagged is emitted when a position is marked for liquidation.
type PositionFlagged struct {
	ID        uint64
	Account   string
	Flagger   string
	Price     float64
	Timestamp uint64
}

// OrderSubmitted is emitted when a delayed order is committed.
type OrderSubmitted struct {
	Account          string
	IsOffchain       bool
	SizeDelta        float64
	TargetRoundID    uint64
	IntentionTime    uint64 // 0 when the market version does not emit it
	ExecutableAtTime uint64
}

// OrderRemoved is emitted when a delayed order is executed or cancelled.
type OrderRemoved struct {
	Account        string
	IsOffchain     bool
	CurrentRoundID uint64
	SizeDelta      float64
}

// FundingRecomputed is emitted on most trades and carries the block timestamp.
type FundingRecomputed struct {
	Funding     float64
	FundingRate float64
	Index       uint64
	Timestamp   uint64
}

// BlockHeader is the part of a block header the keepers use.
type BlockHeader struct {
	Number    uint64
	Timestamp uint64
}
