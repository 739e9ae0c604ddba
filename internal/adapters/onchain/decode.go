package onchain

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/perpkeeper/internal/domain"
)

// unitDecimals is the fixed-point precision of every market amount.
const unitDecimals = 18

// eventTopic returns the topic0 hash of a market event.
func eventTopic(kind domain.EventKind) (common.Hash, error) {
	ev, ok := marketABI.Events[string(kind)]
	if !ok {
		return common.Hash{}, fmt.Errorf("unknown event %q", kind)
	}
	return ev.ID, nil
}

// errUndecodable marks a log of the right event whose arguments could not be
// unpacked. decodeLog still returns the event, positioned but without payload.
var errUndecodable = errors.New("undecodable log")

// decodeLog turns a raw market log into a typed event.
func decodeLog(kind domain.EventKind, lg types.Log) (domain.Event, error) {
	ev, ok := marketABI.Events[string(kind)]
	if !ok {
		return domain.Event{}, fmt.Errorf("unknown event %q", kind)
	}
	if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
		return domain.Event{}, fmt.Errorf("log %s/%d is not a %s", lg.TxHash.Hex(), lg.Index, kind)
	}

	e := domain.Event{
		Kind:        kind,
		BlockNumber: lg.BlockNumber,
		TxIndex:     lg.TxIndex,
		LogIndex:    lg.Index,
		TxHash:      lg.TxHash.Hex(),
	}

	values := make(map[string]any)
	if err := marketABI.UnpackIntoMap(values, ev.Name, lg.Data); err != nil {
		return e, fmt.Errorf("%w: %s data: %v", errUndecodable, kind, err)
	}
	var indexed abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopicsIntoMap(values, indexed, lg.Topics[1:]); err != nil {
		return e, fmt.Errorf("%w: %s topics: %v", errUndecodable, kind, err)
	}

	a := args(values)

	switch kind {
	case domain.EventPositionModified:
		e.PositionModified = &domain.PositionModified{
			ID:        a.u64("id"),
			Account:   a.address("account"),
			Margin:    a.amount("margin"),
			Size:      a.amount("size"),
			TradeSize: a.amount("tradeSize"),
			LastPrice: a.amount("lastPrice"),
			Fee:       a.amount("fee"),
		}
	case domain.EventPositionLiquidated:
		e.PositionLiquidated = &domain.PositionLiquidated{
			ID:         a.u64("id"),
			Account:    a.address("account"),
			Liquidator: a.address("liquidator"),
			Size:       a.amount("size"),
			Price:      a.amount("price"),
		}
	case domain.EventPositionFlagged:
		e.PositionFlagged = &domain.PositionFlagged{
			ID:        a.u64("id"),
			Account:   a.address("account"),
			Flagger:   a.address("flagger"),
			Price:     a.amount("price"),
			Timestamp: a.u64("timestamp"),
		}
	case domain.EventOrderSubmitted:
		e.OrderSubmitted = &domain.OrderSubmitted{
			Account:          a.address("account"),
			IsOffchain:       a.flag("isOffchain"),
			SizeDelta:        a.amount("sizeDelta"),
			TargetRoundID:    a.u64("targetRoundId"),
			IntentionTime:    a.u64("intentionTime"),
			ExecutableAtTime: a.u64("executableAtTime"),
		}
	case domain.EventOrderRemoved:
		e.OrderRemoved = &domain.OrderRemoved{
			Account:        a.address("account"),
			IsOffchain:     a.flag("isOffchain"),
			CurrentRoundID: a.u64("currentRoundId"),
			SizeDelta:      a.amount("sizeDelta"),
		}
	case domain.EventFundingRecomputed:
		e.FundingRecomputed = &domain.FundingRecomputed{
			Funding:     a.amount("funding"),
			FundingRate: a.amount("fundingRate"),
			Index:       a.u64("index"),
			Timestamp:   a.u64("timestamp"),
		}
	}
	return e, nil
}

// args reads decoded ABI values, yielding zero values for missing keys.
type args map[string]any

func (a args) bigInt(name string) *big.Int {
	if v, ok := a[name].(*big.Int); ok && v != nil {
		return v
	}
	return new(big.Int)
}

func (a args) u64(name string) uint64 {
	v := a.bigInt(name)
	if !v.IsUint64() {
		return 0
	}
	return v.Uint64()
}

func (a args) amount(name string) float64 {
	return fromUnits(a.bigInt(name))
}

func (a args) address(name string) string {
	if v, ok := a[name].(common.Address); ok {
		return v.Hex()
	}
	return ""
}

func (a args) flag(name string) bool {
	v, _ := a[name].(bool)
	return v
}

// fromUnits converts an 18-decimal fixed-point integer to a float.
func fromUnits(v *big.Int) float64 {
	if v == nil {
		return 0
	}
	return decimal.NewFromBigInt(v, -unitDecimals).InexactFloat64()
}
