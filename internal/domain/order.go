package domain

// OrderClass distinguishes delayed orders priced on-chain from those priced
// with an off-chain signed update.
type OrderClass string

const (
	OrderClassOnchain  OrderClass = "onchain"
	OrderClassOffchain OrderClass = "offchain"
)

// ClassOf returns the order class for the isOffchain event flag.
func ClassOf(isOffchain bool) OrderClass {
	if isOffchain {
		return OrderClassOffchain
	}
	return OrderClassOnchain
}

// DelayedOrder is a submitted order waiting for its execution window.
type DelayedOrder struct {
	Account           string
	Class             OrderClass
	SizeDelta         float64
	TargetRoundID     uint64
	ExecutableAtTime  uint64
	IntentionTime     uint64
	ExecutionFailures int
}

// Age returns the order age in seconds at the given timestamp.
func (o DelayedOrder) Age(now uint64) uint64 {
	if now <= o.IntentionTime {
		return 0
	}
	return now - o.IntentionTime
}
