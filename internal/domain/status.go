package domain

// KeeperStatus is a point-in-time summary of one keeper, used for reporting.
type KeeperStatus struct {
	Market            string
	Keeper            string
	State             string
	Entries           int
	BlockTipTimestamp uint64
	AssetPrice        float64
	LastBlock         uint64
}
