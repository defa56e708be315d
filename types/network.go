package types

import "time"

// Network identifies the settlement chain. Only Base is wired today; the
// type exists so config stays honest about what it is naming.
type Network string

const (
	NetworkBase        Network = "base"
	NetworkBaseSepolia Network = "base-sepolia" // testnet
)

func (n Network) String() string {
	return string(n)
}

func (n Network) IsTestnet() bool {
	return n == NetworkBaseSepolia
}

// Base mainnet settlement constants.
const (
	BaseChainID      int64 = 8453
	BaseUSDCContract       = "0x833589fcd6edb6e08f4c7c32d4f71b54bda02913"
	BaseExplorerURL        = "https://basescan.org"

	// USDCDecimals is the atomic-unit precision of the settlement asset.
	USDCDecimals int32 = 6
)

// Settlement polling defaults: 20 attempts at a fixed 2s interval. The
// 0.5 Hz rate stays far below node rate limits for a single receipt lookup.
const (
	DefaultPollAttempts = 20
	DefaultPollInterval = 2 * time.Second
)
