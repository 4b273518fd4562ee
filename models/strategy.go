package models

// Strategy names a caching policy. The set is closed; every strategy maps
// to one TTL class in the orchestrator and nothing else dispatches on it.
type Strategy string

const (
	StrategyStrongTimeliness Strategy = "STRONG_TIMELINESS"
	StrategyWeakTimeliness   Strategy = "WEAK_TIMELINESS"
	StrategyMarketAware      Strategy = "MARKET_AWARE"
	StrategyAdaptive         Strategy = "ADAPTIVE"
	StrategyNoCache          Strategy = "NO_CACHE"
)

// Valid reports whether s is one of the known strategies.
func (s Strategy) Valid() bool {
	switch s {
	case StrategyStrongTimeliness, StrategyWeakTimeliness, StrategyMarketAware, StrategyAdaptive, StrategyNoCache:
		return true
	}
	return false
}

// MarketStatus is the trading-session phase used as a TTL multiplier input.
type MarketStatus string

const (
	MarketPre    MarketStatus = "pre_market"
	MarketOpen   MarketStatus = "market"
	MarketAfter  MarketStatus = "after_market"
	MarketClosed MarketStatus = "closed"
)

// Freshness is the required data recency used as a TTL multiplier input.
type Freshness string

const (
	FreshnessRealTime     Freshness = "real_time"
	FreshnessNearRealTime Freshness = "near_real_time"
	FreshnessDelayed      Freshness = "delayed"
)
