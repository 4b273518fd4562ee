// Package capability resolves provider capability identifiers to the rule
// type the external transformer understands. Resolution is total: every
// input maps to some rule type.
package capability

import "strings"

// Rule types understood by the transformer.
const (
	RuleQuoteFields          = "quote_fields"
	RuleOptionFields         = "option_fields"
	RuleFuturesFields        = "futures_fields"
	RuleForexFields          = "forex_fields"
	RuleCryptoFields         = "crypto_fields"
	RuleMarketDataFields     = "market_data_fields"
	RuleTradingDataFields    = "trading_data_fields"
	RuleBasicInfoFields      = "basic_info_fields"
	RuleCompanyInfoFields    = "company_info_fields"
	RuleHistoricalDataFields = "historical_data_fields"
	RuleNewsFields           = "news_fields"
	RuleAnnouncementFields   = "announcement_fields"
	RuleMarketInfoFields     = "market_info_fields"
)

// exactMappings resolves well-known capability names in one lookup. Exact
// matches always win over pattern matches, even when the capability string
// also contains a pattern keyword.
var exactMappings = map[string]string{
	"stream-quote":        RuleQuoteFields,
	"ws-quote":            RuleQuoteFields,
	"get-stock-quote":     RuleQuoteFields,
	"get-quote":           RuleQuoteFields,
	"stream-option":       RuleOptionFields,
	"ws-option":           RuleOptionFields,
	"get-option-chain":    RuleOptionFields,
	"stream-futures":      RuleFuturesFields,
	"ws-futures":          RuleFuturesFields,
	"get-futures-quote":   RuleFuturesFields,
	"stream-forex":        RuleForexFields,
	"ws-forex":            RuleForexFields,
	"get-forex-rate":      RuleForexFields,
	"stream-crypto":       RuleCryptoFields,
	"ws-crypto":           RuleCryptoFields,
	"get-crypto-quote":    RuleCryptoFields,
	"get-market-data":     RuleMarketDataFields,
	"stream-market-data":  RuleMarketDataFields,
	"get-trading-data":    RuleTradingDataFields,
	"stream-trading-data": RuleTradingDataFields,
	"get-basic-info":      RuleBasicInfoFields,
	"get-company-info":    RuleCompanyInfoFields,
	"get-company-profile": RuleCompanyInfoFields,
	"get-historical-data": RuleHistoricalDataFields,
	"get-kline":           RuleHistoricalDataFields,
	"get-news":            RuleNewsFields,
	"stream-news":         RuleNewsFields,
	"get-announcement":    RuleAnnouncementFields,
	"get-market-info":     RuleMarketInfoFields,
	"get-market-status":   RuleMarketInfoFields,
}

// patternMapping is one substring rule. Order matters: the first pattern
// found in the capability string decides.
type patternMapping struct {
	pattern  string
	ruleType string
}

var patternMappings = []patternMapping{
	{"option", RuleOptionFields},
	{"futures", RuleFuturesFields},
	{"forex", RuleForexFields},
	{"crypto", RuleCryptoFields},
	{"company", RuleCompanyInfoFields},
	{"basic-info", RuleBasicInfoFields},
	{"historical", RuleHistoricalDataFields},
	{"kline", RuleHistoricalDataFields},
	{"announcement", RuleAnnouncementFields},
	{"news", RuleNewsFields},
	{"market-info", RuleMarketInfoFields},
	{"market-status", RuleMarketInfoFields},
	{"trading", RuleTradingDataFields},
	{"market", RuleMarketDataFields},
	{"quote", RuleQuoteFields},
}

// streaming-style keywords that fall back to quote fields when nothing
// more specific matched.
var fallbackKeywords = []string{"stream", "ws", "get", "fetch"}

// MapCapability resolves a capability identifier to a transformer rule
// type. Matching is case-insensitive: exact table first, then substring
// patterns in precedence order, then a keyword fallback, and finally
// quote_fields as the absolute default.
func MapCapability(capability string) string {
	normalized := strings.ToLower(strings.TrimSpace(capability))

	if ruleType, ok := exactMappings[normalized]; ok {
		return ruleType
	}

	for _, m := range patternMappings {
		if strings.Contains(normalized, m.pattern) {
			return m.ruleType
		}
	}

	for _, kw := range fallbackKeywords {
		if strings.Contains(normalized, kw) {
			return RuleQuoteFields
		}
	}

	return RuleQuoteFields
}
