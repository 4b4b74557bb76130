package compute

import (
	"context"
	"regexp"

	"github.com/shopspring/decimal"

	"github.com/agentdeck/agentdeck/internal/store"
)

// PriceSource resolves the model price in effect on a calendar date.
// The price sync keeps the underlying table current; compute only reads.
type PriceSource interface {
	LookupModelPrice(ctx context.Context, modelID, date string) (*store.ModelPrice, error)
}

// Journal model strings carry a snapshot date, e.g. claude-opus-4-5-20251101.
// The price catalog keys on the undated id.
var modelDateSuffix = regexp.MustCompile(`-\d{8}$`)

// ModelID derives the price-catalog model id from a journal model string.
func ModelID(model string) string {
	return modelDateSuffix.ReplaceAllString(model, "")
}

// contextUsage is the full token footprint of one assistant line.
func contextUsage(usage *rawUsage) int64 {
	return usage.InputTokens + usage.OutputTokens +
		usage.CacheReadInputTokens + usage.CacheCreationInputTokens
}

// usageTotals splits a usage object into the five billable buckets. The
// ephemeral breakdown wins when it carries tokens; otherwise the whole
// cache_creation count is billed at the 5-minute rate.
type usageTotals struct {
	input        int64
	output       int64
	cacheRead    int64
	cacheWrite5m int64
	cacheWrite1h int64
}

func splitUsage(usage *rawUsage) usageTotals {
	totals := usageTotals{
		input:     usage.InputTokens,
		output:    usage.OutputTokens,
		cacheRead: usage.CacheReadInputTokens,
	}
	if cc := usage.CacheCreation; cc != nil && cc.Ephemeral5m+cc.Ephemeral1h > 0 {
		totals.cacheWrite5m = cc.Ephemeral5m
		totals.cacheWrite1h = cc.Ephemeral1h
	} else {
		totals.cacheWrite5m = usage.CacheCreationInputTokens
	}
	return totals
}

// costForUsage prices a usage object against a price row. Prices are per
// million tokens; the shift keeps the division exact.
func costForUsage(usage *rawUsage, price *store.ModelPrice) decimal.Decimal {
	totals := splitUsage(usage)
	sum := price.InputPrice.Mul(decimal.NewFromInt(totals.input)).
		Add(price.OutputPrice.Mul(decimal.NewFromInt(totals.output))).
		Add(price.CacheReadPrice.Mul(decimal.NewFromInt(totals.cacheRead))).
		Add(price.CacheWrite5mPrice.Mul(decimal.NewFromInt(totals.cacheWrite5m))).
		Add(price.CacheWrite1hPrice.Mul(decimal.NewFromInt(totals.cacheWrite1h)))
	return sum.Shift(-6)
}
