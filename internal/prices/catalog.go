package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/shopspring/decimal"

	"github.com/agentdeck/agentdeck/internal/store"
)

// catalogEntry is one model's pricing in the LiteLLM catalog format. All
// costs are USD per token; fields missing for a model decode as zero.
type catalogEntry struct {
	InputCostPerToken           float64 `json:"input_cost_per_token"`
	OutputCostPerToken          float64 `json:"output_cost_per_token"`
	CacheReadInputTokenCost     float64 `json:"cache_read_input_token_cost"`
	CacheCreationInputTokenCost float64 `json:"cache_creation_input_token_cost"`
	CacheCreationAbove1hCost    float64 `json:"cache_creation_input_token_cost_above_1hr"`
	LiteLLMProvider             string  `json:"litellm_provider"`
}

const maxCatalogBytes = 32 << 20 // 32MB; the upstream catalog is ~3MB

// fetchCatalog downloads and decodes the price catalog.
func fetchCatalog(ctx context.Context, client *http.Client, url string) (map[string]catalogEntry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("catalog returned %d: %s", resp.StatusCode, string(body))
	}

	var catalog map[string]catalogEntry
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxCatalogBytes)).Decode(&catalog); err != nil {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}
	return catalog, nil
}

// perMillion converts a per-token USD cost to a per-million-tokens decimal.
func perMillion(costPerToken float64) decimal.Decimal {
	return decimal.NewFromFloat(costPerToken).Shift(6)
}

// toModelPrice converts a catalog entry into a price row effective on the
// given date. The >1h cache-write tier falls back to the 5m tier when the
// catalog omits it.
func toModelPrice(modelID, effectiveDate string, entry catalogEntry) *store.ModelPrice {
	write1h := entry.CacheCreationAbove1hCost
	if write1h == 0 {
		write1h = entry.CacheCreationInputTokenCost
	}
	return &store.ModelPrice{
		ModelID:           modelID,
		EffectiveDate:     effectiveDate,
		InputPrice:        perMillion(entry.InputCostPerToken),
		OutputPrice:       perMillion(entry.OutputCostPerToken),
		CacheReadPrice:    perMillion(entry.CacheReadInputTokenCost),
		CacheWrite5mPrice: perMillion(entry.CacheCreationInputTokenCost),
		CacheWrite1hPrice: perMillion(write1h),
	}
}
