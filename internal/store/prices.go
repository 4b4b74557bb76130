package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

const priceColumns = `model_id, effective_date, input_price, output_price,
	cache_read_price, cache_write_5m_price, cache_write_1h_price, created_at`

// UpsertModelPrice inserts a price revision. An existing row for the same
// (model_id, effective_date) is overwritten, so re-running a sync on the same
// day refreshes rather than duplicates.
func (s *Store) UpsertModelPrice(ctx context.Context, price *ModelPrice) error {
	if price.CreatedAt.IsZero() {
		price.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO model_prices (model_id, effective_date, input_price, output_price,
			cache_read_price, cache_write_5m_price, cache_write_1h_price, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (model_id, effective_date) DO UPDATE
		SET input_price = excluded.input_price,
			output_price = excluded.output_price,
			cache_read_price = excluded.cache_read_price,
			cache_write_5m_price = excluded.cache_write_5m_price,
			cache_write_1h_price = excluded.cache_write_1h_price
	`), price.ModelID, price.EffectiveDate,
		price.InputPrice.String(), price.OutputPrice.String(), price.CacheReadPrice.String(),
		price.CacheWrite5mPrice.String(), price.CacheWrite1hPrice.String(), price.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert price for %s: %w", price.ModelID, err)
	}
	return nil
}

// LookupModelPrice returns the revision with the greatest effective_date at
// or before the target date, or ErrNotFound when the model has no revision
// that early.
func (s *Store) LookupModelPrice(ctx context.Context, modelID, date string) (*ModelPrice, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+priceColumns+` FROM model_prices
		WHERE model_id = ? AND effective_date <= ?
		ORDER BY effective_date DESC LIMIT 1
	`), modelID, date)
	return scanModelPrice(row)
}

// LatestModelPrice returns the newest revision for a model regardless of
// date, or ErrNotFound. The price sync compares against this to decide
// whether a fetched tuple is actually new.
func (s *Store) LatestModelPrice(ctx context.Context, modelID string) (*ModelPrice, error) {
	row := s.ro.QueryRowContext(ctx, s.ro.Rebind(`
		SELECT `+priceColumns+` FROM model_prices
		WHERE model_id = ?
		ORDER BY effective_date DESC LIMIT 1
	`), modelID)
	return scanModelPrice(row)
}

// ListModelPrices returns every stored revision, newest first per model.
func (s *Store) ListModelPrices(ctx context.Context) ([]*ModelPrice, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT `+priceColumns+` FROM model_prices ORDER BY model_id, effective_date DESC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*ModelPrice
	for rows.Next() {
		price, err := scanModelPrice(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, price)
	}
	return result, rows.Err()
}

func scanModelPrice(row sessionScanner) (*ModelPrice, error) {
	price := &ModelPrice{}
	var input, output, cacheRead, cache5m, cache1h string
	err := row.Scan(&price.ModelID, &price.EffectiveDate,
		&input, &output, &cacheRead, &cache5m, &cache1h, &price.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	fields := []struct {
		raw  string
		dest *decimal.Decimal
	}{
		{input, &price.InputPrice},
		{output, &price.OutputPrice},
		{cacheRead, &price.CacheReadPrice},
		{cache5m, &price.CacheWrite5mPrice},
		{cache1h, &price.CacheWrite1hPrice},
	}
	for _, f := range fields {
		value, err := decimal.NewFromString(f.raw)
		if err != nil {
			return nil, fmt.Errorf("corrupt price for %s: %w", price.ModelID, err)
		}
		*f.dest = value
	}
	return price, nil
}
