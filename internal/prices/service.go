// Package prices keeps the model_prices table in sync with an upstream
// LiteLLM-format price catalog.
package prices

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/agentdeck/agentdeck/internal/common/config"
	"github.com/agentdeck/agentdeck/internal/common/logger"
	"github.com/agentdeck/agentdeck/internal/store"
)

const fetchTimeout = 30 * time.Second

// Service periodically fetches the price catalog and records new price
// revisions. Rows are append-only: a new revision is written only when a
// model's price tuple differs from the latest stored one, so historical
// cost computations stay reproducible.
type Service struct {
	store      *store.Store
	httpClient *http.Client
	cfg        config.PricesConfig
	logger     *logger.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// NewService creates a price sync service.
func NewService(st *store.Store, cfg config.PricesConfig, log *logger.Logger) *Service {
	return &Service{
		store:      st,
		httpClient: &http.Client{Timeout: fetchTimeout},
		cfg:        cfg,
		logger:     log,
	}
}

// Start begins the background sync loop. An initial sync runs immediately so
// a fresh database has prices before the first cost computation.
// Calling Start more than once without Stop is a no-op.
func (s *Service) Start(ctx context.Context) {
	if s.started {
		return
	}
	s.started = true
	ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.syncLoop(ctx)

	s.logger.Info("Price sync started",
		zap.String("url", s.cfg.URL),
		zap.Duration("interval", s.cfg.RefreshInterval()))
}

// Stop cancels the sync loop and waits for it to finish.
func (s *Service) Stop() {
	if !s.started {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.started = false
	s.logger.Info("Price sync stopped")
}

func (s *Service) syncLoop(ctx context.Context) {
	defer s.wg.Done()

	if err := s.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error("Initial price sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.RefreshInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.Sync(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error("Price sync failed", zap.Error(err))
			}
		}
	}
}

// Sync fetches the catalog once and inserts a revision for every matching
// model whose prices changed since the latest stored revision.
func (s *Service) Sync(ctx context.Context) error {
	catalog, err := fetchCatalog(ctx, s.httpClient, s.cfg.URL)
	if err != nil {
		return err
	}

	today := time.Now().UTC().Format("2006-01-02")
	inserted := 0
	for modelID, entry := range catalog {
		if !strings.HasPrefix(modelID, s.cfg.ModelPrefix) {
			continue
		}
		if entry.InputCostPerToken == 0 && entry.OutputCostPerToken == 0 {
			continue // catalog entry without pricing
		}

		price := toModelPrice(modelID, today, entry)

		latest, err := s.store.LatestModelPrice(ctx, modelID)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("Failed to read latest price",
				zap.String("model_id", modelID), zap.Error(err))
			continue
		}
		if price.SamePrices(latest) {
			continue
		}

		if err := s.store.UpsertModelPrice(ctx, price); err != nil {
			s.logger.Error("Failed to record price revision",
				zap.String("model_id", modelID), zap.Error(err))
			continue
		}
		inserted++
	}

	s.logger.Info("Price catalog synced",
		zap.Int("models", len(catalog)),
		zap.Int("revisions", inserted))
	return nil
}
