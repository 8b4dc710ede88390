package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/agrozold/pumpfun-bonkfun-bot-sub001/internal/domain"
)

// PriceReader returns the current price of an instrument and how old it is.
type PriceReader interface {
	GetPrice(ctx context.Context, mint string) (price float64, age time.Duration, err error)
}

// PriceService reads prices written to the price cache by external feeds and
// treats reads older than maxAge as absent.
type PriceService struct {
	priceCache domain.PriceCache
	bus        domain.SignalBus
	maxAge     time.Duration
	logger     *slog.Logger
	now        func() time.Time
}

// NewPriceService creates a PriceService. bus may be nil. A zero maxAge
// accepts prices of any age.
func NewPriceService(priceCache domain.PriceCache, bus domain.SignalBus, maxAge time.Duration, logger *slog.Logger) *PriceService {
	return &PriceService{
		priceCache: priceCache,
		bus:        bus,
		maxAge:     maxAge,
		logger:     logger.With(slog.String("component", "price_service")),
		now:        time.Now,
	}
}

// GetPrice returns the latest cached price for mint and its age. A price
// older than the configured maximum age returns domain.ErrStalePrice.
func (s *PriceService) GetPrice(ctx context.Context, mint string) (float64, time.Duration, error) {
	price, ts, err := s.priceCache.GetPrice(ctx, mint)
	if err != nil {
		return 0, 0, fmt.Errorf("price_service: get price for %q: %w", mint, err)
	}
	age := s.now().Sub(ts)
	if age < 0 {
		age = 0
	}
	if s.maxAge > 0 && age > s.maxAge {
		return price, age, fmt.Errorf("price_service: %q is %s old: %w", mint, age.Truncate(time.Millisecond), domain.ErrStalePrice)
	}
	if price <= 0 {
		return 0, age, fmt.Errorf("price_service: %q has non-positive price: %w", mint, domain.ErrNotFound)
	}
	return price, age, nil
}

// LastKnownPrice returns the latest cached price regardless of its age.
func (s *PriceService) LastKnownPrice(ctx context.Context, mint string) (float64, error) {
	price, _, err := s.priceCache.GetPrice(ctx, mint)
	if err != nil {
		return 0, fmt.Errorf("price_service: get price for %q: %w", mint, err)
	}
	return price, nil
}

// GetPrices returns the latest cached prices for multiple instruments.
// Missing instruments are omitted from the returned map.
func (s *PriceService) GetPrices(ctx context.Context, mints []string) (map[string]float64, error) {
	prices, err := s.priceCache.GetPrices(ctx, mints)
	if err != nil {
		return nil, fmt.Errorf("price_service: get prices: %w", err)
	}
	return prices, nil
}

// RecordPrice stores a price observation and publishes it on the "prices"
// channel.
func (s *PriceService) RecordPrice(ctx context.Context, mint string, price float64, ts time.Time) error {
	if price <= 0 {
		return fmt.Errorf("price_service: record %q: non-positive price %v", mint, price)
	}
	if ts.IsZero() {
		ts = s.now()
	}
	if err := s.priceCache.SetPrice(ctx, mint, price, ts); err != nil {
		return fmt.Errorf("price_service: set price for %q: %w", mint, err)
	}

	if s.bus == nil {
		return nil
	}
	evt, _ := json.Marshal(map[string]any{
		"event":     "price",
		"mint":      mint,
		"price":     price,
		"timestamp": ts.UTC().Format(time.RFC3339Nano),
	})
	if pubErr := s.bus.Publish(ctx, "prices", evt); pubErr != nil {
		s.logger.WarnContext(ctx, "price_service: publish price event failed",
			slog.String("mint", mint),
			slog.String("error", pubErr.Error()),
		)
	}
	return nil
}

// isPriceUnavailable reports whether err means there is no usable price, as
// opposed to a store failure.
func isPriceUnavailable(err error) bool {
	return errors.Is(err, domain.ErrStalePrice) || errors.Is(err, domain.ErrNotFound)
}
