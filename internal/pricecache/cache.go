// Package pricecache memoizes price breakdown and supplier price lookups for
// the lifetime of the process, sharing in-flight requests between callers.
package pricecache

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/buildquote/quotecore/internal/model"
	"github.com/buildquote/quotecore/pkg/buildquote"
)

const (
	defaultUnit         = "m2"
	defaultRegion       = "estonia"
	defaultFetchTimeout = 20 * time.Second
)

// ErrInvalidQuantity is returned for a NaN or infinite quantity. Such a key
// never equals itself, so it is neither fetched nor cached.
var ErrInvalidQuantity = eris.New("pricecache: quantity must be finite")

// BreakdownKey identifies a price breakdown lookup. Keys compare by value.
type BreakdownKey struct {
	Category model.Category
	Quantity float64
	Unit     string
}

// SupplierKey identifies a supplier price lookup.
type SupplierKey struct {
	Material string
	Region   string
}

// Stats counts lookups since the cache was created.
type Stats struct {
	Requests int64
	Fetches  int64
	Failures int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithFetchTimeout bounds each shared lookup.
func WithFetchTimeout(d time.Duration) Option {
	return func(c *Cache) {
		c.fetchTimeout = d
	}
}

// WithDefaults sets the unit and region used when a caller passes "".
func WithDefaults(unit, region string) Option {
	return func(c *Cache) {
		if unit != "" {
			c.unit = unit
		}
		if region != "" {
			c.region = region
		}
	}
}

// Cache fronts a buildquote.PricingService. It has no TTL.
type Cache struct {
	client       buildquote.PricingService
	fetchTimeout time.Duration
	unit         string
	region       string

	breakdowns group[BreakdownKey, model.PriceBreakdown]
	suppliers  group[SupplierKey, []model.SupplierPrice]

	requests atomic.Int64
	fetches  atomic.Int64
	failures atomic.Int64
}

// New creates a Cache.
func New(client buildquote.PricingService, opts ...Option) *Cache {
	c := &Cache{
		client:       client,
		fetchTimeout: defaultFetchTimeout,
		unit:         defaultUnit,
		region:       defaultRegion,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Lookup returns the breakdown for (category, quantity, unit) or the error
// from the shared fetch.
func (c *Cache) Lookup(ctx context.Context, category model.Category, quantity float64, unit string) (model.PriceBreakdown, error) {
	if math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return model.PriceBreakdown{}, eris.Wrapf(ErrInvalidQuantity, "got %v", quantity)
	}
	if unit == "" {
		unit = c.unit
	}
	key := BreakdownKey{Category: category, Quantity: quantity, Unit: unit}
	c.requests.Add(1)

	b, _, err := c.breakdowns.do(ctx, key, c.fetchTimeout, func(ctx context.Context) (model.PriceBreakdown, error) {
		c.fetches.Add(1)
		b, err := c.client.GetPriceBreakdown(ctx, key.Category, key.Quantity, key.Unit)
		if err != nil {
			c.failures.Add(1)
			zap.L().Warn("pricecache: breakdown lookup failed, evicting",
				zap.String("category", string(key.Category)),
				zap.Float64("quantity", key.Quantity),
				zap.String("unit", key.Unit),
				zap.Error(err),
			)
			return model.PriceBreakdown{}, err
		}
		return *b, nil
	})
	if err != nil {
		return model.PriceBreakdown{}, err
	}
	return cloneBreakdown(b), nil
}

// Get is Lookup for display code: failures yield model.DefaultPriceBreakdown.
func (c *Cache) Get(ctx context.Context, category model.Category, quantity float64, unit string) model.PriceBreakdown {
	b, err := c.Lookup(ctx, category, quantity, unit)
	if err != nil {
		return model.DefaultPriceBreakdown()
	}
	return b
}

// LookupSupplierPrices returns supplier prices for material in region.
func (c *Cache) LookupSupplierPrices(ctx context.Context, material, region string) ([]model.SupplierPrice, error) {
	if region == "" {
		region = c.region
	}
	key := SupplierKey{Material: material, Region: region}
	c.requests.Add(1)

	prices, _, err := c.suppliers.do(ctx, key, c.fetchTimeout, func(ctx context.Context) ([]model.SupplierPrice, error) {
		c.fetches.Add(1)
		prices, err := c.client.GetSupplierPrices(ctx, key.Material, key.Region)
		if err != nil {
			c.failures.Add(1)
			zap.L().Warn("pricecache: supplier lookup failed, evicting",
				zap.String("material", key.Material),
				zap.String("region", key.Region),
				zap.Error(err),
			)
			return nil, err
		}
		return prices, nil
	})
	if err != nil {
		return nil, err
	}
	return append([]model.SupplierPrice{}, prices...), nil
}

// SupplierPrices is LookupSupplierPrices that yields an empty list on failure.
func (c *Cache) SupplierPrices(ctx context.Context, material, region string) []model.SupplierPrice {
	prices, err := c.LookupSupplierPrices(ctx, material, region)
	if err != nil {
		return []model.SupplierPrice{}
	}
	return prices
}

// Clear drops every cached and in-flight entry.
func (c *Cache) Clear() {
	c.breakdowns.forget()
	c.suppliers.forget()
}

// Len returns the number of cached or in-flight entries.
func (c *Cache) Len() int {
	return c.breakdowns.len() + c.suppliers.len()
}

// Stats returns lookup counters.
func (c *Cache) Stats() Stats {
	return Stats{
		Requests: c.requests.Load(),
		Fetches:  c.fetches.Load(),
		Failures: c.failures.Load(),
	}
}

func cloneBreakdown(b model.PriceBreakdown) model.PriceBreakdown {
	b.Materials = append([]model.MaterialLine{}, b.Materials...)
	return b
}
