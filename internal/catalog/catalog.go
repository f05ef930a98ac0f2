package catalog

import (
	"context"
	"math"
	"slices"
	"strings"
	"sync"
	"time"

	"pharmadesk/backend/internal/domain"
)

const (
	DefaultSearchLimit = 20
	LowStockThreshold  = 10
)

// Catalog is a point-in-time snapshot of the medicine inventory. It is
// refreshed only on demand and patched locally after a committed sale.
type Catalog struct {
	mu       sync.RWMutex
	loader   *Loader
	items    map[string]domain.CatalogItem
	order    []string
	loadedAt time.Time
}

func newCatalog(loader *Loader, items []domain.CatalogItem) *Catalog {
	c := &Catalog{loader: loader}
	c.replace(items)
	return c
}

// NewStatic builds a snapshot that is not backed by a loader.
func NewStatic(items []domain.CatalogItem) *Catalog {
	return newCatalog(nil, items)
}

func (c *Catalog) replace(items []domain.CatalogItem) {
	byID := make(map[string]domain.CatalogItem, len(items))
	order := make([]string, 0, len(items))
	for _, item := range items {
		if _, dup := byID[item.ID]; !dup {
			order = append(order, item.ID)
		}
		byID[item.ID] = item
	}
	slices.Sort(order)

	c.mu.Lock()
	c.items = byID
	c.order = order
	c.loadedAt = time.Now().UTC()
	c.mu.Unlock()
}

func (c *Catalog) Get(id string) (domain.CatalogItem, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	item, ok := c.items[id]
	return item, ok
}

func (c *Catalog) Items() []domain.CatalogItem {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.CatalogItem, 0, len(c.order))
	for _, id := range c.order {
		out = append(out, c.items[id])
	}
	return out
}

func (c *Catalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

func (c *Catalog) LoadedAt() time.Time {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loadedAt
}

// Search matches names case-insensitively, keeping only in-stock batches that
// are still sellable under the shelf-life policy.
func (c *Catalog) Search(query string, shelf domain.ShelfLifePolicy, limit int) []domain.CatalogItem {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []domain.CatalogItem{}
	}
	if limit <= 0 || limit > DefaultSearchLimit {
		limit = DefaultSearchLimit
	}

	matches := make([]domain.CatalogItem, 0, limit)
	for _, item := range c.Items() {
		if !strings.Contains(strings.ToLower(item.Name), q) || item.Quantity <= 0 {
			continue
		}
		if !shelf.Sellable(item.Expiry) {
			continue
		}
		matches = append(matches, item)
		if len(matches) == limit {
			break
		}
	}
	return matches
}

// ApplyQuantities overwrites cached quantities with the values just written.
func (c *Catalog) ApplyQuantities(quantities map[string]int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, qty := range quantities {
		item, ok := c.items[id]
		if !ok {
			continue
		}
		item.Quantity = qty
		c.items[id] = item
	}
}

// Refresh reloads the snapshot from the store, bypassing the snapshot cache.
func (c *Catalog) Refresh(ctx context.Context) error {
	if c.loader == nil {
		return nil
	}
	items, err := c.loader.catalogItems(ctx, true)
	if err != nil {
		return err
	}
	c.replace(items)
	return nil
}

// Alerts classifies the snapshot for the stock dashboard. nearDays is the
// inclusive whole-day window for the near-expiry list.
func (c *Catalog) Alerts(now time.Time, nearDays int) domain.StockAlerts {
	alerts := domain.StockAlerts{
		Expired:    []domain.CatalogItem{},
		NearExpiry: []domain.CatalogItem{},
		LowStock:   []domain.CatalogItem{},
		Finished:   []domain.CatalogItem{},
	}
	for _, item := range c.Items() {
		if item.Expiry.Before(now) {
			alerts.Expired = append(alerts.Expired, item)
		}
		days := math.Floor(item.Expiry.Sub(now).Hours() / 24)
		if days >= 0 && days <= float64(nearDays) {
			alerts.NearExpiry = append(alerts.NearExpiry, item)
		}
		if item.Quantity > 0 && item.Quantity < LowStockThreshold {
			alerts.LowStock = append(alerts.LowStock, item)
		}
		if item.Quantity == 0 {
			alerts.Finished = append(alerts.Finished, item)
		}
	}
	return alerts
}
