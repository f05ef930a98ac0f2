package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"pharmadesk/backend/internal/cache"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

// Loader builds catalog and counterparty snapshots from the store, going
// through the snapshot cache first.
type Loader struct {
	src       store.CatalogStore
	snapshots cache.SnapshotCache
	ttl       time.Duration
	shelf     domain.ShelfLifePolicy
	logger    *slog.Logger
}

func NewLoader(src store.CatalogStore, snapshots cache.SnapshotCache, ttl time.Duration, shelf domain.ShelfLifePolicy, logger *slog.Logger) *Loader {
	if snapshots == nil {
		snapshots = cache.NoopSnapshotCache{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		src:       src,
		snapshots: snapshots,
		ttl:       ttl,
		shelf:     shelf,
		logger:    logger.With("component", "catalog"),
	}
}

func (l *Loader) Shelf() domain.ShelfLifePolicy {
	return l.shelf
}

func (l *Loader) LoadCatalog(ctx context.Context) (*Catalog, error) {
	items, err := l.catalogItems(ctx, false)
	if err != nil {
		return nil, err
	}
	return newCatalog(l, items), nil
}

func (l *Loader) LoadDirectory(ctx context.Context) (*Directory, error) {
	entries, err := l.counterparties(ctx, false)
	if err != nil {
		return nil, err
	}
	return newDirectory(l, entries), nil
}

// Invalidate drops the cached catalog listing so the next load reads the store.
func (l *Loader) Invalidate(ctx context.Context) {
	if err := l.snapshots.Invalidate(ctx); err != nil {
		l.logger.Warn("catalog cache invalidation failed", "error", err)
	}
}

func (l *Loader) catalogItems(ctx context.Context, fresh bool) ([]domain.CatalogItem, error) {
	if !fresh {
		cached, ok, err := l.snapshots.GetCatalog(ctx)
		if err != nil {
			l.logger.Warn("catalog cache read failed", "error", err)
		}
		if ok {
			return l.validItems(cached), nil
		}
	}

	items, err := l.src.ListCatalogItems(ctx)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	items = l.validItems(items)
	if err := l.snapshots.SetCatalog(ctx, items, l.ttl); err != nil {
		l.logger.Warn("catalog cache write failed", "error", err)
	}
	return items, nil
}

func (l *Loader) counterparties(ctx context.Context, fresh bool) ([]domain.Counterparty, error) {
	if !fresh {
		cached, ok, err := l.snapshots.GetDirectory(ctx)
		if err != nil {
			l.logger.Warn("counterparty cache read failed", "error", err)
		}
		if ok {
			return cached, nil
		}
	}

	entries, err := l.src.ListCounterparties(ctx)
	if err != nil {
		return nil, fmt.Errorf("load counterparties: %w", err)
	}
	if err := l.snapshots.SetDirectory(ctx, entries, l.ttl); err != nil {
		l.logger.Warn("counterparty cache write failed", "error", err)
	}
	return entries, nil
}

func (l *Loader) validItems(items []domain.CatalogItem) []domain.CatalogItem {
	valid := make([]domain.CatalogItem, 0, len(items))
	for _, item := range items {
		if err := item.Validate(); err != nil {
			l.logger.Warn("skipping malformed catalog item", "id", item.ID, "error", err)
			continue
		}
		valid = append(valid, item)
	}
	return valid
}
