package cache

import (
	"context"
	"time"

	"pharmadesk/backend/internal/domain"
)

const (
	CatalogKey   = "pharmadesk:catalog:v1"
	DirectoryKey = "pharmadesk:counterparties:v1"
)

// SnapshotCache holds whole catalog and counterparty listings between loads.
type SnapshotCache interface {
	GetCatalog(ctx context.Context) ([]domain.CatalogItem, bool, error)
	SetCatalog(ctx context.Context, items []domain.CatalogItem, ttl time.Duration) error
	GetDirectory(ctx context.Context) ([]domain.Counterparty, bool, error)
	SetDirectory(ctx context.Context, entries []domain.Counterparty, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopSnapshotCache struct{}

func (NoopSnapshotCache) GetCatalog(_ context.Context) ([]domain.CatalogItem, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) SetCatalog(_ context.Context, _ []domain.CatalogItem, _ time.Duration) error {
	return nil
}

func (NoopSnapshotCache) GetDirectory(_ context.Context) ([]domain.Counterparty, bool, error) {
	return nil, false, nil
}

func (NoopSnapshotCache) SetDirectory(_ context.Context, _ []domain.Counterparty, _ time.Duration) error {
	return nil
}

func (NoopSnapshotCache) Invalidate(_ context.Context) error {
	return nil
}
