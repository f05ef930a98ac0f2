package store

import (
	"context"
	"errors"
	"time"

	"pharmadesk/backend/internal/domain"
)

var (
	ErrNotFound        = errors.New("not found")
	ErrInvalidRecord   = domain.ErrInvalidRecord
	ErrVersionConflict = errors.New("version conflict")
	ErrAlreadyExists   = errors.New("already exists")
)

type CatalogStore interface {
	ListCatalogItems(ctx context.Context) ([]domain.CatalogItem, error)
	GetCatalogItems(ctx context.Context, ids []string) (map[string]domain.CatalogItem, error)
	ListCounterparties(ctx context.Context) ([]domain.Counterparty, error)
}

type SaleStore interface {
	// CreateSale writes the sale and its open commit intent together.
	CreateSale(ctx context.Context, sale domain.Sale, intent domain.CommitIntent) (*domain.Sale, error)
	GetSale(ctx context.Context, id string) (*domain.Sale, error)
	// ReplaceSale overwrites the whole record when the stored version still
	// equals expectedVersion, and bumps the version.
	ReplaceSale(ctx context.Context, sale domain.Sale, expectedVersion int) (*domain.Sale, error)
	ListSales(ctx context.Context) ([]domain.Sale, error)
}

type CommitStore interface {
	// ApplyStock sets absolute quantities for every listed item and marks the
	// sale's commit intent complete in one batched write.
	ApplyStock(ctx context.Context, saleID string, quantities map[string]int, at time.Time) error
	FailCommit(ctx context.Context, saleID string, reason string) error
	GetCommit(ctx context.Context, saleID string) (*domain.CommitIntent, error)
	ListOpenCommits(ctx context.Context) ([]domain.CommitIntent, error)
}

type UserStore interface {
	CreateUser(ctx context.Context, user domain.UserAccount) error
	ListUsers(ctx context.Context) ([]domain.UserAccount, error)
	UpdateUserPassword(ctx context.Context, username string, password string) error
}

type Repository interface {
	CatalogStore
	SaleStore
	CommitStore
	UserStore
}
