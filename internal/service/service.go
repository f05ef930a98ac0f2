package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/catalog"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

var (
	ErrSessionNotFound = errors.New("billing session not found")
	ErrForbidden       = errors.New("forbidden")
)

type actorContextKey struct{}

func WithActor(ctx context.Context, actor domain.Actor) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

func ActorFromContext(ctx context.Context) (domain.Actor, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(domain.Actor)
	return actor, ok
}

type Options struct {
	// RetryDelay is the pause before the single re-fetch when a sale opened
	// for payment is not visible yet.
	RetryDelay     time.Duration
	NearExpiryDays int
	// SessionIdle is how long an untouched billing session survives.
	SessionIdle time.Duration
	// MaxSessionsPerUser caps open billing sessions per operator.
	MaxSessionsPerUser int
	Logger             *slog.Logger
	Now                func() time.Time
}

const (
	DefaultSessionIdle        = 30 * time.Minute
	DefaultMaxSessionsPerUser = 5
)

type Service struct {
	repo           store.Repository
	loader         *catalog.Loader
	sessions       *sessionRegistry
	retryDelay     time.Duration
	nearExpiryDays int
	sessionIdle    time.Duration
	maxSessions    int
	logger         *slog.Logger
	now            func() time.Time
}

func New(repo store.Repository, loader *catalog.Loader, opts Options) *Service {
	if opts.RetryDelay < 0 {
		opts.RetryDelay = 0
	}
	if opts.NearExpiryDays <= 0 {
		opts.NearExpiryDays = domain.DefaultMinShelfDays
	}
	if opts.SessionIdle <= 0 {
		opts.SessionIdle = DefaultSessionIdle
	}
	if opts.MaxSessionsPerUser <= 0 {
		opts.MaxSessionsPerUser = DefaultMaxSessionsPerUser
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	return &Service{
		repo:           repo,
		loader:         loader,
		sessions:       newSessionRegistry(),
		retryDelay:     opts.RetryDelay,
		nearExpiryDays: opts.NearExpiryDays,
		sessionIdle:    opts.SessionIdle,
		maxSessions:    opts.MaxSessionsPerUser,
		logger:         opts.Logger.With("component", "service"),
		now:            opts.Now,
	}
}

// SearchCatalog runs the sellable-medicine search against a fresh catalog load.
func (s *Service) SearchCatalog(ctx context.Context, query string, limit int) ([]domain.CatalogItem, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	cat, err := s.loader.LoadCatalog(ctx)
	if err != nil {
		return nil, err
	}
	return cat.Search(query, s.loader.Shelf(), limit), nil
}

func (s *Service) StockAlerts(ctx context.Context) (domain.StockAlerts, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.StockAlerts{}, err
	}
	cat, err := s.loader.LoadCatalog(ctx)
	if err != nil {
		return domain.StockAlerts{}, err
	}
	return cat.Alerts(s.now().UTC(), s.nearExpiryDays), nil
}

func (s *Service) SearchCounterparties(ctx context.Context, query string, limit int) ([]domain.Counterparty, error) {
	if _, err := requireActor(ctx); err != nil {
		return nil, err
	}
	dir, err := s.loader.LoadDirectory(ctx)
	if err != nil {
		return nil, err
	}
	return dir.Search(query, limit), nil
}

// InvalidateCatalog drops the shared catalog snapshot so the next session
// load reads the store.
func (s *Service) InvalidateCatalog(ctx context.Context) error {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return err
	}
	s.loader.Invalidate(ctx)
	s.logger.Info("catalog snapshot invalidated", "user", actor.Username)
	return nil
}

func (s *Service) GetSale(ctx context.Context, saleID string) (domain.Sale, error) {
	if _, err := requireActor(ctx); err != nil {
		return domain.Sale{}, err
	}
	sale, err := s.repo.GetSale(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.Sale{}, billing.ErrSaleNotFound
	}
	if err != nil {
		return domain.Sale{}, err
	}
	return *sale, nil
}

func requireActor(ctx context.Context) (domain.Actor, error) {
	actor, ok := ActorFromContext(ctx)
	if !ok || actor.Username == "" {
		return domain.Actor{}, fmt.Errorf("%w: authenticated user required", ErrForbidden)
	}
	return actor, nil
}

func requireAdmin(ctx context.Context) (domain.Actor, error) {
	actor, err := requireActor(ctx)
	if err != nil {
		return actor, err
	}
	if actor.Role != domain.RoleAdmin {
		return actor, fmt.Errorf("%w: admin role required", ErrForbidden)
	}
	return actor, nil
}

// sleep waits for d or until ctx is done.
func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
