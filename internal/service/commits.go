package service

import (
	"context"
	"errors"
	"fmt"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/store"
)

// ListOpenCommits reports sales whose stock decrement never landed.
func (s *Service) ListOpenCommits(ctx context.Context) ([]domain.CommitIntent, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	return s.repo.ListOpenCommits(ctx)
}

// RepairCommit re-applies an open commit's decrement against current stock
// and closes it. Quantities are floored at zero; any shortfall is logged.
func (s *Service) RepairCommit(ctx context.Context, saleID string) (domain.CommitIntent, error) {
	actor, err := requireAdmin(ctx)
	if err != nil {
		return domain.CommitIntent{}, err
	}

	intent, err := s.repo.GetCommit(ctx, saleID)
	if errors.Is(err, store.ErrNotFound) {
		return domain.CommitIntent{}, billing.ErrSaleNotFound
	}
	if err != nil {
		return domain.CommitIntent{}, err
	}
	if !intent.Open() {
		return *intent, nil
	}

	ids := make([]string, 0, len(intent.Lines))
	for _, line := range intent.Lines {
		ids = append(ids, line.MedicineID)
	}
	current, err := s.repo.GetCatalogItems(ctx, ids)
	if err != nil {
		return domain.CommitIntent{}, err
	}

	quantities := make(map[string]int, len(intent.Lines))
	for _, line := range intent.Lines {
		item, ok := current[line.MedicineID]
		if !ok {
			return domain.CommitIntent{}, billing.Invalid("medicine %s from sale %s no longer exists", line.MedicineID, saleID)
		}
		next := item.Quantity - line.Qty
		if next < 0 {
			s.logger.Warn("repair oversold item, flooring stock at zero", "sale", saleID, "medicine", line.MedicineID, "shortfall", -next)
			next = 0
		}
		quantities[line.MedicineID] = next
	}

	if err := s.repo.ApplyStock(ctx, saleID, quantities, s.now().UTC()); err != nil {
		return domain.CommitIntent{}, &billing.PersistenceError{Stage: "repair_stock", SaleID: saleID, SaleRecorded: true, Cause: err}
	}
	s.loader.Invalidate(ctx)
	s.logger.Info("commit repaired", "sale", saleID, "user", actor.Username)

	repaired, err := s.repo.GetCommit(ctx, saleID)
	if err != nil {
		return domain.CommitIntent{}, fmt.Errorf("reload commit %s: %w", saleID, err)
	}
	return *repaired, nil
}
