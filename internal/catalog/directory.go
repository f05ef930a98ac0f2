package catalog

import (
	"context"
	"slices"
	"strings"
	"sync"

	"pharmadesk/backend/internal/domain"
)

// Directory is a snapshot of registered B2B counterparties, kept in key order.
type Directory struct {
	mu      sync.RWMutex
	loader  *Loader
	entries []domain.Counterparty
}

func newDirectory(loader *Loader, entries []domain.Counterparty) *Directory {
	d := &Directory{loader: loader}
	d.replace(entries)
	return d
}

func NewStaticDirectory(entries []domain.Counterparty) *Directory {
	return newDirectory(nil, entries)
}

func (d *Directory) replace(entries []domain.Counterparty) {
	sorted := slices.Clone(entries)
	slices.SortStableFunc(sorted, func(a, b domain.Counterparty) int {
		return strings.Compare(a.ID, b.ID)
	})
	d.mu.Lock()
	d.entries = sorted
	d.mu.Unlock()
}

func (d *Directory) Entries() []domain.Counterparty {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.entries)
}

// Search matches pharmacy name, owner name or address case-insensitively.
func (d *Directory) Search(query string, limit int) []domain.Counterparty {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return []domain.Counterparty{}
	}
	if limit <= 0 || limit > DefaultSearchLimit {
		limit = DefaultSearchLimit
	}

	matches := make([]domain.Counterparty, 0, limit)
	for _, entry := range d.Entries() {
		if strings.Contains(strings.ToLower(entry.PharmacyName), q) ||
			strings.Contains(strings.ToLower(entry.OwnerName), q) ||
			strings.Contains(strings.ToLower(entry.Address), q) {
			matches = append(matches, entry)
			if len(matches) == limit {
				break
			}
		}
	}
	return matches
}

// ResolveExact finds the counterparty whose pharmacy name equals name exactly.
// With duplicates the first in key order wins; matches reports how many shared the name.
func (d *Directory) ResolveExact(name string) (entry domain.Counterparty, matches int) {
	for _, candidate := range d.Entries() {
		if candidate.PharmacyName != name {
			continue
		}
		if matches == 0 {
			entry = candidate
		}
		matches++
	}
	return entry, matches
}

func (d *Directory) Refresh(ctx context.Context) error {
	if d.loader == nil {
		return nil
	}
	entries, err := d.loader.counterparties(ctx, true)
	if err != nil {
		return err
	}
	d.replace(entries)
	return nil
}
