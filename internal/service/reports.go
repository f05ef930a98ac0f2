package service

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/domain"
)

// DateRange is inclusive of whole days: From is taken from the start of its
// day and To through the end of its day.
type DateRange struct {
	From *time.Time
	To   *time.Time
}

func (r DateRange) Contains(t time.Time) bool {
	if r.From != nil {
		start := time.Date(r.From.Year(), r.From.Month(), r.From.Day(), 0, 0, 0, 0, r.From.Location())
		if t.Before(start) {
			return false
		}
	}
	if r.To != nil {
		end := time.Date(r.To.Year(), r.To.Month(), r.To.Day(), 0, 0, 0, 0, r.To.Location()).AddDate(0, 0, 1)
		if !t.Before(end) {
			return false
		}
	}
	return true
}

type SalesFilter struct {
	Search    string
	SoldBy    string
	SalesType domain.SalesType
	Dates     DateRange
	MinTotal  *decimal.Decimal
	MaxTotal  *decimal.Decimal
}

type SalesKPIs struct {
	TotalSales         decimal.Decimal `json:"total_sales"`
	EstimatedProfit    decimal.Decimal `json:"estimated_profit"`
	TransactionCount   int             `json:"transaction_count"`
	UnpaidTransactions int             `json:"unpaid_transactions"`
	UnpaidAmount       decimal.Decimal `json:"unpaid_amount"`
}

type SalesReport struct {
	KPIs  SalesKPIs     `json:"kpis"`
	Sales []domain.Sale `json:"sales"`
}

// FilterSales returns matching sales, newest first.
func (s *Service) FilterSales(ctx context.Context, filter SalesFilter) ([]domain.Sale, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	sales, err := s.repo.ListSales(ctx)
	if err != nil {
		return nil, err
	}
	return filterSales(sales, filter), nil
}

// SalesReport computes the dashboard figures over the filtered sales. Profit is
// estimated from the catalog's current buying and selling prices.
func (s *Service) SalesReport(ctx context.Context, filter SalesFilter) (SalesReport, error) {
	sales, err := s.FilterSales(ctx, filter)
	if err != nil {
		return SalesReport{}, err
	}

	ids := map[string]struct{}{}
	for _, sale := range sales {
		for _, item := range sale.Items {
			ids[item.MedicineID] = struct{}{}
		}
	}
	lookup := make([]string, 0, len(ids))
	for id := range ids {
		lookup = append(lookup, id)
	}
	prices, err := s.repo.GetCatalogItems(ctx, lookup)
	if err != nil {
		return SalesReport{}, err
	}

	return SalesReport{KPIs: computeKPIs(sales, prices), Sales: sales}, nil
}

func computeKPIs(sales []domain.Sale, catalogItems map[string]domain.CatalogItem) SalesKPIs {
	kpis := SalesKPIs{
		TotalSales:       decimal.Zero,
		EstimatedProfit:  decimal.Zero,
		UnpaidAmount:     decimal.Zero,
		TransactionCount: len(sales),
	}
	for _, sale := range sales {
		kpis.TotalSales = kpis.TotalSales.Add(sale.GrandTotal)
		for _, item := range sale.Items {
			med, ok := catalogItems[item.MedicineID]
			if !ok {
				continue
			}
			margin := med.SellingPrice.Sub(med.BuyingPrice)
			kpis.EstimatedProfit = kpis.EstimatedProfit.Add(margin.Mul(decimal.NewFromInt(int64(item.Qty))))
		}
		if sale.Payment.AmountLeft.IsPositive() {
			kpis.UnpaidTransactions++
			kpis.UnpaidAmount = kpis.UnpaidAmount.Add(sale.Payment.AmountLeft)
		}
	}
	return kpis
}

func filterSales(sales []domain.Sale, filter SalesFilter) []domain.Sale {
	search := strings.ToLower(strings.TrimSpace(filter.Search))
	soldBy := strings.ToLower(strings.TrimSpace(filter.SoldBy))

	out := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		if search != "" && !saleMatches(sale, search) {
			continue
		}
		if soldBy != "" && strings.ToLower(sale.SoldBy) != soldBy {
			continue
		}
		if filter.SalesType != "" && sale.SalesType != filter.SalesType {
			continue
		}
		if !filter.Dates.Contains(sale.CreatedAt) {
			continue
		}
		if filter.MinTotal != nil && sale.GrandTotal.LessThan(*filter.MinTotal) {
			continue
		}
		if filter.MaxTotal != nil && sale.GrandTotal.GreaterThan(*filter.MaxTotal) {
			continue
		}
		out = append(out, sale)
	}
	slices.SortStableFunc(out, func(a, b domain.Sale) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return out
}

func saleMatches(sale domain.Sale, search string) bool {
	if containsAny(search, sale.ID, sale.CustomerInfo.DisplayName(), sale.SoldBy) {
		return true
	}
	for _, item := range sale.Items {
		if strings.Contains(strings.ToLower(item.Name), search) {
			return true
		}
	}
	return false
}
