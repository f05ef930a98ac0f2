package httpapi

import (
	"bytes"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"pharmadesk/backend/internal/catalog"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/invoice"
	"pharmadesk/backend/internal/service"
)

const xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"

func (a *API) handleCatalogSearch(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), catalog.DefaultSearchLimit, catalog.DefaultSearchLimit)
	items, err := a.service.SearchCatalog(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (a *API) handleStockAlerts(w http.ResponseWriter, r *http.Request) {
	alerts, err := a.service.StockAlerts(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, alerts)
}

func (a *API) handleCatalogRefresh(w http.ResponseWriter, r *http.Request) {
	if err := a.service.InvalidateCatalog(r.Context()); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleCounterpartySearch(w http.ResponseWriter, r *http.Request) {
	limit := parsePositiveLimit(r.URL.Query().Get("limit"), catalog.DefaultSearchLimit, catalog.DefaultSearchLimit)
	entries, err := a.service.SearchCounterparties(r.Context(), r.URL.Query().Get("q"), limit)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"counterparties": entries})
}

func (a *API) handlePendingPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := service.PendingFilter{
		Search:       q.Get("search"),
		CustomerType: domain.SalesType(strings.ToLower(q.Get("customer_type"))),
	}
	var err error
	if filter.MinLeft, err = parseDecimalParam(q, "min_left"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.MaxLeft, err = parseDecimalParam(q, "max_left"); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if filter.Dates, err = parseDateRange(q); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	pending, err := a.service.PendingPayments(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, pending)
}

func (a *API) handleGetSale(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleInvoice(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.GetSale(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := a.invoices.Render(&buf, sale); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (a *API) handleSalesReport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSalesFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	report, err := a.service.SalesReport(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (a *API) handleSalesExport(w http.ResponseWriter, r *http.Request) {
	filter, err := parseSalesFilter(r.URL.Query())
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	sales, err := a.service.FilterSales(r.Context(), filter)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}

	var buf bytes.Buffer
	if err := invoice.WriteSalesWorkbook(&buf, sales); err != nil {
		a.writeServiceError(w, err)
		return
	}
	filename := fmt.Sprintf("sales-%s.xlsx", time.Now().UTC().Format("20060102"))
	w.Header().Set("Content-Type", xlsxContentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.WriteHeader(http.StatusOK)
	_, _ = buf.WriteTo(w)
}

func (a *API) handleOpenCommits(w http.ResponseWriter, r *http.Request) {
	commits, err := a.service.ListOpenCommits(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commits": commits})
}

func (a *API) handleRepairCommit(w http.ResponseWriter, r *http.Request) {
	commit, err := a.service.RepairCommit(r.Context(), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"commit": commit})
}

func (a *API) handleListUsers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"users": a.auth.ListUsers(r.Context())})
}

func (a *API) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	var req domain.UserCreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	user, err := a.auth.CreateUser(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"user": user})
}

func parseSalesFilter(q url.Values) (service.SalesFilter, error) {
	filter := service.SalesFilter{
		Search:    q.Get("search"),
		SoldBy:    q.Get("sold_by"),
		SalesType: domain.SalesType(strings.ToLower(q.Get("sales_type"))),
	}
	if filter.SalesType != "" && !filter.SalesType.Valid() {
		return filter, fmt.Errorf("unknown sales type %q", filter.SalesType)
	}
	var err error
	if filter.MinTotal, err = parseDecimalParam(q, "min_total"); err != nil {
		return filter, err
	}
	if filter.MaxTotal, err = parseDecimalParam(q, "max_total"); err != nil {
		return filter, err
	}
	if filter.Dates, err = parseDateRange(q); err != nil {
		return filter, err
	}
	return filter, nil
}

func parseDecimalParam(q url.Values, key string) (*decimal.Decimal, error) {
	raw := strings.TrimSpace(q.Get(key))
	if raw == "" {
		return nil, nil
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return nil, fmt.Errorf("%s must be a number", key)
	}
	return &d, nil
}

// parseDateRange reads from/to as YYYY-MM-DD calendar days in UTC.
func parseDateRange(q url.Values) (service.DateRange, error) {
	var r service.DateRange
	for key, dest := range map[string]**time.Time{"from": &r.From, "to": &r.To} {
		raw := strings.TrimSpace(q.Get(key))
		if raw == "" {
			continue
		}
		day, err := time.Parse(time.DateOnly, raw)
		if err != nil {
			return r, fmt.Errorf("%s must be a date in YYYY-MM-DD form", key)
		}
		*dest = &day
	}
	return r, nil
}
