package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/domain"
	"pharmadesk/backend/internal/invoice"
	"pharmadesk/backend/internal/service"
	"pharmadesk/backend/internal/store"
)

const maxBodyBytes = 1 << 20

type API struct {
	service       *service.Service
	auth          *AuthManager
	invoices      *invoice.Renderer
	allowedOrigin string
	logger        *slog.Logger
	router        chi.Router
}

func New(svc *service.Service, auth *AuthManager, invoices *invoice.Renderer, allowedOrigin string, logger *slog.Logger) *API {
	if logger == nil {
		logger = slog.Default()
	}
	a := &API{
		service:       svc,
		auth:          auth,
		invoices:      invoices,
		allowedOrigin: allowedOrigin,
		logger:        logger.With("component", "http"),
	}
	a.router = a.routes()
	return a
}

func (a *API) Handler() http.Handler {
	return a.router
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(securityHeaders)
	r.Use(a.accessLog)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{a.allowedOrigin},
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.With(httprate.Limit(5, time.Minute, httprate.WithKeyFuncs(httprate.KeyByIP))).
			Post("/auth/login", a.handleLogin)

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleUser, domain.RoleAdmin))

			r.Route("/billing/sessions", func(r chi.Router) {
				r.Post("/", a.handleOpenSession)
				r.Route("/{sid}", func(r chi.Router) {
					r.Get("/", a.handleGetSession)
					r.Delete("/", a.handleCloseSession)
					r.Post("/refresh", a.handleRefreshSession)
					r.Post("/lines", a.handleAddLine)
					r.Put("/lines/{itemID}", a.handleSetLineQty)
					r.Delete("/lines/{itemID}", a.handleRemoveLine)
					r.Put("/form", a.handleUpdateForm)
					r.Post("/submit", a.handleSubmit)
					r.Post("/payments/{saleID}/open", a.handleOpenPayment)
					r.Post("/payments/apply", a.handleApplyPayment)
					r.Post("/payments/cancel", a.handleCancelPayment)
				})
			})

			r.Get("/catalog/search", a.handleCatalogSearch)
			r.Get("/catalog/alerts", a.handleStockAlerts)
			r.Get("/counterparties/search", a.handleCounterpartySearch)
			r.Get("/payments/pending", a.handlePendingPayments)
			r.Get("/sales/{saleID}", a.handleGetSale)
			r.Get("/sales/{saleID}/invoice", a.handleInvoice)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.requireAuth(domain.RoleAdmin))

			r.Post("/catalog/refresh", a.handleCatalogRefresh)
			r.Get("/reports/sales", a.handleSalesReport)
			r.Get("/reports/sales/export.xlsx", a.handleSalesExport)
			r.Get("/commits/open", a.handleOpenCommits)
			r.Post("/commits/{saleID}/repair", a.handleRepairCommit)
			r.Get("/users", a.handleListUsers)
			r.Post("/users", a.handleCreateUser)
		})
	})

	return r
}

func (a *API) requireAuth(roles ...string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authorization := strings.TrimSpace(r.Header.Get("Authorization"))
			if !strings.HasPrefix(strings.ToLower(authorization), "bearer ") {
				writeError(w, http.StatusUnauthorized, errors.New("missing bearer token"))
				return
			}

			token := strings.TrimSpace(authorization[len("Bearer "):])
			actor, err := a.auth.ParseToken(token)
			if err != nil {
				writeError(w, http.StatusUnauthorized, err)
				return
			}

			if len(roles) > 0 && !isRoleAllowed(actor.Role, roles) {
				writeError(w, http.StatusForbidden, errors.New("forbidden role"))
				return
			}

			next.ServeHTTP(w, r.WithContext(service.WithActor(r.Context(), actor)))
		})
	}
}

func isRoleAllowed(role string, allowed []string) bool {
	for _, allow := range allowed {
		if role == allow {
			return true
		}
	}
	return false
}

func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Cross-Origin-Opener-Policy", "same-origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()

		next.ServeHTTP(ww, r)

		a.logger.Info("request completed",
			"request_id", middleware.GetReqID(r.Context()),
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	})
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok": true,
		"at": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req domain.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	resp, err := a.auth.Login(r.Context(), req)
	if err != nil {
		writeError(w, http.StatusUnauthorized, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// writeServiceError maps domain and store errors onto HTTP statuses.
func (a *API) writeServiceError(w http.ResponseWriter, err error) {
	var (
		validation  *billing.ValidationError
		stock       *billing.StockError
		overpayment *billing.OverpaymentError
		persistence *billing.PersistenceError
	)

	switch {
	case errors.As(err, &validation):
		writeError(w, http.StatusBadRequest, err)
	case errors.As(err, &stock), errors.As(err, &overpayment):
		writeError(w, http.StatusConflict, err)
	case errors.As(err, &persistence):
		a.logger.Error("store write failed", "stage", persistence.Stage, "sale", persistence.SaleID, "error", persistence.Cause)
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error":         persistenceMessage(persistence),
			"stage":         persistence.Stage,
			"sale_id":       persistence.SaleID,
			"sale_recorded": persistence.SaleRecorded,
		})
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, err)
	case errors.Is(err, service.ErrSessionNotFound),
		errors.Is(err, billing.ErrSaleNotFound),
		errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, store.ErrVersionConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, err)
	default:
		a.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, err)
	}
}

// persistenceMessage names what happened and the cause. Only known store
// conditions are echoed; driver errors are reduced to "storage unavailable".
func persistenceMessage(err *billing.PersistenceError) string {
	msg := "the sale could not be saved"
	switch {
	case errors.Is(err.Cause, store.ErrVersionConflict):
		msg = "the sale was changed by someone else; reopen it and try again"
	case err.SaleRecorded && err.Stage == "update_payment":
		msg = "payment could not be saved; the sale is unchanged"
	case err.SaleRecorded:
		msg = "the sale was recorded but the stock update failed; it is listed under open commits"
	}
	return msg + ": " + persistenceCause(err.Cause)
}

func persistenceCause(err error) string {
	for _, known := range []error{
		store.ErrVersionConflict,
		store.ErrNotFound,
		store.ErrInvalidRecord,
		store.ErrAlreadyExists,
		context.DeadlineExceeded,
		context.Canceled,
	} {
		if errors.Is(err, known) {
			return known.Error()
		}
	}
	return "storage unavailable"
}

func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil {
		return err
	}
	return nil
}

func parsePositiveLimit(raw string, fallback int, max int) int {
	limit := fallback
	trimmed := strings.TrimSpace(raw)
	if trimmed != "" {
		if parsed, err := strconv.Atoi(trimmed); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	if max > 0 && limit > max {
		return max
	}
	return limit
}

func writeError(w http.ResponseWriter, status int, err error) {
	// 5xx bodies stay generic; 4xx messages are meant for the operator.
	msg := err.Error()
	if status >= 500 {
		msg = "internal server error"
	}
	writeJSON(w, status, map[string]any{
		"error": msg,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
