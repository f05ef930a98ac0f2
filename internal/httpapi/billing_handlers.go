package httpapi

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"pharmadesk/backend/internal/billing"
	"pharmadesk/backend/internal/service"
)

type addLineRequest struct {
	ItemID string `json:"item_id"`
	Delta  int    `json:"delta"`
}

type setQtyRequest struct {
	Qty int `json:"qty"`
}

func (a *API) handleOpenSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.OpenSession(r.Context())
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"session": view})
}

func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.GetSession(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (a *API) handleCloseSession(w http.ResponseWriter, r *http.Request) {
	if err := a.service.CloseSession(r.Context(), chi.URLParam(r, "sid")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRefreshSession(w http.ResponseWriter, r *http.Request) {
	view, err := a.service.RefreshSession(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (a *API) handleAddLine(w http.ResponseWriter, r *http.Request) {
	var req addLineRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Delta == 0 {
		req.Delta = 1
	}

	view, err := a.service.AddLine(r.Context(), chi.URLParam(r, "sid"), req.ItemID, req.Delta)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (a *API) handleSetLineQty(w http.ResponseWriter, r *http.Request) {
	var req setQtyRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.SetLineQty(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "itemID"), req.Qty)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

// handleRemoveLine requires confirm=true, standing in for the operator's
// confirmation prompt.
func (a *API) handleRemoveLine(w http.ResponseWriter, r *http.Request) {
	if confirmed, _ := strconv.ParseBool(r.URL.Query().Get("confirm")); !confirmed {
		writeError(w, http.StatusBadRequest, errors.New("confirm removal with confirm=true"))
		return
	}

	view, err := a.service.RemoveLine(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "itemID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (a *API) handleUpdateForm(w http.ResponseWriter, r *http.Request) {
	var form service.SaleForm
	if err := decodeJSON(r, &form); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	view, err := a.service.UpdateForm(r.Context(), chi.URLParam(r, "sid"), form)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session": view})
}

func (a *API) handleSubmit(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.Submit(r.Context(), chi.URLParam(r, "sid"))
	if err != nil {
		var persistence *billing.PersistenceError
		if sale != nil && errors.As(err, &persistence) {
			a.logger.Error("sale recorded without stock update", "sale", sale.ID, "error", persistence.Cause)
			writeJSON(w, http.StatusBadGateway, map[string]any{
				"error":         persistenceMessage(persistence),
				"stage":         persistence.Stage,
				"sale_recorded": true,
				"sale":          sale,
			})
			return
		}
		a.writeServiceError(w, err)
		return
	}
	if sale == nil {
		writeJSON(w, http.StatusAccepted, map[string]any{"dropped": true})
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"sale":        sale,
		"invoice_url": "/api/v1/sales/" + sale.ID + "/invoice",
	})
}

func (a *API) handleOpenPayment(w http.ResponseWriter, r *http.Request) {
	sale, err := a.service.OpenForPayment(r.Context(), chi.URLParam(r, "sid"), chi.URLParam(r, "saleID"))
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleApplyPayment(w http.ResponseWriter, r *http.Request) {
	var req service.PaymentRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	sale, err := a.service.ApplyPayment(r.Context(), chi.URLParam(r, "sid"), req)
	if err != nil {
		a.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sale": sale})
}

func (a *API) handleCancelPayment(w http.ResponseWriter, r *http.Request) {
	if err := a.service.CancelPayment(r.Context(), chi.URLParam(r, "sid")); err != nil {
		a.writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
