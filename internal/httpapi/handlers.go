package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

type bookingRequest struct {
	Customer string     `json:"customer" validate:"required"`
	Date     *time.Time `json:"date,omitempty"`
	Remark   string     `json:"remark"`
}

type addMaterialRequest struct {
	MaterialName string `json:"material_name" validate:"required"`
}

type remarkRequest struct {
	Remark string `json:"remark"`
}

func (a *API) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":   true,
		"time": time.Now().UTC(),
	})
}

func (a *API) handleCandidates(w http.ResponseWriter, r *http.Request) {
	lots, err := a.engine.Candidates(r.Context(), r.URL.Query().Get("prefix"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lots": lots})
}

func (a *API) handleLotOccupancy(w http.ResponseWriter, r *http.Request) {
	occ, err := a.engine.LotOccupancy(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"occupancy": occ})
}

func (a *API) handleLotTrace(w http.ResponseWriter, r *http.Request) {
	number := strings.TrimSpace(chi.URLParam(r, "number"))
	events := a.tracer.Trace(r.Context(), number)
	writeJSON(w, http.StatusOK, map[string]any{
		"lot_number": number,
		"events":     events,
	})
}

// handleInvalidateTrace lets writers of sales, returns and reprocesses drop a
// cached timeline instead of waiting for the TTL.
func (a *API) handleInvalidateTrace(w http.ResponseWriter, r *http.Request) {
	a.tracer.Invalidate(r.Context(), strings.TrimSpace(chi.URLParam(r, "number")))
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleOrderForLot(w http.ResponseWriter, r *http.Request) {
	order, err := a.engine.OrderForLot(r.Context(), chi.URLParam(r, "number"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleBook(w http.ResponseWriter, r *http.Request) {
	var req bookingRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !a.validateRequest(w, req) {
		return
	}

	lot, err := a.engine.Book(r.Context(), domain.BookRequest{
		LotNumber: chi.URLParam(r, "number"),
		Customer:  req.Customer,
		Date:      req.Date,
		Remark:    req.Remark,
		User:      actor(r),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lot": lot})
}

func (a *API) handleReleaseBooking(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.ReleaseBooking(r.Context(), chi.URLParam(r, "number")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleBlock(w http.ResponseWriter, r *http.Request) {
	var req remarkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}

	lot, err := a.engine.Block(r.Context(), chi.URLParam(r, "number"), actor(r), req.Remark)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"lot": lot})
}

func (a *API) handleLotRemark(w http.ResponseWriter, r *http.Request) {
	var req remarkRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if err := a.engine.SetLotRemark(r.Context(), chi.URLParam(r, "number"), req.Remark); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateOrderRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.User = actor(r)
	if !a.validateRequest(w, req) {
		return
	}

	order, err := a.engine.CreateOrder(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"order": order})
}

func (a *API) handleDeleteOrder(w http.ResponseWriter, r *http.Request) {
	if err := a.engine.DeleteOrder(r.Context(), chi.URLParam(r, "id")); err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (a *API) handleAddMaterial(w http.ResponseWriter, r *http.Request) {
	var req addMaterialRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if !a.validateRequest(w, req) {
		return
	}

	order, err := a.engine.AddMaterial(r.Context(), chi.URLParam(r, "id"), req.MaterialName)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleAssign(w http.ResponseWriter, r *http.Request) {
	var req domain.AssignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.OrderID = chi.URLParam(r, "id")
	req.User = actor(r)
	if !a.validateRequest(w, req) {
		return
	}

	order, err := a.engine.Assign(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleUnassign(w http.ResponseWriter, r *http.Request) {
	var req domain.UnassignRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.OrderID = chi.URLParam(r, "id")
	req.User = actor(r)
	if !a.validateRequest(w, req) {
		return
	}

	order, err := a.engine.Unassign(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleSubstitute(w http.ResponseWriter, r *http.Request) {
	var req domain.SubstituteRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	req.OrderID = chi.URLParam(r, "id")
	req.User = actor(r)
	if !a.validateRequest(w, req) {
		return
	}

	order, err := a.engine.Substitute(r.Context(), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleFulfill(w http.ResponseWriter, r *http.Request) {
	order, err := a.engine.Fulfill(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"order": order})
}

func (a *API) handleRepairMirror(w http.ResponseWriter, r *http.Request) {
	report, err := a.engine.RepairMirror(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"mirror": report})
}
