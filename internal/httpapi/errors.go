package httpapi

import (
	"errors"
	"net/http"

	"github.com/sirupsen/logrus"

	"github.com/alius76/GmrStockPlus-sub000/internal/allocation"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
)

// statusFor maps engine and store errors to a status and a stable code so
// callers can tell stock, lock and closed-order failures apart.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, allocation.ErrInsufficientStock):
		return http.StatusConflict, "INSUFFICIENT_STOCK"
	case errors.Is(err, allocation.ErrLotLockedByOtherCustomer):
		return http.StatusConflict, "LOT_LOCKED_BY_OTHER_CUSTOMER"
	case errors.Is(err, allocation.ErrOrderClosed):
		return http.StatusConflict, "ORDER_CLOSED"
	case errors.Is(err, allocation.ErrInvalidRequest), errors.Is(err, store.ErrInvalid):
		return http.StatusBadRequest, "INVALID_REQUEST"
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, store.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, "STORE_UNAVAILABLE"
	}
	return http.StatusInternalServerError, "INTERNAL_ERROR"
}

// fail writes err for the client. 5xx bodies carry a generic message; the
// cause goes to the log only.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	status, code := statusFor(err)
	msg := err.Error()
	if status >= 500 {
		a.logger.WithFields(logrus.Fields{
			"path":       r.URL.Path,
			"status":     status,
			"request_id": requestIDFrom(r.Context()),
		}).Errorf("request failed: %v", err)
		msg = "internal server error"
		if status == http.StatusServiceUnavailable {
			msg = "store unavailable, retry later"
		}
	}
	writeError(w, status, code, msg)
}
