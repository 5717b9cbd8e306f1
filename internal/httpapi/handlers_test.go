package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/alius76/GmrStockPlus-sub000/internal/allocation"
	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/lock"
	"github.com/alius76/GmrStockPlus-sub000/internal/lottrace"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
	"github.com/alius76/GmrStockPlus-sub000/internal/store/memory"
)

// newTestAPI builds the full API over the seeded in-memory store so handler
// tests exercise the engine and the trace reconstructor end to end.
func newTestAPI(t *testing.T) *API {
	t.Helper()
	return newTestAPIWith(t, memory.NewSeeded())
}

func newTestAPIWith(t *testing.T, repo store.Repository) *API {
	t.Helper()

	engine := allocation.New(repo, lock.NewLocalLocker(), nil)
	tracer := lottrace.New(lottrace.SourcesFrom(repo), nil, 0, nil)
	return New(engine, tracer, "*", nil)
}

func doJSON(t *testing.T, h http.Handler, method string, path string, payload any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var body bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&body).Encode(payload); err != nil {
			t.Fatalf("encode payload: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User", "ana")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var decoded map[string]any
	if rec.Body.Len() > 0 {
		if err := json.Unmarshal(rec.Body.Bytes(), &decoded); err != nil {
			t.Fatalf("decode %s %s: %v (%s)", method, path, err, rec.Body.String())
		}
	}
	return rec, decoded
}

func createOrder(t *testing.T, h http.Handler, customer string, materials ...string) string {
	t.Helper()

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders", map[string]any{
		"customer":  customer,
		"materials": materials,
	})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201 creating order, got %d: %v", rec.Code, body)
	}
	order := body["order"].(map[string]any)
	return order["id"].(string)
}

func TestHandleHealth(t *testing.T) {
	api := newTestAPI(t)
	handler := api.Handler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()

	handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}

	var body map[string]any
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body["ok"] != true {
		t.Fatalf("expected ok:true, got %v", body["ok"])
	}
	if rec.Header().Get("X-Request-ID") == "" {
		t.Fatalf("expected a request id header")
	}
}

func TestAssignFlowAndOccupancy(t *testing.T) {
	h := newTestAPI(t).Handler()
	orderID := createOrder(t, h, "Acme", "PEAD Natural")

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/assign", map[string]any{
		"lot_number": "L-100",
		"units":      4,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on assign, got %d: %v", rec.Code, body)
	}
	order := body["order"].(map[string]any)
	if order["lot_number"] != "L-100" || order["modified_by"] != "ana" {
		t.Fatalf("expected header mirror for L-100 by ana, got %v", order)
	}
	lines := order["lines"].([]any)
	if len(lines) != 1 || lines[0].(map[string]any)["unit_count"] != float64(4) {
		t.Fatalf("expected placeholder filled with 4 units, got %v", lines)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/lots/L-100/occupancy", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on occupancy, got %d", rec.Code)
	}
	occ := body["occupancy"].(map[string]any)
	if occ["occupied"] != float64(4) || occ["available"] != float64(6) {
		t.Fatalf("expected 4 occupied / 6 free, got %v", occ)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/lots/L-100/order", nil)
	if rec.Code != http.StatusOK || body["order"].(map[string]any)["id"] != orderID {
		t.Fatalf("expected L-100 to resolve to order %s, got %d %v", orderID, rec.Code, body)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/unassign", map[string]any{
		"lot_number":        "L-100",
		"clear_lot_booking": true,
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on unassign, got %d: %v", rec.Code, body)
	}
	order = body["order"].(map[string]any)
	if order["lot_number"] != "" {
		t.Fatalf("expected header mirror cleared, got %v", order["lot_number"])
	}
}

func TestAssignConflictsCarryStableCodes(t *testing.T) {
	h := newTestAPI(t).Handler()
	first := createOrder(t, h, "Acme", "PEAD Natural")
	second := createOrder(t, h, "Beta", "PEAD Natural")

	if rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+first+"/assign", map[string]any{"lot_number": "L-100", "units": 8}); rec.Code != http.StatusOK {
		t.Fatalf("expected first assign to pass, got %d: %v", rec.Code, body)
	}

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+second+"/assign", map[string]any{"lot_number": "L-100", "units": 3})
	if rec.Code != http.StatusConflict || body["code"] != "INSUFFICIENT_STOCK" {
		t.Fatalf("expected 409 INSUFFICIENT_STOCK, got %d %v", rec.Code, body)
	}

	if rec, body := doJSON(t, h, http.MethodPost, "/api/v1/lots/L-101/booking", map[string]any{"customer": "Acme"}); rec.Code != http.StatusOK {
		t.Fatalf("expected booking to pass, got %d: %v", rec.Code, body)
	}
	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/orders/"+second+"/assign", map[string]any{"lot_number": "L-101", "units": 1})
	if rec.Code != http.StatusConflict || body["code"] != "LOT_LOCKED_BY_OTHER_CUSTOMER" {
		t.Fatalf("expected 409 LOT_LOCKED_BY_OTHER_CUSTOMER, got %d %v", rec.Code, body)
	}

	if rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+first+"/fulfill", nil); rec.Code != http.StatusOK {
		t.Fatalf("expected fulfill to pass, got %d: %v", rec.Code, body)
	}
	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/orders/"+first+"/assign", map[string]any{"lot_number": "L-101", "units": 1})
	if rec.Code != http.StatusConflict || body["code"] != "ORDER_CLOSED" {
		t.Fatalf("expected 409 ORDER_CLOSED, got %d %v", rec.Code, body)
	}
}

func TestAssignValidationReportsFields(t *testing.T) {
	h := newTestAPI(t).Handler()
	orderID := createOrder(t, h, "Acme", "PEAD Natural")

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/assign", map[string]any{"lot_number": "L-100", "units": 0})
	if rec.Code != http.StatusBadRequest || body["code"] != "INVALID_REQUEST" {
		t.Fatalf("expected 400 INVALID_REQUEST, got %d %v", rec.Code, body)
	}
	fields, ok := body["fields"].(map[string]any)
	if !ok || fields["Units"] != "gt" {
		t.Fatalf("expected Units:gt in fields, got %v", body["fields"])
	}

	rec, _ = doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/assign", map[string]any{"lot": "L-100", "units": 1})
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 for unknown field, got %d", rec.Code)
	}
}

func TestUnknownResourcesReturn404(t *testing.T) {
	h := newTestAPI(t).Handler()

	for _, path := range []string{"/api/v1/lots/L-999/occupancy", "/api/v1/lots/L-999/order", "/nope"} {
		rec, body := doJSON(t, h, http.MethodGet, path, nil)
		if rec.Code != http.StatusNotFound || body["code"] != "NOT_FOUND" {
			t.Fatalf("expected 404 NOT_FOUND for %s, got %d %v", path, rec.Code, body)
		}
	}

	rec, _ := doJSON(t, h, http.MethodPost, "/api/v1/orders/missing/assign", map[string]any{"lot_number": "L-100", "units": 1})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown order, got %d", rec.Code)
	}
}

func TestLotTraceFromSeedHistory(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/lots/L-200/trace", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	events := body["events"].([]any)
	if len(events) != 3 {
		t.Fatalf("expected creation, sale and return, got %v", events)
	}
	kinds := []string{}
	for _, ev := range events {
		kinds = append(kinds, ev.(map[string]any)["kind"].(string))
	}
	if kinds[0] != "return" || kinds[1] != "sale" || kinds[2] != "creation" {
		t.Fatalf("expected newest first, got %v", kinds)
	}

	rec, body = doJSON(t, h, http.MethodGet, "/api/v1/lots/L-404/trace", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for unknown lot, got %d", rec.Code)
	}
	if events, ok := body["events"].([]any); !ok || len(events) != 0 {
		t.Fatalf("expected an empty events array, got %v", body["events"])
	}
}

func TestCandidatesFilterByPrefix(t *testing.T) {
	h := newTestAPI(t).Handler()

	rec, body := doJSON(t, h, http.MethodGet, "/api/v1/lots?prefix=pead", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	lots := body["lots"].([]any)
	if len(lots) != 2 {
		t.Fatalf("expected both PEAD lots, got %v", lots)
	}
}

type downRepo struct {
	*memory.Store
}

func (downRepo) NextOrderNumber(context.Context) (int64, error) {
	return 0, errors.New("dial tcp: connection refused")
}

func TestStoreFailureMapsTo503WithoutDetail(t *testing.T) {
	h := newTestAPIWith(t, downRepo{Store: memory.NewSeeded()}).Handler()

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders", map[string]any{"customer": "Acme"})
	if rec.Code != http.StatusServiceUnavailable || body["code"] != "STORE_UNAVAILABLE" {
		t.Fatalf("expected 503 STORE_UNAVAILABLE, got %d %v", rec.Code, body)
	}
	if msg, _ := body["error"].(string); msg != "store unavailable, retry later" {
		t.Fatalf("expected generic message, got %q", msg)
	}
}

func TestRepairMirrorReportsConsistentOrder(t *testing.T) {
	h := newTestAPI(t).Handler()
	orderID := createOrder(t, h, "Acme", "PEAD Natural")

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/repair-mirror", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	report := body["mirror"].(map[string]any)
	if report["consistent"] != true || report["repaired"] != false {
		t.Fatalf("expected consistent untouched order, got %v", report)
	}

	if rec, _ := doJSON(t, h, http.MethodDelete, "/api/v1/orders/"+orderID, nil); rec.Code != http.StatusOK {
		t.Fatalf("expected delete to pass, got %d", rec.Code)
	}
	if rec, _ := doJSON(t, h, http.MethodDelete, "/api/v1/orders/"+orderID, nil); rec.Code != http.StatusNotFound {
		t.Fatalf("expected second delete to 404, got %d", rec.Code)
	}
}

type recordingTracer struct {
	invalidated []string
}

func (*recordingTracer) Trace(context.Context, string) []domain.TraceEvent {
	return []domain.TraceEvent{}
}

func (r *recordingTracer) Invalidate(_ context.Context, lotNumber string) {
	r.invalidated = append(r.invalidated, lotNumber)
}

func TestInvalidateTraceDropsCachedTimeline(t *testing.T) {
	repo := memory.NewSeeded()
	tracer := &recordingTracer{}
	h := New(allocation.New(repo, lock.NewLocalLocker(), nil), tracer, "*", nil).Handler()

	rec, body := doJSON(t, h, http.MethodDelete, "/api/v1/lots/L-200/trace/cache", nil)
	if rec.Code != http.StatusOK || body["ok"] != true {
		t.Fatalf("expected 200 ok, got %d %v", rec.Code, body)
	}
	if len(tracer.invalidated) != 1 || tracer.invalidated[0] != "L-200" {
		t.Fatalf("expected L-200 invalidated once, got %v", tracer.invalidated)
	}
}

func TestAddMaterialAppendsLine(t *testing.T) {
	h := newTestAPI(t).Handler()
	orderID := createOrder(t, h, "Acme", "PEAD Natural")

	rec, body := doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/lines", map[string]any{"material_name": "PEAD Negro"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %v", rec.Code, body)
	}
	lines := body["order"].(map[string]any)["lines"].([]any)
	if len(lines) != 2 || lines[1].(map[string]any)["material_name"] != "PEAD Negro" {
		t.Fatalf("expected appended placeholder, got %v", lines)
	}

	rec, body = doJSON(t, h, http.MethodPost, "/api/v1/orders/"+orderID+"/lines", map[string]any{})
	if rec.Code != http.StatusBadRequest || body["code"] != "INVALID_REQUEST" {
		t.Fatalf("expected 400 for missing material, got %d %v", rec.Code, body)
	}
}
