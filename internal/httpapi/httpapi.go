package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/alius76/GmrStockPlus-sub000/internal/allocation"
	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/logging"
)

// LotTracer rebuilds a lot timeline. It never fails; missing sources only
// shorten the result.
type LotTracer interface {
	Trace(ctx context.Context, lotNumber string) []domain.TraceEvent
	Invalidate(ctx context.Context, lotNumber string)
}

type API struct {
	engine        *allocation.Engine
	tracer        LotTracer
	allowedOrigin string
	validate      *validator.Validate
	logger        logrus.FieldLogger
}

func New(engine *allocation.Engine, tracer LotTracer, allowedOrigin string, logger logrus.FieldLogger) *API {
	if logger == nil {
		logger = logging.Discard()
	}
	return &API{
		engine:        engine,
		tracer:        tracer,
		allowedOrigin: allowedOrigin,
		validate:      validator.New(),
		logger:        logger.WithField("module", "httpapi"),
	}
}

func (a *API) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestID)
	r.Use(a.withMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", a.handleHealth)

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/lots", func(r chi.Router) {
			r.Get("/", a.handleCandidates)
			r.Route("/{number}", func(r chi.Router) {
				r.Get("/occupancy", a.handleLotOccupancy)
				r.Get("/trace", a.handleLotTrace)
				r.Delete("/trace/cache", a.handleInvalidateTrace)
				r.Get("/order", a.handleOrderForLot)
				r.Post("/booking", a.handleBook)
				r.Delete("/booking", a.handleReleaseBooking)
				r.Post("/block", a.handleBlock)
				r.Put("/remark", a.handleLotRemark)
			})
		})

		r.Route("/orders", func(r chi.Router) {
			r.Post("/", a.handleCreateOrder)
			r.Route("/{id}", func(r chi.Router) {
				r.Delete("/", a.handleDeleteOrder)
				r.Post("/lines", a.handleAddMaterial)
				r.Post("/assign", a.handleAssign)
				r.Post("/unassign", a.handleUnassign)
				r.Post("/substitute", a.handleSubstitute)
				r.Post("/fulfill", a.handleFulfill)
				r.Post("/repair-mirror", a.handleRepairMirror)
			})
		})
	})

	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})
	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	return r
}

var validRequestID = regexp.MustCompile(`^[a-zA-Z0-9\-]{1,64}$`)

type requestIDKey struct{}

// requestID keeps a safe caller-supplied X-Request-ID or issues a new one.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if !validRequestID.MatchString(id) {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (a *API) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("Access-Control-Allow-Origin", a.allowedOrigin)
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-User, X-Request-ID")
		w.Header().Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
		w.Header().Set("Vary", "Origin")

		if r.Method == http.MethodPost || r.Method == http.MethodPut {
			r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		startedAt := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		a.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     rec.status,
			"duration":   time.Since(startedAt).String(),
			"request_id": requestIDFrom(r.Context()),
		}).Info("request")
	})
}

// actor is the user named by the surrounding application. It is recorded on
// writes and never checked.
func actor(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User"))
}

// decodeJSON reads a single JSON object. An empty body leaves dest untouched.
func decodeJSON(r *http.Request, dest any) error {
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dest); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

func (a *API) validateRequest(w http.ResponseWriter, req any) bool {
	err := a.validate.Struct(req)
	if err == nil {
		return true
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return false
	}
	writeJSON(w, http.StatusBadRequest, map[string]any{
		"error":  "validation failed",
		"code":   "INVALID_REQUEST",
		"fields": processValidationErrors(verrs),
	})
	return false
}

func processValidationErrors(verrs validator.ValidationErrors) map[string]string {
	fields := make(map[string]string, len(verrs))
	for _, ve := range verrs {
		fields[ve.Field()] = ve.Tag()
	}
	return fields
}

func writeError(w http.ResponseWriter, status int, code string, msg string) {
	writeJSON(w, status, map[string]any{
		"error": msg,
		"code":  code,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
