// Package lottrace rebuilds the lifecycle of one lot from the lot, sale,
// reprocess and return stores.
//
// Every source is queried concurrently and is independently fallible: a
// failing source is logged and contributes nothing, so callers always get a
// timeline, possibly incomplete, and never an error.
package lottrace

import (
	"context"
	"errors"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/alius76/GmrStockPlus-sub000/internal/cache"
	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/logging"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
)

type Sources struct {
	Lots        store.LotStore
	History     store.HistoricalLotStore
	Sales       store.SaleStore
	Reprocesses store.ReprocessStore
	Returns     store.ReturnStore
}

// SourcesFrom uses one repository for every source.
func SourcesFrom(repo store.Repository) Sources {
	return Sources{Lots: repo, History: repo, Sales: repo, Reprocesses: repo, Returns: repo}
}

type Reconstructor struct {
	src      Sources
	cache    cache.TraceCache
	cacheTTL time.Duration
	logger   logrus.FieldLogger
	tracer   oteltrace.Tracer
}

func New(src Sources, traceCache cache.TraceCache, cacheTTL time.Duration, logger logrus.FieldLogger) *Reconstructor {
	if traceCache == nil {
		traceCache = cache.NoopTraceCache{}
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Reconstructor{
		src:      src,
		cache:    traceCache,
		cacheTTL: cacheTTL,
		logger:   logger.WithField("module", "lottrace"),
		tracer:   otel.Tracer("github.com/alius76/GmrStockPlus-sub000/internal/lottrace"),
	}
}

// branch is the outcome of one source. A failed branch may still carry the
// events it managed to read.
type branch struct {
	events []domain.TraceEvent
	failed bool
}

// Trace returns the lot's events newest first. Events without a timestamp
// come last.
func (r *Reconstructor) Trace(ctx context.Context, lotNumber string) []domain.TraceEvent {
	lotNumber = strings.TrimSpace(lotNumber)
	if lotNumber == "" {
		return []domain.TraceEvent{}
	}

	if cached, ok, err := r.cache.Get(ctx, lotNumber); err == nil && ok {
		return cached
	} else if err != nil {
		r.logger.WithField("lot_number", lotNumber).Warnf("trace cache read failed: %v", err)
	}

	branches := []struct {
		name string
		run  func(ctx context.Context, lotNumber string) ([]domain.TraceEvent, error)
	}{
		{"lot", r.lotEvents},
		{"sales", r.saleEvents},
		{"reprocess", r.reprocessEvents},
		{"returns", r.returnEvents},
	}

	results := make([]branch, len(branches))
	var wg sync.WaitGroup
	for i, b := range branches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i] = r.runBranch(ctx, b.name, lotNumber, b.run)
		}()
	}
	wg.Wait()

	events := make([]domain.TraceEvent, 0, 8)
	complete := true
	for _, res := range results {
		events = append(events, res.events...)
		if res.failed {
			complete = false
		}
	}
	SortEvents(events)

	if complete {
		if err := r.cache.Set(ctx, lotNumber, events, r.cacheTTL); err != nil {
			r.logger.WithField("lot_number", lotNumber).Warnf("trace cache write failed: %v", err)
		}
	}
	return events
}

// Invalidate drops any cached timeline for lotNumber.
func (r *Reconstructor) Invalidate(ctx context.Context, lotNumber string) {
	if err := r.cache.Invalidate(ctx, lotNumber); err != nil {
		r.logger.WithField("lot_number", lotNumber).Warnf("trace cache invalidate failed: %v", err)
	}
}

func (r *Reconstructor) runBranch(
	ctx context.Context,
	name string,
	lotNumber string,
	run func(ctx context.Context, lotNumber string) ([]domain.TraceEvent, error),
) branch {
	ctx, span := r.tracer.Start(ctx, "lottrace."+name, oteltrace.WithAttributes(attribute.String("lot.number", lotNumber)))
	defer span.End()

	events, err := run(ctx, lotNumber)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.WithFields(logrus.Fields{
			"funcName":   "Trace",
			"source":     name,
			"lot_number": lotNumber,
		}).Warnf("trace source failed, continuing with what it returned: %v", err)
		return branch{events: events, failed: true}
	}
	span.SetAttributes(attribute.Int("trace.events", len(events)))
	return branch{events: events}
}

func (r *Reconstructor) lotEvents(ctx context.Context, lotNumber string) ([]domain.TraceEvent, error) {
	if r.src.Lots == nil && r.src.History == nil {
		return nil, nil
	}

	var activeErr error
	if r.src.Lots != nil {
		lot, err := r.src.Lots.GetLotByNumber(ctx, lotNumber)
		if err == nil && lot != nil {
			return []domain.TraceEvent{CreationEvent(*lot, false)}, nil
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			activeErr = err
		}
	}

	if r.src.History != nil {
		lot, err := r.src.History.GetHistoricalLotByNumber(ctx, lotNumber)
		if err == nil && lot != nil {
			return []domain.TraceEvent{CreationEvent(*lot, true)}, activeErr
		}
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return nil, errors.Join(activeErr, err)
		}
	}
	return nil, activeErr
}

func (r *Reconstructor) saleEvents(ctx context.Context, lotNumber string) ([]domain.TraceEvent, error) {
	if r.src.Sales == nil {
		return nil, nil
	}
	sales, err := r.src.Sales.ListSalesByLotNumber(ctx, lotNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]domain.TraceEvent, 0, len(sales))
	for _, sale := range sales {
		events = append(events, SaleEvent(sale))
	}
	return events, nil
}

func (r *Reconstructor) reprocessEvents(ctx context.Context, lotNumber string) ([]domain.TraceEvent, error) {
	if r.src.Reprocesses == nil {
		return nil, nil
	}
	rep, err := r.src.Reprocesses.GetReprocessByLotNumber(ctx, lotNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if rep == nil {
		return nil, nil
	}
	return []domain.TraceEvent{ReprocessEvent(*rep)}, nil
}

func (r *Reconstructor) returnEvents(ctx context.Context, lotNumber string) ([]domain.TraceEvent, error) {
	if r.src.Returns == nil {
		return nil, nil
	}
	returns, err := r.src.Returns.ListReturnsByLotNumber(ctx, lotNumber)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	events := make([]domain.TraceEvent, 0, len(returns))
	for _, ret := range returns {
		events = append(events, ReturnEvent(ret))
	}
	return events, nil
}

// SortEvents orders events newest first, stable, with nil timestamps last.
func SortEvents(events []domain.TraceEvent) {
	slices.SortStableFunc(events, func(a, b domain.TraceEvent) int {
		switch {
		case a.Timestamp == nil && b.Timestamp == nil:
			return 0
		case a.Timestamp == nil:
			return 1
		case b.Timestamp == nil:
			return -1
		case a.Timestamp.After(*b.Timestamp):
			return -1
		case a.Timestamp.Before(*b.Timestamp):
			return 1
		}
		return 0
	})
}
