package cache

import (
	"context"
	"time"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

type TraceCache interface {
	Get(ctx context.Context, lotNumber string) ([]domain.TraceEvent, bool, error)
	Set(ctx context.Context, lotNumber string, events []domain.TraceEvent, ttl time.Duration) error
	Invalidate(ctx context.Context, lotNumber string) error
}

type NoopTraceCache struct{}

func (NoopTraceCache) Get(_ context.Context, _ string) ([]domain.TraceEvent, bool, error) {
	return nil, false, nil
}

func (NoopTraceCache) Set(_ context.Context, _ string, _ []domain.TraceEvent, _ time.Duration) error {
	return nil
}

func (NoopTraceCache) Invalidate(_ context.Context, _ string) error {
	return nil
}

func traceKey(lotNumber string) string {
	return "trace:lot:" + lotNumber
}
