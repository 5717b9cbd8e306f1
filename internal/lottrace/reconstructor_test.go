package lottrace

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
	"github.com/alius76/GmrStockPlus-sub000/internal/store/memory"
)

func at(day int) *time.Time {
	t := time.Date(2024, 1, day, 9, 0, 0, 0, time.UTC)
	return &t
}

func newTraceFixture() *memory.Store {
	repo := memory.New()
	repo.PutHistoricalLot(domain.Lot{
		ID: "lot-200", Number: "L-200", Description: "PP", Count: "2", TotalWeight: "2000",
		Units:     []domain.Unit{{Number: "1", Weight: "1000"}, {Number: "2", Weight: "1000"}},
		CreatedAt: at(1),
	})
	repo.PutSale(domain.Sale{ID: "s-1", LotNumber: "L-200", Customer: "acme", SoldAt: at(5), TotalWeight: "1000",
		Units: []domain.UnitWeight{{Number: "1", Weight: "1000"}}})
	repo.PutSale(domain.Sale{ID: "s-2", LotNumber: "L-200", Customer: "globex", SoldAt: at(9), TotalWeight: "1000",
		Units: []domain.UnitWeight{{Number: "2", Weight: "1000"}}})
	repo.PutReturn(domain.Return{ID: "r-1", LotNumber: "L-200", Customer: "acme", Reason: "wet", ReturnedAt: at(7),
		TotalWeight: "1000", Units: []domain.UnitWeight{{Number: "1", Weight: "1000"}}})
	return repo
}

func TestTraceMergesSourcesNewestFirst(t *testing.T) {
	r := New(SourcesFrom(newTraceFixture()), nil, 0, nil)

	events := r.Trace(context.Background(), "L-200")
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d: %+v", len(events), events)
	}

	wantKinds := []domain.TraceKind{domain.TraceSale, domain.TraceReturn, domain.TraceSale, domain.TraceCreation}
	wantSources := []string{"s-2", "r-1", "s-1", "lot-200"}
	for i, ev := range events {
		if ev.Kind != wantKinds[i] || ev.SourceID != wantSources[i] {
			t.Fatalf("event %d: expected %s/%s, got %s/%s", i, wantKinds[i], wantSources[i], ev.Kind, ev.SourceID)
		}
	}
	if events[1].Subtitle != "acme: wet" {
		t.Fatalf("unexpected return subtitle %q", events[1].Subtitle)
	}
}

func TestTraceReportsReconciledCreationWeight(t *testing.T) {
	repo := memory.New()
	repo.PutLot(domain.Lot{
		ID: "lot-1", Number: "L-1", Count: "2", TotalWeight: "0", CreatedAt: at(2),
		Units: []domain.Unit{{Number: "1", Weight: "10"}, {Number: "2", Weight: "15"}},
	})

	events := New(SourcesFrom(repo), nil, 0, nil).Trace(context.Background(), "L-1")
	if len(events) != 1 || events[0].Kind != domain.TraceCreation {
		t.Fatalf("expected one creation event, got %+v", events)
	}
	if events[0].TotalWeight != "25" {
		t.Fatalf("expected compensated weight 25, got %s", events[0].TotalWeight)
	}
	if len(events[0].Units) != 2 {
		t.Fatalf("expected unit weights on event, got %+v", events[0].Units)
	}
}

func TestTracePrefersActiveLotOverHistorical(t *testing.T) {
	repo := memory.New()
	repo.PutLot(domain.Lot{ID: "active", Number: "L-5", Count: "1", CreatedAt: at(3)})
	repo.PutHistoricalLot(domain.Lot{ID: "archived", Number: "L-5", Count: "1", CreatedAt: at(1)})

	events := New(SourcesFrom(repo), nil, 0, nil).Trace(context.Background(), "L-5")
	if len(events) != 1 || events[0].SourceID != "active" {
		t.Fatalf("expected only the active lot, got %+v", events)
	}
}

func TestTraceUnknownLotIsEmptyNotError(t *testing.T) {
	events := New(SourcesFrom(memory.New()), nil, 0, nil).Trace(context.Background(), "L-404")
	if events == nil || len(events) != 0 {
		t.Fatalf("expected empty timeline, got %#v", events)
	}
}

func TestReprocessFallsBackToRecordedDate(t *testing.T) {
	repo := memory.New()
	repo.PutReprocess(domain.Reprocess{ID: "rp-1", LotNumber: "L-7", ResultMaterial: "Granza", RecordedAt: at(4),
		Units: []domain.UnitWeight{{Number: "1", Weight: "3"}, {Number: "2", Weight: "4"}}})

	events := New(SourcesFrom(repo), nil, 0, nil).Trace(context.Background(), "L-7")
	if len(events) != 1 || events[0].Kind != domain.TraceReprocess {
		t.Fatalf("expected one reprocess event, got %+v", events)
	}
	if events[0].Timestamp == nil || !events[0].Timestamp.Equal(*at(4)) {
		t.Fatalf("expected recorded date fallback, got %v", events[0].Timestamp)
	}
	if events[0].TotalWeight != "7" {
		t.Fatalf("expected summed weight 7, got %s", events[0].TotalWeight)
	}
}

type failingSales struct{}

func (failingSales) ListSalesByLotNumber(context.Context, string) ([]domain.Sale, error) {
	return nil, store.ErrStoreUnavailable
}

type recordingCache struct {
	mu      sync.Mutex
	entries map[string][]domain.TraceEvent
	sets    int
}

func (c *recordingCache) Get(_ context.Context, lot string) ([]domain.TraceEvent, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ev, ok := c.entries[lot]
	return ev, ok, nil
}

func (c *recordingCache) Set(_ context.Context, lot string, events []domain.TraceEvent, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.entries == nil {
		c.entries = map[string][]domain.TraceEvent{}
	}
	c.entries[lot] = events
	c.sets++
	return nil
}

func (c *recordingCache) Invalidate(_ context.Context, lot string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, lot)
	return nil
}

func TestTraceAbsorbsFailingSourceAndSkipsCache(t *testing.T) {
	src := SourcesFrom(newTraceFixture())
	src.Sales = failingSales{}
	c := &recordingCache{}

	events := New(src, c, time.Minute, nil).Trace(context.Background(), "L-200")
	if len(events) != 2 {
		t.Fatalf("expected creation and return despite failing sales, got %+v", events)
	}
	if c.sets != 0 {
		t.Fatalf("partial timeline must not be cached")
	}
}

func TestTraceCachesCompleteTimeline(t *testing.T) {
	c := &recordingCache{}
	r := New(SourcesFrom(newTraceFixture()), c, time.Minute, nil)

	first := r.Trace(context.Background(), "L-200")
	if c.sets != 1 {
		t.Fatalf("expected one cache write, got %d", c.sets)
	}

	c.entries["L-200"] = first[:1]
	if got := r.Trace(context.Background(), "L-200"); len(got) != 1 {
		t.Fatalf("expected cached timeline to be served, got %d events", len(got))
	}

	r.Invalidate(context.Background(), "L-200")
	if got := r.Trace(context.Background(), "L-200"); len(got) != 4 {
		t.Fatalf("expected fresh timeline after invalidate, got %d events", len(got))
	}
}

// barrierSource blocks every call until all expected callers have arrived,
// so Trace only returns if its branches really run concurrently.
type barrierSource struct {
	*memory.Store
	release chan struct{}
	once    sync.Once
	need    int
	mu      sync.Mutex
	count   int
}

func newBarrierSource(repo *memory.Store, need int) *barrierSource {
	return &barrierSource{Store: repo, release: make(chan struct{}), need: need}
}

func (b *barrierSource) wait(ctx context.Context) error {
	b.mu.Lock()
	b.count++
	if b.count == b.need {
		b.once.Do(func() { close(b.release) })
	}
	b.mu.Unlock()

	select {
	case <-b.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (b *barrierSource) GetLotByNumber(ctx context.Context, n string) (*domain.Lot, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.Store.GetLotByNumber(ctx, n)
}

func (b *barrierSource) ListSalesByLotNumber(ctx context.Context, n string) ([]domain.Sale, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.Store.ListSalesByLotNumber(ctx, n)
}

func (b *barrierSource) GetReprocessByLotNumber(ctx context.Context, n string) (*domain.Reprocess, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.Store.GetReprocessByLotNumber(ctx, n)
}

func (b *barrierSource) ListReturnsByLotNumber(ctx context.Context, n string) ([]domain.Return, error) {
	if err := b.wait(ctx); err != nil {
		return nil, err
	}
	return b.Store.ListReturnsByLotNumber(ctx, n)
}

func TestTraceQueriesSourcesConcurrently(t *testing.T) {
	src := newBarrierSource(newTraceFixture(), 4)
	r := New(Sources{Lots: src, History: src, Sales: src, Reprocesses: src, Returns: src}, nil, 0, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	events := r.Trace(ctx, "L-200")
	if ctx.Err() != nil {
		t.Fatalf("branches did not run concurrently")
	}
	if len(events) != 4 {
		t.Fatalf("expected 4 events, got %d", len(events))
	}
}

func TestSortEventsNonIncreasingWithNilLast(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 200; round++ {
		events := make([]domain.TraceEvent, rng.Intn(12))
		for i := range events {
			if rng.Intn(4) == 0 {
				continue
			}
			events[i].Timestamp = at(rng.Intn(28) + 1)
		}

		SortEvents(events)

		seenNil := false
		for i, ev := range events {
			if ev.Timestamp == nil {
				seenNil = true
				continue
			}
			if seenNil {
				t.Fatalf("timestamped event after nil at %d", i)
			}
			if i > 0 && events[i-1].Timestamp != nil && ev.Timestamp.After(*events[i-1].Timestamp) {
				t.Fatalf("order increased at %d", i)
			}
		}
	}
}

func TestActiveLotErrorStillFallsBackToHistory(t *testing.T) {
	repo := newTraceFixture()
	src := SourcesFrom(repo)
	src.Lots = brokenLots{}
	src.Sales = nil
	src.Returns = nil

	events := New(src, nil, 0, nil).Trace(context.Background(), "L-200")
	if len(events) != 1 || events[0].SourceID != "lot-200" {
		t.Fatalf("expected historical lot, got %+v", events)
	}
}

type brokenLots struct{ store.LotStore }

func (brokenLots) GetLotByNumber(context.Context, string) (*domain.Lot, error) {
	return nil, errors.New("connection reset")
}
