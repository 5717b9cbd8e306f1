package occupancy

import (
	"math/rand"
	"strconv"
	"testing"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

func TestComputeCountsActiveUnfulfilledLines(t *testing.T) {
	lot := domain.Lot{Number: "L-100", Count: "10"}
	orders := []domain.Order{
		{ID: "o1", Number: 1, Customer: "acme", Lines: []domain.AllocationLine{
			{MaterialName: "X", LotNumber: "L-100", UnitCount: 4, AssignedBy: "alice"},
			{MaterialName: "Y", LotNumber: "L-999", UnitCount: 3},
		}},
		{ID: "o2", Number: 2, Customer: "globex", Fulfilled: true, Lines: []domain.AllocationLine{
			{MaterialName: "X", LotNumber: "L-100", UnitCount: 5},
		}},
		{ID: "o3", Number: 3, Customer: "initech", Lines: []domain.AllocationLine{
			{MaterialName: "X", LotNumber: "L-100", UnitCount: 2, Fulfilled: true},
			{MaterialName: "X", LotNumber: "L-100", UnitCount: 0},
			{MaterialName: "X"},
		}},
	}

	res := Compute(lot, orders)
	if res.Occupied != 4 || res.Available != 6 || res.Total != 10 {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Entries) != 1 {
		t.Fatalf("expected one entry, got %+v", res.Entries)
	}
	entry := res.Entries[0]
	if entry.Customer != "acme" || entry.OrderNumber != 1 || entry.UnitCount != 4 || entry.User != "alice" {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestComputeNeverNegative(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 500; i++ {
		count := rng.Intn(20)
		lot := domain.Lot{Number: "L-1", Count: strconv.Itoa(count)}
		orders := make([]domain.Order, 0, 5)
		for j := 0; j < rng.Intn(5); j++ {
			orders = append(orders, domain.Order{
				ID:        strconv.Itoa(j),
				Fulfilled: rng.Intn(4) == 0,
				Lines: []domain.AllocationLine{
					{LotNumber: "L-1", UnitCount: rng.Intn(15) - 3},
				},
			})
		}

		res := Compute(lot, orders)
		if res.Available < 0 {
			t.Fatalf("available went negative: %+v", res)
		}
		want := count - res.Occupied
		if want < 0 {
			want = 0
		}
		if res.Available != want {
			t.Fatalf("expected max(0, %d-%d)=%d, got %d", count, res.Occupied, want, res.Available)
		}
	}
}

func TestComputeDegradesOnMissingData(t *testing.T) {
	res := Compute(domain.Lot{Number: "L-1", Count: "not-a-number"}, nil)
	if res.Total != 0 || res.Available != 0 || len(res.Entries) != 0 {
		t.Fatalf("expected zero occupancy, got %+v", res)
	}
	if res.Entries == nil {
		t.Fatalf("entries should be empty, not nil")
	}
}

func TestComputeExcludingSkipsOrder(t *testing.T) {
	lot := domain.Lot{Number: "L-1", Count: "5"}
	orders := []domain.Order{
		{ID: "a", Lines: []domain.AllocationLine{{LotNumber: "L-1", UnitCount: 3}}},
		{ID: "b", Lines: []domain.AllocationLine{{LotNumber: "L-1", UnitCount: 1}}},
	}
	res := ComputeExcluding(lot, orders, "a")
	if res.Occupied != 1 || res.Available != 4 {
		t.Fatalf("unexpected result: %+v", res)
	}
}
