// Package occupancy computes how many units of a lot are promised to active
// orders and how many remain free.
package occupancy

import (
	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

type Result struct {
	Entries   []domain.OccupancyEntry
	Total     int
	Occupied  int
	Available int
}

// Compute is pure. Fulfilled orders, delivered lines and lines with no units
// are ignored, so callers may pass any order set.
func Compute(lot domain.Lot, orders []domain.Order) Result {
	return compute(lot, orders, "")
}

// ComputeExcluding is Compute without the lines of excludeOrderID. The
// allocation engine uses it to measure what an order may rebind onto.
func ComputeExcluding(lot domain.Lot, orders []domain.Order, excludeOrderID string) Result {
	return compute(lot, orders, excludeOrderID)
}

func compute(lot domain.Lot, orders []domain.Order, excludeOrderID string) Result {
	res := Result{
		Entries: make([]domain.OccupancyEntry, 0),
		Total:   lot.UnitCount(),
	}
	if lot.Number == "" {
		res.Available = res.Total
		return res
	}

	for _, order := range orders {
		if order.Fulfilled {
			continue
		}
		if excludeOrderID != "" && order.ID == excludeOrderID {
			continue
		}
		for _, line := range order.Lines {
			if line.LotNumber != lot.Number || line.Fulfilled || line.UnitCount <= 0 {
				continue
			}
			res.Entries = append(res.Entries, domain.OccupancyEntry{
				OrderID:     order.ID,
				OrderNumber: order.Number,
				Customer:    order.Customer,
				UnitCount:   line.UnitCount,
				Date:        order.BookingDate,
				User:        line.AssignedBy,
			})
			res.Occupied += line.UnitCount
		}
	}

	res.Available = max(0, res.Total-res.Occupied)
	return res
}
