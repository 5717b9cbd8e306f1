package store

import (
	"context"
	"errors"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

var (
	ErrNotFound         = errors.New("not found")
	ErrStoreUnavailable = errors.New("store unavailable")
	ErrInvalid          = errors.New("invalid record")
)

type LotStore interface {
	GetLotByID(ctx context.Context, id string) (*domain.Lot, error)
	GetLotByNumber(ctx context.Context, number string) (*domain.Lot, error)
	ListLotsByDescriptionPrefix(ctx context.Context, prefix string) ([]domain.Lot, error)
	// UpdateBooking replaces the lot booking; nil clears it.
	UpdateBooking(ctx context.Context, id string, booking *domain.Booking) error
	UpdateRemark(ctx context.Context, id string, remark string) error
}

// HistoricalLotStore holds archived, fully dispatched lots. Read-only.
type HistoricalLotStore interface {
	GetHistoricalLotByNumber(ctx context.Context, number string) (*domain.Lot, error)
}

type OrderStore interface {
	ListActiveOrders(ctx context.Context) ([]domain.Order, error)
	GetOrderByID(ctx context.Context, id string) (*domain.Order, error)
	GetOrderByLotNumber(ctx context.Context, lotNumber string) (*domain.Order, error)
	CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error)
	AppendAllocationLine(ctx context.Context, orderID string, line domain.AllocationLine) error
	// ReplaceAllocationLine re-reads the order and rewrites it in one write.
	// A non-empty oldLine.LotNumber matches the line bound to that lot;
	// otherwise the first placeholder for oldLine.MaterialName matches. With no
	// match newLine is appended. The header mirror is set to newLine.
	ReplaceAllocationLine(ctx context.Context, orderID string, oldLine domain.AllocationLine, newLine domain.AllocationLine, modifiedBy string) error
	// ClearAllocationLine resets the line bound to lotNumber to a placeholder.
	// It reports whether a line matched.
	ClearAllocationLine(ctx context.Context, orderID string, lotNumber string) (bool, error)
	SetHeaderMirror(ctx context.Context, orderID string, mirror domain.HeaderMirror) error
	SetOrderFulfilled(ctx context.Context, orderID string, modifiedBy string) error
	DeleteOrder(ctx context.Context, orderID string) error
}

// OrderSequence hands out the human-readable order numbers.
type OrderSequence interface {
	NextOrderNumber(ctx context.Context) (int64, error)
}

type SaleStore interface {
	ListSalesByLotNumber(ctx context.Context, lotNumber string) ([]domain.Sale, error)
}

type ReprocessStore interface {
	GetReprocessByLotNumber(ctx context.Context, lotNumber string) (*domain.Reprocess, error)
}

type ReturnStore interface {
	ListReturnsByLotNumber(ctx context.Context, lotNumber string) ([]domain.Return, error)
}

// Repository is the full set of collaborators one backend provides.
type Repository interface {
	LotStore
	HistoricalLotStore
	OrderStore
	OrderSequence
	SaleStore
	ReprocessStore
	ReturnStore
}

// ReplaceLine applies the ReplaceAllocationLine matching rule to lines and
// returns the rewritten slice. Shared by every backend so they agree on it.
func ReplaceLine(lines []domain.AllocationLine, oldLine domain.AllocationLine, newLine domain.AllocationLine) []domain.AllocationLine {
	out := make([]domain.AllocationLine, len(lines), len(lines)+1)
	copy(out, lines)

	idx := -1
	if oldLine.LotNumber != "" {
		for i, line := range out {
			if line.LotNumber == oldLine.LotNumber && !line.Fulfilled {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		for i, line := range out {
			if line.IsPlaceholder() && line.MaterialName == oldLine.MaterialName {
				idx = i
				break
			}
		}
	}
	if idx < 0 {
		return append(out, newLine)
	}
	out[idx] = newLine
	return out
}

// ClearLine resets the first unfulfilled line bound to lotNumber to a
// placeholder. It reports whether a line matched.
func ClearLine(lines []domain.AllocationLine, lotNumber string) ([]domain.AllocationLine, bool) {
	out := make([]domain.AllocationLine, len(lines))
	copy(out, lines)
	for i, line := range out {
		if line.LotNumber == lotNumber && lotNumber != "" && !line.Fulfilled {
			out[i] = line.Placeholder()
			return out, true
		}
	}
	return out, false
}
