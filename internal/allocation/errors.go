package allocation

import (
	"errors"
	"fmt"

	"github.com/alius76/GmrStockPlus-sub000/internal/lock"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
)

var (
	ErrInsufficientStock        = errors.New("insufficient stock")
	ErrLotLockedByOtherCustomer = errors.New("lot booked by another customer")
	ErrOrderClosed              = errors.New("order closed")
	ErrInvalidRequest           = errors.New("invalid allocation request")
)

// storeFailure wraps a collaborator error for op. Not-found and invalid
// records keep their sentinel; anything else is reported as the store being
// unavailable, with the cause still reachable through errors.Is.
func storeFailure(op string, err error) error {
	switch {
	case errors.Is(err, store.ErrNotFound),
		errors.Is(err, store.ErrInvalid),
		errors.Is(err, store.ErrStoreUnavailable):
		return fmt.Errorf("%s: %w", op, err)
	case errors.Is(err, lock.ErrNotObtained):
		return fmt.Errorf("%s: lot busy: %w: %w", op, store.ErrStoreUnavailable, err)
	}
	return fmt.Errorf("%s: %w: %w", op, store.ErrStoreUnavailable, err)
}
