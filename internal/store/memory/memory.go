package memory

import (
	"context"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
	"github.com/alius76/GmrStockPlus-sub000/internal/xid"
)

type Store struct {
	mu               sync.RWMutex
	lotsByID         map[string]domain.Lot
	lotIDByNumber    map[string]string
	historicalLots   map[string]domain.Lot
	ordersByID       map[string]domain.Order
	orderCounter     int64
	salesByLot       map[string][]domain.Sale
	reprocessesByLot map[string]domain.Reprocess
	returnsByLot     map[string][]domain.Return
}

var _ store.Repository = (*Store)(nil)

func New() *Store {
	return &Store{
		lotsByID:         make(map[string]domain.Lot),
		lotIDByNumber:    make(map[string]string),
		historicalLots:   make(map[string]domain.Lot),
		ordersByID:       make(map[string]domain.Order),
		salesByLot:       make(map[string][]domain.Sale),
		reprocessesByLot: make(map[string]domain.Reprocess),
		returnsByLot:     make(map[string][]domain.Return),
	}
}

// NewSeeded returns a store with a small demo data set for local runs.
func NewSeeded() *Store {
	s := New()
	created := time.Date(2024, 3, 4, 8, 0, 0, 0, time.UTC)
	sold := created.Add(72 * time.Hour)
	returned := sold.Add(48 * time.Hour)

	s.PutLot(domain.Lot{
		ID: "lot-demo-100", Number: "L-100", Description: "PEAD Natural", Count: "10", TotalWeight: "10000",
		Units: demoUnits(10, "1000"), CreatedAt: &created,
	})
	s.PutLot(domain.Lot{
		ID: "lot-demo-101", Number: "L-101", Description: "PEAD Negro", Count: "6", TotalWeight: "0",
		Units: demoUnits(6, "950"), CreatedAt: &created,
	})
	s.PutHistoricalLot(domain.Lot{
		ID: "lot-demo-200", Number: "L-200", Description: "PP Triturado", Count: "4", TotalWeight: "4000",
		Units: demoUnits(4, "1000"), CreatedAt: &created,
	})
	s.PutSale(domain.Sale{
		ID: "sale-demo-1", LotNumber: "L-200", Customer: "Plasticos Norte", SoldAt: &sold, TotalWeight: "2000",
		Units: []domain.UnitWeight{{Number: "1", Weight: "1000"}, {Number: "2", Weight: "1000"}},
	})
	s.PutReturn(domain.Return{
		ID: "ret-demo-1", LotNumber: "L-200", Customer: "Plasticos Norte", Reason: "humedad", ReturnedAt: &returned,
		TotalWeight: "1000", Units: []domain.UnitWeight{{Number: "2", Weight: "1000"}},
	})
	return s
}

func demoUnits(n int, weight string) []domain.Unit {
	units := make([]domain.Unit, 0, n)
	for i := 1; i <= n; i++ {
		units = append(units, domain.Unit{Number: strconv.Itoa(i), Weight: weight, Status: domain.UnitStatusInStock})
	}
	return units
}

// PutLot inserts or replaces an active lot.
func (s *Store) PutLot(lot domain.Lot) domain.Lot {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	if prev, ok := s.lotsByID[lot.ID]; ok && prev.Number != lot.Number {
		delete(s.lotIDByNumber, prev.Number)
	}
	s.lotsByID[lot.ID] = cloneLot(lot)
	s.lotIDByNumber[lot.Number] = lot.ID
	return cloneLot(lot)
}

func (s *Store) PutHistoricalLot(lot domain.Lot) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if lot.ID == "" {
		lot.ID = xid.New("hlot")
	}
	s.historicalLots[lot.Number] = cloneLot(lot)
}

func (s *Store) PutSale(sale domain.Sale) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	sale.Units = slices.Clone(sale.Units)
	s.salesByLot[sale.LotNumber] = append(s.salesByLot[sale.LotNumber], sale)
}

func (s *Store) PutReprocess(rep domain.Reprocess) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rep.ID == "" {
		rep.ID = xid.New("rep")
	}
	rep.Units = slices.Clone(rep.Units)
	s.reprocessesByLot[rep.LotNumber] = rep
}

func (s *Store) PutReturn(ret domain.Return) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	ret.Units = slices.Clone(ret.Units)
	s.returnsByLot[ret.LotNumber] = append(s.returnsByLot[ret.LotNumber], ret)
}

func (s *Store) GetLotByID(_ context.Context, id string) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.lotsByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyLot := cloneLot(lot)
	return &copyLot, nil
}

func (s *Store) GetLotByNumber(_ context.Context, number string) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.lotIDByNumber[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyLot := cloneLot(s.lotsByID[id])
	return &copyLot, nil
}

func (s *Store) ListLotsByDescriptionPrefix(_ context.Context, prefix string) ([]domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	prefix = strings.ToLower(strings.TrimSpace(prefix))
	lots := make([]domain.Lot, 0, 16)
	for _, lot := range s.lotsByID {
		if strings.HasPrefix(strings.ToLower(lot.Description), prefix) {
			lots = append(lots, cloneLot(lot))
		}
	}
	slices.SortFunc(lots, func(a, b domain.Lot) int {
		return strings.Compare(a.Number, b.Number)
	})
	return lots, nil
}

func (s *Store) UpdateBooking(_ context.Context, id string, booking *domain.Booking) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lotsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	if booking == nil {
		lot.Booking = nil
	} else {
		b := cloneBooking(*booking)
		lot.Booking = &b
	}
	s.lotsByID[id] = lot
	return nil
}

func (s *Store) UpdateRemark(_ context.Context, id string, remark string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	lot, ok := s.lotsByID[id]
	if !ok {
		return store.ErrNotFound
	}
	lot.Remark = remark
	s.lotsByID[id] = lot
	return nil
}

func (s *Store) GetHistoricalLotByNumber(_ context.Context, number string) (*domain.Lot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lot, ok := s.historicalLots[number]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyLot := cloneLot(lot)
	return &copyLot, nil
}

func (s *Store) ListActiveOrders(_ context.Context) ([]domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	orders := make([]domain.Order, 0, len(s.ordersByID))
	for _, o := range s.ordersByID {
		if o.Fulfilled {
			continue
		}
		orders = append(orders, cloneOrder(o))
	}
	slices.SortFunc(orders, func(a, b domain.Order) int {
		switch {
		case a.Number < b.Number:
			return -1
		case a.Number > b.Number:
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	return orders, nil
}

func (s *Store) GetOrderByID(_ context.Context, id string) (*domain.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.ordersByID[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	copyOrder := cloneOrder(o)
	return &copyOrder, nil
}

func (s *Store) GetOrderByLotNumber(_ context.Context, lotNumber string) (*domain.Order, error) {
	if lotNumber == "" {
		return nil, store.ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var found *domain.Order
	for _, o := range s.ordersByID {
		if o.Fulfilled {
			continue
		}
		if o.LotNumber != lotNumber && o.LineIndex(lotNumber) < 0 {
			continue
		}
		if found == nil || o.Number < found.Number {
			c := cloneOrder(o)
			found = &c
		}
	}
	if found == nil {
		return nil, store.ErrNotFound
	}
	return found, nil
}

func (s *Store) CreateOrder(_ context.Context, order domain.Order) (*domain.Order, error) {
	if strings.TrimSpace(order.Customer) == "" || order.Number < 1 {
		return nil, store.ErrInvalid
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if _, exists := s.ordersByID[order.ID]; exists {
		return nil, store.ErrInvalid
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	order.Version = 1
	s.ordersByID[order.ID] = cloneOrder(order)
	created := cloneOrder(order)
	return &created, nil
}

func (s *Store) AppendAllocationLine(_ context.Context, orderID string, line domain.AllocationLine) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Lines = append(slices.Clone(o.Lines), line)
	o.Version++
	s.ordersByID[orderID] = o
	return nil
}

func (s *Store) ReplaceAllocationLine(_ context.Context, orderID string, oldLine domain.AllocationLine, newLine domain.AllocationLine, modifiedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Lines = store.ReplaceLine(o.Lines, oldLine, newLine)
	o.LotNumber = newLine.LotNumber
	o.MaterialName = newLine.MaterialName
	if modifiedBy != "" {
		o.ModifiedBy = modifiedBy
	}
	o.Version++
	s.ordersByID[orderID] = o
	return nil
}

func (s *Store) ClearAllocationLine(_ context.Context, orderID string, lotNumber string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return false, store.ErrNotFound
	}
	lines, matched := store.ClearLine(o.Lines, lotNumber)
	if !matched {
		return false, nil
	}
	o.Lines = lines
	o.Version++
	s.ordersByID[orderID] = o
	return true, nil
}

func (s *Store) SetHeaderMirror(_ context.Context, orderID string, mirror domain.HeaderMirror) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.LotNumber = mirror.LotNumber
	o.MaterialName = mirror.MaterialName
	if mirror.ModifiedBy != "" {
		o.ModifiedBy = mirror.ModifiedBy
	}
	o.Version++
	s.ordersByID[orderID] = o
	return nil
}

func (s *Store) SetOrderFulfilled(_ context.Context, orderID string, modifiedBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.ordersByID[orderID]
	if !ok {
		return store.ErrNotFound
	}
	o.Fulfilled = true
	if modifiedBy != "" {
		o.ModifiedBy = modifiedBy
	}
	o.Version++
	s.ordersByID[orderID] = o
	return nil
}

func (s *Store) DeleteOrder(_ context.Context, orderID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.ordersByID[orderID]; !ok {
		return store.ErrNotFound
	}
	delete(s.ordersByID, orderID)
	return nil
}

func (s *Store) NextOrderNumber(_ context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.orderCounter++
	return s.orderCounter, nil
}

func (s *Store) ListSalesByLotNumber(_ context.Context, lotNumber string) ([]domain.Sale, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sales := s.salesByLot[lotNumber]
	out := make([]domain.Sale, 0, len(sales))
	for _, sale := range sales {
		sale.Units = slices.Clone(sale.Units)
		out = append(out, sale)
	}
	return out, nil
}

func (s *Store) GetReprocessByLotNumber(_ context.Context, lotNumber string) (*domain.Reprocess, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rep, ok := s.reprocessesByLot[lotNumber]
	if !ok {
		return nil, store.ErrNotFound
	}
	rep.Units = slices.Clone(rep.Units)
	return &rep, nil
}

func (s *Store) ListReturnsByLotNumber(_ context.Context, lotNumber string) ([]domain.Return, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	returns := s.returnsByLot[lotNumber]
	out := make([]domain.Return, 0, len(returns))
	for _, ret := range returns {
		ret.Units = slices.Clone(ret.Units)
		out = append(out, ret)
	}
	return out, nil
}

func cloneLot(lot domain.Lot) domain.Lot {
	lot.Units = slices.Clone(lot.Units)
	if lot.Booking != nil {
		b := cloneBooking(*lot.Booking)
		lot.Booking = &b
	}
	if lot.CreatedAt != nil {
		at := *lot.CreatedAt
		lot.CreatedAt = &at
	}
	return lot
}

func cloneBooking(b domain.Booking) domain.Booking {
	if b.BookedAt != nil {
		at := *b.BookedAt
		b.BookedAt = &at
	}
	return b
}

func cloneOrder(o domain.Order) domain.Order {
	o.Lines = slices.Clone(o.Lines)
	if o.BookingDate != nil {
		at := *o.BookingDate
		o.BookingDate = &at
	}
	return o
}
