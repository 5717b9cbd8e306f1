// Package allocation is the only write path for the binding between orders
// and lots. Every operation fails fast: a violated precondition or a store
// failure is returned to the caller, and nothing is retried here.
package allocation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/lock"
	"github.com/alius76/GmrStockPlus-sub000/internal/logging"
	"github.com/alius76/GmrStockPlus-sub000/internal/occupancy"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
)

const module = "allocation"

type Engine struct {
	lots   store.LotStore
	orders store.OrderStore
	seq    store.OrderSequence
	locker lock.Locker
	logger logrus.FieldLogger
	tracer oteltrace.Tracer
	now    func() time.Time
}

func New(repo store.Repository, locker lock.Locker, logger logrus.FieldLogger) *Engine {
	if locker == nil {
		locker = lock.NewLocalLocker()
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Engine{
		lots:   repo,
		orders: repo,
		seq:    repo,
		locker: locker,
		logger: logger.WithField("module", module),
		tracer: otel.Tracer("github.com/alius76/GmrStockPlus-sub000/internal/allocation"),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Assign binds units of a lot to an order. A line already bound to the lot is
// rebound in place, otherwise a placeholder for the lot's material is filled,
// otherwise a line is appended. The order's own binding does not count
// against availability, so repeating an Assign is harmless.
func (e *Engine) Assign(ctx context.Context, req domain.AssignRequest) (order domain.Order, err error) {
	ctx, span := e.start(ctx, "Assign", attribute.String("order.id", req.OrderID), attribute.Int("units", req.Units))
	defer func() { finish(span, err) }()

	req.OrderID = strings.TrimSpace(req.OrderID)
	req.LotNumber = strings.TrimSpace(req.LotNumber)
	req.LotID = strings.TrimSpace(req.LotID)
	if req.OrderID == "" || (req.LotNumber == "" && req.LotID == "") || req.Units < 1 {
		return domain.Order{}, ErrInvalidRequest
	}

	target, err := e.resolveLot(ctx, req.LotNumber, req.LotID)
	if err != nil {
		return domain.Order{}, storeFailure("assign: read lot", err)
	}

	err = e.withLot(ctx, target.Number, func(ctx context.Context) error {
		// Re-read under the lock; the booking may have changed.
		lot, err := e.lots.GetLotByID(ctx, target.ID)
		if err != nil {
			return storeFailure("assign: read lot", err)
		}
		current, err := e.openOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}
		if !lot.BookedFor(current.Customer) {
			return fmt.Errorf("%w: lot %s", ErrLotLockedByOtherCustomer, lot.Number)
		}

		active, err := e.orders.ListActiveOrders(ctx)
		if err != nil {
			return storeFailure("assign: list orders", err)
		}
		occ := occupancy.ComputeExcluding(*lot, active, current.ID)
		available := max(0, occ.Available-extraOwnUnits(*current, lot.Number))
		if req.Units > available {
			return fmt.Errorf("%w: lot %s has %d free, %d requested", ErrInsufficientStock, lot.Number, available, req.Units)
		}

		material := lot.Description
		if idx := boundIndex(*current, lot.Number); idx >= 0 {
			material = current.Lines[idx].MaterialName
		}
		line := domain.AllocationLine{
			MaterialName: material,
			LotNumber:    lot.Number,
			LotID:        lot.ID,
			UnitCount:    req.Units,
			AssignedBy:   req.User,
		}
		match := domain.AllocationLine{MaterialName: material, LotNumber: lot.Number}

		// One write covers the line list and the header mirror.
		if err := e.orders.ReplaceAllocationLine(ctx, current.ID, match, line, req.User); err != nil {
			logging.LogError(e.logger, module, "Assign", req, err)
			return storeFailure("assign: write line", err)
		}

		updated, err := e.orders.GetOrderByID(ctx, current.ID)
		if err != nil {
			return storeFailure("assign: read back", err)
		}
		order = *updated
		return nil
	})
	if err != nil {
		return domain.Order{}, err
	}

	e.logger.WithFields(logrus.Fields{
		"funcName":   "Assign",
		"order_id":   order.ID,
		"lot_number": target.Number,
		"units":      req.Units,
	}).Info("units assigned")
	return order, nil
}

// Unassign turns the order's line for lotNumber back into a placeholder for the
// same material, clears the header when it names the lot and optionally
// releases the lot's booking. Calling it again after a partial failure
// completes the steps still pending; with nothing pending it writes nothing.
func (e *Engine) Unassign(ctx context.Context, req domain.UnassignRequest) (order domain.Order, err error) {
	ctx, span := e.start(ctx, "Unassign", attribute.String("order.id", req.OrderID), attribute.String("lot.number", req.LotNumber))
	defer func() { finish(span, err) }()

	req.OrderID = strings.TrimSpace(req.OrderID)
	req.LotNumber = strings.TrimSpace(req.LotNumber)
	if req.OrderID == "" || req.LotNumber == "" {
		return domain.Order{}, ErrInvalidRequest
	}

	current, err := e.openOrder(ctx, req.OrderID)
	if err != nil {
		return domain.Order{}, err
	}
	bound := boundIndex(*current, req.LotNumber) >= 0
	if !bound && current.LineIndex(req.LotNumber) >= 0 {
		return domain.Order{}, fmt.Errorf("%w: lot %s already delivered", ErrOrderClosed, req.LotNumber)
	}

	// Each step is derived from current state, so a retry after a partial
	// failure finishes the remaining steps.
	wrote := false
	if bound {
		if _, err := e.orders.ClearAllocationLine(ctx, current.ID, req.LotNumber); err != nil {
			logging.LogError(e.logger, module, "Unassign", req, err)
			return domain.Order{}, storeFailure("unassign: clear line", err)
		}
		wrote = true
	}

	headerNamedLot := current.LotNumber == req.LotNumber
	if headerNamedLot {
		mirror := domain.HeaderMirror{MaterialName: current.MaterialName, ModifiedBy: req.User}
		if err := e.orders.SetHeaderMirror(ctx, current.ID, mirror); err != nil {
			logging.LogError(e.logger, module, "Unassign", req, err)
			return domain.Order{}, storeFailure("unassign: clear mirror", err)
		}
		wrote = true
	}

	if req.ClearLotBooking {
		// Without a binding or header reference only the order's own
		// customer hold is released.
		holder := ""
		if !bound && !headerNamedLot {
			holder = current.Customer
		}
		if err := e.releaseBooking(ctx, req.LotNumber, holder); err != nil {
			return domain.Order{}, err
		}
	}

	if !wrote {
		return *current, nil
	}
	updated, err := e.orders.GetOrderByID(ctx, current.ID)
	if err != nil {
		return domain.Order{}, storeFailure("unassign: read back", err)
	}
	return *updated, nil
}

// Substitute fills the order's placeholder for OldLine's material with
// NewLine, appending when no placeholder is left. The store re-reads the
// order inside the write so a concurrent change is matched again.
func (e *Engine) Substitute(ctx context.Context, req domain.SubstituteRequest) (order domain.Order, err error) {
	ctx, span := e.start(ctx, "Substitute", attribute.String("order.id", req.OrderID))
	defer func() { finish(span, err) }()

	req.OrderID = strings.TrimSpace(req.OrderID)
	req.NewLine.LotNumber = strings.TrimSpace(req.NewLine.LotNumber)
	if req.OrderID == "" || strings.TrimSpace(req.OldLine.MaterialName) == "" || req.NewLine.UnitCount < 0 {
		return domain.Order{}, ErrInvalidRequest
	}
	// A bound line must hold units; only placeholders carry zero.
	if !req.NewLine.IsPlaceholder() && req.NewLine.UnitCount < 1 {
		return domain.Order{}, ErrInvalidRequest
	}
	if req.NewLine.MaterialName == "" {
		req.NewLine.MaterialName = req.OldLine.MaterialName
	}
	if req.NewLine.AssignedBy == "" {
		req.NewLine.AssignedBy = req.User
	}
	req.NewLine.Fulfilled = false

	write := func(ctx context.Context) error {
		current, err := e.openOrder(ctx, req.OrderID)
		if err != nil {
			return err
		}

		if !req.NewLine.IsPlaceholder() {
			lot, err := e.lots.GetLotByNumber(ctx, req.NewLine.LotNumber)
			if err != nil {
				return storeFailure("substitute: read lot", err)
			}
			if !lot.BookedFor(current.Customer) {
				return fmt.Errorf("%w: lot %s", ErrLotLockedByOtherCustomer, lot.Number)
			}
			active, err := e.orders.ListActiveOrders(ctx)
			if err != nil {
				return storeFailure("substitute: list orders", err)
			}
			if free := occupancy.Compute(*lot, active).Available; req.NewLine.UnitCount > free {
				return fmt.Errorf("%w: lot %s has %d free, %d requested", ErrInsufficientStock, lot.Number, free, req.NewLine.UnitCount)
			}
			req.NewLine.LotID = lot.ID
		}

		match := domain.AllocationLine{MaterialName: req.OldLine.MaterialName}
		if err := e.orders.ReplaceAllocationLine(ctx, current.ID, match, req.NewLine, req.User); err != nil {
			logging.LogError(e.logger, module, "Substitute", req, err)
			return storeFailure("substitute: write line", err)
		}
		updated, err := e.orders.GetOrderByID(ctx, current.ID)
		if err != nil {
			return storeFailure("substitute: read back", err)
		}
		order = *updated
		return nil
	}

	if req.NewLine.IsPlaceholder() {
		err = write(ctx)
	} else {
		err = e.withLot(ctx, req.NewLine.LotNumber, write)
	}
	if err != nil {
		return domain.Order{}, err
	}
	return order, nil
}

// Book holds a lot for a customer independently of any order.
func (e *Engine) Book(ctx context.Context, req domain.BookRequest) (lot domain.Lot, err error) {
	ctx, span := e.start(ctx, "Book", attribute.String("lot.number", req.LotNumber))
	defer func() { finish(span, err) }()

	req.Customer = strings.TrimSpace(req.Customer)
	if req.Customer == "" || req.Customer == domain.BlockedCustomer {
		return domain.Lot{}, ErrInvalidRequest
	}
	return e.book(ctx, req)
}

// Block books the lot for the blocked sentinel, making it unusable for every
// order.
func (e *Engine) Block(ctx context.Context, lotNumber string, user string, remark string) (lot domain.Lot, err error) {
	ctx, span := e.start(ctx, "Block", attribute.String("lot.number", lotNumber))
	defer func() { finish(span, err) }()

	return e.book(ctx, domain.BookRequest{
		LotNumber: lotNumber,
		Customer:  domain.BlockedCustomer,
		User:      user,
		Remark:    remark,
	})
}

func (e *Engine) book(ctx context.Context, req domain.BookRequest) (domain.Lot, error) {
	req.LotNumber = strings.TrimSpace(req.LotNumber)
	if req.LotNumber == "" {
		return domain.Lot{}, ErrInvalidRequest
	}

	var booked domain.Lot
	err := e.withLot(ctx, req.LotNumber, func(ctx context.Context) error {
		lot, err := e.lots.GetLotByNumber(ctx, req.LotNumber)
		if err != nil {
			return storeFailure("book: read lot", err)
		}
		if lot.Booking != nil && lot.Booking.Customer != "" && lot.Booking.Customer != req.Customer {
			return fmt.Errorf("%w: lot %s", ErrLotLockedByOtherCustomer, lot.Number)
		}

		at := req.Date
		if at == nil {
			now := e.now()
			at = &now
		}
		booking := &domain.Booking{Customer: req.Customer, Remark: req.Remark, BookedAt: at, BookedBy: req.User}
		if err := e.lots.UpdateBooking(ctx, lot.ID, booking); err != nil {
			logging.LogError(e.logger, module, "Book", req, err)
			return storeFailure("book: write booking", err)
		}
		lot.Booking = booking
		booked = *lot
		return nil
	})
	return booked, err
}

func (e *Engine) ReleaseBooking(ctx context.Context, lotNumber string) error {
	lotNumber = strings.TrimSpace(lotNumber)
	if lotNumber == "" {
		return ErrInvalidRequest
	}
	return e.releaseBooking(ctx, lotNumber, "")
}

// releaseBooking drops the lot's booking. A non-empty holder limits it to a
// booking made for that customer. Nothing is written when no booking applies.
func (e *Engine) releaseBooking(ctx context.Context, lotNumber string, holder string) error {
	lot, err := e.lots.GetLotByNumber(ctx, lotNumber)
	if err != nil {
		return storeFailure("release booking: read lot", err)
	}
	if lot.Booking == nil || (holder != "" && lot.Booking.Customer != holder) {
		return nil
	}
	if err := e.lots.UpdateBooking(ctx, lot.ID, nil); err != nil {
		logging.LogError(e.logger, module, "ReleaseBooking", lotNumber, err)
		return storeFailure("release booking: write", err)
	}
	return nil
}

// CreateOrder numbers a new order from the shared sequence and gives it one
// placeholder line per requested material. A sequence failure fails the
// order; no number is guessed.
func (e *Engine) CreateOrder(ctx context.Context, req domain.CreateOrderRequest) (order domain.Order, err error) {
	ctx, span := e.start(ctx, "CreateOrder")
	defer func() { finish(span, err) }()

	req.Customer = strings.TrimSpace(req.Customer)
	if req.Customer == "" || req.Customer == domain.BlockedCustomer {
		return domain.Order{}, ErrInvalidRequest
	}
	lines := make([]domain.AllocationLine, 0, len(req.Materials))
	for _, material := range req.Materials {
		material = strings.TrimSpace(material)
		if material == "" {
			return domain.Order{}, ErrInvalidRequest
		}
		lines = append(lines, domain.AllocationLine{MaterialName: material})
	}

	number, err := e.seq.NextOrderNumber(ctx)
	if err != nil {
		logging.LogError(e.logger, module, "CreateOrder", req.Customer, err)
		return domain.Order{}, storeFailure("create order: next number", err)
	}

	created, err := e.orders.CreateOrder(ctx, domain.Order{
		Number:      number,
		Customer:    req.Customer,
		BookingDate: req.BookingDate,
		Remark:      req.Remark,
		Lines:       lines,
		ModifiedBy:  req.User,
		CreatedAt:   e.now(),
	})
	if err != nil {
		logging.LogError(e.logger, module, "CreateOrder", req.Customer, err)
		return domain.Order{}, storeFailure("create order", err)
	}
	return *created, nil
}

// AddMaterial appends a placeholder for another material to an open order.
// The header mirror is left alone since no lot is bound.
func (e *Engine) AddMaterial(ctx context.Context, orderID string, material string) (order domain.Order, err error) {
	ctx, span := e.start(ctx, "AddMaterial", attribute.String("order.id", orderID))
	defer func() { finish(span, err) }()

	material = strings.TrimSpace(material)
	if material == "" {
		return domain.Order{}, ErrInvalidRequest
	}
	current, err := e.openOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := e.orders.AppendAllocationLine(ctx, current.ID, domain.AllocationLine{MaterialName: material}); err != nil {
		logging.LogError(e.logger, module, "AddMaterial", material, err)
		return domain.Order{}, storeFailure("add material", err)
	}
	updated, err := e.orders.GetOrderByID(ctx, current.ID)
	if err != nil {
		return domain.Order{}, storeFailure("add material: read back", err)
	}
	return *updated, nil
}

// DeleteOrder removes an open order, releasing everything it held.
func (e *Engine) DeleteOrder(ctx context.Context, orderID string) error {
	current, err := e.openOrder(ctx, orderID)
	if err != nil {
		return err
	}
	if err := e.orders.DeleteOrder(ctx, current.ID); err != nil {
		logging.LogError(e.logger, module, "DeleteOrder", orderID, err)
		return storeFailure("delete order", err)
	}
	return nil
}

func (e *Engine) Fulfill(ctx context.Context, orderID string, user string) (domain.Order, error) {
	current, err := e.openOrder(ctx, orderID)
	if err != nil {
		return domain.Order{}, err
	}
	if err := e.orders.SetOrderFulfilled(ctx, current.ID, user); err != nil {
		logging.LogError(e.logger, module, "Fulfill", orderID, err)
		return domain.Order{}, storeFailure("fulfill", err)
	}
	updated, err := e.orders.GetOrderByID(ctx, current.ID)
	if err != nil {
		return domain.Order{}, storeFailure("fulfill: read back", err)
	}
	return *updated, nil
}

func (e *Engine) LotOccupancy(ctx context.Context, lotNumber string) (domain.LotOccupancy, error) {
	lot, err := e.lots.GetLotByNumber(ctx, strings.TrimSpace(lotNumber))
	if err != nil {
		return domain.LotOccupancy{}, storeFailure("occupancy: read lot", err)
	}
	active, err := e.orders.ListActiveOrders(ctx)
	if err != nil {
		return domain.LotOccupancy{}, storeFailure("occupancy: list orders", err)
	}
	res := occupancy.Compute(*lot, active)
	return domain.LotOccupancy{
		Lot:       *lot,
		Entries:   res.Entries,
		Occupied:  res.Occupied,
		Available: res.Available,
	}, nil
}

// Candidates lists lots whose description starts with materialPrefix, with
// their current availability.
func (e *Engine) Candidates(ctx context.Context, materialPrefix string) ([]domain.LotCandidate, error) {
	lots, err := e.lots.ListLotsByDescriptionPrefix(ctx, materialPrefix)
	if err != nil {
		return nil, storeFailure("candidates: list lots", err)
	}
	active, err := e.orders.ListActiveOrders(ctx)
	if err != nil {
		return nil, storeFailure("candidates: list orders", err)
	}

	out := make([]domain.LotCandidate, 0, len(lots))
	for _, lot := range lots {
		res := occupancy.Compute(lot, active)
		c := domain.LotCandidate{
			LotNumber:   lot.Number,
			LotID:       lot.ID,
			Description: lot.Description,
			Total:       res.Total,
			Available:   res.Available,
			Blocked:     lot.IsBlocked(),
		}
		if lot.Booking != nil && !lot.IsBlocked() {
			c.BookedFor = lot.Booking.Customer
		}
		out = append(out, c)
	}
	return out, nil
}

func (e *Engine) SetLotRemark(ctx context.Context, lotNumber string, text string) error {
	lot, err := e.lots.GetLotByNumber(ctx, strings.TrimSpace(lotNumber))
	if err != nil {
		return storeFailure("remark: read lot", err)
	}
	if err := e.lots.UpdateRemark(ctx, lot.ID, strings.TrimSpace(text)); err != nil {
		logging.LogError(e.logger, module, "SetLotRemark", lotNumber, err)
		return storeFailure("remark: write", err)
	}
	return nil
}

// OrderForLot returns the active order holding lotNumber.
func (e *Engine) OrderForLot(ctx context.Context, lotNumber string) (domain.Order, error) {
	order, err := e.orders.GetOrderByLotNumber(ctx, strings.TrimSpace(lotNumber))
	if err != nil {
		return domain.Order{}, storeFailure("order for lot", err)
	}
	return *order, nil
}

// CheckMirror compares the order header with its lines. An empty header lot is
// always consistent; otherwise the header must name a line bound to that lot
// with the same material. The expected values are those of the last bound
// line.
func CheckMirror(order domain.Order) domain.MirrorReport {
	report := domain.MirrorReport{
		OrderID:         order.ID,
		HeaderLotNumber: order.LotNumber,
		HeaderMaterial:  order.MaterialName,
	}

	consistent := order.LotNumber == ""
	if !consistent {
		if idx := order.LineIndex(order.LotNumber); idx >= 0 {
			consistent = order.Lines[idx].MaterialName == order.MaterialName
		}
	}
	if consistent {
		report.Consistent = true
		report.ExpectedLot = order.LotNumber
		report.ExpectedMaterial = order.MaterialName
		return report
	}

	for i := len(order.Lines) - 1; i >= 0; i-- {
		line := order.Lines[i]
		if !line.IsPlaceholder() {
			report.ExpectedLot = line.LotNumber
			report.ExpectedMaterial = line.MaterialName
			break
		}
	}
	return report
}

// RepairMirror rewrites an inconsistent header from the lines. It reports the
// state found before the repair.
func (e *Engine) RepairMirror(ctx context.Context, orderID string, user string) (domain.MirrorReport, error) {
	current, err := e.openOrder(ctx, orderID)
	if err != nil {
		return domain.MirrorReport{}, err
	}
	report := CheckMirror(*current)
	if report.Consistent {
		return report, nil
	}

	mirror := domain.HeaderMirror{LotNumber: report.ExpectedLot, MaterialName: report.ExpectedMaterial, ModifiedBy: user}
	if err := e.orders.SetHeaderMirror(ctx, current.ID, mirror); err != nil {
		logging.LogError(e.logger, module, "RepairMirror", report, err)
		return domain.MirrorReport{}, storeFailure("repair mirror", err)
	}
	report.Repaired = true
	e.logger.WithFields(logrus.Fields{
		"funcName":   "RepairMirror",
		"order_id":   current.ID,
		"header_lot": report.HeaderLotNumber,
		"lot_number": report.ExpectedLot,
	}).Warn("order header mirror repaired")
	return report, nil
}

func (e *Engine) resolveLot(ctx context.Context, number string, id string) (*domain.Lot, error) {
	if number != "" {
		return e.lots.GetLotByNumber(ctx, number)
	}
	return e.lots.GetLotByID(ctx, id)
}

// openOrder reads an order and refuses fulfilled ones.
func (e *Engine) openOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, ErrInvalidRequest
	}
	order, err := e.orders.GetOrderByID(ctx, orderID)
	if err != nil {
		return nil, storeFailure("read order", err)
	}
	if order.Fulfilled {
		return nil, fmt.Errorf("%w: order %d", ErrOrderClosed, order.Number)
	}
	return order, nil
}

func (e *Engine) withLot(ctx context.Context, lotNumber string, fn func(ctx context.Context) error) error {
	held, err := e.locker.Obtain(ctx, "lot:"+lotNumber)
	if err != nil {
		return storeFailure("lock lot "+lotNumber, err)
	}
	defer func() {
		// Release even when the request was cancelled.
		if err := held.Release(context.WithoutCancel(ctx)); err != nil {
			e.logger.WithField("lot_number", lotNumber).Warnf("lot lock release failed: %v", err)
		}
	}()
	return fn(ctx)
}

func (e *Engine) start(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, oteltrace.Span) {
	return e.tracer.Start(ctx, module+"."+op, oteltrace.WithAttributes(attrs...))
}

func finish(span oteltrace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}

// boundIndex is the first undelivered line bound to lotNumber, or -1.
func boundIndex(order domain.Order, lotNumber string) int {
	for i, line := range order.Lines {
		if line.LotNumber == lotNumber && !line.Fulfilled {
			return i
		}
	}
	return -1
}

// extraOwnUnits counts the order's undelivered lines on lotNumber beyond the
// one an Assign would rebind. Those still hold stock.
func extraOwnUnits(order domain.Order, lotNumber string) int {
	first := boundIndex(order, lotNumber)
	extra := 0
	for i, line := range order.Lines {
		if i == first || line.LotNumber != lotNumber || line.Fulfilled || line.UnitCount <= 0 {
			continue
		}
		extra += line.UnitCount
	}
	return extra
}
