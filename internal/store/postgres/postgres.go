package postgres

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
	"github.com/alius76/GmrStockPlus-sub000/internal/store"
	"github.com/alius76/GmrStockPlus-sub000/internal/xid"
)

//go:embed schema.sql
var schemaSQL string

type Store struct {
	db *sql.DB
}

var _ store.Repository = (*Store)(nil)

func New(ctx context.Context, databaseURL string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(8)
	db.SetMaxOpenConns(30)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// EnsureSchema creates missing tables and indexes. It is safe to run on every
// start.
func (s *Store) EnsureSchema(ctx context.Context) error {
	for _, stmt := range strings.Split(schemaSQL, ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

const lotColumns = `id, number, description, unit_count, total_weight, units,
	booking_customer, booking_remark, booked_at, booked_by, remark, created_at`

func scanLot(row rowScanner) (*domain.Lot, error) {
	var (
		lot       domain.Lot
		units     []byte
		customer  sql.NullString
		bRemark   sql.NullString
		bookedAt  sql.NullTime
		bookedBy  sql.NullString
		createdAt sql.NullTime
	)
	err := row.Scan(&lot.ID, &lot.Number, &lot.Description, &lot.Count, &lot.TotalWeight, &units,
		&customer, &bRemark, &bookedAt, &bookedBy, &lot.Remark, &createdAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(units, &lot.Units); err != nil {
		return nil, err
	}
	if customer.Valid && customer.String != "" {
		lot.Booking = &domain.Booking{
			Customer: customer.String,
			Remark:   bRemark.String,
			BookedAt: timePtr(bookedAt),
			BookedBy: bookedBy.String,
		}
	}
	lot.CreatedAt = timePtr(createdAt)
	return &lot, nil
}

func (s *Store) GetLotByID(ctx context.Context, id string) (*domain.Lot, error) {
	lot, err := scanLot(s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return lot, nil
}

func (s *Store) GetLotByNumber(ctx context.Context, number string) (*domain.Lot, error) {
	lot, err := scanLot(s.db.QueryRowContext(ctx, `SELECT `+lotColumns+` FROM lots WHERE number = $1`, number))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return lot, nil
}

func (s *Store) ListLotsByDescriptionPrefix(ctx context.Context, prefix string) ([]domain.Lot, error) {
	pattern := escapeLike(strings.ToLower(strings.TrimSpace(prefix))) + "%"
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+lotColumns+`
		FROM lots
		WHERE lower(description) LIKE $1 ESCAPE '\'
		ORDER BY number
	`, pattern)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	lots := make([]domain.Lot, 0, 16)
	for rows.Next() {
		lot, err := scanLot(rows)
		if err != nil {
			return nil, err
		}
		lots = append(lots, *lot)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lots, nil
}

func (s *Store) UpdateBooking(ctx context.Context, id string, booking *domain.Booking) error {
	var customer, remark, bookedBy any
	var bookedAt any
	if booking != nil {
		customer = nullIfEmpty(booking.Customer)
		remark = nullIfEmpty(booking.Remark)
		bookedBy = nullIfEmpty(booking.BookedBy)
		bookedAt = nullTime(booking.BookedAt)
	}

	res, err := s.db.ExecContext(ctx, `
		UPDATE lots
		SET booking_customer = $2, booking_remark = $3, booked_at = $4, booked_by = $5
		WHERE id = $1
	`, id, customer, remark, bookedAt, bookedBy)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) UpdateRemark(ctx context.Context, id string, remark string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE lots SET remark = $2 WHERE id = $1`, id, remark)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// UpsertLot writes an active lot, used by imports and tests.
func (s *Store) UpsertLot(ctx context.Context, lot domain.Lot) (*domain.Lot, error) {
	if lot.Number == "" {
		return nil, store.ErrInvalid
	}
	if lot.ID == "" {
		lot.ID = xid.New("lot")
	}
	units, err := encodeJSON(lot.Units)
	if err != nil {
		return nil, err
	}
	var customer, bRemark, bookedBy, bookedAt any
	if lot.Booking != nil {
		customer = nullIfEmpty(lot.Booking.Customer)
		bRemark = nullIfEmpty(lot.Booking.Remark)
		bookedBy = nullIfEmpty(lot.Booking.BookedBy)
		bookedAt = nullTime(lot.Booking.BookedAt)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO lots (id, number, description, unit_count, total_weight, units,
			booking_customer, booking_remark, booked_at, booked_by, remark, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (id) DO UPDATE SET
			number = EXCLUDED.number, description = EXCLUDED.description,
			unit_count = EXCLUDED.unit_count, total_weight = EXCLUDED.total_weight,
			units = EXCLUDED.units, booking_customer = EXCLUDED.booking_customer,
			booking_remark = EXCLUDED.booking_remark, booked_at = EXCLUDED.booked_at,
			booked_by = EXCLUDED.booked_by, remark = EXCLUDED.remark, created_at = EXCLUDED.created_at
	`, lot.ID, lot.Number, lot.Description, lot.Count, lot.TotalWeight, units,
		customer, bRemark, bookedAt, bookedBy, lot.Remark, nullTime(lot.CreatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalid
		}
		return nil, err
	}
	saved := lot
	return &saved, nil
}

func (s *Store) GetHistoricalLotByNumber(ctx context.Context, number string) (*domain.Lot, error) {
	var (
		lot       domain.Lot
		units     []byte
		createdAt sql.NullTime
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, number, description, unit_count, total_weight, units, remark, created_at
		FROM historical_lots
		WHERE number = $1
	`, number).Scan(&lot.ID, &lot.Number, &lot.Description, &lot.Count, &lot.TotalWeight, &units, &lot.Remark, &createdAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := decodeJSON(units, &lot.Units); err != nil {
		return nil, err
	}
	lot.CreatedAt = timePtr(createdAt)
	return &lot, nil
}

// InsertHistoricalLot archives a lot record.
func (s *Store) InsertHistoricalLot(ctx context.Context, lot domain.Lot) error {
	if lot.ID == "" {
		lot.ID = xid.New("hlot")
	}
	units, err := encodeJSON(lot.Units)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO historical_lots (id, number, description, unit_count, total_weight, units, remark, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
	`, lot.ID, lot.Number, lot.Description, lot.Count, lot.TotalWeight, units, lot.Remark, nullTime(lot.CreatedAt))
	if err != nil && isUniqueViolation(err) {
		return store.ErrInvalid
	}
	return err
}

const orderColumns = `id, number, customer, booking_date, remark, fulfilled, lines,
	lot_number, material_name, modified_by, version, created_at`

func scanOrder(row rowScanner) (*domain.Order, error) {
	var (
		order       domain.Order
		bookingDate sql.NullTime
		lines       []byte
	)
	err := row.Scan(&order.ID, &order.Number, &order.Customer, &bookingDate, &order.Remark, &order.Fulfilled, &lines,
		&order.LotNumber, &order.MaterialName, &order.ModifiedBy, &order.Version, &order.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(lines, &order.Lines); err != nil {
		return nil, err
	}
	order.BookingDate = timePtr(bookingDate)
	return &order, nil
}

func (s *Store) ListActiveOrders(ctx context.Context) ([]domain.Order, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE fulfilled = false
		ORDER BY number, id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	orders := make([]domain.Order, 0, 32)
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *order)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return orders, nil
}

func (s *Store) GetOrderByID(ctx context.Context, id string) (*domain.Order, error) {
	order, err := scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) GetOrderByLotNumber(ctx context.Context, lotNumber string) (*domain.Order, error) {
	if lotNumber == "" {
		return nil, store.ErrNotFound
	}
	order, err := scanOrder(s.db.QueryRowContext(ctx, `
		SELECT `+orderColumns+`
		FROM orders
		WHERE fulfilled = false
		  AND (lot_number = $1 OR lines @> jsonb_build_array(jsonb_build_object('lot_number', $1::text)))
		ORDER BY number
		LIMIT 1
	`, lotNumber))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	return order, nil
}

func (s *Store) CreateOrder(ctx context.Context, order domain.Order) (*domain.Order, error) {
	if strings.TrimSpace(order.Customer) == "" || order.Number < 1 {
		return nil, store.ErrInvalid
	}
	if order.ID == "" {
		order.ID = xid.New("ord")
	}
	if order.CreatedAt.IsZero() {
		order.CreatedAt = time.Now().UTC()
	}
	if order.Lines == nil {
		order.Lines = []domain.AllocationLine{}
	}
	order.Version = 1

	lines, err := encodeJSON(order.Lines)
	if err != nil {
		return nil, err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO orders (id, number, customer, booking_date, remark, fulfilled, lines,
			lot_number, material_name, modified_by, version, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
	`, order.ID, order.Number, order.Customer, nullTime(order.BookingDate), order.Remark, order.Fulfilled, lines,
		order.LotNumber, order.MaterialName, order.ModifiedBy, order.Version, order.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, store.ErrInvalid
		}
		return nil, err
	}
	created := order
	return &created, nil
}

func (s *Store) AppendAllocationLine(ctx context.Context, orderID string, line domain.AllocationLine) error {
	payload, err := encodeJSON([]domain.AllocationLine{line})
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET lines = lines || $2::jsonb, version = version + 1
		WHERE id = $1
	`, orderID, payload)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// ReplaceAllocationLine locks the order row, applies store.ReplaceLine to the
// lines read inside the transaction and writes lines and header together.
func (s *Store) ReplaceAllocationLine(ctx context.Context, orderID string, oldLine domain.AllocationLine, newLine domain.AllocationLine, modifiedBy string) error {
	return s.rewriteLines(ctx, orderID, func(lines []domain.AllocationLine, set *headerUpdate) ([]domain.AllocationLine, bool) {
		set.mirror = &domain.HeaderMirror{LotNumber: newLine.LotNumber, MaterialName: newLine.MaterialName, ModifiedBy: modifiedBy}
		return store.ReplaceLine(lines, oldLine, newLine), true
	})
}

func (s *Store) ClearAllocationLine(ctx context.Context, orderID string, lotNumber string) (bool, error) {
	matched := false
	err := s.rewriteLines(ctx, orderID, func(lines []domain.AllocationLine, _ *headerUpdate) ([]domain.AllocationLine, bool) {
		var out []domain.AllocationLine
		out, matched = store.ClearLine(lines, lotNumber)
		return out, matched
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}

type headerUpdate struct {
	mirror *domain.HeaderMirror
}

// rewriteLines runs fn on the current lines of a row-locked order inside a
// serializable transaction. fn reports whether anything changed.
func (s *Store) rewriteLines(ctx context.Context, orderID string, fn func([]domain.AllocationLine, *headerUpdate) ([]domain.AllocationLine, bool)) error {
	pgTx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return err
	}
	defer func() { _ = pgTx.Rollback() }()

	var raw []byte
	err = pgTx.QueryRowContext(ctx, `
		SELECT lines
		FROM orders
		WHERE id = $1
		FOR UPDATE
	`, orderID).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.ErrNotFound
		}
		return err
	}

	var lines []domain.AllocationLine
	if err := decodeJSON(raw, &lines); err != nil {
		return err
	}

	var header headerUpdate
	lines, changed := fn(lines, &header)
	if !changed {
		return nil
	}
	payload, err := encodeJSON(lines)
	if err != nil {
		return err
	}

	if header.mirror != nil {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE orders
			SET lines = $2, lot_number = $3, material_name = $4,
				modified_by = COALESCE(NULLIF($5, ''), modified_by), version = version + 1
			WHERE id = $1
		`, orderID, payload, header.mirror.LotNumber, header.mirror.MaterialName, header.mirror.ModifiedBy)
	} else {
		_, err = pgTx.ExecContext(ctx, `
			UPDATE orders
			SET lines = $2, version = version + 1
			WHERE id = $1
		`, orderID, payload)
	}
	if err != nil {
		return err
	}

	return pgTx.Commit()
}

func (s *Store) SetHeaderMirror(ctx context.Context, orderID string, mirror domain.HeaderMirror) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET lot_number = $2, material_name = $3,
			modified_by = COALESCE(NULLIF($4, ''), modified_by), version = version + 1
		WHERE id = $1
	`, orderID, mirror.LotNumber, mirror.MaterialName, mirror.ModifiedBy)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) SetOrderFulfilled(ctx context.Context, orderID string, modifiedBy string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE orders
		SET fulfilled = true, modified_by = COALESCE(NULLIF($2, ''), modified_by), version = version + 1
		WHERE id = $1
	`, orderID, modifiedBy)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

func (s *Store) DeleteOrder(ctx context.Context, orderID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM orders WHERE id = $1`, orderID)
	if err != nil {
		return err
	}
	return requireAffected(res)
}

// NextOrderNumber increments and reads the shared counter in one statement.
func (s *Store) NextOrderNumber(ctx context.Context) (int64, error) {
	var next int64
	err := s.db.QueryRowContext(ctx, `
		UPDATE order_counter
		SET value = value + 1
		WHERE id = 1
		RETURNING value
	`).Scan(&next)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, fmt.Errorf("%w: order counter row missing", store.ErrStoreUnavailable)
		}
		return 0, err
	}
	return next, nil
}

func (s *Store) ListSalesByLotNumber(ctx context.Context, lotNumber string) ([]domain.Sale, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lot_number, customer, sold_at, total_weight, units
		FROM sales
		WHERE lot_number = $1
		ORDER BY sold_at NULLS LAST, id
	`, lotNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sales := make([]domain.Sale, 0, 4)
	for rows.Next() {
		var (
			sale   domain.Sale
			soldAt sql.NullTime
			units  []byte
		)
		if err := rows.Scan(&sale.ID, &sale.LotNumber, &sale.Customer, &soldAt, &sale.TotalWeight, &units); err != nil {
			return nil, err
		}
		if err := decodeJSON(units, &sale.Units); err != nil {
			return nil, err
		}
		sale.SoldAt = timePtr(soldAt)
		sales = append(sales, sale)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sales, nil
}

func (s *Store) InsertSale(ctx context.Context, sale domain.Sale) error {
	if sale.ID == "" {
		sale.ID = xid.New("sale")
	}
	units, err := encodeJSON(sale.Units)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sales (id, lot_number, customer, sold_at, total_weight, units)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, sale.ID, sale.LotNumber, sale.Customer, nullTime(sale.SoldAt), sale.TotalWeight, units)
	return err
}

// GetReprocessByLotNumber returns the latest reprocess of the lot. There is
// normally only one.
func (s *Store) GetReprocessByLotNumber(ctx context.Context, lotNumber string) (*domain.Reprocess, error) {
	var (
		rep        domain.Reprocess
		date       sql.NullTime
		recordedAt sql.NullTime
		units      []byte
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, lot_number, result_material, reprocessed_on, recorded_at, total_weight, units
		FROM reprocesses
		WHERE lot_number = $1
		ORDER BY COALESCE(reprocessed_on, recorded_at) DESC NULLS LAST
		LIMIT 1
	`, lotNumber).Scan(&rep.ID, &rep.LotNumber, &rep.ResultMaterial, &date, &recordedAt, &rep.TotalWeight, &units)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, err
	}
	if err := decodeJSON(units, &rep.Units); err != nil {
		return nil, err
	}
	rep.Date = timePtr(date)
	rep.RecordedAt = timePtr(recordedAt)
	return &rep, nil
}

func (s *Store) InsertReprocess(ctx context.Context, rep domain.Reprocess) error {
	if rep.ID == "" {
		rep.ID = xid.New("rep")
	}
	units, err := encodeJSON(rep.Units)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO reprocesses (id, lot_number, result_material, reprocessed_on, recorded_at, total_weight, units)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, rep.ID, rep.LotNumber, rep.ResultMaterial, nullTime(rep.Date), nullTime(rep.RecordedAt), rep.TotalWeight, units)
	return err
}

func (s *Store) ListReturnsByLotNumber(ctx context.Context, lotNumber string) ([]domain.Return, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lot_number, customer, reason, returned_at, total_weight, units
		FROM returns
		WHERE lot_number = $1
		ORDER BY returned_at NULLS LAST, id
	`, lotNumber)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	returns := make([]domain.Return, 0, 4)
	for rows.Next() {
		var (
			ret        domain.Return
			returnedAt sql.NullTime
			units      []byte
		)
		if err := rows.Scan(&ret.ID, &ret.LotNumber, &ret.Customer, &ret.Reason, &returnedAt, &ret.TotalWeight, &units); err != nil {
			return nil, err
		}
		if err := decodeJSON(units, &ret.Units); err != nil {
			return nil, err
		}
		ret.ReturnedAt = timePtr(returnedAt)
		returns = append(returns, ret)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return returns, nil
}

func (s *Store) InsertReturn(ctx context.Context, ret domain.Return) error {
	if ret.ID == "" {
		ret.ID = xid.New("ret")
	}
	units, err := encodeJSON(ret.Units)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO returns (id, lot_number, customer, reason, returned_at, total_weight, units)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, ret.ID, ret.LotNumber, ret.Customer, ret.Reason, nullTime(ret.ReturnedAt), ret.TotalWeight, units)
	return err
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return store.ErrNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return false
}

func encodeJSON(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	if string(payload) == "null" {
		return []byte("[]"), nil
	}
	return payload, nil
}

func decodeJSON(raw []byte, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", store.ErrInvalid, err)
	}
	return nil
}

func escapeLike(val string) string {
	return strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(val)
}

func timePtr(val sql.NullTime) *time.Time {
	if !val.Valid {
		return nil
	}
	t := val.Time.UTC()
	return &t
}

func nullIfEmpty(val string) any {
	if val == "" {
		return nil
	}
	return val
}

func nullTime(val *time.Time) any {
	if val == nil {
		return nil
	}
	return *val
}
