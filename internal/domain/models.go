package domain

import (
	"strconv"
	"strings"
	"time"
)

const (
	UnitStatusInStock    = "in_stock"
	UnitStatusDispatched = "dispatched"
)

// BlockedCustomer is the booking customer used to mark a lot as internally
// unusable. No real order customer ever matches it.
const BlockedCustomer = "__BLOCKED__"

type Unit struct {
	Number   string `json:"number"`
	Weight   string `json:"weight"`
	Status   string `json:"status"`
	Location string `json:"location,omitempty"`
	Remark   string `json:"remark,omitempty"`
}

type Booking struct {
	Customer string     `json:"customer"`
	Remark   string     `json:"remark,omitempty"`
	BookedAt *time.Time `json:"booked_at,omitempty"`
	BookedBy string     `json:"booked_by,omitempty"`
}

type Lot struct {
	ID          string     `json:"id"`
	Number      string     `json:"number"`
	Description string     `json:"description"`
	Count       string     `json:"count"`
	TotalWeight string     `json:"total_weight"`
	Units       []Unit     `json:"units"`
	Booking     *Booking   `json:"booking,omitempty"`
	Remark      string     `json:"remark,omitempty"`
	CreatedAt   *time.Time `json:"created_at,omitempty"`
}

// UnitCount parses the string-encoded count. Missing or malformed counts
// degrade to zero.
func (l Lot) UnitCount() int {
	n, err := strconv.Atoi(strings.TrimSpace(l.Count))
	if err != nil || n < 0 {
		return 0
	}
	return n
}

func (l Lot) IsBlocked() bool {
	return l.Booking != nil && l.Booking.Customer == BlockedCustomer
}

// BookedFor reports whether the lot's booking, if any, allows allocation into
// an order for customer.
func (l Lot) BookedFor(customer string) bool {
	if l.Booking == nil || strings.TrimSpace(l.Booking.Customer) == "" {
		return true
	}
	return l.Booking.Customer == customer
}

// AllocationLine is one material demand within an order. An empty LotNumber
// marks a placeholder: the material is requested but no lot is chosen yet.
type AllocationLine struct {
	MaterialName string `json:"material_name"`
	LotNumber    string `json:"lot_number"`
	LotID        string `json:"lot_id"`
	UnitCount    int    `json:"unit_count"`
	AssignedBy   string `json:"assigned_by"`
	Fulfilled    bool   `json:"fulfilled"`
}

func (l AllocationLine) IsPlaceholder() bool {
	return strings.TrimSpace(l.LotNumber) == ""
}

// Placeholder returns the line reset to an unmatched demand for the same material.
func (l AllocationLine) Placeholder() AllocationLine {
	return AllocationLine{MaterialName: l.MaterialName}
}

type Order struct {
	ID          string           `json:"id"`
	Number      int64            `json:"number"`
	Customer    string           `json:"customer"`
	BookingDate *time.Time       `json:"booking_date,omitempty"`
	Remark      string           `json:"remark,omitempty"`
	Fulfilled   bool             `json:"fulfilled"`
	Lines       []AllocationLine `json:"lines"`

	// Header mirror of the current line for legacy display.
	LotNumber    string `json:"lot_number"`
	MaterialName string `json:"material_name"`
	ModifiedBy   string `json:"modified_by,omitempty"`

	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
}

// LineIndex returns the index of the first line bound to lotNumber, or -1.
func (o Order) LineIndex(lotNumber string) int {
	if lotNumber == "" {
		return -1
	}
	for i, line := range o.Lines {
		if line.LotNumber == lotNumber {
			return i
		}
	}
	return -1
}

// PlaceholderIndex returns the index of the first unmatched line for
// materialName, or -1.
func (o Order) PlaceholderIndex(materialName string) int {
	for i, line := range o.Lines {
		if line.IsPlaceholder() && line.MaterialName == materialName {
			return i
		}
	}
	return -1
}

// HeaderMirror is the denormalized copy of one line kept on the order header.
type HeaderMirror struct {
	LotNumber    string
	MaterialName string
	ModifiedBy   string
}

type Sale struct {
	ID          string       `json:"id"`
	LotNumber   string       `json:"lot_number"`
	Customer    string       `json:"customer"`
	SoldAt      *time.Time   `json:"sold_at,omitempty"`
	TotalWeight string       `json:"total_weight"`
	Units       []UnitWeight `json:"units"`
}

type Return struct {
	ID          string       `json:"id"`
	LotNumber   string       `json:"lot_number"`
	Customer    string       `json:"customer"`
	Reason      string       `json:"reason,omitempty"`
	ReturnedAt  *time.Time   `json:"returned_at,omitempty"`
	TotalWeight string       `json:"total_weight"`
	Units       []UnitWeight `json:"units"`
}

type Reprocess struct {
	ID             string       `json:"id"`
	LotNumber      string       `json:"lot_number"`
	ResultMaterial string       `json:"result_material"`
	Date           *time.Time   `json:"date,omitempty"`
	RecordedAt     *time.Time   `json:"recorded_at,omitempty"`
	TotalWeight    string       `json:"total_weight"`
	Units          []UnitWeight `json:"units"`
}

type UnitWeight struct {
	Number string `json:"number"`
	Weight string `json:"weight"`
}

type OccupancyEntry struct {
	OrderID     string     `json:"order_id"`
	OrderNumber int64      `json:"order_number"`
	Customer    string     `json:"customer"`
	UnitCount   int        `json:"unit_count"`
	Date        *time.Time `json:"date,omitempty"`
	User        string     `json:"user,omitempty"`
}

type TraceKind string

const (
	TraceCreation  TraceKind = "creation"
	TraceSale      TraceKind = "sale"
	TraceReprocess TraceKind = "reprocess"
	TraceReturn    TraceKind = "return"
)

type TraceEvent struct {
	Timestamp   *time.Time   `json:"timestamp,omitempty"`
	Kind        TraceKind    `json:"kind"`
	Title       string       `json:"title"`
	Subtitle    string       `json:"subtitle,omitempty"`
	TotalWeight string       `json:"total_weight"`
	Units       []UnitWeight `json:"units"`
	SourceID    string       `json:"source_id"`
}

type AssignRequest struct {
	OrderID   string `json:"order_id" validate:"required"`
	LotNumber string `json:"lot_number" validate:"required_without=LotID"`
	LotID     string `json:"lot_id"`
	Units     int    `json:"units" validate:"gt=0"`
	User      string `json:"user"`
}

type UnassignRequest struct {
	OrderID         string `json:"order_id" validate:"required"`
	LotNumber       string `json:"lot_number" validate:"required"`
	ClearLotBooking bool   `json:"clear_lot_booking"`
	User            string `json:"user"`
}

type SubstituteRequest struct {
	OrderID string         `json:"order_id" validate:"required"`
	OldLine AllocationLine `json:"old_line"`
	NewLine AllocationLine `json:"new_line"`
	User    string         `json:"user"`
}

type BookRequest struct {
	LotNumber string     `json:"lot_number" validate:"required"`
	Customer  string     `json:"customer" validate:"required"`
	Date      *time.Time `json:"date,omitempty"`
	User      string     `json:"user"`
	Remark    string     `json:"remark"`
}

type CreateOrderRequest struct {
	Customer    string     `json:"customer" validate:"required"`
	BookingDate *time.Time `json:"booking_date,omitempty"`
	Remark      string     `json:"remark"`
	Materials   []string   `json:"materials" validate:"dive,required"`
	User        string     `json:"user"`
}

type LotOccupancy struct {
	Lot       Lot              `json:"lot"`
	Entries   []OccupancyEntry `json:"entries"`
	Occupied  int              `json:"occupied"`
	Available int              `json:"available"`
}

type LotCandidate struct {
	LotNumber   string `json:"lot_number"`
	LotID       string `json:"lot_id"`
	Description string `json:"description"`
	Total       int    `json:"total"`
	Available   int    `json:"available"`
	Blocked     bool   `json:"blocked"`
	BookedFor   string `json:"booked_for,omitempty"`
}

type MirrorReport struct {
	OrderID          string `json:"order_id"`
	Consistent       bool   `json:"consistent"`
	HeaderLotNumber  string `json:"header_lot_number"`
	ExpectedLot      string `json:"expected_lot_number"`
	HeaderMaterial   string `json:"header_material_name"`
	ExpectedMaterial string `json:"expected_material_name"`
	Repaired         bool   `json:"repaired"`
}
