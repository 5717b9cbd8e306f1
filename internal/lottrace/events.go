package lottrace

import (
	"slices"
	"strings"

	"github.com/alius76/GmrStockPlus-sub000/internal/domain"
)

// CreationEvent maps a lot to its creation event. A zero header weight is
// replaced by the sum of the unit weights.
func CreationEvent(lot domain.Lot, historical bool) domain.TraceEvent {
	subtitle := lot.Description
	if historical {
		subtitle = strings.TrimSpace(subtitle + " (archived)")
	}
	return domain.TraceEvent{
		Timestamp:   lot.CreatedAt,
		Kind:        domain.TraceCreation,
		Title:       "Lot " + lot.Number + " created",
		Subtitle:    subtitle,
		TotalWeight: lot.ReconciledWeight(),
		Units:       lot.UnitWeights(),
		SourceID:    lot.ID,
	}
}

func SaleEvent(sale domain.Sale) domain.TraceEvent {
	return domain.TraceEvent{
		Timestamp:   sale.SoldAt,
		Kind:        domain.TraceSale,
		Title:       "Sale",
		Subtitle:    sale.Customer,
		TotalWeight: domain.SumUnitWeights(sale.TotalWeight, sale.Units),
		Units:       slices.Clone(sale.Units),
		SourceID:    sale.ID,
	}
}

// ReprocessEvent dates the event by the reprocess date, or by the record
// date when the former is missing.
func ReprocessEvent(rep domain.Reprocess) domain.TraceEvent {
	at := rep.Date
	if at == nil {
		at = rep.RecordedAt
	}
	return domain.TraceEvent{
		Timestamp:   at,
		Kind:        domain.TraceReprocess,
		Title:       "Reprocess",
		Subtitle:    rep.ResultMaterial,
		TotalWeight: domain.SumUnitWeights(rep.TotalWeight, rep.Units),
		Units:       slices.Clone(rep.Units),
		SourceID:    rep.ID,
	}
}

func ReturnEvent(ret domain.Return) domain.TraceEvent {
	subtitle := ret.Customer
	if ret.Reason != "" {
		subtitle = strings.TrimSpace(subtitle + ": " + ret.Reason)
	}
	return domain.TraceEvent{
		Timestamp:   ret.ReturnedAt,
		Kind:        domain.TraceReturn,
		Title:       "Return",
		Subtitle:    subtitle,
		TotalWeight: domain.SumUnitWeights(ret.TotalWeight, ret.Units),
		Units:       slices.Clone(ret.Units),
		SourceID:    ret.ID,
	}
}
