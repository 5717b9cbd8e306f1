package domain

import (
	"strings"

	"github.com/shopspring/decimal"
)

// ParseWeight reads a string-encoded weight. Decimal commas are accepted;
// anything unparsable is zero.
func ParseWeight(raw string) decimal.Decimal {
	raw = strings.TrimSpace(strings.ReplaceAll(raw, ",", "."))
	if raw == "" {
		return decimal.Zero
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func FormatWeight(d decimal.Decimal) string {
	return d.String()
}

// ReconcileWeight returns header when it is a positive weight, otherwise the
// sum of the unit weights.
func ReconcileWeight(header string, units []string) string {
	h := ParseWeight(header)
	if h.GreaterThan(decimal.Zero) {
		return FormatWeight(h)
	}
	sum := decimal.Zero
	for _, w := range units {
		sum = sum.Add(ParseWeight(w))
	}
	return FormatWeight(sum)
}

func (l Lot) UnitWeights() []UnitWeight {
	out := make([]UnitWeight, 0, len(l.Units))
	for _, u := range l.Units {
		out = append(out, UnitWeight{Number: u.Number, Weight: u.Weight})
	}
	return out
}

// ReconciledWeight is the lot weight after zero-header compensation.
func (l Lot) ReconciledWeight() string {
	weights := make([]string, 0, len(l.Units))
	for _, u := range l.Units {
		weights = append(weights, u.Weight)
	}
	return ReconcileWeight(l.TotalWeight, weights)
}

func SumUnitWeights(header string, units []UnitWeight) string {
	weights := make([]string, 0, len(units))
	for _, u := range units {
		weights = append(weights, u.Weight)
	}
	return ReconcileWeight(header, weights)
}
