package extract

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"propwatch/internal/domain"
)

func unitStatus(s string) (occupied bool, ok bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "occupied", "leased", "rented", "notice":
		return true, true
	case "vacant", "available", "down", "model":
		return false, true
	}
	return false, false
}

func parseRentRoll(data []byte) (Result, error) {
	t, err := readTable(data, domain.DocTypeRentRoll, "unit", "status", "rent")
	if err != nil {
		return Result{}, err
	}
	res := Result{Period: t.meta["period"], PropertyName: t.meta["property"], Rows: len(t.rows)}
	var issues []Issue
	seen := map[string]int{}
	var occupied, vacant int64
	rentTotal := decimal.Zero
	for _, r := range t.rows {
		unit := r.get(t, "unit")
		if unit == "" {
			issues = append(issues, Issue{Rule: "completeness.unparsable", Subject: fmt.Sprintf("line %d", r.line), Message: "row has no unit identifier"})
			continue
		}
		seen[unit]++
		if seen[unit] > 1 {
			issues = append(issues, Issue{Rule: "completeness.duplicate", Subject: unit, Message: fmt.Sprintf("unit %s listed again on line %d", unit, r.line)})
			continue
		}
		isOccupied, ok := unitStatus(r.get(t, "status"))
		if !ok {
			issues = append(issues, Issue{Rule: "completeness.unparsable", Subject: unit, Message: fmt.Sprintf("unit %s has unknown status %q", unit, r.get(t, "status"))})
			continue
		}
		rent := decimal.Zero
		if raw := r.get(t, "rent"); raw != "" {
			rent, err = parseAmount(raw)
			if err != nil {
				issues = append(issues, Issue{Rule: "completeness.unparsable", Subject: unit, Message: fmt.Sprintf("unit %s rent %q: %v", unit, raw, err)})
				continue
			}
		}
		if rent.IsNegative() {
			issues = append(issues, Issue{Rule: "range", Subject: unit, Message: fmt.Sprintf("unit %s has negative rent %s", unit, rent.StringFixed(2))})
		}
		if isOccupied {
			occupied++
			rentTotal = rentTotal.Add(rent)
		} else {
			vacant++
		}
	}
	parsed := occupied + vacant

	total := parsed
	if declared, ok := t.meta["total_units"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(declared), 10, 64)
		if err != nil || n < 0 {
			issues = append(issues, Issue{Rule: "completeness.declared", Subject: "total_units", Message: fmt.Sprintf("declared total_units %q is not a count", declared)})
		} else {
			total = n
			if n != parsed {
				issues = append(issues, Issue{Rule: "completeness.omission", Subject: "total_units", Message: fmt.Sprintf("declared %d units, parsed %d unit rows", n, parsed)})
			}
		}
	}
	if declared, ok := t.meta["occupied_units"]; ok {
		n, err := strconv.ParseInt(strings.TrimSpace(declared), 10, 64)
		if err == nil && n != occupied {
			issues = append(issues, Issue{Rule: "count.reconciliation", Subject: "occupied_units", Message: fmt.Sprintf("declared %d occupied units, parsed %d", n, occupied)})
		}
	}
	if occupied > total {
		issues = append(issues, Issue{Rule: "count.reconciliation", Subject: "occupied_units", Message: fmt.Sprintf("occupied units %d exceed total units %d", occupied, total)})
	}

	res.Metrics = []Metric{
		{Name: "total_units", Value: float64(total), Unit: UnitCount},
		{Name: "occupied_units", Value: float64(occupied), Unit: UnitCount},
		{Name: "vacant_units", Value: float64(total - occupied), Unit: UnitCount},
	}
	if total > 0 {
		rate := decimal.NewFromInt(occupied).DivRound(decimal.NewFromInt(total), 4)
		res.Metrics = append(res.Metrics, Metric{Name: "occupancy_rate", Value: rate.InexactFloat64(), Unit: UnitRatio})
	}
	res.Metrics = append(res.Metrics, Metric{Name: "total_rent", Value: rentTotal.Round(2).InexactFloat64(), Unit: UnitCurrency})
	if occupied > 0 {
		avg := rentTotal.DivRound(decimal.NewFromInt(occupied), 2)
		res.Metrics = append(res.Metrics, Metric{Name: "avg_unit_rent", Value: avg.InexactFloat64(), Unit: UnitCurrency})
	}
	res.Report.Issues = issues
	return res, nil
}
