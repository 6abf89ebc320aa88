package extract

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"propwatch/internal/domain"
)

func lineCategory(s string) string {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "revenue", "income", "other income":
		return "revenue"
	case "expense", "expenses", "opex", "operating expense":
		return "expense"
	}
	return ""
}

func parseStatement(data []byte) (Result, error) {
	t, err := readTable(data, domain.DocTypeFinancialStatement, "line_item", "category", "amount")
	if err != nil {
		return Result{}, err
	}
	res := Result{Period: t.meta["period"], PropertyName: t.meta["property"], Rows: len(t.rows)}
	var issues []Issue
	seen := map[string]bool{}
	revenue := decimal.Zero
	expenses := decimal.Zero
	for _, r := range t.rows {
		item := r.get(t, "line_item")
		subject := item
		if subject == "" {
			subject = fmt.Sprintf("line %d", r.line)
		}
		category := lineCategory(r.get(t, "category"))
		if category == "" {
			issues = append(issues, Issue{Rule: "completeness.unparsable", Subject: subject, Message: fmt.Sprintf("unknown category %q", r.get(t, "category"))})
			continue
		}
		key := category + "/" + strings.ToLower(item)
		if item != "" && seen[key] {
			issues = append(issues, Issue{Rule: "completeness.duplicate", Subject: item, Message: fmt.Sprintf("%s line %s listed again on line %d", category, item, r.line)})
			continue
		}
		seen[key] = true
		amount, err := parseAmount(r.get(t, "amount"))
		if err != nil {
			issues = append(issues, Issue{Rule: "completeness.unparsable", Subject: subject, Message: fmt.Sprintf("amount %q: %v", r.get(t, "amount"), err)})
			continue
		}
		if category == "revenue" {
			if amount.IsNegative() {
				issues = append(issues, Issue{Rule: "range", Subject: subject, Message: fmt.Sprintf("revenue line is negative (%s)", amount.StringFixed(2))})
			}
			revenue = revenue.Add(amount)
		} else {
			// expense credits may be negative
			expenses = expenses.Add(amount)
		}
	}
	noi := revenue.Sub(expenses)
	if reported, ok := t.meta["reported_noi"]; ok {
		want, err := parseAmount(reported)
		switch {
		case err != nil:
			issues = append(issues, Issue{Rule: "completeness.declared", Subject: "reported_noi", Message: fmt.Sprintf("reported_noi %q: %v", reported, err)})
		case !want.Round(2).Equal(noi.Round(2)):
			issues = append(issues, Issue{Rule: "count.reconciliation", Subject: "net_operating_income", Message: fmt.Sprintf("reported NOI %s differs from computed %s", want.StringFixed(2), noi.StringFixed(2))})
		}
	}
	res.Metrics = []Metric{
		{Name: "revenue", Value: revenue.Round(2).InexactFloat64(), Unit: UnitCurrency},
		{Name: "expenses", Value: expenses.Round(2).InexactFloat64(), Unit: UnitCurrency},
		{Name: "net_operating_income", Value: noi.Round(2).InexactFloat64(), Unit: UnitCurrency, Signed: true},
	}
	if revenue.IsPositive() {
		ratio := expenses.DivRound(revenue, 4)
		res.Metrics = append(res.Metrics, Metric{Name: "expense_ratio", Value: ratio.InexactFloat64(), Unit: UnitRatio})
	}
	res.Report.Issues = issues
	return res, nil
}
