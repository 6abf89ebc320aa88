// Package extract turns stored rent rolls and financial statements into
// typed metrics and a validation report. Parse is pure: the same bytes
// and declared type always produce the same Result.
package extract

import (
	"context"
	"fmt"
	"math"

	"propwatch/internal/domain"
	"propwatch/internal/storage"
)

const (
	UnitCount    = "count"
	UnitRatio    = "ratio"
	UnitPercent  = "percent"
	UnitCurrency = "currency"
)

type Metric struct {
	Name       string  `json:"name"`
	Value      float64 `json:"value"`
	Unit       string  `json:"unit"`
	Signed     bool    `json:"signed,omitempty"`
	Confidence float64 `json:"confidence"`
}

type Issue struct {
	Rule    string `json:"rule"`
	Subject string `json:"subject,omitempty"`
	Message string `json:"message"`
}

type ValidationReport struct {
	Passed bool    `json:"passed"`
	Issues []Issue `json:"issues"`
}

type Result struct {
	DocumentType string           `json:"document_type"`
	Period       string           `json:"period,omitempty"`
	PropertyName string           `json:"property_name,omitempty"`
	Rows         int              `json:"rows"`
	Metrics      []Metric         `json:"metrics"`
	Report       ValidationReport `json:"report"`
}

// Metric returns the named metric and whether it was extracted.
func (r Result) Metric(name string) (Metric, bool) {
	for _, m := range r.Metrics {
		if m.Name == name {
			return m, true
		}
	}
	return Metric{}, false
}

// ParseError reports a document that cannot be read as its declared type.
type ParseError struct {
	Type   string
	Line   int
	Reason string
}

func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("parse %s: line %d: %s", e.Type, e.Line, e.Reason)
	}
	return fmt.Sprintf("parse %s: %s", e.Type, e.Reason)
}

type UnsupportedTypeError struct {
	Type string
}

func (e *UnsupportedTypeError) Error() string {
	return fmt.Sprintf("unsupported document type %q", e.Type)
}

// Supported reports whether declaredType has a parser.
func Supported(declaredType string) bool {
	switch declaredType {
	case domain.DocTypeRentRoll, domain.DocTypeFinancialStatement:
		return true
	}
	return false
}

// Parse extracts metrics from data and validates them.
func Parse(data []byte, declaredType string) (Result, error) {
	var (
		res Result
		err error
	)
	switch declaredType {
	case domain.DocTypeRentRoll:
		res, err = parseRentRoll(data)
	case domain.DocTypeFinancialStatement:
		res, err = parseStatement(data)
	default:
		return Result{}, &UnsupportedTypeError{Type: declaredType}
	}
	if err != nil {
		return Result{}, err
	}
	res.DocumentType = declaredType
	res.Report.Issues = append(res.Report.Issues, checkRanges(res.Metrics)...)
	res.Report.Passed = len(res.Report.Issues) == 0
	if res.Report.Issues == nil {
		res.Report.Issues = []Issue{}
	}
	conf := Confidence(res.Report)
	for i := range res.Metrics {
		res.Metrics[i].Confidence = conf
	}
	return res, nil
}

// Confidence is 1 for a passing report, otherwise 1 - 0.1 per issue with a
// floor of 0.5.
func Confidence(r ValidationReport) float64 {
	if r.Passed {
		return 1
	}
	c := 1 - 0.1*float64(len(r.Issues))
	if c < 0.5 {
		c = 0.5
	}
	return math.Round(c*100) / 100
}

// unboundedRatios may legitimately exceed 1.
var unboundedRatios = map[string]bool{
	"expense_ratio": true,
}

func checkRanges(metrics []Metric) []Issue {
	var issues []Issue
	for _, m := range metrics {
		switch m.Unit {
		case UnitCount:
			if m.Value < 0 {
				issues = append(issues, Issue{Rule: "range", Subject: m.Name, Message: fmt.Sprintf("%s is negative (%v)", m.Name, m.Value)})
			}
		case UnitRatio:
			if m.Value < 0 || (!unboundedRatios[m.Name] && m.Value > 1) {
				issues = append(issues, Issue{Rule: "range", Subject: m.Name, Message: fmt.Sprintf("%s %v outside [0,1]", m.Name, m.Value)})
			}
		case UnitPercent:
			if m.Value < 0 || m.Value > 100 {
				issues = append(issues, Issue{Rule: "range", Subject: m.Name, Message: fmt.Sprintf("%s %v outside [0,100]", m.Name, m.Value)})
			}
		case UnitCurrency:
			if m.Value < 0 && !m.Signed {
				issues = append(issues, Issue{Rule: "range", Subject: m.Name, Message: fmt.Sprintf("%s is negative (%v)", m.Name, m.Value)})
			}
		}
	}
	return issues
}

// Extractor reads document bytes from the object store before parsing.
type Extractor struct {
	Store storage.Store
}

func (x Extractor) Extract(ctx context.Context, storageRef, declaredType string) (Result, error) {
	if !Supported(declaredType) {
		return Result{}, &UnsupportedTypeError{Type: declaredType}
	}
	data, err := x.Store.Get(ctx, storageRef)
	if err != nil {
		return Result{}, fmt.Errorf("read document: %w", err)
	}
	return Parse(data, declaredType)
}
