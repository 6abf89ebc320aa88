package extract

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"io"
	"strings"

	"github.com/shopspring/decimal"
)

type table struct {
	meta   map[string]string
	header map[string]int
	rows   []row
}

type row struct {
	line   int
	fields []string
}

func (r row) get(t *table, col string) string {
	idx, ok := t.header[col]
	if !ok || idx >= len(r.fields) {
		return ""
	}
	return strings.TrimSpace(r.fields[idx])
}

// readTable splits "#key: value" metadata lines from the CSV body and
// checks that every required column is present in the header.
func readTable(data []byte, docType string, required ...string) (*table, error) {
	t := &table{meta: map[string]string{}, header: map[string]int{}}
	var body bytes.Buffer
	var lineMap []int
	sc := bufio.NewScanner(bytes.NewReader(data))
	sc.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimRight(sc.Text(), "\r")
		trimmed := strings.TrimSpace(text)
		if strings.HasPrefix(trimmed, "#") {
			k, v, ok := strings.Cut(strings.TrimPrefix(trimmed, "#"), ":")
			if ok {
				t.meta[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
			}
			continue
		}
		if trimmed == "" {
			continue
		}
		body.WriteString(text)
		body.WriteByte('\n')
		lineMap = append(lineMap, line)
	}
	if err := sc.Err(); err != nil {
		return nil, &ParseError{Type: docType, Reason: err.Error()}
	}
	r := csv.NewReader(&body)
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	record := 0
	for {
		fields, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var pe *csv.ParseError
			if errors.As(err, &pe) && pe.Line-1 < len(lineMap) && pe.Line > 0 {
				return nil, &ParseError{Type: docType, Line: lineMap[pe.Line-1], Reason: pe.Err.Error()}
			}
			return nil, &ParseError{Type: docType, Reason: err.Error()}
		}
		srcLine := 0
		if record < len(lineMap) {
			srcLine = lineMap[record]
		}
		record++
		if len(t.header) == 0 {
			for i, f := range fields {
				t.header[strings.ToLower(strings.TrimSpace(f))] = i
			}
			continue
		}
		t.rows = append(t.rows, row{line: srcLine, fields: fields})
	}
	if len(t.header) == 0 {
		return nil, &ParseError{Type: docType, Reason: "no header row"}
	}
	for _, col := range required {
		if _, ok := t.header[col]; !ok {
			return nil, &ParseError{Type: docType, Reason: "missing column " + col}
		}
	}
	if len(t.rows) == 0 {
		return nil, &ParseError{Type: docType, Reason: "no data rows"}
	}
	return t, nil
}

// parseAmount accepts "$1,250.00", "1250", "-300" and "(300.00)".
func parseAmount(s string) (decimal.Decimal, error) {
	s = strings.TrimSpace(s)
	neg := false
	if strings.HasPrefix(s, "(") && strings.HasSuffix(s, ")") {
		neg = true
		s = strings.TrimSuffix(strings.TrimPrefix(s, "("), ")")
	}
	s = strings.NewReplacer("$", "", ",", "", " ", "").Replace(s)
	if s == "" {
		return decimal.Zero, errors.New("empty amount")
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, err
	}
	if neg {
		d = d.Neg()
	}
	return d, nil
}
