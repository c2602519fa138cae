// Package ingestion loads the customs HS code tables into the catalog.
package ingestion

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/internal/textproc"
)

type column int

const (
	colCode column = iota
	colNamePrimary
	colNameSecondary
	colCategoryCode
	colCategoryLabel
	colValidFrom
	colValidTo
)

// headerNames maps every header spelling seen in the customs exports to a column.
var headerNames = map[string]column{
	"hs_code":    colCode,
	"hs부호":       colCode,
	"hs2단위":      colCode,
	"hs4단위":      colCode,
	"hs6단위":      colCode,
	"hs8단위":      colCode,
	"hs10단위":     colCode,
	"한글품목명":      colNamePrimary,
	"품목명(한글)":    colNamePrimary,
	"name_ko":    colNamePrimary,
	"영문품목명":      colNameSecondary,
	"품목명(영문)":    colNameSecondary,
	"name_en":    colNameSecondary,
	"성질통합분류코드":   colCategoryCode,
	"성질통합분류코드명":  colCategoryLabel,
	"적용시작일자":     colValidFrom,
	"적용종료일자":     colValidTo,
	"valid_from": colValidFrom,
	"valid_to":   colValidTo,
}

// Stats counts what happened to the raw rows of one source.
type Stats struct {
	Rows    int
	Invalid int
	Blank   int
}

func (s *Stats) add(o Stats) {
	s.Rows += o.Rows
	s.Invalid += o.Invalid
	s.Blank += o.Blank
}

type layout map[column]int

func headerLayout(header []string) (layout, error) {
	l := make(layout)
	for i, h := range header {
		key := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(strings.TrimPrefix(h, "\ufeff")), " ", ""))
		if col, ok := headerNames[key]; ok {
			if _, seen := l[col]; !seen {
				l[col] = i
			}
		}
	}
	if _, ok := l[colCode]; !ok {
		return nil, eris.Errorf("no hs code column in header %q", header)
	}
	if _, ok := l[colNamePrimary]; !ok {
		if _, ok := l[colNameSecondary]; !ok {
			return nil, eris.Errorf("no item name column in header %q", header)
		}
	}
	return l, nil
}

func (l layout) get(row []string, col column) string {
	i, ok := l[col]
	if !ok || i >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[i])
}

// normalizeCode keeps the digits of raw. Spreadsheet cells stored as numbers
// lose the leading zero of chapters 01-09, so when width is known a code one
// digit short is padded back to it.
func normalizeCode(raw string, width int) string {
	code := textproc.DigitsOnly(raw)
	if width > 0 && len(code) == width-1 {
		code = "0" + code
	}
	return code
}

func normalizeDate(raw string) string {
	d := textproc.DigitsOnly(raw)
	if len(d) != 8 {
		return ""
	}
	return d
}

// parseRows turns data rows into entries. Rows with no code and no name are
// blank; rows whose code is not a catalog level are invalid.
func parseRows(header []string, rows [][]string, width int) ([]catalog.Entry, Stats, error) {
	l, err := headerLayout(header)
	if err != nil {
		return nil, Stats{}, err
	}

	var stats Stats
	entries := make([]catalog.Entry, 0, len(rows))
	for _, row := range rows {
		stats.Rows++
		raw := l.get(row, colCode)
		name := l.get(row, colNamePrimary)
		nameEn := l.get(row, colNameSecondary)
		if raw == "" && name == "" && nameEn == "" {
			stats.Blank++
			continue
		}

		e := catalog.Entry{
			Code:          normalizeCode(raw, width),
			NamePrimary:   name,
			NameSecondary: nameEn,
			CategoryCode:  l.get(row, colCategoryCode),
			CategoryLabel: l.get(row, colCategoryLabel),
			ValidFrom:     normalizeDate(l.get(row, colValidFrom)),
			ValidTo:       normalizeDate(l.get(row, colValidTo)),
		}
		e.Level = catalog.LevelOf(e.Code)
		if e.Validate() != nil || e.Name() == "" {
			stats.Invalid++
			continue
		}
		entries = append(entries, e)
	}
	return entries, stats, nil
}
