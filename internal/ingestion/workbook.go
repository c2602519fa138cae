package ingestion

import (
	"regexp"
	"strconv"

	"github.com/rotisserie/eris"
	"github.com/tealeg/xlsx/v2"
	"go.uber.org/zap"

	"github.com/hs-classifier/backend/internal/catalog"
	"github.com/hs-classifier/backend/pkg/logger"
)

// Level sheets are named HS2단위, HS4단위, HS6단위, HS10단위. Variants such as
// "HS6단위(5단위포함)" mix code widths.
var sheetPattern = regexp.MustCompile(`^HS([\d-]+)단위(.*)$`)

// sheetWidth returns the code width of a level sheet, or ok=false for sheets
// that hold no level table.
func sheetWidth(name string) (int, bool) {
	m := sheetPattern.FindStringSubmatch(name)
	if m == nil {
		return 0, false
	}
	n, _ := strconv.Atoi(m[1])
	if m[2] != "" {
		return 0, true
	}
	switch n {
	case 2, 4, 6, 8, 10:
		return n, true
	}
	return 0, true
}

// ReadWorkbook reads every level sheet of the customs workbook.
func ReadWorkbook(path string) ([]catalog.Entry, Stats, error) {
	f, err := xlsx.OpenFile(path)
	if err != nil {
		return nil, Stats{}, eris.Wrap(err, "xlsx: open file")
	}

	var (
		all   []catalog.Entry
		stats Stats
		read  int
	)
	for _, sheet := range f.Sheets {
		width, ok := sheetWidth(sheet.Name)
		if !ok {
			logger.Debug("Skipping sheet", zap.String("sheet", sheet.Name))
			continue
		}

		header, rows := splitHeader(sheet)
		if header == nil {
			continue
		}
		entries, s, err := parseRows(header, rows, width)
		if err != nil {
			return nil, stats, eris.Wrapf(err, "sheet %s", sheet.Name)
		}
		logger.Info("Workbook sheet read",
			zap.String("sheet", sheet.Name),
			zap.Int("entries", len(entries)),
			zap.Int("invalid", s.Invalid),
		)
		all = append(all, entries...)
		stats.add(s)
		read++
	}
	if read == 0 {
		return nil, stats, eris.Errorf("xlsx: no HS level sheets in %s", path)
	}
	return all, stats, nil
}

// splitHeader treats the first non-empty row as the header.
func splitHeader(sheet *xlsx.Sheet) ([]string, [][]string) {
	var header []string
	var rows [][]string
	for _, row := range sheet.Rows {
		cells := rowToStrings(row)
		if header == nil {
			if isEmpty(cells) {
				continue
			}
			header = cells
			continue
		}
		rows = append(rows, cells)
	}
	return header, rows
}

func rowToStrings(row *xlsx.Row) []string {
	cells := make([]string, len(row.Cells))
	for j, cell := range row.Cells {
		cells[j] = cell.String()
	}
	return cells
}

func isEmpty(cells []string) bool {
	for _, c := range cells {
		if c != "" {
			return false
		}
	}
	return true
}
