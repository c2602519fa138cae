package ingestion

import (
	"encoding/csv"
	"io"

	"github.com/rotisserie/eris"

	"github.com/hs-classifier/backend/internal/catalog"
)

// ReadCSV reads the flat customs export. Codes are taken as written since
// CSV keeps leading zeros.
func ReadCSV(r io.Reader) ([]catalog.Entry, Stats, error) {
	reader := csv.NewReader(r)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	header, err := reader.Read()
	if err == io.EOF {
		return nil, Stats{}, eris.New("csv: empty input")
	}
	if err != nil {
		return nil, Stats{}, eris.Wrap(err, "csv: read header")
	}

	var rows [][]string
	for {
		record, err := reader.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, Stats{}, eris.Wrap(err, "csv: read row")
		}
		rows = append(rows, record)
	}

	return parseRows(header, rows, 0)
}
