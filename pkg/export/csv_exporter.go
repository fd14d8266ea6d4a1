package export

import (
	"bytes"
	"encoding/csv"
	"fmt"
)

// Dataset is a column-ordered table ready for export. Rows map header name
// to cell value; a missing key renders as an empty cell.
type Dataset struct {
	Headers []string
	Rows    []map[string]string
}

// CSVExporter encodes a dataset as RFC 4180 CSV.
type CSVExporter struct{}

// NewCSVExporter builds a CSV exporter.
func NewCSVExporter() *CSVExporter {
	return &CSVExporter{}
}

// Render writes the header row followed by every record row.
func (e *CSVExporter) Render(data Dataset) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("export dataset has no columns")
	}
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(data.Headers); err != nil {
		return nil, fmt.Errorf("encode header row: %w", err)
	}
	line := make([]string, len(data.Headers))
	for _, row := range data.Rows {
		for i, header := range data.Headers {
			line[i] = row[header]
		}
		if err := w.Write(line); err != nil {
			return nil, fmt.Errorf("encode record row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flush csv output: %w", err)
	}
	return buf.Bytes(), nil
}
