package export

import (
	"bytes"
	"fmt"

	"github.com/jung-kurt/gofpdf"
)

// PDFExporter lays a dataset out as a portrait A4 table.
type PDFExporter struct{}

// NewPDFExporter constructs a PDF exporter.
func NewPDFExporter() *PDFExporter {
	return &PDFExporter{}
}

// Render draws the title and table. The leading column gets a wider share
// of the page since it carries the attendee name on attendance sheets.
func (e *PDFExporter) Render(data Dataset, title string) ([]byte, error) {
	if len(data.Headers) == 0 {
		return nil, fmt.Errorf("export dataset has no columns")
	}
	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(10, 15, 10)
	pdf.AddPage()

	if title != "" {
		pdf.SetFont("Arial", "B", 14)
		pdf.CellFormat(0, 10, title, "", 1, "C", false, 0, "")
		pdf.Ln(4)
	}

	widths := columnWidths(len(data.Headers))
	pdf.SetFont("Arial", "B", 10)
	for i, header := range data.Headers {
		pdf.CellFormat(widths[i], 8, header, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)

	pdf.SetFont("Arial", "", 9)
	for _, row := range data.Rows {
		for i, header := range data.Headers {
			pdf.CellFormat(widths[i], 7, row[header], "1", 0, "", false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf output: %w", err)
	}
	return buf.Bytes(), nil
}

// columnWidths splits the printable width, biased toward the name column.
func columnWidths(n int) []float64 {
	const printable = 190.0
	widths := make([]float64, n)
	if n == 1 {
		widths[0] = printable
		return widths
	}
	widths[0] = printable * 0.34
	rest := (printable - widths[0]) / float64(n-1)
	for i := 1; i < n; i++ {
		widths[i] = rest
	}
	return widths
}
