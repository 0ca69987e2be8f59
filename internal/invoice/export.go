package invoice

import (
	"fmt"

	"github.com/xuri/excelize/v2"
)

const exportSheet = "Invoice Data"

// Workbook renders the session as an XLSX workbook with one row per invoice
func (s *Session) Workbook() ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", exportSheet); err != nil {
		return nil, fmt.Errorf("naming sheet: %w", err)
	}

	header := make([]any, 0, len(s.Columns)+2)
	header = append(header, sourceFileColumn, pageNumberColumn)
	for _, name := range s.Columns {
		header = append(header, name)
	}
	if err := f.SetSheetRow(exportSheet, "A1", &header); err != nil {
		return nil, fmt.Errorf("writing header: %w", err)
	}

	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err == nil {
		last, _ := excelize.CoordinatesToCellName(len(header), 1)
		_ = f.SetCellStyle(exportSheet, "A1", last, bold)
	}

	for i, r := range s.Results {
		values := make([]any, 0, len(header))
		values = append(values, r.SourceFile, r.Page)
		for _, name := range s.Columns {
			values = append(values, r.Value(name))
		}
		cell, _ := excelize.CoordinatesToCellName(1, i+2)
		if err := f.SetSheetRow(exportSheet, cell, &values); err != nil {
			return nil, fmt.Errorf("writing row %d: %w", i+1, err)
		}
	}

	// Widen the columns
	lastCol, _ := excelize.ColumnNumberToName(len(header))
	_ = f.SetColWidth(exportSheet, "A", "A", 28)
	_ = f.SetColWidth(exportSheet, "B", lastCol, 18)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("xlsx write: %w", err)
	}
	return buf.Bytes(), nil
}
