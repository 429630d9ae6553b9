package http

import (
	"bytes"
	"fmt"
	"time"

	"github.com/jung-kurt/gofpdf"
	"github.com/xuri/excelize/v2"

	alarms "iiot-gateway/internal/alarms/domain"
)

const (
	FormatXLSX = "xlsx"
	FormatPDF  = "pdf"

	contentTypeXLSX = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	contentTypePDF  = "application/pdf"
)

var historyColumns = []string{"ID", "Rule", "Name", "Tag", "Severity", "State", "Value", "Triggered", "Cleared"}

// BuildHistoryExport renders alarms in the requested format.
func BuildHistoryExport(format string, list []alarms.Alarm, generated time.Time) ([]byte, string, error) {
	switch format {
	case FormatXLSX:
		data, err := BuildHistoryXLSX(list, generated)
		return data, contentTypeXLSX, err
	case FormatPDF:
		data, err := BuildHistoryPDF(list, generated)
		return data, contentTypePDF, err
	default:
		return nil, "", fmt.Errorf("alarm export: unsupported format %q", format)
	}
}

// BuildHistoryPDF renders a minimal landscape PDF table of alarms.
func BuildHistoryPDF(list []alarms.Alarm, generated time.Time) ([]byte, error) {
	pdf := gofpdf.New("L", "mm", "A4", "")
	pdf.SetFont("Arial", "", 12)
	pdf.AddPage()

	pdf.Cell(0, 8, "Alarm History")
	pdf.Ln(10)
	pdf.SetFont("Arial", "", 10)
	pdf.Cell(0, 6, fmt.Sprintf("Generated: %s", generated.Format(time.RFC3339)))
	pdf.Ln(5)
	pdf.Cell(0, 6, fmt.Sprintf("Alarms: %d", len(list)))
	pdf.Ln(8)

	widths := []float64{40, 30, 40, 35, 20, 25, 20, 35, 35}
	pdf.SetFont("Arial", "B", 9)
	for i, column := range historyColumns {
		pdf.CellFormat(widths[i], 6, column, "1", 0, "C", false, 0, "")
	}
	pdf.Ln(-1)
	pdf.SetFont("Arial", "", 8)
	for _, alarm := range list {
		for i, cell := range historyRow(alarm) {
			align := "L"
			if i == 6 {
				align = "R"
			}
			pdf.CellFormat(widths[i], 6, truncate(cell, 24), "1", 0, align, false, 0, "")
		}
		pdf.Ln(-1)
	}

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildHistoryXLSX renders alarms as a workbook with a summary and an alarms sheet.
func BuildHistoryXLSX(list []alarms.Alarm, generated time.Time) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close()
	summarySheet := "summary"
	alarmsSheet := "alarms"
	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return nil, err
	}
	if _, err := f.NewSheet(alarmsSheet); err != nil {
		return nil, err
	}

	counts := map[string]int{}
	for _, alarm := range list {
		counts[alarm.State]++
	}
	_ = f.SetCellValue(summarySheet, "A1", "Alarm History")
	_ = f.SetCellValue(summarySheet, "A3", "Generated")
	_ = f.SetCellValue(summarySheet, "B3", generated.Format(time.RFC3339))
	_ = f.SetCellValue(summarySheet, "A4", "Total")
	_ = f.SetCellValue(summarySheet, "B4", len(list))
	_ = f.SetCellValue(summarySheet, "A5", "Active")
	_ = f.SetCellValue(summarySheet, "B5", counts[alarms.StateActive])
	_ = f.SetCellValue(summarySheet, "A6", "Acknowledged")
	_ = f.SetCellValue(summarySheet, "B6", counts[alarms.StateAcknowledged])
	_ = f.SetCellValue(summarySheet, "A7", "Cleared")
	_ = f.SetCellValue(summarySheet, "B7", counts[alarms.StateCleared])

	for i, column := range historyColumns {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return nil, err
		}
		_ = f.SetCellValue(alarmsSheet, cell, column)
	}
	for rowIndex, alarm := range list {
		row := rowIndex + 2
		for i, value := range historyRow(alarm) {
			cell, err := excelize.CoordinatesToCellName(i+1, row)
			if err != nil {
				return nil, err
			}
			if i == 6 {
				_ = f.SetCellValue(alarmsSheet, cell, alarm.ValueAtTrigger)
				continue
			}
			_ = f.SetCellValue(alarmsSheet, cell, value)
		}
	}

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func historyRow(alarm alarms.Alarm) []string {
	cleared := ""
	if alarm.TimestampCleared != nil {
		cleared = alarm.TimestampCleared.UTC().Format(time.RFC3339)
	}
	return []string{
		alarm.ID,
		alarm.RuleID,
		alarm.Name,
		alarm.TagID,
		alarm.Severity,
		alarm.State,
		fmt.Sprintf("%.2f", alarm.ValueAtTrigger),
		alarm.TimestampTriggered.UTC().Format(time.RFC3339),
		cleared,
	}
}

func truncate(value string, max int) string {
	if len(value) <= max {
		return value
	}
	return value[:max-1] + "~"
}
