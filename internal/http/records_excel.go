package httpapi

import (
	"bytes"
	"fmt"
	"time"

	"checkin-core/internal/service"

	"github.com/xuri/excelize/v2"
)

const recordsSheet = "Checkin Records"

// RecordsExportHeader 导出表头
var RecordsExportHeader = []string{
	"Record ID",
	"Solo User ID",
	"Rule Source",
	"Rule ID",
	"Planned Date",
	"Planned Time",
	"Checkin Time",
	"Status",
}

var recordsColumnWidths = []float64{12, 14, 12, 10, 14, 20, 20, 10}

// GenerateRecordsExport 生成打卡记录 Excel；时间按 loc 输出，records 为空时只有表头
func GenerateRecordsExport(records []service.RecordDTO, loc *time.Location) ([]byte, error) {
	f := excelize.NewFile()

	index, err := f.NewSheet(recordsSheet)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create sheet: %w", err)
	}
	f.DeleteSheet("Sheet1")
	f.SetActiveSheet(index)

	headerStyle, err := f.NewStyle(&excelize.Style{
		Font: &excelize.Font{Bold: true},
		Fill: excelize.Fill{
			Type:    "pattern",
			Color:   []string{"#E6F3FF"},
			Pattern: 1,
		},
		Alignment: &excelize.Alignment{Horizontal: "center", Vertical: "center"},
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to create header style: %w", err)
	}

	for col, header := range RecordsExportHeader {
		cell, err := excelize.CoordinatesToCellName(col+1, 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert coordinates: %w", err)
		}
		if err := f.SetCellValue(recordsSheet, cell, header); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header cell %s: %w", cell, err)
		}
		if err := f.SetCellStyle(recordsSheet, cell, cell, headerStyle); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set header style: %w", err)
		}
		name, err := excelize.ColumnNumberToName(col + 1)
		if err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to convert column number: %w", err)
		}
		if err := f.SetColWidth(recordsSheet, name, name, recordsColumnWidths[col]); err != nil {
			f.Close()
			return nil, fmt.Errorf("failed to set column width: %w", err)
		}
	}

	for i, rec := range records {
		row := i + 2
		for col, value := range recordRow(rec, loc) {
			if value == nil {
				continue
			}
			if err := setCellValue(f, recordsSheet, col+1, row, value); err != nil {
				f.Close()
				return nil, fmt.Errorf("failed to set cell value at row %d, col %d: %w", row, col+1, err)
			}
		}
	}

	if err := f.SetPanes(recordsSheet, &excelize.Panes{
		Freeze:      true,
		YSplit:      1,
		TopLeftCell: "A2",
		ActivePane:  "bottomLeft",
	}); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to freeze panes: %w", err)
	}

	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write to buffer: %w", err)
	}
	if err := f.Close(); err != nil {
		return nil, fmt.Errorf("failed to close file: %w", err)
	}
	return buf.Bytes(), nil
}

// recordRow 与 RecordsExportHeader 顺序一致
func recordRow(rec service.RecordDTO, loc *time.Location) []any {
	source, ruleID := "personal", rec.RuleID
	if rec.CommunityRuleID != nil {
		source, ruleID = "community", rec.CommunityRuleID
	}
	row := []any{
		rec.RecordID,
		rec.SoloUserID,
		source,
		nil,
		rec.PlannedDate,
		rec.PlannedTime.In(loc).Format(time.DateTime),
		nil,
		rec.Status,
	}
	if ruleID != nil {
		row[3] = *ruleID
	}
	if rec.CheckinTime != nil {
		row[6] = rec.CheckinTime.In(loc).Format(time.DateTime)
	}
	return row
}

func setCellValue(f *excelize.File, sheet string, col, row int, value any) error {
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, cell, value)
}
