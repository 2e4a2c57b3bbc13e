package api

import (
	"fmt"
	"io"
	"time"

	"slotwatch/internal/models"

	"github.com/xuri/excelize/v2"
)

const (
	xlsxContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	detectionsSheet = "Detections"
)

var detectionColumns = []string{"Detected at (UTC)", "Target", "Target ID", "Date", "Time", "Places", "Matched clients"}

// WriteDetections renders detections as an xlsx workbook.
func WriteDetections(w io.Writer, since time.Time, detections []models.Detection, targetNames map[string]string) error {
	f := excelize.NewFile()
	defer f.Close()

	index, err := f.NewSheet(detectionsSheet)
	if err != nil {
		return fmt.Errorf("error creating sheet: %w", err)
	}
	f.SetActiveSheet(index)
	_ = f.DeleteSheet("Sheet1")

	_ = f.SetCellValue(detectionsSheet, "A1", fmt.Sprintf("Detections since %s", since.Format("2006-01-02")))
	lastCol, _ := excelize.ColumnNumberToName(len(detectionColumns))
	_ = f.MergeCell(detectionsSheet, "A1", lastCol+"1")
	titleStyle, _ := f.NewStyle(&excelize.Style{
		Font:      &excelize.Font{Bold: true, Size: 14},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	_ = f.SetCellStyle(detectionsSheet, "A1", "A1", titleStyle)

	headerStyle, _ := f.NewStyle(&excelize.Style{
		Fill:      excelize.Fill{Type: "pattern", Color: []string{"#DDEBF7"}, Pattern: 1},
		Font:      &excelize.Font{Bold: true},
		Alignment: &excelize.Alignment{Horizontal: "center"},
	})
	for i, title := range detectionColumns {
		cell, _ := excelize.CoordinatesToCellName(i+1, 2)
		_ = f.SetCellValue(detectionsSheet, cell, title)
		_ = f.SetCellStyle(detectionsSheet, cell, cell, headerStyle)
	}

	for i, d := range detections {
		row := i + 3
		name := targetNames[d.TargetID]
		if name == "" {
			name = d.TargetID
		}
		values := []interface{}{
			d.DetectedAt.UTC().Format("2006-01-02 15:04:05"),
			name,
			d.TargetID,
			d.Slot.Date,
			d.Slot.Time,
			d.Slot.Available(),
			d.MatchedClients,
		}
		cell, _ := excelize.CoordinatesToCellName(1, row)
		if err := f.SetSheetRow(detectionsSheet, cell, &values); err != nil {
			return fmt.Errorf("error writing row %d: %w", row, err)
		}
	}

	_ = f.SetColWidth(detectionsSheet, "A", "A", 22)
	_ = f.SetColWidth(detectionsSheet, "B", "B", 30)
	_ = f.SetColWidth(detectionsSheet, "C", lastCol, 16)

	if err := f.Write(w); err != nil {
		return fmt.Errorf("error writing workbook: %w", err)
	}
	return nil
}
