package analytics

import (
	"fmt"
	"io"

	"github.com/xuri/excelize/v2"
)

// sheetWriter appends rows to sheets of one workbook.
type sheetWriter struct {
	file  *excelize.File
	sheet string
	row   int
	bold  int
}

func newSheetWriter() (*sheetWriter, error) {
	f := excelize.NewFile()
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("create header style: %w", err)
	}
	return &sheetWriter{file: f, bold: bold}, nil
}

func (w *sheetWriter) addSheet(name string) error {
	// Excel caps sheet names at 31 characters.
	if len(name) > 31 {
		name = name[:31]
	}
	if w.sheet == "" {
		if err := w.file.SetSheetName("Sheet1", name); err != nil {
			return fmt.Errorf("rename sheet: %w", err)
		}
	} else if _, err := w.file.NewSheet(name); err != nil {
		return fmt.Errorf("create sheet %s: %w", name, err)
	}
	w.sheet = name
	w.row = 1
	return nil
}

func (w *sheetWriter) header(columns ...string) error {
	values := make([]any, len(columns))
	for i, c := range columns {
		values[i] = c
	}
	if err := w.write(values...); err != nil {
		return err
	}
	first, _ := excelize.CoordinatesToCellName(1, w.row-1)
	last, _ := excelize.CoordinatesToCellName(len(columns), w.row-1)
	return w.file.SetCellStyle(w.sheet, first, last, w.bold)
}

func (w *sheetWriter) write(values ...any) error {
	cell, err := excelize.CoordinatesToCellName(1, w.row)
	if err != nil {
		return err
	}
	if err := w.file.SetSheetRow(w.sheet, cell, &values); err != nil {
		return fmt.Errorf("write %s row %d: %w", w.sheet, w.row, err)
	}
	w.row++
	return nil
}

// WriteXLSX renders a as a workbook with summary, trend and group sheets.
func WriteXLSX(out io.Writer, a CalendarAnalytics) error {
	w, err := newSheetWriter()
	if err != nil {
		return err
	}
	defer w.file.Close()

	if err := w.addSheet("Summary"); err != nil {
		return err
	}
	rows := [][]any{
		{"From", a.From.Format("2006-01-02 15:04")},
		{"To", a.To.Format("2006-01-02 15:04")},
		{"Total", a.Summary.Total},
		{"Scheduled", a.Summary.Scheduled},
		{"Confirmed", a.Summary.Confirmed},
		{"Completed", a.Summary.Completed},
		{"Cancelled", a.Summary.Cancelled},
		{"No-show", a.Summary.NoShow},
		{"Rescheduled", a.Summary.Rescheduled},
		{"Conversion rate", a.ConversionRate},
		{"Daily average", a.Trends.DailyAverage},
	}
	if err := w.header("Metric", "Value"); err != nil {
		return err
	}
	for _, r := range rows {
		if err := w.write(r...); err != nil {
			return err
		}
	}

	if err := w.addSheet("Peak days"); err != nil {
		return err
	}
	if err := w.header("Day", "Appointments"); err != nil {
		return err
	}
	for _, d := range a.Trends.PeakDays {
		if err := w.write(d.Day, d.Count); err != nil {
			return err
		}
	}

	if err := w.addSheet("Peak hours"); err != nil {
		return err
	}
	if err := w.header("Hour (UTC)", "Appointments"); err != nil {
		return err
	}
	for _, h := range a.Trends.PeakHours {
		if err := w.write(fmt.Sprintf("%02d:00", h.Hour), h.Count); err != nil {
			return err
		}
	}

	if a.GroupBy != GroupNone {
		if err := w.addSheet("By " + string(a.GroupBy)); err != nil {
			return err
		}
		if err := w.header(string(a.GroupBy), "Total", "Completed", "Conversion rate"); err != nil {
			return err
		}
		for _, g := range a.Groups {
			if err := w.write(g.Key, g.Total, g.Completed, g.ConversionRate); err != nil {
				return err
			}
		}
	}

	return w.file.Write(out)
}
