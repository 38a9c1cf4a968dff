// Package excel maintains the year timesheet workbook: one sheet per month
// holding a day-mark grid (employee rows, day columns, per-row totals) plus a
// raw event log sheet. It implements the ledger's timesheet sink.
package excel

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/timesheet"
	"github.com/sirupsen/logrus"
	"github.com/xuri/excelize/v2"
)

const (
	logSheet = "TimeLog"

	// Day 1 lives in column D; names in column B.
	startDayCol = 4
	nameCol     = 2
	indexCol    = 1

	// Employee rows start below the two header rows.
	firstDataRow = 3
)

// MailSender dispatches the workbook file to the report recipients.
type MailSender interface {
	SendFile(subject string, body string, filePath string) error
}

// Book writes day marks into the year workbook. File access serializes behind
// an in-process mutex; cross-process writers are not supported (single
// dispatcher instance owns the volume, same as the store's advisory locks own
// record writes).
type Book struct {
	mu       sync.Mutex
	Settings *config.Settings
	Logger   *logrus.Logger
	Mail     MailSender
}

func NewBook(settings *config.Settings, logger *logrus.Logger, mail MailSender) *Book {
	return &Book{Settings: settings, Logger: logger, Mail: mail}
}

func monthSheet(date time.Time) string {
	return date.Format("2006-01")
}

func daysInMonth(date time.Time) int {
	first := time.Date(date.Year(), date.Month(), 1, 0, 0, 0, 0, date.Location())
	return first.AddDate(0, 1, -1).Day()
}

// EnsureYearWorkbook creates the workbook for the year if it does not exist:
// the event log sheet plus one grid sheet per month with header rows and
// totals columns.
func EnsureYearWorkbook(path string, year int) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !os.IsNotExist(err) {
		return err
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", logSheet); err != nil {
		return err
	}
	logHeader := []interface{}{"Timestamp", "ExternalId", "Employee", "Action", "Geo", "Site"}
	for i, h := range logHeader {
		cell, err := excelize.CoordinatesToCellName(i+1, 1)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(logSheet, cell, h); err != nil {
			return err
		}
	}

	for month := time.January; month <= time.December; month++ {
		date := time.Date(year, month, 1, 0, 0, 0, 0, time.UTC)
		sheet := monthSheet(date)
		if _, err := f.NewSheet(sheet); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, "A1", sheet); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, "B2", "ФИО"); err != nil {
			return err
		}
		days := daysInMonth(date)
		for day := 1; day <= days; day++ {
			cell, err := excelize.CoordinatesToCellName(startDayCol+day-1, 2)
			if err != nil {
				return err
			}
			if err := f.SetCellValue(sheet, cell, day); err != nil {
				return err
			}
		}
		hoursCell, err := excelize.CoordinatesToCellName(startDayCol+days, 2)
		if err != nil {
			return err
		}
		daysCell, err := excelize.CoordinatesToCellName(startDayCol+days+1, 2)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, hoursCell, "Часы"); err != nil {
			return err
		}
		if err := f.SetCellValue(sheet, daysCell, "Дни"); err != nil {
			return err
		}
	}

	return f.SaveAs(path)
}

// WriteDayMark writes the day value (integer hours or the sick marker) into
// the employee's row on the month sheet, appending the row on first sight,
// then recalculates the row totals.
func (b *Book) WriteDayMark(ctx context.Context, date time.Time, displayName string, value interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.Settings.WorkbookPath(date.Year())
	if err := EnsureYearWorkbook(path, date.Year()); err != nil {
		return fmt.Errorf("ensure workbook: %w", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	sheet := monthSheet(date)
	row, err := b.employeeRow(f, sheet, displayName)
	if err != nil {
		return err
	}

	col := startDayCol + date.Day() - 1
	cell, err := excelize.CoordinatesToCellName(col, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, cell, value); err != nil {
		return err
	}

	if err := recalcTotals(f, sheet, row, daysInMonth(date)); err != nil {
		return err
	}
	return f.Save()
}

// AppendLog appends one raw attendance event to the log sheet.
func (b *Book) AppendLog(ctx context.Context, ts time.Time, externalId int64, displayName string, action string, geoURL string, siteName string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.Settings.WorkbookPath(ts.Year())
	if err := EnsureYearWorkbook(path, ts.Year()); err != nil {
		return fmt.Errorf("ensure workbook: %w", err)
	}

	f, err := excelize.OpenFile(path)
	if err != nil {
		return fmt.Errorf("open workbook: %w", err)
	}
	defer f.Close()

	rows, err := f.GetRows(logSheet)
	if err != nil {
		return err
	}
	row := len(rows) + 1
	values := []interface{}{
		ts.Format("2006-01-02 15:04:05"),
		externalId,
		displayName,
		action,
		geoURL,
		siteName,
	}
	for i, v := range values {
		cell, err := excelize.CoordinatesToCellName(i+1, row)
		if err != nil {
			return err
		}
		if err := f.SetCellValue(logSheet, cell, v); err != nil {
			return err
		}
	}
	return f.Save()
}

// DispatchPeriodicArtifact mails the current year's workbook to the report
// recipients. No-ops when mail is not configured.
func (b *Book) DispatchPeriodicArtifact(ctx context.Context, asOf time.Time) error {
	if b.Mail == nil {
		return nil
	}
	path := b.Settings.WorkbookPath(asOf.Year())
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("workbook missing: %w", err)
	}
	subject := fmt.Sprintf("Табель %s", asOf.Format("2006-01-02"))
	return b.Mail.SendFile(subject, "Автоматическая отправка табеля.", path)
}

// employeeRow finds the row carrying displayName in the name column, or
// appends a fresh row below the existing ones.
func (b *Book) employeeRow(f *excelize.File, sheet string, displayName string) (int, error) {
	rows, err := f.GetRows(sheet)
	if err != nil {
		return 0, err
	}
	lastRow := len(rows)
	for r := firstDataRow; r <= lastRow; r++ {
		cell, err := excelize.CoordinatesToCellName(nameCol, r)
		if err != nil {
			return 0, err
		}
		v, err := f.GetCellValue(sheet, cell)
		if err != nil {
			return 0, err
		}
		if strings.TrimSpace(v) == strings.TrimSpace(displayName) {
			return r, nil
		}
	}

	row := lastRow + 1
	if row < firstDataRow {
		row = firstDataRow
	}
	idxCell, err := excelize.CoordinatesToCellName(indexCol, row)
	if err != nil {
		return 0, err
	}
	if err := f.SetCellValue(sheet, idxCell, row-firstDataRow+1); err != nil {
		return 0, err
	}
	nameCell, err := excelize.CoordinatesToCellName(nameCol, row)
	if err != nil {
		return 0, err
	}
	if err := f.SetCellValue(sheet, nameCell, displayName); err != nil {
		return 0, err
	}
	return row, nil
}

// recalcTotals recomputes the row's total hours and worked-day count. Sick
// marks count as days but contribute no hours.
func recalcTotals(f *excelize.File, sheet string, row int, days int) error {
	totalHours := 0
	totalDays := 0

	for day := 1; day <= days; day++ {
		cell, err := excelize.CoordinatesToCellName(startDayCol+day-1, row)
		if err != nil {
			return err
		}
		v, err := f.GetCellValue(sheet, cell)
		if err != nil {
			return err
		}
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if strings.EqualFold(v, timesheet.SickMark) {
			totalDays++
			continue
		}
		if n, err := strconv.Atoi(v); err == nil {
			totalHours += n
			if n > 0 {
				totalDays++
			}
		}
	}

	hoursCell, err := excelize.CoordinatesToCellName(startDayCol+days, row)
	if err != nil {
		return err
	}
	if err := f.SetCellValue(sheet, hoursCell, totalHours); err != nil {
		return err
	}
	daysCell, err := excelize.CoordinatesToCellName(startDayCol+days+1, row)
	if err != nil {
		return err
	}
	return f.SetCellValue(sheet, daysCell, totalDays)
}
