package models

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/geo"
	"bitbucket.org/mmdatafocus/attendance_backend/timesheet"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"
)

// AttendanceRecord is the per-employee-per-day attendance fact. At most one
// row exists per (date, employee), enforced by uq_attendance_day and by the
// Ledger, which is the sole writer. Rows are never deleted.
type AttendanceRecord struct {
	ID         int       `gorm:"primary_key" json:"id"`
	Date       time.Time `gorm:"type:date;not null;uniqueIndex:uq_attendance_day,priority:1;index" json:"date"`
	EmployeeId int       `gorm:"not null;uniqueIndex:uq_attendance_day,priority:2" json:"employee_id"`
	SiteId     *int      `gorm:"index" json:"site_id"`

	CheckIn  *time.Time `json:"check_in"`
	CheckOut *time.Time `json:"check_out"`

	Status         AttendanceStatus `gorm:"size:10;not null;default:OK" json:"status"`
	MinutesWorked  int              `gorm:"not null;default:0" json:"minutes_worked"`
	TimesheetHours int              `gorm:"not null;default:0" json:"timesheet_hours"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}

// DayStatus classifies one employee-day for presence reporting.
type DayStatus struct {
	Kind    DayStatusKind
	SiteId  *int
	CheckIn *time.Time
	Hours   int
}

// Classify derives the presence classification from a record snapshot.
// Nil record means the employee has not marked anything today.
func Classify(rec *AttendanceRecord) DayStatus {
	switch {
	case rec == nil:
		return DayStatus{Kind: DayStatusNotMarked}
	case rec.Status == AttendanceStatusSick:
		return DayStatus{Kind: DayStatusAbsentSick}
	case rec.CheckIn != nil && rec.CheckOut == nil && rec.Status == AttendanceStatusOK:
		return DayStatus{Kind: DayStatusPresent, SiteId: rec.SiteId, CheckIn: rec.CheckIn}
	case rec.CheckOut != nil:
		return DayStatus{Kind: DayStatusDeparted, SiteId: rec.SiteId, CheckIn: rec.CheckIn, Hours: rec.TimesheetHours}
	default:
		return DayStatus{Kind: DayStatusNotMarked}
	}
}

// Ledger owns all AttendanceRecord mutations. Every mutation for one
// (employee, date) key serializes behind a Redis lock held across the whole
// read-modify-write including the commit; a MySQL advisory lock on the same
// key inside the transaction backs it as a second guard. A user checkout and
// the scheduler's auto-close therefore cannot both win. Mutations for
// different keys proceed in parallel.
//
// Constructed once at process start with injected collaborators; no global
// ledger state.
type Ledger struct {
	DB        *gorm.DB
	Logger    *logrus.Logger
	Clock     Clock
	Sites     SiteCatalog
	Timesheet TimesheetSink
	Loc       *time.Location
}

func NewLedger(db *gorm.DB, logger *logrus.Logger, clock Clock, sites SiteCatalog, sink TimesheetSink, loc *time.Location) *Ledger {
	if loc == nil {
		loc = time.UTC
	}
	return &Ledger{
		DB:        db,
		Logger:    logger,
		Clock:     clock,
		Sites:     sites,
		Timesheet: sink,
		Loc:       loc,
	}
}

// dateOf truncates t to its calendar date in the ledger's timezone.
func (l *Ledger) dateOf(t time.Time) time.Time {
	local := t.In(l.Loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, l.Loc)
}

// CheckIn records arrival. Fails ErrAlreadyMarked if the day already has a
// check-in or is marked sick; resolves the coordinate against the active-site
// snapshot (ErrNoSitesConfigured / ErrOutOfZone). On success the record holds
// the resolved site, check-in = now, status OK; check-out and hours stay unset.
func (l *Ledger) CheckIn(ctx context.Context, employee *Employee, lat, lon float64) (*AttendanceRecord, error) {
	now := l.Clock.Now().In(l.Loc)
	date := l.dateOf(now)

	sites, err := l.Sites.ActiveSites(ctx)
	if err != nil {
		return nil, storeError("CheckIn: active sites", err)
	}

	var rec *AttendanceRecord
	var siteName string
	err = l.withRecordLock(ctx, employee.ID, date, "CheckIn", func(tx *gorm.DB, existing *AttendanceRecord) error {
		// AlreadyMarked takes precedence over geofence outcomes.
		if existing != nil && (existing.CheckIn != nil || existing.Status == AttendanceStatusSick) {
			return ErrAlreadyMarked
		}
		idx, err := geo.Resolve(lat, lon, sites)
		if err != nil {
			return err
		}
		site := sites[idx]
		siteName = site.Name

		if existing == nil {
			existing = &AttendanceRecord{Date: date, EmployeeId: employee.ID}
		}
		existing.SiteId = &site.ID
		existing.CheckIn = &now
		existing.Status = AttendanceStatusOK
		if err := tx.Save(existing).Error; err != nil {
			return storeError("CheckIn: save", err)
		}
		rec = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.appendEvent(ctx, now, employee, "IN", mapLink(lat, lon), siteName, "CheckIn")
	return rec, nil
}

// CheckOut records departure, computes minutes worked (floored, never
// negative) and the capped timesheet hours, persists, then writes the day
// mark to the timesheet sink. A sink failure is logged but never rolls back
// the committed record.
func (l *Ledger) CheckOut(ctx context.Context, employee *Employee) (*AttendanceRecord, error) {
	now := l.Clock.Now().In(l.Loc)
	return l.closeSession(ctx, employee, now, "CheckOut")
}

// AutoClose is the scheduler's forced checkout for a session left open past
// the business-day cutoff. It runs the same guarded path as CheckOut, so a
// concurrent user checkout and auto-close serialize: exactly one wins, the
// other observes ErrAlreadyCheckedOut.
func (l *Ledger) AutoClose(ctx context.Context, employee *Employee, closeAt time.Time) (*AttendanceRecord, error) {
	return l.closeSession(ctx, employee, closeAt.In(l.Loc), "AutoClose")
}

func (l *Ledger) closeSession(ctx context.Context, employee *Employee, closeAt time.Time, funcName string) (*AttendanceRecord, error) {
	date := l.dateOf(closeAt)

	var rec *AttendanceRecord
	err := l.withRecordLock(ctx, employee.ID, date, funcName, func(tx *gorm.DB, existing *AttendanceRecord) error {
		if existing == nil || existing.CheckIn == nil {
			return ErrNoCheckIn
		}
		if existing.Status == AttendanceStatusSick {
			return ErrAlreadySick
		}
		if existing.CheckOut != nil {
			return ErrAlreadyCheckedOut
		}

		minutes := timesheet.MinutesBetween(*existing.CheckIn, closeAt)
		existing.CheckOut = &closeAt
		existing.MinutesWorked = minutes
		existing.TimesheetHours = timesheet.HoursForMinutes(minutes)
		if err := tx.Save(existing).Error; err != nil {
			return storeError(funcName+": save", err)
		}
		rec = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	// The attendance fact is authoritative in the store; the workbook write
	// happens after commit and is reconciled manually on failure.
	l.writeDayMark(ctx, date, employee, rec.TimesheetHours, funcName)
	action := "OUT"
	if funcName == "AutoClose" {
		action = "OUT (auto)"
	}
	l.appendEvent(ctx, closeAt, employee, action, "", "", funcName)
	return rec, nil
}

// MarkSick records an absent-sick day. Fails ErrHasActivitySick when the day
// already carries a check-in or check-out. Sick is terminal for the day.
func (l *Ledger) MarkSick(ctx context.Context, employee *Employee) (*AttendanceRecord, error) {
	now := l.Clock.Now().In(l.Loc)
	date := l.dateOf(now)

	var rec *AttendanceRecord
	err := l.withRecordLock(ctx, employee.ID, date, "MarkSick", func(tx *gorm.DB, existing *AttendanceRecord) error {
		if existing != nil && (existing.CheckIn != nil || existing.CheckOut != nil) {
			return ErrHasActivitySick
		}
		if existing == nil {
			existing = &AttendanceRecord{Date: date, EmployeeId: employee.ID}
		}
		existing.Status = AttendanceStatusSick
		existing.TimesheetHours = 0
		existing.MinutesWorked = 0
		if err := tx.Save(existing).Error; err != nil {
			return storeError("MarkSick: save", err)
		}
		rec = existing
		return nil
	})
	if err != nil {
		return nil, err
	}

	l.writeDayMark(ctx, date, employee, timesheet.SickMark, "MarkSick")
	l.appendEvent(ctx, now, employee, "SICK", "", "", "MarkSick")
	return rec, nil
}

// DailyStatus classifies one employee's day for presence reporting.
func (l *Ledger) DailyStatus(ctx context.Context, employee *Employee, date time.Time) (DayStatus, error) {
	rec, err := l.RecordForDay(ctx, employee.ID, l.dateOf(date))
	if err != nil {
		return DayStatus{}, err
	}
	return Classify(rec), nil
}

// RecordForDay reads the record for one (employee, date) key, nil if none.
func (l *Ledger) RecordForDay(ctx context.Context, employeeId int, date time.Time) (*AttendanceRecord, error) {
	var rec AttendanceRecord
	err := l.DB.WithContext(ctx).
		Where("date = ? AND employee_id = ?", l.dateOf(date), employeeId).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, storeError("RecordForDay", err)
	}
	return &rec, nil
}

// Today returns the current date and time in the ledger's timezone.
func (l *Ledger) Today() (date time.Time, now time.Time) {
	now = l.Clock.Now().In(l.Loc)
	return l.dateOf(now), now
}

// withRecordLock runs fn inside a transaction holding both locks for the
// (employee, date) key. fn receives the current row (nil if absent) and must
// perform all writes through tx. Business-outcome errors roll the transaction
// back with nothing written; the locks release on every exit path.
func (l *Ledger) withRecordLock(ctx context.Context, employeeId int, date time.Time, funcName string, fn func(tx *gorm.DB, existing *AttendanceRecord) error) error {
	lock, err := utils.ObtainAttendanceLock(ctx, employeeId, date, "attendance.go", funcName)
	if err != nil {
		return storeError(funcName+": lock", err)
	}
	defer func() {
		_ = lock.Release(ctx)
	}()

	return l.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := acquireRecordRowLock(tx, employeeId, date); err != nil {
			return storeError(funcName+": advisory lock", err)
		}
		defer releaseRecordRowLock(tx, employeeId, date)

		var existing AttendanceRecord
		err := tx.Where("date = ? AND employee_id = ?", date, employeeId).First(&existing).Error
		if err != nil {
			if !errors.Is(err, gorm.ErrRecordNotFound) {
				return storeError(funcName+": read", err)
			}
			return fn(tx, nil)
		}
		return fn(tx, &existing)
	})
}

func (l *Ledger) writeDayMark(ctx context.Context, date time.Time, employee *Employee, value interface{}, funcName string) {
	if l.Timesheet == nil {
		return
	}
	if err := l.Timesheet.WriteDayMark(ctx, date, employee.DisplayName(), value); err != nil {
		config.LogError(l.Logger, "attendance.go", funcName, "timesheet day mark", map[string]interface{}{
			"employee_id": employee.ID,
			"date":        date.Format("2006-01-02"),
			"value":       value,
		}, err)
	}
}

func (l *Ledger) appendEvent(ctx context.Context, ts time.Time, employee *Employee, action string, geoURL string, siteName string, funcName string) {
	if l.Timesheet == nil {
		return
	}
	if err := l.Timesheet.AppendLog(ctx, ts, employee.ExternalId, employee.DisplayName(), action, geoURL, siteName); err != nil {
		config.LogError(l.Logger, "attendance.go", funcName, "timesheet event log", map[string]interface{}{
			"employee_id": employee.ID,
			"action":      action,
		}, err)
	}
}

// mapLink renders the reported coordinate as the maps URL stored in the log.
func mapLink(lat, lon float64) string {
	return fmt.Sprintf("https://maps.google.com/?q=%s,%s",
		strconv.FormatFloat(lat, 'f', -1, 64), strconv.FormatFloat(lon, 'f', -1, 64))
}

// acquireRecordRowLock takes the MySQL advisory lock for one (employee, date)
// key. It releases with the transaction, before commit, so the Redis lock the
// caller already holds is what serializes the full read-modify-write; this is
// the in-store guard for the mutation window itself.
// NOTE: GET_LOCK is connection-scoped, so this must run on the same *gorm.DB
// connection as the mutation, hence inside the transaction.
func acquireRecordRowLock(tx *gorm.DB, employeeId int, date time.Time) error {
	lockName := utils.AttendanceLockKey(employeeId, date)
	var ok int
	if err := tx.Raw("SELECT GET_LOCK(?, 30)", lockName).Scan(&ok).Error; err != nil {
		return err
	}
	if ok != 1 {
		return fmt.Errorf("could not acquire attendance lock %s", lockName)
	}
	return nil
}

func releaseRecordRowLock(tx *gorm.DB, employeeId int, date time.Time) {
	lockName := utils.AttendanceLockKey(employeeId, date)
	var _ok int
	_ = tx.Raw("SELECT RELEASE_LOCK(?)", lockName).Scan(&_ok).Error
}
