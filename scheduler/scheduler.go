// Package scheduler runs the time-triggered reconciliation jobs: morning and
// evening reminders, the end-of-day auto-close, and the periodic timesheet
// dispatch. Jobs fire at configured wall-clock times in the configured
// timezone; each run scans the active roster for the current date.
package scheduler

import (
	"context"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/sirupsen/logrus"
)

// AttendanceLedger is what the jobs need from the ledger.
type AttendanceLedger interface {
	RecordForDay(ctx context.Context, employeeId int, date time.Time) (*models.AttendanceRecord, error)
	AutoClose(ctx context.Context, employee *models.Employee, closeAt time.Time) (*models.AttendanceRecord, error)
}

type Scheduler struct {
	Logger    *logrus.Logger
	Clock     models.Clock
	Settings  *config.Settings
	Directory models.Directory
	Ledger    AttendanceLedger
	Notifier  models.NotificationSink
	Timesheet models.TimesheetSink

	// Sink calls (notifications, dispatch) retry a bounded number of times
	// with backoff. Ledger writes are never retried here: a store failure is
	// surfaced and logged instead.
	SinkAttempts int
	SinkBackoff  time.Duration
}

func New(logger *logrus.Logger, clock models.Clock, settings *config.Settings, directory models.Directory, ledger AttendanceLedger, notifier models.NotificationSink, sink models.TimesheetSink) *Scheduler {
	return &Scheduler{
		Logger:       logger,
		Clock:        clock,
		Settings:     settings,
		Directory:    directory,
		Ledger:       ledger,
		Notifier:     notifier,
		Timesheet:    sink,
		SinkAttempts: 3,
		SinkBackoff:  5 * time.Second,
	}
}

type job struct {
	name string
	at   config.ClockTime
	run  func(ctx context.Context) error
}

func (s *Scheduler) jobs() []job {
	return []job{
		{name: "morning_reminder", at: s.Settings.MorningReminderAt, run: s.MorningReminder},
		{name: "evening_reminder", at: s.Settings.EveningReminderAt, run: s.EveningReminder},
		{name: "auto_close", at: s.Settings.AutoCloseAt, run: s.AutoCloseDay},
		{name: "timesheet_dispatch", at: s.Settings.DispatchAt, run: s.DispatchTimesheet},
	}
}

// Run fires jobs at their wall-clock times until ctx is cancelled. On
// shutdown the current employee's unit of work finishes; no new work starts.
func (s *Scheduler) Run(ctx context.Context) {
	if ctx == nil {
		ctx = context.Background()
	}
	loc := s.Settings.Location()

	for {
		now := s.Clock.Now().In(loc)
		next, due := s.nextTrigger(now)

		timer := time.NewTimer(next.Sub(now))
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		for _, j := range due {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if err := j.run(ctx); err != nil {
				config.LogError(s.Logger, "scheduler.go", "Run", j.name, nil, err)
			}
		}
	}
}

// nextTrigger picks the soonest upcoming trigger strictly after now, and
// every job due at that instant.
func (s *Scheduler) nextTrigger(now time.Time) (time.Time, []job) {
	var next time.Time
	var due []job
	for _, j := range s.jobs() {
		candidate := j.at.On(now)
		if !candidate.After(now) {
			candidate = candidate.AddDate(0, 0, 1)
		}
		switch {
		case next.IsZero() || candidate.Before(next):
			next = candidate
			due = []job{j}
		case candidate.Equal(next):
			due = append(due, j)
		}
	}
	return next, due
}

// MorningReminder pings every active non-admin employee with no check-in yet
// today. Per-employee failures are logged and skipped.
func (s *Scheduler) MorningReminder(ctx context.Context) error {
	today := s.today()

	employees, err := s.Directory.ActiveEmployees(ctx, models.EmployeeRoleEmployee)
	if err != nil {
		return err
	}
	for _, e := range employees {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := s.Ledger.RecordForDay(ctx, e.ID, today)
		if err != nil {
			config.LogError(s.Logger, "scheduler.go", "MorningReminder", "record read", e.ID, err)
			continue
		}
		if rec != nil && rec.CheckIn != nil {
			continue
		}
		s.notify(ctx, e, "⏰ Напоминание: отметьтесь о приходе (🟢 Пришёл)", "MorningReminder")
	}
	return nil
}

// EveningReminder pings everyone checked in but not checked out and not sick.
func (s *Scheduler) EveningReminder(ctx context.Context) error {
	today := s.today()

	employees, err := s.Directory.ActiveEmployees(ctx, models.EmployeeRoleEmployee)
	if err != nil {
		return err
	}
	for _, e := range employees {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := s.Ledger.RecordForDay(ctx, e.ID, today)
		if err != nil {
			config.LogError(s.Logger, "scheduler.go", "EveningReminder", "record read", e.ID, err)
			continue
		}
		if rec == nil || rec.CheckIn == nil || rec.CheckOut != nil || rec.Status == models.AttendanceStatusSick {
			continue
		}
		s.notify(ctx, e, "⏰ Напоминание: не забудьте отметить уход (🔴 Ушёл)", "EveningReminder")
	}
	return nil
}

// AutoCloseDay force-closes every session still open at the cutoff, computing
// hours through the same policy a user checkout uses. Re-running is a no-op:
// the already-checked-out guard wins the second time.
func (s *Scheduler) AutoCloseDay(ctx context.Context) error {
	loc := s.Settings.Location()
	now := s.Clock.Now().In(loc)
	today := s.today()
	closeAt := s.Settings.AutoCloseAt.On(now)

	employees, err := s.Directory.ActiveEmployees(ctx, "")
	if err != nil {
		return err
	}
	for _, e := range employees {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rec, err := s.Ledger.RecordForDay(ctx, e.ID, today)
		if err != nil {
			config.LogError(s.Logger, "scheduler.go", "AutoCloseDay", "record read", e.ID, err)
			continue
		}
		if rec == nil || rec.CheckIn == nil || rec.CheckOut != nil || rec.Status == models.AttendanceStatusSick {
			continue
		}
		if _, err := s.Ledger.AutoClose(ctx, e, closeAt); err != nil {
			// Lost the race against a user checkout or sick mark: fine,
			// the day already reached a terminal state.
			if models.IsBusinessOutcome(err) {
				continue
			}
			config.LogError(s.Logger, "scheduler.go", "AutoCloseDay", "auto close", e.ID, err)
		}
	}
	return nil
}

// DispatchTimesheet mails the accumulated workbook on the configured days of
// month (and/or the last calendar day); any other day is a no-op.
func (s *Scheduler) DispatchTimesheet(ctx context.Context) error {
	loc := s.Settings.Location()
	now := s.Clock.Now().In(loc)

	if !s.dispatchDue(now) {
		return nil
	}
	return s.withSinkRetry(ctx, func() error {
		return s.Timesheet.DispatchPeriodicArtifact(ctx, now)
	})
}

func (s *Scheduler) dispatchDue(now time.Time) bool {
	for _, day := range s.Settings.DispatchDays {
		if now.Day() == day {
			return true
		}
	}
	return s.Settings.DispatchOnLastDay && utils.IsLastDayOfMonth(now)
}

func (s *Scheduler) today() time.Time {
	loc := s.Settings.Location()
	now := s.Clock.Now().In(loc)
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
}

func (s *Scheduler) notify(ctx context.Context, e *models.Employee, text string, funcName string) {
	err := s.withSinkRetry(ctx, func() error {
		return s.Notifier.Notify(ctx, e, text)
	})
	if err != nil {
		config.LogError(s.Logger, "scheduler.go", funcName, "notify", e.ID, err)
	}
}

// withSinkRetry retries fn a bounded number of times with linear backoff.
func (s *Scheduler) withSinkRetry(ctx context.Context, fn func() error) error {
	attempts := s.SinkAttempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		if err = fn(); err == nil {
			return nil
		}
		if i == attempts-1 {
			break
		}
		select {
		case <-ctx.Done():
			return err
		case <-time.After(s.SinkBackoff * time.Duration(i+1)):
		}
	}
	return err
}
