package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
)

// ClockTime is a wall-clock trigger time ("HH:MM") in the configured timezone.
type ClockTime struct {
	Hour   int
	Minute int
}

func (c ClockTime) String() string {
	return fmt.Sprintf("%02d:%02d", c.Hour, c.Minute)
}

// On anchors the clock time onto the calendar day of t, in t's location.
func (c ClockTime) On(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), c.Hour, c.Minute, 0, 0, t.Location())
}

func ParseClockTime(s string) (ClockTime, error) {
	parsed, err := time.Parse("15:04", strings.TrimSpace(s))
	if err != nil {
		return ClockTime{}, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	return ClockTime{Hour: parsed.Hour(), Minute: parsed.Minute()}, nil
}

// Settings carries operational policy. Reminder/close/dispatch times and
// dispatch days are configuration, not constants: defaults mirror the
// long-standing schedule (09:15 / 17:45 / 18:30 / 12:00, dispatch on the
// 15th and the last day of the month).
type Settings struct {
	Timezone string `validate:"required"`

	BotToken      string
	WebhookSecret string

	WorkbookDir string `validate:"required"`

	SMTPHost     string
	SMTPPort     int `validate:"gte=0"`
	SMTPUser     string
	SMTPPass     string
	ReportEmails []string

	MorningReminderAt ClockTime
	EveningReminderAt ClockTime
	AutoCloseAt       ClockTime
	DispatchAt        ClockTime

	DispatchDays      []int `validate:"dive,gte=1,lte=31"`
	DispatchOnLastDay bool
}

// WorkbookPath is the timesheet workbook location for a given year.
func (s *Settings) WorkbookPath(year int) string {
	return fmt.Sprintf("%s/timesheet_%d.xlsx", strings.TrimRight(s.WorkbookDir, "/"), year)
}

// Location resolves the configured timezone. Panics never: falls back to UTC
// only if settings were built without validation.
func (s *Settings) Location() *time.Location {
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

var (
	settings     *Settings
	settingsOnce sync.Once
	settingsErr  error
)

// GetSettings loads settings from env once and caches them.
func GetSettings() (*Settings, error) {
	settingsOnce.Do(func() {
		settings, settingsErr = loadSettings()
	})
	return settings, settingsErr
}

func loadSettings() (*Settings, error) {
	s := &Settings{
		Timezone:      envOr("TZ", "Europe/Moscow"),
		BotToken:      os.Getenv("BOT_TOKEN"),
		WebhookSecret: os.Getenv("WEBHOOK_SECRET"),
		WorkbookDir:   envOr("WORKBOOK_DIR", "/app/data"),
		SMTPHost:      os.Getenv("SMTP_HOST"),
		SMTPPort:      intFromEnv("SMTP_PORT", 465),
		SMTPUser:      os.Getenv("SMTP_USER"),
		SMTPPass:      os.Getenv("SMTP_PASS"),
	}

	if v := strings.TrimSpace(os.Getenv("REPORT_EMAILS")); v != "" {
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				s.ReportEmails = append(s.ReportEmails, p)
			}
		}
	}

	var err error
	if s.MorningReminderAt, err = ParseClockTime(envOr("MORNING_REMINDER_AT", "09:15")); err != nil {
		return nil, err
	}
	if s.EveningReminderAt, err = ParseClockTime(envOr("EVENING_REMINDER_AT", "17:45")); err != nil {
		return nil, err
	}
	if s.AutoCloseAt, err = ParseClockTime(envOr("AUTO_CLOSE_AT", "18:30")); err != nil {
		return nil, err
	}
	if s.DispatchAt, err = ParseClockTime(envOr("TIMESHEET_DISPATCH_AT", "12:00")); err != nil {
		return nil, err
	}

	for _, p := range strings.Split(envOr("TIMESHEET_DISPATCH_DAYS", "15"), ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		day, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid TIMESHEET_DISPATCH_DAYS entry %q: %w", p, err)
		}
		s.DispatchDays = append(s.DispatchDays, day)
	}
	s.DispatchOnLastDay = !strings.EqualFold(envOr("TIMESHEET_DISPATCH_ON_LAST_DAY", "true"), "false")

	if _, err := time.LoadLocation(s.Timezone); err != nil {
		return nil, fmt.Errorf("invalid TZ %q: %w", s.Timezone, err)
	}

	validate := validator.New()
	if err := validate.Struct(s); err != nil {
		return nil, err
	}
	return s, nil
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}
