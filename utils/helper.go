package utils

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"github.com/bsm/redislock"
	"github.com/go-playground/validator/v10"
)

func NewTrue() *bool {
	b := true
	return &b
}

func NewFalse() *bool {
	b := false
	return &b
}

// returns default if pointer is nil
func DereferencePtr[T any](ptr *T, defaults ...T) T {
	if ptr != nil {
		return *ptr
	}
	if len(defaults) > 0 {
		return defaults[0]
	}
	var zero T
	return zero
}

func ProcessValidationErrors(err error) map[string]string {
	errs := make(map[string]string)
	var vErrs validator.ValidationErrors
	if errors.As(err, &vErrs) {
		for _, f := range vErrs {
			errs[f.Field()] = f.Tag()
		}
	}
	return errs
}

// ConvertToDate truncates t to its calendar date in the given timezone.
func ConvertToDate(t time.Time, timezone string) (time.Time, error) {
	if timezone == "" {
		timezone = "Europe/Moscow"
	}

	location, err := time.LoadLocation(timezone)
	if err != nil {
		return t, err
	}
	localTime := t.In(location)

	dateOnly := time.Date(localTime.Year(), localTime.Month(), localTime.Day(), 0, 0, 0, 0, location)
	return dateOnly, nil
}

// IsLastDayOfMonth reports whether d falls on the last calendar day of its month.
func IsLastDayOfMonth(d time.Time) bool {
	return d.AddDate(0, 0, 1).Month() != d.Month()
}

// AttendanceLockKey builds the scoped lock key for one employee's record on one date.
func AttendanceLockKey(employeeId int, date time.Time) string {
	return fmt.Sprintf("attendance:%d:%s", employeeId, date.Format("2006-01-02"))
}

// ObtainAttendanceLock obtains the distributed lock serializing the full
// read-modify-write for a single (employee, date) key, held across the commit.
// The caller must release the returned lock on every exit path. Ledger writes
// additionally take a MySQL advisory lock on the same key inside the
// transaction as a second guard.
func ObtainAttendanceLock(ctx context.Context, employeeId int, date time.Time, moduleName string, functionName string) (*redislock.Lock, error) {
	logger := config.GetLogger()
	locker := config.GetRedisLock()
	if locker == nil {
		// Avoid nil-pointer panics when Redis lock isn't initialized yet.
		config.LogError(logger, moduleName, functionName, "Redis lock not initialized", employeeId, errors.New("redis lock is nil"))
		return nil, errors.New("service not ready (redis lock not initialized)")
	}
	lockKey := AttendanceLockKey(employeeId, date)
	lock, err := locker.Obtain(ctx, lockKey, 30*time.Second, nil)
	if err == redislock.ErrNotObtained {
		config.LogError(logger, moduleName, functionName, "Could not obtain attendance lock", lockKey, err)
		return nil, errors.New("could not obtain attendance lock")
	} else if err != nil {
		config.LogError(logger, moduleName, functionName, "Error obtaining attendance lock", lockKey, err)
		return nil, err
	}
	return lock, nil
}

// SplitAndTrim splits a comma-separated env value into trimmed, non-empty parts.
func SplitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
