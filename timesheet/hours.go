// Package timesheet holds the day-value policy applied when a work session
// closes: elapsed minutes round up to whole hours, capped at a full day.
package timesheet

import "time"

// MaxDayHours caps the timesheet value regardless of actual minutes worked.
const MaxDayHours = 8

// SickMark is the non-numeric day value written instead of hours for a
// sick day. Matches the payroll workbook convention.
const SickMark = "Б"

// HoursForMinutes converts elapsed minutes into the timesheet hour value:
// 0 for non-positive input, otherwise ceil(minutes/60) capped at MaxDayHours.
// A single extra minute rounds to the next full hour. Integer math only.
func HoursForMinutes(minutes int) int {
	if minutes <= 0 {
		return 0
	}
	h := (minutes + 59) / 60
	if h > MaxDayHours {
		return MaxDayHours
	}
	return h
}

// MinutesBetween returns the number of whole minutes from in to out,
// floored, never negative.
func MinutesBetween(in, out time.Time) int {
	if out.Before(in) {
		return 0
	}
	return int(out.Sub(in) / time.Minute)
}
