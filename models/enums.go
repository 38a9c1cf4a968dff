package models

// AttendanceStatus is the recorded disposition of one employee-day.
type AttendanceStatus string

const (
	AttendanceStatusOK   AttendanceStatus = "OK"
	AttendanceStatusSick AttendanceStatus = "SICK"
)

type EmployeeRole string

const (
	EmployeeRoleAdmin    EmployeeRole = "admin"
	EmployeeRoleEmployee EmployeeRole = "employee"
)

// DayStatusKind classifies an employee's day for presence reporting.
// Precedence: checked in without checkout -> Present; SICK -> AbsentSick;
// checkout set -> Departed; otherwise NotMarked.
type DayStatusKind string

const (
	DayStatusNotMarked  DayStatusKind = "NotMarked"
	DayStatusPresent    DayStatusKind = "Present"
	DayStatusAbsentSick DayStatusKind = "AbsentSick"
	DayStatusDeparted   DayStatusKind = "Departed"
)
