package models

import (
	"context"
	"time"
)

// Clock is injected wherever "now" matters so tests control time
// deterministically. Never read time.Now ad hoc in ledger or scheduler code.
type Clock interface {
	Now() time.Time
}

// SystemClock is the production Clock.
type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// Directory reads the employee roster. The directory owns identity; the
// attendance core only consumes active/role.
type Directory interface {
	ActiveEmployees(ctx context.Context, role EmployeeRole) ([]*Employee, error)
	EmployeeByExternalId(ctx context.Context, externalId int64) (*Employee, error)
}

// SiteCatalog supplies the active-site snapshot for geofence resolution,
// ordered by site id ascending so resolution stays reproducible.
type SiteCatalog interface {
	ActiveSites(ctx context.Context) ([]*Site, error)
}

// NotificationSink delivers a message to one employee. Fire-and-forget from
// the ledger's perspective: failures are logged, never fatal to the
// triggering operation.
type NotificationSink interface {
	Notify(ctx context.Context, employee *Employee, text string) error
}

// TimesheetSink receives day values (integer hours or the sick marker), a raw
// event-log row per ledger mutation, and dispatches the accumulated artifact
// on schedule. Failures here never roll back a committed ledger mutation.
type TimesheetSink interface {
	WriteDayMark(ctx context.Context, date time.Time, displayName string, value interface{}) error
	AppendLog(ctx context.Context, ts time.Time, externalId int64, displayName string, action string, geoURL string, siteName string) error
	DispatchPeriodicArtifact(ctx context.Context, asOf time.Time) error
}

// GormDirectory and GormSiteCatalog back the interfaces with the primary store.
type GormDirectory struct{}

func (GormDirectory) ActiveEmployees(ctx context.Context, role EmployeeRole) ([]*Employee, error) {
	return ActiveEmployees(ctx, role)
}

func (GormDirectory) EmployeeByExternalId(ctx context.Context, externalId int64) (*Employee, error) {
	return EmployeeByExternalId(ctx, externalId)
}

type GormSiteCatalog struct{}

func (GormSiteCatalog) ActiveSites(ctx context.Context) ([]*Site, error) {
	return ActiveSites(ctx)
}
