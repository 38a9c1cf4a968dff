package models

import (
	"errors"
	"fmt"

	"bitbucket.org/mmdatafocus/attendance_backend/geo"
)

// Expected business outcomes. These are returned to the caller as-is and
// always leave the attendance ledger unchanged. Infrastructure failures are
// wrapped with ErrStoreUnavailable instead.
var (
	// ErrNoSitesConfigured / ErrOutOfZone re-export the geofence outcomes so
	// transport code only needs this package.
	ErrNoSitesConfigured = geo.ErrNoSitesConfigured
	ErrOutOfZone         = geo.ErrOutOfZone

	ErrAlreadyMarked     = errors.New("already marked today")
	ErrNoCheckIn         = errors.New("no check-in recorded today")
	ErrAlreadyCheckedOut = errors.New("already checked out today")
	ErrAlreadySick       = errors.New("today is marked sick")
	ErrHasActivitySick   = errors.New("cannot mark sick: check-in or check-out already recorded")

	ErrStoreUnavailable = errors.New("store unavailable")
)

// IsBusinessOutcome reports whether err is an expected attendance outcome
// (as opposed to an infrastructure failure). Transports map these to a
// human reply instead of a 5xx.
func IsBusinessOutcome(err error) bool {
	for _, e := range []error{
		ErrNoSitesConfigured, ErrOutOfZone,
		ErrAlreadyMarked, ErrNoCheckIn, ErrAlreadyCheckedOut,
		ErrAlreadySick, ErrHasActivitySick,
	} {
		if errors.Is(err, e) {
			return true
		}
	}
	return false
}

func storeError(op string, err error) error {
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
