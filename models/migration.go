package models

import (
	"log"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
)

func MigrateTable() {
	db := config.GetDB()

	err := db.AutoMigrate(
		&Employee{},
		&Site{},
		&Invite{},
		&AttendanceRecord{},
	)
	if err != nil {
		log.Fatal(err)
	}
}
