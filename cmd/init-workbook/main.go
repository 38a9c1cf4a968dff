// init-workbook creates the year timesheet workbook (TimeLog sheet plus one
// sheet per month) so the volume is primed before the first check-out.
//
// Usage:
//   WORKBOOK_DIR=/app/data go run ./cmd/init-workbook [year]
package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/excel"
)

func main() {
	settings, err := config.GetSettings()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid settings: %v\n", err)
		os.Exit(1)
	}

	year := time.Now().In(settings.Location()).Year()
	if len(os.Args) > 1 {
		year, err = strconv.Atoi(os.Args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "invalid year %q\n", os.Args[1])
			os.Exit(1)
		}
	}

	path := settings.WorkbookPath(year)
	if err := excel.EnsureYearWorkbook(path, year); err != nil {
		fmt.Fprintf(os.Stderr, "failed to create workbook: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Workbook ready: %s\n", path)
}
