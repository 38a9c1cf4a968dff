// seed-admin creates or reactivates the admin employee and mints an ops
// session token for the internal endpoints.
//
// Usage:
//   DB_USER=... DB_PASSWORD=... DB_HOST=... DB_PORT=... DB_NAME=... \
//   REDIS_ADDRESS=... ADMIN_TELEGRAM_ID=123456789 \
//   ADMIN_LAST_NAME=Иванов ADMIN_FIRST_NAME=Иван go run ./cmd/seed-admin
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/google/uuid"
)

const opsTokenTTL = 30 * 24 * time.Hour

func main() {
	ctx := context.Background()

	externalId, err := strconv.ParseInt(os.Getenv("ADMIN_TELEGRAM_ID"), 10, 64)
	if err != nil {
		fmt.Fprintln(os.Stderr, "ADMIN_TELEGRAM_ID must be set to the admin's Telegram user id")
		os.Exit(1)
	}
	lastName := os.Getenv("ADMIN_LAST_NAME")
	if lastName == "" {
		lastName = "Admin"
	}

	config.ConnectDatabaseWithRetry()
	db := config.GetDB()
	if db == nil {
		fmt.Fprintln(os.Stderr, "database not initialized (config.GetDB returned nil). Set DB_* env vars.")
		os.Exit(1)
	}
	models.MigrateTable()

	employee, err := models.EmployeeByExternalId(ctx, externalId)
	switch {
	case errors.Is(err, utils.ErrorRecordNotFound):
		employee, err = models.CreateEmployee(ctx, &models.NewEmployee{
			ExternalId: externalId,
			LastName:   lastName,
			FirstName:  os.Getenv("ADMIN_FIRST_NAME"),
			Patronymic: os.Getenv("ADMIN_PATRONYMIC"),
			Role:       models.EmployeeRoleAdmin,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to create admin employee: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Created admin employee id=%d telegram_id=%d\n", employee.ID, externalId)
	case err != nil:
		fmt.Fprintf(os.Stderr, "failed to lookup employee: %v\n", err)
		os.Exit(1)
	default:
		if err := db.WithContext(ctx).Model(&models.Employee{}).Where("id = ?", employee.ID).Updates(map[string]any{
			"is_active": utils.NewTrue(),
			"role":      models.EmployeeRoleAdmin,
		}).Error; err != nil {
			fmt.Fprintf(os.Stderr, "failed to update admin employee: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("Updated admin employee id=%d telegram_id=%d\n", employee.ID, externalId)
	}

	// Ops token for the /internal endpoints, stored as a Redis session.
	config.ConnectRedisWithRetry()
	token := uuid.NewString()
	if err := config.SetRedisValue("Token:"+token, strconv.FormatInt(externalId, 10), opsTokenTTL); err != nil {
		fmt.Fprintf(os.Stderr, "failed to store ops token: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("Ops token (30 days): %s\n", token)
}
