package models

import (
	"context"
	"strings"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
)

// Employee identity is owned by the external directory (the chat platform);
// the attendance core reads active/role and the display name.
type Employee struct {
	ID         int          `gorm:"primary_key" json:"id"`
	ExternalId int64        `gorm:"uniqueIndex;not null" json:"external_id"`
	LastName   string       `gorm:"size:100;not null" json:"last_name"`
	FirstName  string       `gorm:"size:100" json:"first_name"`
	Patronymic string       `gorm:"size:100" json:"patronymic"`
	IsActive   *bool        `gorm:"not null;default:true" json:"is_active"`
	Role       EmployeeRole `gorm:"size:20;not null;default:employee" json:"role"`
	CreatedAt  time.Time    `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt  time.Time    `gorm:"autoUpdateTime" json:"updated_at"`
}

// DisplayName is the full name written to the timesheet workbook.
func (e *Employee) DisplayName() string {
	return strings.TrimSpace(strings.Join([]string{e.LastName, e.FirstName, e.Patronymic}, " "))
}

func (e *Employee) IsAdmin() bool {
	return e.Role == EmployeeRoleAdmin
}

type NewEmployee struct {
	ExternalId int64        `json:"external_id" binding:"required"`
	LastName   string       `json:"last_name" binding:"required"`
	FirstName  string       `json:"first_name"`
	Patronymic string       `json:"patronymic"`
	Role       EmployeeRole `json:"role"`
}

func (input *NewEmployee) validate(ctx context.Context, id int) error {
	if err := utils.ValidateUnique[Employee](ctx, "external_id", input.ExternalId, id); err != nil {
		return err
	}
	return nil
}

func CreateEmployee(ctx context.Context, input *NewEmployee) (*Employee, error) {
	if err := input.validate(ctx, 0); err != nil {
		return nil, err
	}

	role := input.Role
	if role == "" {
		role = EmployeeRoleEmployee
	}

	employee := Employee{
		ExternalId: input.ExternalId,
		LastName:   input.LastName,
		FirstName:  input.FirstName,
		Patronymic: input.Patronymic,
		IsActive:   utils.NewTrue(),
		Role:       role,
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&employee).Error; err != nil {
		return nil, err
	}
	return &employee, nil
}

// UpdateEmployeeName fills in the full name after invite enrollment.
func UpdateEmployeeName(ctx context.Context, id int, lastName, firstName, patronymic string) (*Employee, error) {
	db := config.GetDB()
	employee, err := utils.FetchModel[Employee](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(employee).Updates(map[string]interface{}{
		"LastName":   lastName,
		"FirstName":  firstName,
		"Patronymic": patronymic,
	}).Error; err != nil {
		return nil, err
	}
	return employee, nil
}

func ToggleActiveEmployee(ctx context.Context, id int, isActive bool) (*Employee, error) {
	db := config.GetDB()
	employee, err := utils.FetchModel[Employee](ctx, id)
	if err != nil {
		return nil, err
	}
	if err := db.WithContext(ctx).Model(employee).Update("IsActive", isActive).Error; err != nil {
		return nil, err
	}
	return employee, nil
}

// ActiveEmployees lists active employees, optionally filtered by role.
// Pass "" for all roles.
func ActiveEmployees(ctx context.Context, role EmployeeRole) ([]*Employee, error) {
	db := config.GetDB()
	query := db.WithContext(ctx).Where("is_active = ?", true)
	if role != "" {
		query = query.Where("role = ?", role)
	}
	var employees []*Employee
	if err := query.Order("id asc").Find(&employees).Error; err != nil {
		return nil, err
	}
	return employees, nil
}

// EmployeeByExternalId resolves the opaque chat id to an employee.
// (may return RecordNotFound)
func EmployeeByExternalId(ctx context.Context, externalId int64) (*Employee, error) {
	db := config.GetDB()
	var employee Employee
	if err := db.WithContext(ctx).Where("external_id = ?", externalId).First(&employee).Error; err != nil {
		return nil, utils.ErrorRecordNotFound
	}
	return &employee, nil
}
