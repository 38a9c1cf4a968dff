package models

import (
	"context"
	"errors"
	"time"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Invite is a one-time enrollment token. Issued by an admin, consumed once
// before expiry to register a new employee against an external chat id.
type Invite struct {
	Token     string       `gorm:"primary_key;size:64" json:"token"`
	Role      EmployeeRole `gorm:"size:20;not null;default:employee" json:"role"`
	ExpiresAt time.Time    `gorm:"not null" json:"expires_at"`
	Used      *bool        `gorm:"not null;default:false" json:"used"`
	CreatedAt time.Time    `gorm:"autoCreateTime" json:"created_at"`
}

var (
	ErrInviteInvalid = errors.New("invite token invalid, used or expired")
)

const inviteTTL = 7 * 24 * time.Hour

func CreateInvite(ctx context.Context, role EmployeeRole, now time.Time) (*Invite, error) {
	if role == "" {
		role = EmployeeRoleEmployee
	}
	invite := Invite{
		Token:     uuid.NewString(),
		Role:      role,
		ExpiresAt: now.Add(inviteTTL),
		Used:      utils.NewFalse(),
	}

	db := config.GetDB()
	if err := db.WithContext(ctx).Create(&invite).Error; err != nil {
		return nil, err
	}
	return &invite, nil
}

// ConsumeInvite redeems a token and enrolls the employee in one transaction.
// The name defaults to whatever the chat platform reported; an admin fills
// in the full name afterwards.
func ConsumeInvite(ctx context.Context, token string, externalId int64, reportedName string, now time.Time) (*Employee, error) {
	db := config.GetDB()

	var employee *Employee
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var invite Invite
		if err := tx.Where("token = ? AND used = ?", token, false).First(&invite).Error; err != nil {
			return ErrInviteInvalid
		}
		if !invite.ExpiresAt.After(now) {
			return ErrInviteInvalid
		}

		e := Employee{
			ExternalId: externalId,
			LastName:   reportedName,
			IsActive:   utils.NewTrue(),
			Role:       invite.Role,
		}
		if err := tx.Create(&e).Error; err != nil {
			return err
		}
		if err := tx.Model(&invite).Update("Used", true).Error; err != nil {
			return err
		}
		employee = &e
		return nil
	})
	if err != nil {
		return nil, err
	}
	return employee, nil
}
