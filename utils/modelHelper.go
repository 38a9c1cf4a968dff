package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
)

/* DB fetching */

// fetch model from db by primary key
// (may return RecordNotFound)
func FetchModel[T any](ctx context.Context, id int, associations ...string) (*T, error) {

	db := config.GetDB()
	dbCtx := db.WithContext(ctx)
	// preloading
	for _, field := range associations {
		dbCtx = dbCtx.Preload(field)
	}
	var result T
	err := dbCtx.First(&result, id).Error
	if err != nil {
		return nil, ErrorRecordNotFound
	}
	return &result, nil
}

// ValidateResourceId checks a row with the given id exists.
// (may return RecordNotFound)
func ValidateResourceId[T any](ctx context.Context, id interface{}) error {
	db := config.GetDB()
	var count int64
	var model T
	err := db.WithContext(ctx).Model(&model).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return err
	}
	if count == 0 {
		return ErrorRecordNotFound
	}
	return nil
}

// ValidateUnique checks no other row carries the same value in the column.
// exceptId = 0 for create.
func ValidateUnique[T any](ctx context.Context, column string, value interface{}, exceptId interface{}) error {
	db := config.GetDB()
	var count int64
	var model T
	query := db.WithContext(ctx).Model(&model).Where(column+" = ?", value)
	if exceptId != nil && exceptId != 0 {
		query = query.Where("id <> ?", exceptId)
	}
	if err := query.Count(&count).Error; err != nil {
		return err
	}
	if count > 0 {
		return ErrorDuplicateRecord
	}
	return nil
}
