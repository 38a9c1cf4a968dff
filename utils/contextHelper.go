package utils

import (
	"context"

	"bitbucket.org/mmdatafocus/attendance_backend/appctx"
)

// Alias the shared context key type so existing code keeps working.
type contextKey = appctx.ContextKey

var (
	ContextKeyToken         = appctx.ContextKeyToken
	ContextKeyEmployeeId    = appctx.ContextKeyEmployeeId
	ContextKeyExternalId    = appctx.ContextKeyExternalId
	ContextKeyEmployeeName  = appctx.ContextKeyEmployeeName
	ContextKeyCorrelationId = appctx.ContextKeyCorrelationId
	ContextKeyIsAdmin       = appctx.ContextKeyIsAdmin
)

func GetTokenFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyToken)
}

func GetEmployeeIdFromContext(ctx context.Context) (int, bool) {
	return appctx.GetInt(ctx, ContextKeyEmployeeId)
}

func GetExternalIdFromContext(ctx context.Context) (int64, bool) {
	return appctx.GetInt64(ctx, ContextKeyExternalId)
}

func GetEmployeeNameFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyEmployeeName)
}

func GetCorrelationIdFromContext(ctx context.Context) (string, bool) {
	return appctx.GetString(ctx, ContextKeyCorrelationId)
}

func GetIsAdminFromContext(ctx context.Context) (bool, bool) {
	return appctx.GetBool(ctx, ContextKeyIsAdmin)
}

func SetTokenInContext(ctx context.Context, token string) context.Context {
	return appctx.Set(ctx, ContextKeyToken, token)
}

func SetEmployeeIdInContext(ctx context.Context, id int) context.Context {
	return appctx.Set(ctx, ContextKeyEmployeeId, id)
}

func SetExternalIdInContext(ctx context.Context, id int64) context.Context {
	return appctx.Set(ctx, ContextKeyExternalId, id)
}

func SetEmployeeNameInContext(ctx context.Context, name string) context.Context {
	return appctx.Set(ctx, ContextKeyEmployeeName, name)
}

func SetCorrelationIdInContext(ctx context.Context, cid string) context.Context {
	return appctx.Set(ctx, ContextKeyCorrelationId, cid)
}

func SetIsAdminInContext(ctx context.Context, isAdmin bool) context.Context {
	return appctx.Set(ctx, ContextKeyIsAdmin, isAdmin)
}
