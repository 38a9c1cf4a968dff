// Package middlewares holds the gin middleware shared by the HTTP surface.
package middlewares

import (
	"context"
	"errors"
	"net/http"
	"strconv"

	"bitbucket.org/mmdatafocus/attendance_backend/config"
	"bitbucket.org/mmdatafocus/attendance_backend/models"
	"bitbucket.org/mmdatafocus/attendance_backend/utils"
	"github.com/gin-gonic/gin"
)

// SessionMiddleware resolves the ops session token from the "token" header.
// Sessions live in Redis under "Token:{token}" holding the employee's chat
// id; the resolved identity lands in the request context. Requests without a
// token pass through unauthenticated; the admin-only handlers reject them.
func SessionMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		token := c.Request.Header.Get("token")
		if token == "" {
			c.Next()
			return
		}
		value, exists, err := config.GetRedisValue("Token:" + token)
		if err != nil || !exists {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}
		externalId, err := strconv.ParseInt(value, 10, 64)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			c.Abort()
			return
		}

		employee, err := models.EmployeeByExternalId(c.Request.Context(), externalId)
		if err != nil {
			if errors.Is(err, utils.ErrorRecordNotFound) {
				c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			} else {
				c.JSON(http.StatusServiceUnavailable, gin.H{"error": "store unavailable"})
			}
			c.Abort()
			return
		}

		ctx := utils.SetTokenInContext(c.Request.Context(), token)
		ctx = utils.SetEmployeeIdInContext(ctx, employee.ID)
		ctx = utils.SetExternalIdInContext(ctx, employee.ExternalId)
		ctx = utils.SetEmployeeNameInContext(ctx, employee.DisplayName())
		ctx = utils.SetIsAdminInContext(ctx, employee.IsAdmin() && utils.DereferencePtr(employee.IsActive))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

// RequireAdmin rejects the request unless the session resolved to an active
// admin employee.
func RequireAdmin(ctx context.Context) error {
	isAdmin, ok := utils.GetIsAdminFromContext(ctx)
	if !ok || !isAdmin {
		return errors.New("admin session required")
	}
	return nil
}
