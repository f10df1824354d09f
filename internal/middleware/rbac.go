package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/HARSHITHR0107/capstone-management-automation-pu/internal/models"
	appErrors "github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/errors"
	"github.com/HARSHITHR0107/capstone-management-automation-pu/pkg/response"
)

// RequireRoles enforces role-based access control for routes.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}

	return func(c *gin.Context) {
		claims := CurrentClaims(c)
		if claims == nil {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if _, ok := allowed[claims.Role]; !ok {
			response.Error(c, appErrors.ErrForbidden)
			c.Abort()
			return
		}

		c.Next()
	}
}
