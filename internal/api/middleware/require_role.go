package middleware

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/meetstream/internal/utils"
)

// RequireRole lets the request through only when the role set by JWTAuth is
// one of allowed. Comparison ignores case.
func RequireRole(allowed ...string) gin.HandlerFunc {
	allow := map[string]struct{}{}
	for _, a := range allowed {
		a = strings.TrimSpace(strings.ToLower(a))
		if a != "" {
			allow[a] = struct{}{}
		}
	}

	return func(c *gin.Context) {
		v, ok := c.Get("role")
		role, _ := v.(string)
		role = strings.ToLower(strings.TrimSpace(role))

		if _, permitted := allow[role]; !ok || role == "" || !permitted {
			c.AbortWithStatusJSON(http.StatusForbidden, apiError{
				Code:    utils.CodeForbidden,
				Message: "role " + strconv.Quote(role) + " may not access this resource",
			})
			return
		}

		c.Next()
	}
}

// RequireOperator admits meeting operators and admins.
func RequireOperator() gin.HandlerFunc { return RequireRole("admin", "operator") }
