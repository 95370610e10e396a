package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/meetstream/internal/auth"
	"github.com/yoockh/meetstream/internal/utils"
)

type apiError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

// JWTAuth verifies the bearer token (header first, then the token query
// parameter) and stores the identity on the context.
func JWTAuth(v auth.Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := auth.BearerToken(c.GetHeader("Authorization"), c.Query("token"))
		if raw == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{
				Code:    utils.CodeUnauthorized,
				Message: "missing bearer token",
			})
			return
		}

		id, err := v.Verify(raw)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, apiError{
				Code:    utils.CodeUnauthorized,
				Message: utils.MessageOf(err),
			})
			return
		}

		c.Set("user_id", id.UserID)
		c.Set("tenant_id", id.TenantID)
		c.Set("email", id.Email)
		c.Set("role", id.Role)
		c.Next()
	}
}
