package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/meetstream/internal/utils"
)

type APIError struct {
	Code    utils.Code `json:"code"`
	Message string     `json:"message"`
}

// writeError aborts with the status and safe message of err. The full error
// is attached to the context for the request logger.
func writeError(c *gin.Context, err error) {
	status := utils.HTTPStatus(err)
	_ = c.Error(err)

	body := APIError{Code: utils.CodeOf(err), Message: utils.MessageOf(err)}
	if status >= http.StatusInternalServerError && body.Code == utils.CodeInternal {
		body.Message = http.StatusText(status)
	}
	c.AbortWithStatusJSON(status, body)
}

func requireMeetingID(c *gin.Context, op string) (string, bool) {
	id := strings.TrimSpace(c.Param("meeting_id"))
	if id == "" {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "missing meeting_id", nil))
		return "", false
	}
	return id, true
}
