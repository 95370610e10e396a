package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/meetstream/internal/registry"
	"github.com/yoockh/meetstream/internal/services"
)

type MeetingHandler struct {
	transcripts services.TranscriptService
	registry    *registry.Registry
}

func NewMeetingHandler(transcripts services.TranscriptService, reg *registry.Registry) *MeetingHandler {
	return &MeetingHandler{transcripts: transcripts, registry: reg}
}

// Stats reports live connection counts for a meeting on this instance.
func (h *MeetingHandler) Stats(c *gin.Context) {
	meetingID, ok := requireMeetingID(c, "MeetingHandler.Stats")
	if !ok {
		return
	}
	c.JSON(http.StatusOK, h.registry.Stats(meetingID))
}

func (h *MeetingHandler) Transcripts(c *gin.Context) {
	meetingID, ok := requireMeetingID(c, "MeetingHandler.Transcripts")
	if !ok {
		return
	}

	rows, err := h.transcripts.GetAll(c.Request.Context(), meetingID)
	if err != nil {
		writeError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"meeting_id":  meetingID,
		"count":       len(rows),
		"transcripts": rows,
	})
}
