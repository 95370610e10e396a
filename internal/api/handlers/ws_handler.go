package handlers

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/yoockh/meetstream/internal/auth"
	"github.com/yoockh/meetstream/internal/ingest"
	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/subscriber"
	"github.com/yoockh/meetstream/internal/utils"
	"github.com/yoockh/meetstream/internal/wsconn"
)

type WSHandler struct {
	ingest      *ingest.Service
	subscribers *subscriber.Service
	upgrader    websocket.Upgrader
}

// NewWSHandler accepts websockets from allowedOrigins. An empty list or "*"
// allows every origin.
func NewWSHandler(ing *ingest.Service, subs *subscriber.Service, allowedOrigins []string) *WSHandler {
	return &WSHandler{
		ingest:      ing,
		subscribers: subs,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  32 << 10,
			WriteBufferSize: 16 << 10,
			CheckOrigin:     originChecker(allowedOrigins),
		},
	}
}

// originChecker matches the Origin header against allowed. Requests without
// an Origin header come from native agents and are always let through.
func originChecker(allowed []string) func(*http.Request) bool {
	set := make(map[string]struct{}, len(allowed))
	for _, o := range allowed {
		o = strings.ToLower(strings.TrimRight(strings.TrimSpace(o), "/"))
		if o == "*" {
			return func(*http.Request) bool { return true }
		}
		if o != "" {
			set[o] = struct{}{}
		}
	}
	if len(set) == 0 {
		return func(*http.Request) bool { return true }
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[strings.ToLower(strings.TrimRight(origin, "/"))]
		return ok
	}
}

func (h *WSHandler) accept(c *gin.Context) (*wsconn.Conn, error) {
	ws, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// upgrade already wrote response in most cases
		return nil, err
	}
	return wsconn.New(ws), nil
}

func token(c *gin.Context) string {
	return auth.BearerToken(c.GetHeader("Authorization"), c.Query("token"))
}

// IngestWS accepts one audio stream for a meeting. The source comes from the
// "source" query parameter and defaults to mic.
func (h *WSHandler) IngestWS(c *gin.Context) {
	const op = "WSHandler.IngestWS"

	meetingID, ok := requireMeetingID(c, op)
	if !ok {
		return
	}
	source, ok := models.ParseSource(c.Query("source"))
	if !ok {
		writeError(c, utils.E(utils.CodeInvalidArgument, op, "source must be mic or sys", nil))
		return
	}

	h.ingest.Serve(c.Request.Context(), ingest.Request{
		MeetingID:  meetingID,
		Source:     source,
		Token:      token(c),
		RemoteAddr: c.ClientIP(),
	}, func() (ingest.Transport, error) {
		conn, err := h.accept(c)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}

// SubscribeWS streams a meeting's transcript messages to a passive client.
func (h *WSHandler) SubscribeWS(c *gin.Context) {
	meetingID, ok := requireMeetingID(c, "WSHandler.SubscribeWS")
	if !ok {
		return
	}

	h.subscribers.Serve(c.Request.Context(), subscriber.Request{
		MeetingID:  meetingID,
		Token:      token(c),
		RemoteAddr: c.ClientIP(),
	}, func() (subscriber.Transport, error) {
		conn, err := h.accept(c)
		if err != nil {
			return nil, err
		}
		return conn, nil
	})
}
