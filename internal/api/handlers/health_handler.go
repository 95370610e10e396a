package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/yoockh/meetstream/internal/pubsub"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	bus   pubsub.Bus
	store Pinger
}

func NewHealthHandler(bus pubsub.Bus, store Pinger) *HealthHandler {
	return &HealthHandler{bus: bus, store: store}
}

// Health reports broker and store status. The broker is "noop" when the
// process runs without fan-out.
func (h *HealthHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	broker := "healthy"
	switch {
	case h.bus.Mode() == pubsub.ModeNoop:
		broker = "noop"
	case h.bus.Ping(ctx) != nil:
		broker = "unhealthy"
	}

	store := "healthy"
	if h.store.Ping(ctx) != nil {
		store = "unhealthy"
	}

	status, code := "ok", http.StatusOK
	if broker == "unhealthy" || store == "unhealthy" {
		status, code = "degraded", http.StatusServiceUnavailable
	}

	c.JSON(code, gin.H{
		"status": status,
		"broker": broker,
		"store":  store,
		"ts":     time.Now().UTC().Format(time.RFC3339),
	})
}
