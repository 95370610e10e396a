package subscriber

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/auth"
	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/pubsub"
	"github.com/yoockh/meetstream/internal/registry"
	"github.com/yoockh/meetstream/internal/utils"
)

const (
	DefaultKeepAlive   = 30 * time.Second
	DefaultReadTimeout = 60 * time.Second
)

// Transport is the accepted subscriber socket. *wsconn.Conn implements it.
type Transport interface {
	registry.Conn
	WriteJSON(v any) error
	Ping() error
	IdleFor() time.Duration
	ReadMessage() (int, []byte, error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
}

type Upgrade func() (Transport, error)

type Config struct {
	KeepAlive   time.Duration
	ReadTimeout time.Duration
}

type Deps struct {
	Verifier auth.Verifier
	Registry *registry.Registry
	Bus      pubsub.Bus
	Log      *logrus.Logger
}

type Request struct {
	MeetingID  string
	Token      string
	RemoteAddr string
}

// Service relays a meeting's transcript topic to passive subscribers.
type Service struct {
	deps Deps
	cfg  Config
}

func NewService(deps Deps, cfg Config) *Service {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	if cfg.KeepAlive <= 0 {
		cfg.KeepAlive = DefaultKeepAlive
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	return &Service{deps: deps, cfg: cfg}
}

// Serve runs one subscriber connection until the client leaves or ctx ends.
func (s *Service) Serve(ctx context.Context, req Request, upgrade Upgrade) {
	const op = "SubscriberSession.Serve"
	d := s.deps

	log := d.Log.WithFields(logrus.Fields{
		"component":  "subscriber",
		"meeting_id": req.MeetingID,
		"remote":     req.RemoteAddr,
	})

	id, err := d.Verifier.Verify(req.Token)
	if err != nil {
		log.WithError(err).Warn("subscriber authentication failed")
		if conn, uerr := upgrade(); uerr == nil {
			_ = conn.Close(websocket.ClosePolicyViolation, "authentication failed")
		}
		return
	}

	conn, err := upgrade()
	if err != nil {
		log.WithError(err).Warn("websocket upgrade failed")
		return
	}
	log = log.WithFields(logrus.Fields{"connection_id": conn.ID(), "user_id": id.UserID})
	started := time.Now()

	if !d.Registry.RegisterSubscriber(req.MeetingID, conn) {
		err := utils.E(utils.CodeRateLimited, op, "meeting subscriber limit reached", nil)
		log.Warn("subscriber limit reached")
		_ = conn.WriteJSON(models.NewError(string(utils.CodeOf(err)), utils.MessageOf(err)))
		_ = conn.Close(utils.CloseCode(err), utils.MessageOf(err))
		return
	}
	defer d.Registry.Unregister(conn)

	topic := models.TranscriptTopic(req.MeetingID)
	meetingID := req.MeetingID
	err = d.Bus.Subscribe(ctx, topic, func(_ string, payload []byte) {
		d.Registry.Broadcast(meetingID, payload)
	})
	if err != nil {
		log.WithError(err).Error("subscribe transcript topic failed")
		_ = conn.WriteJSON(models.NewError(string(utils.CodeOf(err)), utils.MessageOf(err)))
		_ = conn.Close(utils.CloseCode(err), utils.MessageOf(err))
		return
	}
	defer func() {
		if err := d.Bus.Unsubscribe(context.Background(), topic); err != nil {
			log.WithError(err).Warn("unsubscribe transcript topic failed")
		}
	}()

	_ = conn.WriteJSON(models.NewStatus(req.MeetingID, "connected", "subscribed to transcripts"))
	log.Info("subscriber connected")

	code, reason := s.pump(ctx, conn, log)
	_ = conn.Close(code, reason)
	log.WithFields(logrus.Fields{
		"duration_ms": time.Since(started).Milliseconds(),
		"reason":      reason,
	}).Info("subscriber disconnected")
}

// pump answers client pings, keeps idle connections alive and returns the
// close code once the connection should end.
func (s *Service) pump(ctx context.Context, conn Transport, log *logrus.Entry) (int, string) {
	extend := func() { _ = conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout)) }
	extend()
	conn.SetPongHandler(func(string) error {
		extend()
		return nil
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			typ, data, err := conn.ReadMessage()
			if err != nil {
				log.WithError(err).Debug("subscriber read ended")
				return
			}
			extend()
			if typ == websocket.TextMessage && isPing(data) {
				_ = conn.WriteJSON(models.ControlMessage{Type: models.TypePong})
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.KeepAlive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return websocket.CloseGoingAway, "server shutting down"
		case <-done:
			return websocket.CloseNormalClosure, "client disconnected"
		case <-ticker.C:
			if conn.IdleFor() < s.cfg.KeepAlive {
				continue
			}
			if err := conn.WriteJSON(models.ControlMessage{Type: models.TypePing}); err != nil {
				return websocket.CloseGoingAway, "keepalive failed"
			}
			if err := conn.Ping(); err != nil {
				return websocket.CloseGoingAway, "keepalive failed"
			}
		}
	}
}

func isPing(data []byte) bool {
	if strings.TrimSpace(string(data)) == models.TypePing {
		return true
	}
	var msg models.ControlMessage
	return json.Unmarshal(data, &msg) == nil && msg.Type == models.TypePing
}
