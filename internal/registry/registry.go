package registry

import (
	"encoding/json"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/models"
)

// Conn is a live client socket as seen by the registry.
type Conn interface {
	ID() string
	Send(payload []byte) error
	Close(code int, reason string) error
}

type Stats struct {
	MeetingID       string                 `json:"meeting_id"`
	SubscriberCount int                    `json:"subscriber_count"`
	HasIngest       map[models.Source]bool `json:"has_ingest"`
}

// location records where a connection is registered so Unregister does not
// have to scan every meeting.
type location struct {
	meetingID  string
	subscriber bool
	key        models.ConnectionKey
}

// Registry tracks subscriber sets per meeting and the single live ingest
// connection per (meeting, source). Safe for concurrent use.
type Registry struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]Conn
	ingest      map[models.ConnectionKey]Conn
	index       map[string]location

	maxSubscribers  int
	maxMessageBytes int
	log             *logrus.Logger
}

func New(maxSubscribers, maxMessageBytes int, log *logrus.Logger) *Registry {
	if log == nil {
		log = logrus.New()
	}
	return &Registry{
		subscribers:     make(map[string]map[string]Conn),
		ingest:          make(map[models.ConnectionKey]Conn),
		index:           make(map[string]location),
		maxSubscribers:  maxSubscribers,
		maxMessageBytes: maxMessageBytes,
		log:             log,
	}
}

// RegisterSubscriber adds c to the meeting's set. Returns false at capacity.
func (r *Registry) RegisterSubscriber(meetingID string, c Conn) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	set := r.subscribers[meetingID]
	if set == nil {
		set = make(map[string]Conn)
		r.subscribers[meetingID] = set
	}
	if _, ok := set[c.ID()]; ok {
		return true
	}
	if len(set) >= r.maxSubscribers {
		r.log.WithFields(logrus.Fields{
			"meeting_id":  meetingID,
			"subscribers": len(set),
			"max":         r.maxSubscribers,
		}).Warn("subscriber limit reached")
		return false
	}
	set[c.ID()] = c
	r.index[c.ID()] = location{meetingID: meetingID, subscriber: true}
	return true
}

// RegisterIngest makes c the live ingest connection for key and returns the
// connection it displaced, if any. The caller is responsible for closing it.
func (r *Registry) RegisterIngest(key models.ConnectionKey, c Conn) Conn {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.ingest[key]
	if prev != nil && prev.ID() == c.ID() {
		return nil
	}
	r.ingest[key] = c
	r.index[c.ID()] = location{meetingID: key.MeetingID, key: key}
	if prev != nil {
		delete(r.index, prev.ID())
	}
	return prev
}

// Unregister removes c wherever it is registered. An ingest entry is only
// removed while it still points at c, so a replaced session cannot evict
// its successor.
func (r *Registry) Unregister(c Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unregisterLocked(c.ID())
}

func (r *Registry) unregisterLocked(id string) {
	loc, ok := r.index[id]
	if !ok {
		return
	}
	delete(r.index, id)

	if loc.subscriber {
		set := r.subscribers[loc.meetingID]
		delete(set, id)
		if len(set) == 0 {
			delete(r.subscribers, loc.meetingID)
		}
		return
	}
	if cur, ok := r.ingest[loc.key]; ok && cur.ID() == id {
		delete(r.ingest, loc.key)
	}
}

// Ingest returns the live ingest connection for key.
func (r *Registry) Ingest(key models.ConnectionKey) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.ingest[key]
	return c, ok
}

// Broadcast sends payload to every subscriber of the meeting. Payloads over
// the size limit are replaced by a truncation notice. Subscribers whose send
// fails are evicted; the rest still receive the message.
func (r *Registry) Broadcast(meetingID string, payload []byte) int {
	if len(payload) > r.maxMessageBytes {
		r.log.WithFields(logrus.Fields{
			"meeting_id": meetingID,
			"bytes":      len(payload),
			"max":        r.maxMessageBytes,
		}).Warn("broadcast payload too large; sending truncation notice")
		payload, _ = json.Marshal(truncatedNotice(meetingID))
	}

	r.mu.RLock()
	targets := make([]Conn, 0, len(r.subscribers[meetingID]))
	for _, c := range r.subscribers[meetingID] {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	delivered := 0
	var failed []Conn
	for _, c := range targets {
		if err := c.Send(payload); err != nil {
			r.log.WithError(err).WithFields(logrus.Fields{
				"meeting_id":    meetingID,
				"connection_id": c.ID(),
			}).Info("evicting subscriber after failed send")
			failed = append(failed, c)
			continue
		}
		delivered++
	}

	if len(failed) > 0 {
		r.mu.Lock()
		for _, c := range failed {
			r.unregisterLocked(c.ID())
		}
		r.mu.Unlock()
		for _, c := range failed {
			_ = c.Close(websocket.CloseInternalServerErr, "send failed")
		}
	}
	return delivered
}

// BroadcastJSON marshals v once and broadcasts it.
func (r *Registry) BroadcastJSON(meetingID string, v any) (int, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return 0, err
	}
	return r.Broadcast(meetingID, b), nil
}

func (r *Registry) Stats(meetingID string) Stats {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, mic := r.ingest[models.ConnectionKey{MeetingID: meetingID, Source: models.SourceMic}]
	_, sys := r.ingest[models.ConnectionKey{MeetingID: meetingID, Source: models.SourceSys}]
	return Stats{
		MeetingID:       meetingID,
		SubscriberCount: len(r.subscribers[meetingID]),
		HasIngest: map[models.Source]bool{
			models.SourceMic: mic,
			models.SourceSys: sys,
		},
	}
}

func truncatedNotice(meetingID string) models.StatusMessage {
	return models.NewStatus(meetingID, "truncated", "payload too large")
}
