package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/auth"
	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/providers/stt"
	"github.com/yoockh/meetstream/internal/pubsub"
	"github.com/yoockh/meetstream/internal/ratelimit"
	"github.com/yoockh/meetstream/internal/registry"
	"github.com/yoockh/meetstream/internal/relay"
	"github.com/yoockh/meetstream/internal/utils"
)

const (
	storeTimeout  = 5 * time.Second
	statsLogEvery = 100

	// maxHandshakeBytes bounds the first message, read before any other
	// limit applies.
	maxHandshakeBytes = 4 << 10
)

// Transport is the accepted client socket. *wsconn.Conn implements it.
type Transport interface {
	registry.Conn
	WriteJSON(v any) error
	ReadMessage() (int, []byte, error)
	NextReader() (int, io.Reader, error)
	SetReadDeadline(t time.Time) error
	SetReadLimit(n int64)
}

// Upgrade accepts the client connection. It is called exactly once per
// request, including requests that are about to be rejected.
type Upgrade func() (Transport, error)

// Store persists final segments. services.TranscriptService implements it.
type Store interface {
	StoreFinal(ctx context.Context, seg models.TranscriptSegment) error
	LastSegmentNo(ctx context.Context, meetingID string) (int, error)
}

// TipQueue receives final segments for background processing.
type TipQueue interface {
	Enqueue(ctx context.Context, seg models.TranscriptSegment) error
}

type Config struct {
	SampleRate       int
	Channels         int
	MaxFrameBytes    int
	HandshakeTimeout time.Duration
	IdleTimeout      time.Duration
	FinalizeTimeout  time.Duration
	Model            string
	Language         string
	Relay            relay.Config
}

type Deps struct {
	Limiter  ratelimit.Limiter
	Verifier auth.Verifier
	Registry *registry.Registry
	Dialer   stt.Dialer
	Bus      pubsub.Bus
	Store    Store
	Counters *Counters
	Tips     TipQueue // optional
	Log      *logrus.Logger
}

// Request identifies one ingest attempt.
type Request struct {
	MeetingID  string
	Source     models.Source
	Token      string
	RemoteAddr string
}

// Service runs ingest sessions.
type Service struct {
	deps Deps
	cfg  Config
}

func NewService(deps Deps, cfg Config) *Service {
	if deps.Log == nil {
		deps.Log = logrus.New()
	}
	if deps.Counters == nil {
		deps.Counters = NewCounters()
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 6 * time.Second
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 2 * time.Minute
	}
	if cfg.FinalizeTimeout <= 0 {
		cfg.FinalizeTimeout = 5 * time.Second
	}
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = 32768
	}
	return &Service{deps: deps, cfg: cfg}
}

type session struct {
	svc   *Service
	req   Request
	key   models.ConnectionKey
	state State
	log   *logrus.Entry

	conn     Transport
	relay    *relay.Relay
	deviceID string
	acquired bool

	frames   int64
	bytes    int64
	dropped  int64
	started  time.Time
	closeMsg string
}

// frame is one client message. Messages over the size cap are drained
// without being buffered and arrive with oversized set and data nil.
type frame struct {
	typ       int
	data      []byte
	size      int64
	oversized bool
}

// Serve drives one ingest connection from admission to teardown. It returns
// once the connection is closed.
func (s *Service) Serve(ctx context.Context, req Request, upgrade Upgrade) {
	key := models.ConnectionKey{MeetingID: req.MeetingID, Source: req.Source}
	ss := &session{
		svc:     s,
		req:     req,
		key:     key,
		state:   StateConnecting,
		started: time.Now(),
		log: s.deps.Log.WithFields(logrus.Fields{
			"component":  "ingest",
			"meeting_id": req.MeetingID,
			"source":     req.Source,
			"remote":     req.RemoteAddr,
		}),
	}
	ss.run(ctx, upgrade)
}

func (s *session) run(ctx context.Context, upgrade Upgrade) {
	d := s.svc.deps

	if !d.Limiter.Allow(ctx, s.key.String()) {
		s.reject(upgrade, utils.E(utils.CodeRateLimited, "IngestSession.Admit", "too many attempts", nil))
		return
	}

	if _, err := d.Verifier.Verify(s.req.Token); err != nil {
		s.log.WithError(err).Warn("ingest authentication failed")
		s.reject(upgrade, utils.E(utils.CodeUnauthorized, "IngestSession.Authenticate", "authentication failed", err))
		return
	}
	s.transition(StateAuthenticated)

	conn, err := upgrade()
	if err != nil {
		s.log.WithError(err).Warn("websocket upgrade failed")
		s.transition(StateFailed)
		return
	}
	s.conn = conn
	s.log = s.log.WithField("connection_id", conn.ID())
	s.transition(StateAccepted)
	defer s.teardown()

	if prev := d.Registry.RegisterIngest(s.key, conn); prev != nil {
		s.log.WithField("replaced_connection_id", prev.ID()).Info("replacing previous ingest connection")
		_ = prev.Close(websocket.CloseServiceRestart, "Connection replaced by newer one")
	}

	if err := s.handshake(); err != nil {
		s.fail(err)
		return
	}

	s.svc.deps.Counters.Acquire(s.key.MeetingID, func() int { return s.lastSegmentNo(ctx) })
	s.acquired = true

	if err := s.connectUpstream(ctx); err != nil {
		s.fail(err)
		return
	}

	_ = conn.WriteJSON(models.NewStatus(s.key.MeetingID, "streaming", "upstream connected"))
	s.transition(StateStreaming)

	s.stream(ctx)
}

// reject accepts the socket only to close it with the error's close code.
func (s *session) reject(upgrade Upgrade, err error) {
	s.log.WithField("code", utils.CodeOf(err)).Info("ingest connection rejected")
	s.transition(StateFailed)
	conn, uerr := upgrade()
	if uerr != nil {
		return
	}
	_ = conn.Close(utils.CloseCode(err), utils.MessageOf(err))
}

func (s *session) handshake() error {
	const op = "IngestSession.Handshake"
	cfg := s.svc.cfg

	s.transition(StateAwaitingHandshake)
	_ = s.conn.SetReadDeadline(time.Now().Add(cfg.HandshakeTimeout))
	s.conn.SetReadLimit(maxHandshakeBytes)

	typ, data, err := s.conn.ReadMessage()
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.As(err, &ne) && ne.Timeout() {
			return utils.E(utils.CodeProtocol, op, "handshake timeout", err)
		}
		if errors.Is(err, websocket.ErrReadLimit) {
			return utils.E(utils.CodeProtocol, op, "handshake too large", err)
		}
		return utils.E(utils.CodeProtocol, op, "connection closed before handshake", err)
	}
	if typ != websocket.TextMessage {
		return utils.E(utils.CodeProtocol, op, "handshake must be a text frame", nil)
	}

	hs, err := parseHandshake(data, s.key.Source, cfg.SampleRate, cfg.Channels)
	if err != nil {
		return err
	}
	s.deviceID = hs.DeviceID
	s.log = s.log.WithField("device_id", hs.DeviceID)

	// stream reads enforce the frame cap themselves
	_ = s.conn.SetReadDeadline(time.Time{})
	s.conn.SetReadLimit(0)

	s.transition(StateHandshakeValidated)
	return s.conn.WriteJSON(models.HandshakeAck{Type: models.TypeHandshakeAck, OK: true})
}

func (s *session) connectUpstream(ctx context.Context) error {
	cfg := s.svc.cfg
	opts := stt.Options{
		SessionID:      s.key.UpstreamSessionID(),
		Model:          cfg.Model,
		Language:       cfg.Language,
		SampleRate:     cfg.SampleRate,
		Channels:       cfg.Channels,
		InterimResults: true,
		Diarize:        true,
	}
	s.relay = relay.New(s.svc.deps.Dialer, opts, cfg.Relay, s.log)
	if err := s.relay.Connect(ctx); err != nil {
		return err
	}
	s.transition(StateUpstreamConnected)
	return nil
}

func (s *session) stream(ctx context.Context) {
	cfg := s.svc.cfg

	frames := make(chan frame)
	readErr := make(chan error, 1)
	quit := make(chan struct{})
	defer close(quit)
	go func() {
		for {
			f, err := s.next(cfg.MaxFrameBytes)
			if err != nil {
				readErr <- err
				return
			}
			select {
			case frames <- f:
			case <-quit:
				return
			}
		}
	}()

	idle := time.NewTimer(cfg.IdleTimeout)
	defer idle.Stop()

	events := s.relay.Events()
	var finalized chan struct{}

	for {
		select {
		case <-ctx.Done():
			s.closeWith(websocket.CloseGoingAway, "server shutting down")
			return

		case err := <-readErr:
			s.log.WithError(err).Debug("client read ended")
			s.closeMsg = "client disconnected"
			return

		case f := <-frames:
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(cfg.IdleTimeout)

			if f.oversized {
				s.dropOversized(f)
				continue
			}
			if f.typ == websocket.BinaryMessage {
				if err := s.forwardAudio(f.data); err != nil {
					s.fail(err)
					return
				}
				continue
			}
			switch s.control(f.data) {
			case models.TypeFinalize:
				if finalized == nil {
					finalized = s.beginFinalize(ctx)
				}
			case models.TypeClose:
				s.closeWith(websocket.CloseNormalClosure, "closed by client")
				return
			}

		case ev, ok := <-events:
			if !ok {
				events = nil
				if s.state == StateFinalizing {
					continue
				}
				s.fail(utils.E(utils.CodeUpstream, "IngestSession.Stream", "upstream disconnected", nil))
				return
			}
			if ev.Err != nil {
				if s.state == StateFinalizing {
					s.log.WithError(ev.Err).Warn("upstream error while finalizing")
					continue
				}
				s.fail(utils.E(utils.CodeUpstream, "IngestSession.Stream", "upstream error", ev.Err))
				return
			}
			s.handleResult(ctx, ev.Result)

		case <-finalized:
			if events != nil {
				for ev := range events {
					if ev.Result != nil {
						s.handleResult(ctx, ev.Result)
					}
				}
			}
			s.closeWith(websocket.CloseNormalClosure, "finalized")
			return

		case <-idle.C:
			s.log.WithField("idle_timeout", cfg.IdleTimeout.String()).Info("ingest idle, closing")
			s.closeWith(websocket.CloseGoingAway, "idle timeout")
			return
		}
	}
}

// next reads one client message, buffering at most limit bytes of it. A
// larger message is drained to its end so the stream stays usable.
func (s *session) next(limit int) (frame, error) {
	typ, r, err := s.conn.NextReader()
	if err != nil {
		return frame{}, err
	}
	if limit <= 0 {
		data, err := io.ReadAll(r)
		return frame{typ: typ, data: data, size: int64(len(data))}, err
	}
	data, err := io.ReadAll(io.LimitReader(r, int64(limit)+1))
	if err != nil {
		return frame{}, err
	}
	if len(data) <= limit {
		return frame{typ: typ, data: data, size: int64(len(data))}, nil
	}
	rest, err := io.Copy(io.Discard, r)
	if err != nil {
		return frame{}, err
	}
	return frame{typ: typ, size: int64(len(data)) + rest, oversized: true}, nil
}

func (s *session) dropOversized(f frame) {
	s.dropped++
	kind := "audio"
	if f.typ == websocket.TextMessage {
		kind = "control"
	}
	s.log.WithFields(logrus.Fields{
		"size": f.size,
		"max":  s.svc.cfg.MaxFrameBytes,
		"kind": kind,
	}).Warn("dropping oversized frame")
}

func (s *session) forwardAudio(pcm []byte) error {
	if err := s.relay.SendAudio(pcm); err != nil {
		return err
	}
	s.frames++
	s.bytes += int64(len(pcm))
	if s.frames%statsLogEvery == 0 {
		s.log.WithFields(logrus.Fields{"frames": s.frames, "bytes": s.bytes}).Debug("streaming")
	}
	return nil
}

// control returns the type of a text control frame, or "" when it is not
// one this session acts on.
func (s *session) control(data []byte) string {
	var msg models.ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		// bare words are accepted too
		msg.Type = strings.TrimSpace(string(data))
	}
	switch msg.Type {
	case models.TypeFinalize, models.TypeClose:
		return msg.Type
	default:
		s.log.WithField("payload", truncate(string(data), 128)).Debug("ignoring unknown control message")
		return ""
	}
}

func (s *session) beginFinalize(ctx context.Context) chan struct{} {
	s.transition(StateFinalizing)
	_ = s.conn.WriteJSON(models.NewStatus(s.key.MeetingID, "finalizing", "flushing trailing results"))

	done := make(chan struct{})
	go func() {
		defer close(done)
		fctx, cancel := context.WithTimeout(ctx, s.svc.cfg.FinalizeTimeout)
		defer cancel()
		if err := s.relay.Finalize(fctx); err != nil {
			s.log.WithError(err).Warn("relay finalize")
		}
	}()
	return done
}

// handleResult numbers a result, publishes it and persists finals.
// Publishing happens first so subscribers never wait on storage.
func (s *session) handleResult(ctx context.Context, res *stt.Result) {
	d := s.svc.deps
	meetingID := s.key.MeetingID

	seg := models.TranscriptSegment{
		MeetingID:  meetingID,
		Source:     s.key.Source,
		StartMS:    res.StartMS,
		EndMS:      res.EndMS,
		Speaker:    res.Speaker,
		Text:       res.Text,
		Confidence: res.Confidence,
		IsFinal:    res.IsFinal,
		Words:      res.Words,
		Raw:        res.Raw,
	}
	if res.IsFinal {
		seg.SegmentNo = d.Counters.Next(meetingID)
	} else {
		seg.SegmentNo = d.Counters.Current(meetingID)
	}

	msg := models.NewTranscriptMessage(seg, map[string]any{
		"provider":  d.Dialer.Name(),
		"device_id": s.deviceID,
	})
	if err := d.Bus.Publish(ctx, models.TranscriptTopic(meetingID), msg); err != nil {
		s.log.WithError(err).WithField("segment_no", seg.SegmentNo).Warn("publish transcript failed")
	}

	if !seg.IsFinal {
		return
	}

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := d.Store.StoreFinal(sctx, seg); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"segment_no":      seg.SegmentNo,
			"idempotency_key": models.IdempotencyKey(meetingID, s.key.StreamID(), seg.SegmentNo),
		}).Error("store final segment failed")
	}

	if d.Tips != nil {
		if err := d.Tips.Enqueue(sctx, seg); err != nil {
			s.log.WithError(err).Warn("enqueue tip request failed")
		}
	}
}

func (s *session) lastSegmentNo(ctx context.Context) int {
	n, err := s.svc.deps.Store.LastSegmentNo(ctx, s.key.MeetingID)
	if err != nil {
		s.log.WithError(err).Warn("could not seed segment counter, starting at zero")
		return 0
	}
	return n
}

// fail reports err to the client, when it is still reachable, and closes
// with the matching close code.
func (s *session) fail(err error) {
	s.log.WithError(err).Warn("ingest session failed")
	s.transition(StateFailed)
	if s.conn == nil {
		return
	}
	_ = s.conn.WriteJSON(models.NewError(string(utils.CodeOf(err)), utils.MessageOf(err)))
	code := utils.CloseCode(err)
	s.closeMsg = utils.MessageOf(err)
	_ = s.conn.Close(code, s.closeMsg)
}

func (s *session) closeWith(code int, reason string) {
	s.closeMsg = reason
	_ = s.conn.Close(code, reason)
}

func (s *session) teardown() {
	d := s.svc.deps

	if s.relay != nil {
		if err := s.relay.Disconnect(); err != nil {
			s.log.WithError(err).Debug("relay disconnect")
		}
	}
	d.Registry.Unregister(s.conn)
	if s.acquired {
		d.Counters.Release(s.key.MeetingID)
	}
	_ = s.conn.Close(websocket.CloseNormalClosure, "")

	if s.state != StateFailed {
		s.transition(StateClosed)
	}

	fields := logrus.Fields{
		"frames":      s.frames,
		"bytes":       s.bytes,
		"dropped":     s.dropped,
		"duration_ms": time.Since(s.started).Milliseconds(),
		"final_state": s.state,
		"reason":      s.closeMsg,
	}
	if s.relay != nil {
		st := s.relay.Stats()
		fields["upstream_frames"] = st.FramesSent
		fields["upstream_results"] = st.Results
	}
	s.log.WithFields(fields).Info("ingest session ended")
}

func (s *session) transition(to State) {
	from := s.state
	if from == to {
		return
	}
	if !canTransition(from, to) {
		s.log.WithFields(logrus.Fields{"from_state": from, "to_state": to}).Warn("illegal state transition ignored")
		return
	}
	s.state = to
	s.log.WithFields(logrus.Fields{"from_state": from, "to_state": to}).Debug("state transition")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
