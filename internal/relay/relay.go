package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/providers/stt"
	"github.com/yoockh/meetstream/internal/utils"
)

const (
	DefaultReadTimeout   = 30 * time.Second
	DefaultFinalizeGrace = time.Second

	eventBuffer = 64
)

// Event is either a translated result or a terminal upstream error.
type Event struct {
	Result *stt.Result
	Err    error
}

type state int

const (
	stateIdle state = iota
	stateConnected
	stateFinalizing
	stateDisconnected // listener exited on its own
	stateClosed
)

type Stats struct {
	FramesSent  int64
	BytesSent   int64
	Results     int64
	ConnectedAt time.Time
}

type Config struct {
	ReadTimeout   time.Duration
	FinalizeGrace time.Duration
}

// Relay owns one upstream recognition stream. Results are delivered on
// Events, which is closed once the listener has exited.
type Relay struct {
	dialer stt.Dialer
	opts   stt.Options
	cfg    Config
	log    *logrus.Entry

	mu     sync.Mutex
	state  state
	stream stt.Stream

	events   chan Event
	done     chan struct{}
	stop     chan struct{}
	stopOnce sync.Once

	frames      atomic.Int64
	bytes       atomic.Int64
	results     atomic.Int64
	connectedAt time.Time
}

func New(dialer stt.Dialer, opts stt.Options, cfg Config, log *logrus.Entry) *Relay {
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}
	if cfg.FinalizeGrace <= 0 {
		cfg.FinalizeGrace = DefaultFinalizeGrace
	}
	if log == nil {
		log = logrus.NewEntry(logrus.New())
	}
	return &Relay{
		dialer: dialer,
		opts:   opts,
		cfg:    cfg,
		log:    log.WithFields(logrus.Fields{"component": "relay", "provider": dialer.Name()}),
		events: make(chan Event, eventBuffer),
		done:   make(chan struct{}),
		stop:   make(chan struct{}),
	}
}

func (r *Relay) Events() <-chan Event { return r.events }

// Connect opens the upstream stream. Calling it on a connected relay is a no-op.
func (r *Relay) Connect(ctx context.Context) error {
	const op = "Relay.Connect"

	r.mu.Lock()
	defer r.mu.Unlock()

	switch r.state {
	case stateConnected, stateFinalizing:
		return nil
	case stateDisconnected, stateClosed:
		return utils.E(utils.CodeUpstream, op, "relay already closed", nil)
	}

	stream, err := r.dialer.Dial(ctx, r.opts)
	if err != nil {
		if errors.Is(err, stt.ErrMissingCredential) {
			return utils.E(utils.CodeUpstream, op, "asr credential is not configured", err)
		}
		return utils.E(utils.CodeUpstream, op, "failed to connect to asr provider", err)
	}

	r.stream = stream
	r.state = stateConnected
	r.connectedAt = time.Now()
	go r.listen(stream)

	r.log.WithField("session_id", r.opts.SessionID).Info("upstream connected")
	return nil
}

func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateConnected
}

// SendAudio forwards one PCM frame. Frames sent while finalizing are dropped
// without error.
func (r *Relay) SendAudio(pcm []byte) error {
	const op = "Relay.SendAudio"

	r.mu.Lock()
	st, stream := r.state, r.stream
	r.mu.Unlock()

	switch st {
	case stateConnected:
	case stateFinalizing:
		r.log.Debug("dropping audio while finalizing")
		return nil
	default:
		return utils.E(utils.CodeUpstream, op, "relay is not connected", nil)
	}

	if err := stream.SendAudio(pcm); err != nil {
		return utils.E(utils.CodeUpstream, op, "failed to send audio", err)
	}
	r.frames.Add(1)
	r.bytes.Add(int64(len(pcm)))
	return nil
}

// Finalize signals end of stream, waits the grace period for trailing
// results and disconnects. It always leaves the relay disconnected.
func (r *Relay) Finalize(ctx context.Context) error {
	r.mu.Lock()
	if r.state != stateConnected {
		r.mu.Unlock()
		return r.Disconnect()
	}
	r.state = stateFinalizing
	stream := r.stream
	r.mu.Unlock()

	if err := stream.CloseSend(); err != nil {
		r.log.WithError(err).Warn("failed to send end of stream")
	}

	t := time.NewTimer(r.cfg.FinalizeGrace)
	defer t.Stop()
	select {
	case <-t.C:
	case <-r.done:
	case <-ctx.Done():
	}
	return r.Disconnect()
}

// Disconnect closes the upstream stream and waits for the listener to exit.
// Safe to call repeatedly.
func (r *Relay) Disconnect() error {
	r.mu.Lock()
	prev := r.state
	stream := r.stream
	r.state = stateClosed
	r.mu.Unlock()

	r.stopOnce.Do(func() { close(r.stop) })

	if prev == stateIdle {
		// listener never started
		close(r.events)
		close(r.done)
		return nil
	}
	if prev == stateClosed {
		<-r.done
		return nil
	}

	err := stream.Close()
	<-r.done

	st := r.Stats()
	r.log.WithFields(logrus.Fields{
		"frames_sent": st.FramesSent,
		"bytes_sent":  st.BytesSent,
		"results":     st.Results,
	}).Info("upstream disconnected")
	return err
}

func (r *Relay) Stats() Stats {
	r.mu.Lock()
	at := r.connectedAt
	r.mu.Unlock()
	return Stats{
		FramesSent:  r.frames.Load(),
		BytesSent:   r.bytes.Load(),
		Results:     r.results.Load(),
		ConnectedAt: at,
	}
}

func (r *Relay) stopping() bool {
	select {
	case <-r.stop:
		return true
	default:
		return false
	}
}

func (r *Relay) listen(stream stt.Stream) {
	defer close(r.done)
	defer close(r.events)

	var timedOut atomic.Bool
	watchdog := time.AfterFunc(r.cfg.ReadTimeout, func() {
		timedOut.Store(true)
		_ = stream.Close()
	})
	defer watchdog.Stop()

	for {
		res, err := stream.Recv()
		if err != nil {
			switch {
			case timedOut.Load():
				r.emit(Event{Err: errors.New("upstream read timeout")})
			case errors.Is(err, io.EOF), r.stopping():
			default:
				r.emit(Event{Err: err})
			}
			r.mu.Lock()
			if r.state == stateConnected || r.state == stateFinalizing {
				r.state = stateDisconnected
			}
			r.mu.Unlock()
			return
		}
		watchdog.Reset(r.cfg.ReadTimeout)

		if res == nil || strings.TrimSpace(res.Text) == "" {
			continue
		}
		r.results.Add(1)
		r.emit(Event{Result: res})
	}
}

func (r *Relay) emit(ev Event) {
	select {
	case r.events <- ev:
	case <-r.stop:
	}
}
