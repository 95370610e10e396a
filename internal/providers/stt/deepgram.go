package stt

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

const DefaultDeepgramModel = "nova-2"

type DeepgramConfig struct {
	APIKey   string
	Endpoint string
}

type Deepgram struct {
	cfg    DeepgramConfig
	dialer *websocket.Dialer
	log    *logrus.Logger
}

func NewDeepgram(cfg DeepgramConfig, log *logrus.Logger) *Deepgram {
	if cfg.Endpoint == "" {
		cfg.Endpoint = "wss://api.deepgram.com/v1/listen"
	}
	if log == nil {
		log = logrus.New()
	}
	return &Deepgram{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 10 * time.Second,
		},
		log: log,
	}
}

func (d *Deepgram) Name() string { return "deepgram" }

func (d *Deepgram) Dial(ctx context.Context, opts Options) (Stream, error) {
	if d.cfg.APIKey == "" {
		return nil, ErrMissingCredential
	}

	u, err := url.Parse(d.cfg.Endpoint)
	if err != nil {
		return nil, fmt.Errorf("deepgram endpoint: %w", err)
	}
	model := opts.Model
	if model == "" {
		model = DefaultDeepgramModel
	}
	q := u.Query()
	q.Set("model", model)
	q.Set("language", opts.Language)
	q.Set("punctuate", "true")
	q.Set("diarize", strconv.FormatBool(opts.Diarize))
	q.Set("encoding", "linear16")
	q.Set("sample_rate", strconv.Itoa(opts.SampleRate))
	q.Set("channels", strconv.Itoa(opts.Channels))
	q.Set("interim_results", strconv.FormatBool(opts.InterimResults))
	q.Set("utterance_end_ms", "1000")
	q.Set("vad_events", "true")
	u.RawQuery = q.Encode()

	header := http.Header{}
	header.Set("Authorization", "Token "+d.cfg.APIKey)

	conn, resp, err := d.dialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("deepgram handshake failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("deepgram dial: %w", err)
	}

	return &deepgramStream{
		conn: conn,
		log: d.log.WithFields(logrus.Fields{
			"component":  "deepgram",
			"session_id": opts.SessionID,
		}),
	}, nil
}

type deepgramStream struct {
	conn *websocket.Conn
	log  *logrus.Entry

	wmu       sync.Mutex
	closeOnce sync.Once
}

func (s *deepgramStream) SendAudio(pcm []byte) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return s.conn.WriteMessage(websocket.BinaryMessage, pcm)
}

func (s *deepgramStream) CloseSend() error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"CloseStream"}`))
}

func (s *deepgramStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.wmu.Lock()
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.wmu.Unlock()
		err = s.conn.Close()
	})
	return err
}

type deepgramWord struct {
	Word    string  `json:"word"`
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	Speaker *int    `json:"speaker"`
}

type deepgramMessage struct {
	Type    string `json:"type"`
	IsFinal bool   `json:"is_final"`
	Channel struct {
		Alternatives []struct {
			Transcript string         `json:"transcript"`
			Confidence *float64       `json:"confidence"`
			Words      []deepgramWord `json:"words"`
		} `json:"alternatives"`
	} `json:"channel"`
	Description string `json:"description"`
	Message     string `json:"message"`
}

func (s *deepgramStream) Recv() (*Result, error) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				return nil, io.EOF
			}
			return nil, err
		}
		if mt != websocket.TextMessage {
			continue
		}

		var msg deepgramMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			s.log.WithError(err).Warn("unparseable upstream message")
			continue
		}

		switch msg.Type {
		case "Results":
			res := translateDeepgram(msg)
			if res == nil {
				continue
			}
			res.Raw = append(json.RawMessage(nil), data...)
			return res, nil
		case "Metadata", "SpeechStarted", "UtteranceEnd":
			s.log.WithField("event", msg.Type).Debug("upstream event")
		case "Error":
			desc := msg.Description
			if desc == "" {
				desc = msg.Message
			}
			return nil, errors.New("deepgram error: " + desc)
		default:
			s.log.WithField("event", msg.Type).Debug("unhandled upstream message")
		}
	}
}

func translateDeepgram(msg deepgramMessage) *Result {
	if len(msg.Channel.Alternatives) == 0 {
		return nil
	}
	alt := msg.Channel.Alternatives[0]
	res := &Result{
		Text:       alt.Transcript,
		Confidence: alt.Confidence,
		IsFinal:    msg.IsFinal,
	}
	if n := len(alt.Words); n > 0 {
		res.StartMS = int64(alt.Words[0].Start * 1000)
		end := int64(alt.Words[n-1].End * 1000)
		res.EndMS = &end
		if sp := alt.Words[0].Speaker; sp != nil {
			label := "Speaker " + strconv.Itoa(*sp)
			res.Speaker = &label
		}
		res.Words = make([]string, 0, n)
		for _, w := range alt.Words {
			res.Words = append(res.Words, w.Word)
		}
	}
	return res
}
