package stt

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

type fakeDeepgram struct {
	t        *testing.T
	messages []string
	gotAudio chan []byte
	gotClose chan struct{}
	query    chan string
	auth     chan string
}

func newFakeDeepgram(t *testing.T, messages ...string) (*fakeDeepgram, *httptest.Server) {
	f := &fakeDeepgram{
		t:        t,
		messages: messages,
		gotAudio: make(chan []byte, 8),
		gotClose: make(chan struct{}, 1),
		query:    make(chan string, 1),
		auth:     make(chan string, 1),
	}
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.query <- r.URL.RawQuery
		f.auth <- r.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if mt == websocket.BinaryMessage {
				f.gotAudio <- data
				for _, m := range f.messages {
					_ = conn.WriteMessage(websocket.TextMessage, []byte(m))
				}
				continue
			}
			if strings.Contains(string(data), "CloseStream") {
				f.gotClose <- struct{}{}
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
		}
	}))
	t.Cleanup(srv.Close)
	return f, srv
}

func wsURL(srv *httptest.Server) string { return "ws" + strings.TrimPrefix(srv.URL, "http") }

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestDeepgramDialRequiresKey(t *testing.T) {
	d := NewDeepgram(DeepgramConfig{Endpoint: "ws://127.0.0.1:1"}, quietLogger())
	_, err := d.Dial(context.Background(), Options{})
	if !errors.Is(err, ErrMissingCredential) {
		t.Fatalf("expected ErrMissingCredential, got %v", err)
	}
}

func TestDeepgramStreamTranslatesResults(t *testing.T) {
	results := []string{
		`{"type":"Metadata","request_id":"abc"}`,
		`{"type":"Results","is_final":false,"channel":{"alternatives":[{"transcript":"hello","confidence":0.5,"words":[{"word":"hello","start":0.1,"end":0.4}]}]}}`,
		`{"type":"Results","is_final":true,"channel":{"alternatives":[{"transcript":"hello world","confidence":0.93,"words":[{"word":"hello","start":0.1,"end":0.4,"speaker":1},{"word":"world","start":0.5,"end":0.9,"speaker":1}]},{"transcript":"yellow world","confidence":0.2}]}}`,
	}
	fake, srv := newFakeDeepgram(t, results...)

	d := NewDeepgram(DeepgramConfig{APIKey: "secret", Endpoint: wsURL(srv)}, quietLogger())
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	stream, err := d.Dial(ctx, Options{Language: "en", SampleRate: 16000, Channels: 1, InterimResults: true})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()

	if got := <-fake.auth; got != "Token secret" {
		t.Fatalf("unexpected auth header %q", got)
	}
	q := <-fake.query
	for _, want := range []string{"model=nova-2", "encoding=linear16", "sample_rate=16000", "interim_results=true", "utterance_end_ms=1000"} {
		if !strings.Contains(q, want) {
			t.Fatalf("query %q missing %q", q, want)
		}
	}

	if err := stream.SendAudio([]byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	if got := <-fake.gotAudio; len(got) != 4 {
		t.Fatalf("upstream received %d bytes, want 4", len(got))
	}

	partial, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv partial: %v", err)
	}
	if partial.IsFinal || partial.Text != "hello" || partial.StartMS != 100 {
		t.Fatalf("unexpected partial %+v", partial)
	}

	final, err := stream.Recv()
	if err != nil {
		t.Fatalf("Recv final: %v", err)
	}
	if !final.IsFinal || final.Text != "hello world" {
		t.Fatalf("expected top candidate final, got %+v", final)
	}
	if final.EndMS == nil || *final.EndMS != 900 {
		t.Fatalf("expected end 900ms, got %v", final.EndMS)
	}
	if final.Speaker == nil || *final.Speaker != "Speaker 1" {
		t.Fatalf("unexpected speaker %v", final.Speaker)
	}
	if final.Confidence == nil || *final.Confidence != 0.93 {
		t.Fatalf("unexpected confidence %v", final.Confidence)
	}
	if len(final.Raw) == 0 {
		t.Fatalf("expected raw payload to be kept")
	}

	if err := stream.CloseSend(); err != nil {
		t.Fatalf("CloseSend: %v", err)
	}
	select {
	case <-fake.gotClose:
	case <-time.After(2 * time.Second):
		t.Fatalf("upstream never received CloseStream")
	}
	if _, err := stream.Recv(); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF after provider close, got %v", err)
	}
}

func TestDeepgramErrorMessageEndsStream(t *testing.T) {
	_, srv := newFakeDeepgram(t, `{"type":"Error","description":"bad audio"}`)
	d := NewDeepgram(DeepgramConfig{APIKey: "k", Endpoint: wsURL(srv)}, quietLogger())

	stream, err := d.Dial(context.Background(), Options{SampleRate: 16000, Channels: 1})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer stream.Close()

	_ = stream.SendAudio([]byte{0, 0})
	_, err = stream.Recv()
	if err == nil || !strings.Contains(err.Error(), "bad audio") {
		t.Fatalf("expected provider error, got %v", err)
	}
}

func TestNormalizeLanguage(t *testing.T) {
	cases := map[string]string{"": "en-US", "en": "en-US", "tr": "tr-TR", "de-DE": "de-DE"}
	for in, want := range cases {
		if got := normalizeLanguage(in); got != want {
			t.Fatalf("normalizeLanguage(%q) = %q, want %q", in, got, want)
		}
	}
}
