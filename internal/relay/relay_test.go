package relay

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/providers/stt"
	"github.com/yoockh/meetstream/internal/utils"
)

// fakeStream replays queued results and records audio.
type fakeStream struct {
	results chan *stt.Result
	closed  chan struct{}
	once    sync.Once

	mu        sync.Mutex
	audio     [][]byte
	closeSend int
	eofOnEnd  bool
}

func newFakeStream() *fakeStream {
	return &fakeStream{results: make(chan *stt.Result, 16), closed: make(chan struct{})}
}

func (s *fakeStream) SendAudio(pcm []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audio = append(s.audio, pcm)
	return nil
}

func (s *fakeStream) CloseSend() error {
	s.mu.Lock()
	s.closeSend++
	eof := s.eofOnEnd
	s.mu.Unlock()
	if eof {
		close(s.results)
	}
	return nil
}

func (s *fakeStream) Recv() (*stt.Result, error) {
	select {
	case r, ok := <-s.results:
		if !ok {
			return nil, io.EOF
		}
		return r, nil
	case <-s.closed:
		return nil, errors.New("use of closed connection")
	}
}

func (s *fakeStream) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

type fakeDialer struct {
	stream *fakeStream
	err    error
	dials  int
}

func (d *fakeDialer) Name() string { return "fake" }

func (d *fakeDialer) Dial(context.Context, stt.Options) (stt.Stream, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return d.stream, nil
}

func testEntry() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return logrus.NewEntry(l)
}

func newTestRelay(d *fakeDialer, cfg Config) *Relay {
	return New(d, stt.Options{SessionID: "m1-mic"}, cfg, testEntry())
}

func TestConnectIsIdempotent(t *testing.T) {
	d := &fakeDialer{stream: newFakeStream()}
	r := newTestRelay(d, Config{})
	defer r.Disconnect()

	for i := 0; i < 3; i++ {
		if err := r.Connect(context.Background()); err != nil {
			t.Fatalf("Connect #%d: %v", i, err)
		}
	}
	if d.dials != 1 {
		t.Fatalf("expected a single dial, got %d", d.dials)
	}
}

func TestConnectMissingCredential(t *testing.T) {
	d := &fakeDialer{err: stt.ErrMissingCredential}
	r := newTestRelay(d, Config{})

	err := r.Connect(context.Background())
	if !utils.IsCode(err, utils.CodeUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("Disconnect on unconnected relay: %v", err)
	}
	if _, ok := <-r.Events(); ok {
		t.Fatalf("events should be closed")
	}
}

func TestSendAudioRequiresConnection(t *testing.T) {
	r := newTestRelay(&fakeDialer{stream: newFakeStream()}, Config{})
	if err := r.SendAudio([]byte{1}); !utils.IsCode(err, utils.CodeUpstream) {
		t.Fatalf("expected upstream error before connect, got %v", err)
	}
}

func TestResultsAreForwardedAndEmptyDiscarded(t *testing.T) {
	stream := newFakeStream()
	r := newTestRelay(&fakeDialer{stream: stream}, Config{})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect()

	stream.results <- &stt.Result{Text: "   "}
	stream.results <- &stt.Result{Text: "hello", IsFinal: true}

	select {
	case ev := <-r.Events():
		if ev.Err != nil || ev.Result.Text != "hello" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("no event received")
	}
	if got := r.Stats().Results; got != 1 {
		t.Fatalf("expected 1 counted result, got %d", got)
	}
}

func TestFinalizeDropsAudioAndDisconnects(t *testing.T) {
	stream := newFakeStream()
	r := newTestRelay(&fakeDialer{stream: stream}, Config{FinalizeGrace: 200 * time.Millisecond})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := r.SendAudio([]byte{1, 2}); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- r.Finalize(context.Background()) }()

	// wait until finalizing has begun
	deadline := time.Now().Add(time.Second)
	for {
		stream.mu.Lock()
		n := stream.closeSend
		stream.mu.Unlock()
		if n > 0 || time.Now().After(deadline) {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := r.SendAudio([]byte{3}); err != nil {
		t.Fatalf("audio during finalize must be dropped silently, got %v", err)
	}

	// a trailing result inside the grace window is still delivered
	stream.results <- &stt.Result{Text: "trailing", IsFinal: true}

	if err := <-done; err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	var got []string
	for ev := range r.Events() {
		if ev.Result != nil {
			got = append(got, ev.Result.Text)
		}
	}
	if len(got) != 1 || got[0] != "trailing" {
		t.Fatalf("expected trailing result, got %v", got)
	}

	stream.mu.Lock()
	frames := len(stream.audio)
	stream.mu.Unlock()
	if frames != 1 {
		t.Fatalf("expected 1 forwarded frame, got %d", frames)
	}
	if err := r.SendAudio([]byte{4}); err == nil {
		t.Fatalf("expected error after finalize")
	}
	if err := r.Disconnect(); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
}

func TestFinalizeReturnsEarlyOnProviderEOF(t *testing.T) {
	stream := newFakeStream()
	stream.eofOnEnd = true
	r := newTestRelay(&fakeDialer{stream: stream}, Config{FinalizeGrace: 5 * time.Second})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	if err := r.Finalize(context.Background()); err != nil {
		t.Fatalf("Finalize: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Fatalf("finalize waited the full grace despite provider completion")
	}
	for ev := range r.Events() {
		if ev.Err != nil {
			t.Fatalf("EOF must not surface as an error: %v", ev.Err)
		}
	}
}

func TestReadTimeoutEndsListener(t *testing.T) {
	stream := newFakeStream()
	r := newTestRelay(&fakeDialer{stream: stream}, Config{ReadTimeout: 50 * time.Millisecond})
	if err := r.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer r.Disconnect()

	select {
	case ev, ok := <-r.Events():
		if !ok || ev.Err == nil {
			t.Fatalf("expected timeout error event, got %+v ok=%v", ev, ok)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("listener did not time out")
	}
	if _, ok := <-r.Events(); ok {
		t.Fatalf("events should close after timeout")
	}
	if r.Connected() {
		t.Fatalf("relay should report disconnected")
	}
}
