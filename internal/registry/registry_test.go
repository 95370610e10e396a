package registry

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/models"
)

type fakeConn struct {
	id      string
	failing bool

	mu       sync.Mutex
	sent     [][]byte
	closedBy int
	reason   string
}

func (f *fakeConn) ID() string { return f.id }

func (f *fakeConn) Send(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("broken pipe")
	}
	f.sent = append(f.sent, append([]byte(nil), payload...))
	return nil
}

func (f *fakeConn) Close(code int, reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedBy = code
	f.reason = reason
	return nil
}

func (f *fakeConn) messages() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sent
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestRegisterIngestReplacesPrevious(t *testing.T) {
	r := New(20, 64000, quietLogger())
	key := models.ConnectionKey{MeetingID: "m1", Source: models.SourceMic}
	a := &fakeConn{id: "a"}
	b := &fakeConn{id: "b"}

	if prev := r.RegisterIngest(key, a); prev != nil {
		t.Fatalf("expected no previous connection, got %s", prev.ID())
	}
	prev := r.RegisterIngest(key, b)
	if prev == nil || prev.ID() != "a" {
		t.Fatalf("expected previous connection a, got %v", prev)
	}

	// the replaced session tearing down must not evict its successor
	r.Unregister(a)
	cur, ok := r.Ingest(key)
	if !ok || cur.ID() != "b" {
		t.Fatalf("expected b to stay registered, got %v", cur)
	}

	r.Unregister(b)
	if _, ok := r.Ingest(key); ok {
		t.Fatalf("expected key to be empty after unregistering b")
	}
}

func TestRegisterIngestSourcesAreIndependent(t *testing.T) {
	r := New(20, 64000, quietLogger())
	mic := &fakeConn{id: "mic"}
	sys := &fakeConn{id: "sys"}

	r.RegisterIngest(models.ConnectionKey{MeetingID: "m1", Source: models.SourceMic}, mic)
	if prev := r.RegisterIngest(models.ConnectionKey{MeetingID: "m1", Source: models.SourceSys}, sys); prev != nil {
		t.Fatalf("sys must not displace mic")
	}

	st := r.Stats("m1")
	if !st.HasIngest[models.SourceMic] || !st.HasIngest[models.SourceSys] {
		t.Fatalf("expected both sources present, got %+v", st.HasIngest)
	}
}

func TestRegisterSubscriberCap(t *testing.T) {
	r := New(2, 64000, quietLogger())

	if !r.RegisterSubscriber("m1", &fakeConn{id: "s1"}) || !r.RegisterSubscriber("m1", &fakeConn{id: "s2"}) {
		t.Fatalf("expected first two subscribers to register")
	}
	if r.RegisterSubscriber("m1", &fakeConn{id: "s3"}) {
		t.Fatalf("expected third subscriber to be refused")
	}
	if !r.RegisterSubscriber("m2", &fakeConn{id: "s4"}) {
		t.Fatalf("cap is per meeting")
	}
	if got := r.Stats("m1").SubscriberCount; got != 2 {
		t.Fatalf("expected 2 subscribers, got %d", got)
	}
}

func TestUnregisterUnknownIsNoop(t *testing.T) {
	r := New(2, 64000, quietLogger())
	r.Unregister(&fakeConn{id: "ghost"})
	if st := r.Stats("m1"); st.SubscriberCount != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
}

func TestBroadcastEvictsFailingSubscriberOnly(t *testing.T) {
	r := New(20, 64000, quietLogger())
	good := &fakeConn{id: "good"}
	bad := &fakeConn{id: "bad", failing: true}
	r.RegisterSubscriber("m1", good)
	r.RegisterSubscriber("m1", bad)

	if n := r.Broadcast("m1", []byte(`{"type":"transcript.final"}`)); n != 1 {
		t.Fatalf("expected 1 delivery, got %d", n)
	}
	if len(good.messages()) != 1 {
		t.Fatalf("healthy subscriber should receive the message")
	}
	if got := r.Stats("m1").SubscriberCount; got != 1 {
		t.Fatalf("expected failing subscriber evicted, count=%d", got)
	}
	if bad.closedBy == 0 {
		t.Fatalf("evicted subscriber should be closed")
	}

	r.Broadcast("m1", []byte(`{"type":"transcript.partial"}`))
	if len(good.messages()) != 2 {
		t.Fatalf("healthy subscriber should keep receiving")
	}
}

func TestBroadcastOversizedSendsTruncationNotice(t *testing.T) {
	r := New(20, 64000, quietLogger())
	sub := &fakeConn{id: "s1"}
	r.RegisterSubscriber("m1", sub)

	big := `{"type":"transcript.final","text":"` + strings.Repeat("x", 70000) + `"}`
	r.Broadcast("m1", []byte(big))

	msgs := sub.messages()
	if len(msgs) != 1 {
		t.Fatalf("expected one message, got %d", len(msgs))
	}
	var got models.StatusMessage
	if err := json.Unmarshal(msgs[0], &got); err != nil {
		t.Fatalf("notice is not json: %v", err)
	}
	if got.Type != models.TypeStatus || got.Status != "truncated" || got.MeetingID != "m1" || got.Message != "payload too large" {
		t.Fatalf("unexpected notice %+v", got)
	}
}

func TestBroadcastAtLimitIsDelivered(t *testing.T) {
	r := New(20, 100, quietLogger())
	sub := &fakeConn{id: "s1"}
	r.RegisterSubscriber("m1", sub)

	payload := []byte(strings.Repeat("a", 100))
	r.Broadcast("m1", payload)
	if msgs := sub.messages(); len(msgs) != 1 || len(msgs[0]) != 100 {
		t.Fatalf("payload at the limit must be delivered unchanged")
	}
}

func TestConcurrentRegisterAndBroadcast(t *testing.T) {
	r := New(1000, 64000, quietLogger())
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(2)
		c := &fakeConn{id: "c" + string(rune('A'+i%26)) + string(rune('a'+i/26))}
		go func() {
			defer wg.Done()
			r.RegisterSubscriber("m1", c)
		}()
		go func() {
			defer wg.Done()
			r.Broadcast("m1", []byte(`{}`))
		}()
	}
	wg.Wait()
	if got := r.Stats("m1").SubscriberCount; got != 50 {
		t.Fatalf("expected 50 subscribers, got %d", got)
	}
}
