package pubsub

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/utils"
)

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// unreachable is a local port nothing listens on.
const unreachable = "127.0.0.1:1"

func TestConnectRequiredFailsFast(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus, err := Connect(ctx, unreachable, true, quietLogger())
	if err == nil {
		bus.Close()
		t.Fatalf("expected error when broker is required and unreachable")
	}
	if !utils.IsCode(err, utils.CodeFanout) {
		t.Fatalf("expected fan-out error code, got %v", err)
	}
}

func TestConnectOptionalDegradesToNoop(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	bus, err := Connect(ctx, unreachable, false, quietLogger())
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	defer bus.Close()

	if bus.Mode() != ModeNoop {
		t.Fatalf("expected no-op mode, got %s", bus.Mode())
	}
	if err := bus.Publish(ctx, "meeting:m1:transcript", map[string]string{"type": "transcript.final"}); err != nil {
		t.Fatalf("publish in no-op mode must not fail: %v", err)
	}
	if err := bus.Subscribe(ctx, "meeting:m1:transcript", func(string, []byte) {}); err != nil {
		t.Fatalf("subscribe in no-op mode must not fail: %v", err)
	}
	if err := bus.Unsubscribe(ctx, "meeting:never"); err != nil {
		t.Fatalf("unsubscribe of unknown topic: %v", err)
	}
}

func TestDispatchRoutesByTopic(t *testing.T) {
	b := &redisBus{
		log:      quietLogger(),
		handlers: map[string]Handler{},
		refs:     map[string]int{},
	}
	var got []string
	b.handlers["meeting:a:transcript"] = func(topic string, payload []byte) {
		got = append(got, topic+"="+string(payload))
	}
	b.handlers["meeting:b:transcript"] = func(string, []byte) { panic("boom") }

	b.dispatch("meeting:a:transcript", []byte(`{"n":1}`))
	b.dispatch("meeting:b:transcript", []byte(`{}`))
	b.dispatch("meeting:c:transcript", []byte(`{}`))

	if len(got) != 1 || got[0] != `meeting:a:transcript={"n":1}` {
		t.Fatalf("unexpected deliveries %v", got)
	}
}

func TestUnsubscribeIsCounted(t *testing.T) {
	b := &redisBus{
		log:      quietLogger(),
		handlers: map[string]Handler{"t": func(string, []byte) {}},
		refs:     map[string]int{"t": 2},
	}
	if err := b.Unsubscribe(context.Background(), "t"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if b.refs["t"] != 1 || b.handlers["t"] == nil {
		t.Fatalf("handler must survive while other subscribers remain")
	}
	if err := b.Unsubscribe(context.Background(), "missing"); err != nil {
		t.Fatalf("Unsubscribe of unknown topic: %v", err)
	}
}

// fakeRedis stands in for both the client and the shared PubSub. Publish
// delivers on the subscription channel only while the topic is subscribed.
type fakeRedis struct {
	mu         sync.Mutex
	subscribed map[string]bool
	msgs       chan *redis.Message
	closeOnce  sync.Once

	// when set, Unsubscribe signals unsubEntered and waits for unsubRelease
	unsubEntered chan struct{}
	unsubRelease chan struct{}
}

func newFakeRedis() *fakeRedis {
	return &fakeRedis{subscribed: map[string]bool{}, msgs: make(chan *redis.Message, 16)}
}

func (f *fakeRedis) Publish(_ context.Context, channel string, message any) *redis.IntCmd {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.subscribed[channel] {
		return redis.NewIntResult(0, nil)
	}
	payload, _ := message.([]byte)
	f.msgs <- &redis.Message{Channel: channel, Payload: string(payload)}
	return redis.NewIntResult(1, nil)
}

func (f *fakeRedis) Ping(context.Context) *redis.StatusCmd { return redis.NewStatusResult("PONG", nil) }

func (f *fakeRedis) Subscribe(_ context.Context, channels ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range channels {
		f.subscribed[c] = true
	}
	return nil
}

func (f *fakeRedis) Unsubscribe(_ context.Context, channels ...string) error {
	if f.unsubEntered != nil {
		f.unsubEntered <- struct{}{}
		<-f.unsubRelease
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range channels {
		delete(f.subscribed, c)
	}
	return nil
}

func (f *fakeRedis) Channel(...redis.ChannelOption) <-chan *redis.Message { return f.msgs }

func (f *fakeRedis) Close() error {
	f.closeOnce.Do(func() { close(f.msgs) })
	return nil
}

func (f *fakeRedis) isSubscribed(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subscribed[topic]
}

func expectDelivery(t *testing.T, got <-chan string, want string) {
	t.Helper()
	select {
	case msg := <-got:
		if msg != want {
			t.Fatalf("delivered %q, want %q", msg, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("%q was not delivered", want)
	}
}

func TestRedisListenerDeliversUntilLastUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := newFakeRedis()
	b := newRedisBus(ctx, f, f, quietLogger())

	const topic = "meeting:m1:transcript"
	got := make(chan string, 4)
	h := func(topic string, payload []byte) { got <- topic + "=" + string(payload) }

	for i := 0; i < 2; i++ {
		if err := b.Subscribe(ctx, topic, h); err != nil {
			t.Fatalf("Subscribe: %v", err)
		}
	}
	if err := b.Publish(ctx, topic, map[string]string{"type": "transcript.final"}); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	expectDelivery(t, got, topic+`={"type":"transcript.final"}`)

	if err := b.Unsubscribe(ctx, topic); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	_ = b.Publish(ctx, topic, "still here")
	expectDelivery(t, got, topic+"=still here")

	if err := b.Unsubscribe(ctx, topic); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if f.isSubscribed(topic) {
		t.Fatalf("broker subscription must be dropped with the last subscriber")
	}
	_ = b.Publish(ctx, topic, "gone")
	select {
	case msg := <-got:
		t.Fatalf("unexpected delivery %q after last unsubscribe", msg)
	case <-time.After(50 * time.Millisecond):
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-b.done:
	default:
		t.Fatalf("listener must stop on Close")
	}
}

func TestSubscribeDuringPendingUnsubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	f := newFakeRedis()
	f.unsubEntered = make(chan struct{})
	f.unsubRelease = make(chan struct{})
	b := newRedisBus(ctx, f, f, quietLogger())
	defer b.Close()

	const topic = "meeting:m2:transcript"
	got := make(chan string, 4)
	h := func(topic string, payload []byte) { got <- string(payload) }

	if err := b.Subscribe(ctx, topic, h); err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	unsubDone := make(chan error, 1)
	go func() { unsubDone <- b.Unsubscribe(ctx, topic) }()
	<-f.unsubEntered

	subDone := make(chan error, 1)
	go func() { subDone <- b.Subscribe(ctx, topic, h) }()
	select {
	case <-subDone:
		t.Fatalf("Subscribe must wait for the pending broker unsubscribe")
	case <-time.After(50 * time.Millisecond):
	}

	close(f.unsubRelease)
	if err := <-unsubDone; err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if err := <-subDone; err != nil {
		t.Fatalf("Subscribe: %v", err)
	}

	if !f.isSubscribed(topic) {
		t.Fatalf("broker subscription lost while a subscriber is registered")
	}
	b.mu.RLock()
	refs := b.refs[topic]
	b.mu.RUnlock()
	if refs != 1 {
		t.Fatalf("refs = %d, want 1", refs)
	}
	_ = b.Publish(ctx, topic, "after reconnect")
	expectDelivery(t, got, "after reconnect")
}

func TestEncode(t *testing.T) {
	raw, err := encode([]byte(`{"a":1}`))
	if err != nil || string(raw) != `{"a":1}` {
		t.Fatalf("bytes must pass through, got %s %v", raw, err)
	}
	raw, err = encode(struct {
		Type string `json:"type"`
	}{"status"})
	if err != nil || string(raw) != `{"type":"status"}` {
		t.Fatalf("structs must be marshalled, got %s %v", raw, err)
	}
}
