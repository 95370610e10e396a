package pubsub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/config"
	"github.com/yoockh/meetstream/internal/utils"
)

// Handler receives raw message payloads for one topic.
type Handler func(topic string, payload []byte)

type Mode string

const (
	ModeRedis Mode = "redis"
	ModeNoop  Mode = "noop"
)

// Bus fans transcript messages out across server instances.
type Bus interface {
	Publish(ctx context.Context, topic string, msg any) error
	// Subscribe registers handler for topic. Subscriptions are counted; the
	// broker subscription is dropped when the last one is removed.
	Subscribe(ctx context.Context, topic string, h Handler) error
	Unsubscribe(ctx context.Context, topic string) error
	Mode() Mode
	Ping(ctx context.Context) error
	Close() error
}

// Connect dials the broker. When it is unreachable and required is false the
// returned bus drops every publish and never delivers.
func Connect(ctx context.Context, addr string, required bool, log *logrus.Logger) (Bus, error) {
	const op = "pubsub.Connect"
	if log == nil {
		log = logrus.New()
	}

	rdb, err := config.NewRedisClient(addr)
	if err == nil {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			_ = rdb.Close()
		}
	}
	if err != nil {
		if required {
			return nil, utils.E(utils.CodeFanout, op, "fan-out broker unreachable", err)
		}
		log.WithError(err).WithField("addr", addr).Warn("fan-out broker unreachable; running in no-op mode, transcripts will not reach subscribers")
		return NewNoop(log), nil
	}

	log.WithField("addr", addr).Info("fan-out broker connected")
	return NewRedis(ctx, rdb, log), nil
}

// broker is the part of *redis.Client the bus publishes through.
type broker interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// subscription is the shared *redis.PubSub every topic is multiplexed on.
type subscription interface {
	Subscribe(ctx context.Context, channels ...string) error
	Unsubscribe(ctx context.Context, channels ...string) error
	Channel(opts ...redis.ChannelOption) <-chan *redis.Message
	Close() error
}

type redisBus struct {
	rdb broker
	ps  subscription
	log *logrus.Logger

	// subMu orders refcount changes together with the broker call they
	// cause, so a late UNSUBSCRIBE cannot undo a newer SUBSCRIBE.
	subMu sync.Mutex

	mu       sync.RWMutex
	handlers map[string]Handler
	refs     map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewRedis starts the single listener goroutine shared by every topic.
func NewRedis(ctx context.Context, rdb *redis.Client, log *logrus.Logger) Bus {
	return newRedisBus(ctx, rdb, rdb.Subscribe(ctx), log)
}

func newRedisBus(ctx context.Context, rdb broker, ps subscription, log *logrus.Logger) *redisBus {
	if log == nil {
		log = logrus.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	b := &redisBus{
		rdb:      rdb,
		ps:       ps,
		log:      log,
		handlers: make(map[string]Handler),
		refs:     make(map[string]int),
		cancel:   cancel,
		done:     make(chan struct{}),
	}
	go b.listen(ctx)
	return b
}

func (b *redisBus) Mode() Mode { return ModeRedis }

func (b *redisBus) Ping(ctx context.Context) error { return b.rdb.Ping(ctx).Err() }

func (b *redisBus) Publish(ctx context.Context, topic string, msg any) error {
	const op = "RedisBus.Publish"

	payload, err := encode(msg)
	if err != nil {
		return utils.E(utils.CodeFanout, op, "failed to encode message", err)
	}
	if err := b.rdb.Publish(ctx, topic, payload).Err(); err != nil {
		return utils.E(utils.CodeFanout, op, "failed to publish", err)
	}
	return nil
}

func (b *redisBus) Subscribe(ctx context.Context, topic string, h Handler) error {
	const op = "RedisBus.Subscribe"

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	b.handlers[topic] = h
	b.refs[topic]++
	first := b.refs[topic] == 1
	b.mu.Unlock()

	if !first {
		return nil
	}
	if err := b.ps.Subscribe(ctx, topic); err != nil {
		b.mu.Lock()
		b.refs[topic]--
		if b.refs[topic] <= 0 {
			delete(b.refs, topic)
			delete(b.handlers, topic)
		}
		b.mu.Unlock()
		return utils.E(utils.CodeFanout, op, "failed to subscribe", err)
	}
	b.log.WithField("topic", topic).Debug("subscribed")
	return nil
}

func (b *redisBus) Unsubscribe(ctx context.Context, topic string) error {
	const op = "RedisBus.Unsubscribe"

	b.subMu.Lock()
	defer b.subMu.Unlock()

	b.mu.Lock()
	n, ok := b.refs[topic]
	if !ok {
		b.mu.Unlock()
		return nil
	}
	if n > 1 {
		b.refs[topic] = n - 1
		b.mu.Unlock()
		return nil
	}
	delete(b.refs, topic)
	delete(b.handlers, topic)
	b.mu.Unlock()

	if err := b.ps.Unsubscribe(ctx, topic); err != nil {
		return utils.E(utils.CodeFanout, op, "failed to unsubscribe", err)
	}
	b.log.WithField("topic", topic).Debug("unsubscribed")
	return nil
}

func (b *redisBus) listen(ctx context.Context) {
	defer close(b.done)
	ch := b.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			b.dispatch(m.Channel, []byte(m.Payload))
		}
	}
}

func (b *redisBus) dispatch(topic string, payload []byte) {
	b.mu.RLock()
	h := b.handlers[topic]
	b.mu.RUnlock()
	if h == nil {
		return
	}
	defer func() {
		if rec := recover(); rec != nil {
			b.log.WithFields(logrus.Fields{"topic": topic, "panic": rec}).Error("subscriber handler panicked")
		}
	}()
	h(topic, payload)
}

func (b *redisBus) Close() error {
	b.cancel()
	err := b.ps.Close()
	<-b.done
	if cerr := b.rdb.Close(); err == nil {
		err = cerr
	}
	return err
}

type noopBus struct {
	log *logrus.Logger
}

// NewNoop returns a bus that accepts every call and delivers nothing.
func NewNoop(log *logrus.Logger) Bus {
	if log == nil {
		log = logrus.New()
	}
	return &noopBus{log: log}
}

func (n *noopBus) Mode() Mode { return ModeNoop }

func (n *noopBus) Ping(context.Context) error { return nil }

func (n *noopBus) Publish(_ context.Context, topic string, _ any) error {
	n.log.WithField("topic", topic).Debug("fan-out disabled; dropping message")
	return nil
}

func (n *noopBus) Subscribe(_ context.Context, topic string, _ Handler) error {
	n.log.WithField("topic", topic).Debug("fan-out disabled; subscription is inert")
	return nil
}

func (n *noopBus) Unsubscribe(context.Context, string) error { return nil }

func (n *noopBus) Close() error { return nil }

func encode(msg any) ([]byte, error) {
	switch v := msg.(type) {
	case []byte:
		return v, nil
	case string:
		return []byte(v), nil
	case json.RawMessage:
		return v, nil
	default:
		return json.Marshal(v)
	}
}
