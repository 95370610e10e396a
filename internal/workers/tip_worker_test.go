package workers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/pubsub"
)

type fakeLLM struct {
	answer string
	err    error
	prompt string
}

func (f *fakeLLM) StreamAnswer(_ context.Context, prompt string) (<-chan string, <-chan error) {
	f.prompt = prompt
	out := make(chan string, 2)
	errs := make(chan error, 1)
	if f.err != nil {
		errs <- f.err
	} else {
		half := len(f.answer) / 2
		out <- f.answer[:half]
		out <- f.answer[half:]
	}
	close(out)
	close(errs)
	return out, errs
}

func (f *fakeLLM) Close() error { return nil }

type recordBus struct {
	topics   []string
	payloads [][]byte
}

func (b *recordBus) Publish(_ context.Context, topic string, msg any) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	b.topics = append(b.topics, topic)
	b.payloads = append(b.payloads, raw)
	return nil
}

func (b *recordBus) Subscribe(context.Context, string, pubsub.Handler) error { return nil }
func (b *recordBus) Unsubscribe(context.Context, string) error               { return nil }
func (b *recordBus) Mode() pubsub.Mode                                       { return pubsub.ModeNoop }
func (b *recordBus) Ping(context.Context) error                              { return nil }
func (b *recordBus) Close() error                                            { return nil }

func newPool(l *fakeLLM, bus *recordBus) *TipWorkerPool {
	log := logrus.New()
	log.SetOutput(io.Discard)
	p := &TipWorkerPool{LLM: l, Bus: bus, Logger: log}
	p.defaults()
	return p
}

func tipMsg(text string) redis.XMessage {
	return redis.XMessage{ID: "1-0", Values: map[string]any{
		"meeting_id": "m1",
		"source":     "mic",
		"segment_no": "4",
		"text":       text,
	}}
}

func TestHandleMsgPublishesTip(t *testing.T) {
	l := &fakeLLM{answer: `{"tip_type":"question","content":"Ask about the deadline.","relevance_score":0.8}`}
	bus := &recordBus{}
	newPool(l, bus).handleMsg(context.Background(), tipMsg("we ship the release next week"))

	if len(bus.topics) != 1 || bus.topics[0] != "meeting:m1:transcript" {
		t.Fatalf("unexpected publishes %v", bus.topics)
	}
	var got models.AITipMessage
	if err := json.Unmarshal(bus.payloads[0], &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "ai.tip" || got.SegmentNo != 4 || got.TipType != "question" || got.RelevanceScore != 0.8 {
		t.Fatalf("unexpected tip %+v", got)
	}
	if l.prompt != "Utterance: we ship the release next week" {
		t.Fatalf("unexpected prompt %q", l.prompt)
	}
}

func TestHandleMsgSkipsNoneAndErrors(t *testing.T) {
	bus := &recordBus{}
	newPool(&fakeLLM{answer: "NONE"}, bus).handleMsg(context.Background(), tipMsg("nothing to see here"))
	newPool(&fakeLLM{err: errors.New("quota")}, bus).handleMsg(context.Background(), tipMsg("nothing to see here"))
	newPool(&fakeLLM{answer: "x"}, bus).handleMsg(context.Background(), redis.XMessage{ID: "2-0", Values: map[string]any{}})

	if len(bus.topics) != 0 {
		t.Fatalf("expected no publishes, got %v", bus.topics)
	}
}

func TestParseTip(t *testing.T) {
	cases := []struct {
		in      string
		ok      bool
		content string
		score   float64
	}{
		{"```json\n{\"content\":\"Summarize\",\"relevance_score\":3}\n```", true, "Summarize", 1},
		{"Consider recapping the action items.", true, "Consider recapping the action items.", 0.5},
		{"none", false, "", 0},
		{`{"content":"  "}`, false, "", 0},
	}
	for _, c := range cases {
		got, ok := parseTip(c.in)
		if ok != c.ok {
			t.Fatalf("parseTip(%q) ok = %v", c.in, ok)
		}
		if ok && (got.Content != c.content || got.RelevanceScore != c.score || got.TipType == "") {
			t.Fatalf("parseTip(%q) = %+v", c.in, got)
		}
	}
}

func TestEnqueueSkipsShortAndPartialSegments(t *testing.T) {
	p := newPool(&fakeLLM{}, &recordBus{})
	// Redis is nil: reaching XAdd would panic.
	if err := p.Enqueue(context.Background(), models.TranscriptSegment{Text: "ok thanks", IsFinal: true}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	if err := p.Enqueue(context.Background(), models.TranscriptSegment{Text: "a much longer partial sentence", IsFinal: false}); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
}
