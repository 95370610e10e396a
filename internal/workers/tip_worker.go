package workers

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/providers/llm"
	"github.com/yoockh/meetstream/internal/pubsub"
)

const (
	DefaultTipStream = "transcript:finals"
	DefaultTipGroup  = "tip-workers"

	// TipInstruction is the system instruction given to the model.
	TipInstruction = `You assist participants of a live meeting. Given the latest finalized utterance, ` +
		`reply with JSON {"tip_type":"suggestion|question|fact_check","content":"...","relevance_score":0..1}. ` +
		`Keep content under 30 words. Reply NONE when there is nothing useful to add.`

	minTipWords = 4
)

// TipWorkerPool turns final segments into ai.tip messages. Segments are
// queued on a Redis stream so any instance can process them.
type TipWorkerPool struct {
	Redis      *redis.Client
	LLM        llm.Provider
	Bus        pubsub.Bus
	NumWorkers int

	Logger *logrus.Logger

	Stream         string
	Group          string
	ConsumerPrefix string
	MaxLen         int64
	Timeout        time.Duration
}

func (p *TipWorkerPool) defaults() {
	if p.Stream == "" {
		p.Stream = DefaultTipStream
	}
	if p.Group == "" {
		p.Group = DefaultTipGroup
	}
	if p.ConsumerPrefix == "" {
		p.ConsumerPrefix = "tips"
	}
	if p.NumWorkers <= 0 {
		p.NumWorkers = 2
	}
	if p.MaxLen <= 0 {
		p.MaxLen = 10000
	}
	if p.Timeout <= 0 {
		p.Timeout = 15 * time.Second
	}
	if p.Logger == nil {
		p.Logger = logrus.New()
	}
}

func (p *TipWorkerPool) Start(ctx context.Context) error {
	if p.Redis == nil || p.LLM == nil || p.Bus == nil {
		return errors.New("TipWorkerPool missing dependency: Redis/LLM/Bus must be set")
	}
	p.defaults()

	_ = p.Redis.XGroupCreateMkStream(ctx, p.Stream, p.Group, "$").Err() // ignore BUSYGROUP

	for i := 0; i < p.NumWorkers; i++ {
		consumer := p.ConsumerPrefix + "-" + strconv.Itoa(i+1)
		go p.runConsumer(ctx, consumer)
	}
	p.Logger.WithFields(logrus.Fields{"stream": p.Stream, "workers": p.NumWorkers}).Info("tip workers started")
	return nil
}

// Enqueue queues a final segment for tip generation.
func (p *TipWorkerPool) Enqueue(ctx context.Context, seg models.TranscriptSegment) error {
	if !seg.IsFinal || len(strings.Fields(seg.Text)) < minTipWords {
		return nil
	}
	stream, maxLen := p.Stream, p.MaxLen
	if stream == "" {
		stream = DefaultTipStream
	}
	if maxLen <= 0 {
		maxLen = 10000
	}
	return p.Redis.XAdd(ctx, &redis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: map[string]any{
			"meeting_id": seg.MeetingID,
			"source":     string(seg.Source),
			"segment_no": strconv.Itoa(seg.SegmentNo),
			"text":       seg.Text,
		},
	}).Err()
}

func (p *TipWorkerPool) runConsumer(ctx context.Context, consumer string) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		res, err := p.Redis.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    p.Group,
			Consumer: consumer,
			Streams:  []string{p.Stream, ">"},
			Count:    10,
			Block:    5 * time.Second,
		}).Result()

		if err != nil {
			if errors.Is(err, redis.Nil) {
				continue
			}
			if ctx.Err() != nil {
				return
			}
			p.Logger.WithError(err).WithField("consumer", consumer).Warn("tip stream read failed")
			time.Sleep(500 * time.Millisecond)
			continue
		}

		for _, stream := range res {
			for _, msg := range stream.Messages {
				p.handleMsg(ctx, msg)
				_ = p.Redis.XAck(ctx, p.Stream, p.Group, msg.ID).Err()
			}
		}
	}
}

func (p *TipWorkerPool) handleMsg(ctx context.Context, msg redis.XMessage) {
	getStr := func(k string) string {
		v, ok := msg.Values[k]
		if !ok || v == nil {
			return ""
		}
		s, _ := v.(string)
		return s
	}

	meetingID := getStr("meeting_id")
	text := getStr("text")
	if meetingID == "" || text == "" {
		return
	}
	segNo, _ := strconv.Atoi(getStr("segment_no"))

	log := p.Logger.WithFields(logrus.Fields{
		"redis_id":   msg.ID,
		"meeting_id": meetingID,
		"segment_no": segNo,
	})

	cctx, cancel := context.WithTimeout(ctx, p.Timeout)
	defer cancel()

	start := time.Now()
	answer, err := llm.Complete(cctx, p.LLM, "Utterance: "+text)
	if err != nil {
		log.WithError(err).Warn("tip generation failed")
		return
	}
	tip, ok := parseTip(answer)
	if !ok {
		log.Debug("no tip for segment")
		return
	}

	out := models.AITipMessage{
		Type:           models.TypeAITip,
		MeetingID:      meetingID,
		SegmentNo:      segNo,
		TipType:        tip.TipType,
		Content:        tip.Content,
		RelevanceScore: tip.RelevanceScore,
		TS:             models.Timestamp(time.Now()),
		Meta: map[string]any{
			"source":     getStr("source"),
			"latency_ms": time.Since(start).Milliseconds(),
		},
	}
	if err := p.Bus.Publish(ctx, models.TranscriptTopic(meetingID), out); err != nil {
		log.WithError(err).Warn("publish tip failed")
	}
}

type tipAnswer struct {
	TipType        string  `json:"tip_type"`
	Content        string  `json:"content"`
	RelevanceScore float64 `json:"relevance_score"`
}

// parseTip accepts the JSON answer, optionally fenced, or plain text.
func parseTip(answer string) (tipAnswer, bool) {
	a := strings.TrimSpace(answer)
	a = strings.TrimPrefix(a, "```json")
	a = strings.TrimPrefix(a, "```")
	a = strings.TrimSuffix(a, "```")
	a = strings.TrimSpace(a)

	if a == "" || strings.EqualFold(a, "NONE") {
		return tipAnswer{}, false
	}

	var t tipAnswer
	if err := json.Unmarshal([]byte(a), &t); err != nil {
		t = tipAnswer{TipType: "suggestion", Content: a, RelevanceScore: 0.5}
	}
	t.Content = strings.TrimSpace(t.Content)
	if t.Content == "" || strings.EqualFold(t.Content, "NONE") {
		return tipAnswer{}, false
	}
	if t.TipType == "" {
		t.TipType = "suggestion"
	}
	if t.RelevanceScore < 0 {
		t.RelevanceScore = 0
	}
	if t.RelevanceScore > 1 {
		t.RelevanceScore = 1
	}
	return t, true
}
