package models

import (
	"fmt"
	"strings"
)

type Source string

const (
	SourceMic Source = "mic"
	SourceSys Source = "sys"
)

// ParseSource normalizes a client supplied source; "system" is accepted as sys
// and an empty value defaults to mic.
func ParseSource(v string) (Source, bool) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "mic":
		return SourceMic, true
	case "sys", "system":
		return SourceSys, true
	default:
		return "", false
	}
}

func (s Source) Valid() bool { return s == SourceMic || s == SourceSys }

// ConnectionKey identifies the single live ingest connection allowed per
// meeting and audio source.
type ConnectionKey struct {
	MeetingID string
	Source    Source
}

func (k ConnectionKey) String() string { return k.MeetingID + ":" + string(k.Source) }

// StreamID is the per-source stream identifier used in idempotency keys.
func (k ConnectionKey) StreamID() string { return k.MeetingID + "_" + string(k.Source) }

// UpstreamSessionID names the ASR session opened for this key.
func (k ConnectionKey) UpstreamSessionID() string { return k.MeetingID + "-" + string(k.Source) }

// IdempotencyKey is the storage key for a final segment.
func IdempotencyKey(meetingID, streamID string, segmentNo int) string {
	return fmt.Sprintf("%s:%s:%d", meetingID, streamID, segmentNo)
}

// TranscriptTopic is the fan-out channel of a meeting.
func TranscriptTopic(meetingID string) string { return "meeting:" + meetingID + ":transcript" }

// StatusTopic carries meeting level status updates.
func StatusTopic(meetingID string) string { return "meeting:" + meetingID + ":status" }
