package models

import "time"

// Wire message types exchanged over ingest and subscriber sockets.
const (
	TypeHandshake         = "handshake"
	TypeHandshakeAck      = "handshake-ack"
	TypeFinalize          = "finalize"
	TypeClose             = "close"
	TypeStatus            = "status"
	TypeError             = "error"
	TypePing              = "ping"
	TypePong              = "pong"
	TypeTranscriptPartial = "transcript.partial"
	TypeTranscriptFinal   = "transcript.final"
	TypeAITip             = "ai.tip"
)

// Handshake is the first message on an ingest socket. Numeric fields are
// pointers so a missing field can be told apart from a zero value.
type Handshake struct {
	Type       string `json:"type"`
	DeviceID   string `json:"device_id"`
	Source     string `json:"source"`
	SampleRate *int   `json:"sample_rate"`
	Channels   *int   `json:"channels"`
}

type HandshakeAck struct {
	Type string `json:"type"`
	OK   bool   `json:"ok"`
}

// ControlMessage is any text frame after the handshake.
type ControlMessage struct {
	Type string `json:"type"`
}

type StatusMessage struct {
	Type      string `json:"type"`
	MeetingID string `json:"meeting_id"`
	Status    string `json:"status"`
	Message   string `json:"message,omitempty"`
	TS        string `json:"ts"`
}

type ErrorMessage struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

type TranscriptMessage struct {
	Type       string         `json:"type"`
	MeetingID  string         `json:"meeting_id"`
	Source     Source         `json:"source"`
	SegmentNo  int            `json:"segment_no"`
	Text       string         `json:"text"`
	StartMS    int64          `json:"start_ms"`
	EndMS      *int64         `json:"end_ms,omitempty"`
	Speaker    *string        `json:"speaker,omitempty"`
	Confidence *float64       `json:"confidence,omitempty"`
	IsFinal    bool           `json:"is_final"`
	TS         string         `json:"ts"`
	Meta       map[string]any `json:"meta,omitempty"`
}

type AITipMessage struct {
	Type           string         `json:"type"`
	MeetingID      string         `json:"meeting_id"`
	SegmentNo      int            `json:"segment_no"`
	TipType        string         `json:"tip_type"`
	Content        string         `json:"content"`
	RelevanceScore float64        `json:"relevance_score"`
	TS             string         `json:"ts"`
	Meta           map[string]any `json:"meta,omitempty"`
}

func Timestamp(t time.Time) string { return t.UTC().Format(time.RFC3339Nano) }

func NewStatus(meetingID, status, message string) StatusMessage {
	return StatusMessage{
		Type:      TypeStatus,
		MeetingID: meetingID,
		Status:    status,
		Message:   message,
		TS:        Timestamp(time.Now()),
	}
}

func NewError(code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Code: code, Message: message}
}

// NewTranscriptMessage builds the broadcast form of a segment. Finals always
// carry a confidence, defaulting to zero.
func NewTranscriptMessage(seg TranscriptSegment, meta map[string]any) TranscriptMessage {
	msg := TranscriptMessage{
		Type:       TypeTranscriptPartial,
		MeetingID:  seg.MeetingID,
		Source:     seg.Source,
		SegmentNo:  seg.SegmentNo,
		Text:       seg.Text,
		StartMS:    seg.StartMS,
		EndMS:      seg.EndMS,
		Speaker:    seg.Speaker,
		Confidence: seg.Confidence,
		IsFinal:    seg.IsFinal,
		TS:         Timestamp(time.Now()),
		Meta:       meta,
	}
	if seg.IsFinal {
		msg.Type = TypeTranscriptFinal
		if msg.Confidence == nil {
			zero := 0.0
			msg.Confidence = &zero
		}
	}
	return msg
}
