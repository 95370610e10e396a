package models

import (
	"time"

	"github.com/lib/pq"
	"gorm.io/datatypes"
)

// TranscriptSegment is one recognized utterance, partial or final.
type TranscriptSegment struct {
	MeetingID  string   `json:"meeting_id"`
	Source     Source   `json:"source"`
	SegmentNo  int      `json:"segment_no"`
	StartMS    int64    `json:"start_ms"`
	EndMS      *int64   `json:"end_ms,omitempty"`
	Speaker    *string  `json:"speaker,omitempty"`
	Text       string   `json:"text"`
	Confidence *float64 `json:"confidence,omitempty"`
	IsFinal    bool     `json:"is_final"`
	Words      []string `json:"-"`
	Raw        []byte   `json:"-"`
}

// Transcript is a persisted final segment.
type Transcript struct {
	ID             string         `gorm:"column:id;type:uuid;primaryKey" bson:"_id" json:"id"`
	MeetingID      string         `gorm:"column:meeting_id;type:text;index:idx_transcripts_meeting_segment,priority:1" bson:"meeting_id" json:"meeting_id"`
	StreamID       string         `gorm:"column:stream_id;type:text" bson:"stream_id" json:"stream_id"`
	Source         string         `gorm:"column:source;type:text" bson:"source" json:"source"`
	SegmentNo      int            `gorm:"column:segment_no;index:idx_transcripts_meeting_segment,priority:2" bson:"segment_no" json:"segment_no"`
	StartMS        int64          `gorm:"column:start_ms" bson:"start_ms" json:"start_ms"`
	EndMS          *int64         `gorm:"column:end_ms" bson:"end_ms,omitempty" json:"end_ms,omitempty"`
	Speaker        *string        `gorm:"column:speaker;type:text" bson:"speaker,omitempty" json:"speaker,omitempty"`
	Text           string         `gorm:"column:text;type:text" bson:"text" json:"text"`
	Confidence     *float64       `gorm:"column:confidence" bson:"confidence,omitempty" json:"confidence,omitempty"`
	IsFinal        bool           `gorm:"column:is_final;default:true" bson:"is_final" json:"is_final"`
	Words          pq.StringArray `gorm:"column:words;type:text[]" bson:"words,omitempty" json:"words,omitempty"`
	RawJSON        datatypes.JSON `gorm:"column:raw_json;type:jsonb" bson:"raw_json,omitempty" json:"raw_json,omitempty"`
	IdempotencyKey string         `gorm:"column:idempotency_key;type:text;uniqueIndex" bson:"idempotency_key" json:"idempotency_key"`
	CreatedAt      time.Time      `gorm:"column:created_at;type:timestamptz" bson:"created_at" json:"created_at"`
}

func (Transcript) TableName() string { return "transcripts" }
