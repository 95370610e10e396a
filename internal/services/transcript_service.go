package services

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/datatypes"

	"github.com/yoockh/meetstream/internal/cache"
	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/utils"
)

// TranscriptRepository is satisfied by both the postgres and mongo repos.
type TranscriptRepository interface {
	ExistsByKey(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, t *models.Transcript) error
	ListByMeeting(ctx context.Context, meetingID string) ([]models.Transcript, error)
	MaxSegmentNo(ctx context.Context, meetingID string) (int, error)
	Ping(ctx context.Context) error
}

type TranscriptService interface {
	// StoreFinal persists a final segment exactly once per idempotency key.
	// Storing an already present key succeeds without writing.
	StoreFinal(ctx context.Context, seg models.TranscriptSegment) error
	GetAll(ctx context.Context, meetingID string) ([]models.Transcript, error)
	LastSegmentNo(ctx context.Context, meetingID string) (int, error)
	Ping(ctx context.Context) error
}

type transcriptService struct {
	repo     TranscriptRepository
	cache    cache.Cache
	cacheTTL time.Duration
	now      func() time.Time
}

type Option func(*transcriptService)

// WithCache keeps GetAll results for ttl. Entries are dropped whenever a new
// segment of the meeting is stored.
func WithCache(c cache.Cache, ttl time.Duration) Option {
	return func(s *transcriptService) {
		s.cache = c
		s.cacheTTL = ttl
	}
}

func NewTranscriptService(repo TranscriptRepository, opts ...Option) TranscriptService {
	s := &transcriptService{repo: repo, now: time.Now}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *transcriptService) StoreFinal(ctx context.Context, seg models.TranscriptSegment) error {
	const op = "TranscriptService.StoreFinal"

	if seg.MeetingID == "" || !seg.Source.Valid() {
		return utils.E(utils.CodeInvalidArgument, op, "meeting_id and a valid source are required", nil)
	}
	if !seg.IsFinal {
		return utils.E(utils.CodeInvalidArgument, op, "only final segments are stored", nil)
	}

	streamID := models.ConnectionKey{MeetingID: seg.MeetingID, Source: seg.Source}.StreamID()
	key := models.IdempotencyKey(seg.MeetingID, streamID, seg.SegmentNo)

	exists, err := s.repo.ExistsByKey(ctx, key)
	if err != nil {
		return utils.E(utils.CodeStorage, op, "failed to check existing segment", err)
	}
	if exists {
		return nil
	}

	row := &models.Transcript{
		ID:             uuid.NewString(),
		MeetingID:      seg.MeetingID,
		StreamID:       streamID,
		Source:         string(seg.Source),
		SegmentNo:      seg.SegmentNo,
		StartMS:        seg.StartMS,
		EndMS:          seg.EndMS,
		Speaker:        seg.Speaker,
		Text:           seg.Text,
		Confidence:     seg.Confidence,
		IsFinal:        true,
		Words:          pq.StringArray(seg.Words),
		IdempotencyKey: key,
		CreatedAt:      s.now().UTC(),
	}
	if len(seg.Raw) > 0 && json.Valid(seg.Raw) {
		row.RawJSON = datatypes.JSON(seg.Raw)
	}

	if err := s.repo.Insert(ctx, row); err != nil {
		if errors.Is(err, utils.ErrDuplicate) {
			return nil
		}
		return utils.E(utils.CodeStorage, op, "failed to insert segment", err)
	}
	if s.cache != nil {
		_ = s.cache.Del(ctx, cache.TranscriptsKey(seg.MeetingID))
	}
	return nil
}

func (s *transcriptService) GetAll(ctx context.Context, meetingID string) ([]models.Transcript, error) {
	const op = "TranscriptService.GetAll"

	if meetingID == "" {
		return nil, utils.E(utils.CodeInvalidArgument, op, "meeting_id is required", nil)
	}
	return cache.Fetch(ctx, s.cache, cache.TranscriptsKey(meetingID), s.cacheTTL,
		func(ctx context.Context) ([]models.Transcript, error) {
			rows, err := s.repo.ListByMeeting(ctx, meetingID)
			if err != nil {
				return nil, utils.E(utils.CodeStorage, op, "failed to list transcripts", err)
			}
			return rows, nil
		})
}

func (s *transcriptService) LastSegmentNo(ctx context.Context, meetingID string) (int, error) {
	const op = "TranscriptService.LastSegmentNo"

	n, err := s.repo.MaxSegmentNo(ctx, meetingID)
	if err != nil {
		return 0, utils.E(utils.CodeStorage, op, "failed to read last segment number", err)
	}
	return n, nil
}

func (s *transcriptService) Ping(ctx context.Context) error {
	const op = "TranscriptService.Ping"

	if err := s.repo.Ping(ctx); err != nil {
		return utils.E(utils.CodeStorage, op, "store unreachable", err)
	}
	return nil
}
