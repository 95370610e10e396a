package postgres

import (
	"context"
	"errors"

	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/utils"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type TranscriptRepository interface {
	ExistsByKey(ctx context.Context, key string) (bool, error)
	// Insert returns utils.ErrDuplicate when the idempotency key already exists.
	Insert(ctx context.Context, t *models.Transcript) error
	ListByMeeting(ctx context.Context, meetingID string) ([]models.Transcript, error)
	MaxSegmentNo(ctx context.Context, meetingID string) (int, error)
	Ping(ctx context.Context) error
}

type transcriptRepo struct {
	db *gorm.DB
}

func NewTranscriptRepo(db *gorm.DB) TranscriptRepository {
	return &transcriptRepo{db: db}
}

// AutoMigrate creates the transcripts table and its indexes.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&models.Transcript{})
}

func (r *transcriptRepo) ExistsByKey(ctx context.Context, key string) (bool, error) {
	var n int64
	err := r.db.WithContext(ctx).
		Model(&models.Transcript{}).
		Where("idempotency_key = ?", key).
		Limit(1).
		Count(&n).Error
	return n > 0, err
}

func (r *transcriptRepo) Insert(ctx context.Context, t *models.Transcript) error {
	res := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "idempotency_key"}},
			DoNothing: true,
		}).
		Create(t)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return utils.ErrDuplicate
	}
	return nil
}

func (r *transcriptRepo) ListByMeeting(ctx context.Context, meetingID string) ([]models.Transcript, error) {
	var rows []models.Transcript
	err := r.db.WithContext(ctx).
		Where("meeting_id = ?", meetingID).
		Order("segment_no ASC").
		Order("created_at ASC").
		Find(&rows).Error
	return rows, err
}

func (r *transcriptRepo) MaxSegmentNo(ctx context.Context, meetingID string) (int, error) {
	var n int
	err := r.db.WithContext(ctx).
		Model(&models.Transcript{}).
		Where("meeting_id = ?", meetingID).
		Select("COALESCE(MAX(segment_no), 0)").
		Row().
		Scan(&n)
	return n, err
}

func (r *transcriptRepo) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	if sqlDB == nil {
		return errors.New("postgres: no connection pool")
	}
	return sqlDB.PingContext(ctx)
}
