package mongo

import (
	"context"
	"errors"
	"time"

	"github.com/yoockh/meetstream/internal/models"
	"github.com/yoockh/meetstream/internal/utils"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

type TranscriptRepository interface {
	ExistsByKey(ctx context.Context, key string) (bool, error)
	Insert(ctx context.Context, t *models.Transcript) error
	ListByMeeting(ctx context.Context, meetingID string) ([]models.Transcript, error)
	MaxSegmentNo(ctx context.Context, meetingID string) (int, error)
	Ping(ctx context.Context) error
}

type transcriptRepo struct {
	col *mongo.Collection
}

func NewTranscriptRepo(db *mongo.Database) TranscriptRepository {
	return &transcriptRepo{col: db.Collection("transcripts")}
}

func (r *transcriptRepo) ExistsByKey(ctx context.Context, key string) (bool, error) {
	n, err := r.col.CountDocuments(ctx, bson.M{"idempotency_key": key}, options.Count().SetLimit(1))
	return n > 0, err
}

// Insert relies on the unique idempotency_key index; a duplicate key error
// is reported as utils.ErrDuplicate.
func (r *transcriptRepo) Insert(ctx context.Context, t *models.Transcript) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	_, err := r.col.InsertOne(ctx, t)
	if mongo.IsDuplicateKeyError(err) {
		return utils.ErrDuplicate
	}
	return err
}

func (r *transcriptRepo) ListByMeeting(ctx context.Context, meetingID string) ([]models.Transcript, error) {
	opts := options.Find().SetSort(bson.D{{Key: "segment_no", Value: 1}, {Key: "created_at", Value: 1}})
	cur, err := r.col.Find(ctx, bson.M{"meeting_id": meetingID}, opts)
	if err != nil {
		return nil, err
	}
	defer cur.Close(ctx)

	var out []models.Transcript
	if err := cur.All(ctx, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (r *transcriptRepo) MaxSegmentNo(ctx context.Context, meetingID string) (int, error) {
	opts := options.FindOne().
		SetSort(bson.D{{Key: "segment_no", Value: -1}}).
		SetProjection(bson.M{"segment_no": 1})

	var row struct {
		SegmentNo int `bson:"segment_no"`
	}
	err := r.col.FindOne(ctx, bson.M{"meeting_id": meetingID}, opts).Decode(&row)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return row.SegmentNo, nil
}

func (r *transcriptRepo) Ping(ctx context.Context) error {
	return r.col.Database().Client().Ping(ctx, nil)
}
