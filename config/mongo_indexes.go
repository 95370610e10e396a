package config

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// TranscriptCollection holds final transcript segments in the mongo store.
const TranscriptCollection = "transcripts"

func EnsureMongoIndexes(ctx context.Context, db *mongo.Database) error {
	if db == nil {
		return errors.New("mongo database is nil; call OpenMongo first")
	}

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	transcripts := db.Collection(TranscriptCollection)
	_, err := transcripts.Indexes().CreateMany(ctx, []mongo.IndexModel{
		// exactly-once persistence per segment
		{
			Keys: bson.D{{Key: "idempotency_key", Value: 1}},
			Options: options.Index().
				SetName("uniq_idempotency_key").
				SetUnique(true),
		},
		{
			Keys:    bson.D{{Key: "meeting_id", Value: 1}, {Key: "segment_no", Value: 1}},
			Options: options.Index().SetName("by_meeting_segment"),
		},
	})
	return err
}
