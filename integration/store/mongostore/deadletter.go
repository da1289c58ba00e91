package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/conveyor/core/deadletter"
)

// DeadLetterStore implements deadletter.Store.
type DeadLetterStore struct {
	col *mongo.Collection
}

var _ deadletter.Store = (*DeadLetterStore)(nil)

// NewDeadLetterStore returns a store over the dead letter collection of db.
func NewDeadLetterStore(db *mongo.Database) *DeadLetterStore {
	return &DeadLetterStore{col: db.Collection(CollectionDeadLetter)}
}

func (s *DeadLetterStore) Upsert(ctx context.Context, rec *deadletter.Record) (*deadletter.Record, error) {
	stored, err := s.upsert(ctx, rec)
	if mongo.IsDuplicateKeyError(err) {
		// lost an insert race on the job key; the second pass updates
		stored, err = s.upsert(ctx, rec)
	}
	return stored, err
}

func (s *DeadLetterStore) upsert(ctx context.Context, rec *deadletter.Record) (*deadletter.Record, error) {
	// retried records are history; a new failure of the same job starts a new record
	filter := bson.M{"original_queue": rec.OriginalQueue, "original_job_id": rec.OriginalJobID, "retried": false}
	update := bson.M{
		"$set": bson.M{
			"job_name":      rec.JobName,
			"data":          rec.Data,
			"failed_reason": rec.FailedReason,
			"attempts_made": rec.AttemptsMade,
			"enqueued_at":   rec.EnqueuedAt,
			"moved_at":      rec.MovedAt,
			"expires_at":    rec.ExpiresAt,
		},
		"$setOnInsert": bson.M{"_id": rec.ID},
	}

	var stored deadletter.Record
	err := s.col.FindOneAndUpdate(ctx, filter, update,
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&stored)
	if err != nil {
		return nil, fmt.Errorf("upsert dead letter record: %w", err)
	}
	return &stored, nil
}

func (s *DeadLetterStore) Get(ctx context.Context, id string) (*deadletter.Record, error) {
	var rec deadletter.Record
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&rec); err != nil {
		if isNoDocuments(err) {
			return nil, deadletter.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get dead letter record: %w", err)
	}
	return &rec, nil
}

func (s *DeadLetterStore) List(ctx context.Context, filter deadletter.Filter) ([]*deadletter.Record, error) {
	q := bson.M{}
	if filter.Queue != "" {
		q["original_queue"] = filter.Queue
	}
	if filter.Retried != nil {
		q["retried"] = *filter.Retried
	}

	opts := options.Find().SetSort(bson.D{{Key: "moved_at", Value: -1}, {Key: "_id", Value: 1}})
	if filter.Limit > 0 {
		opts.SetLimit(int64(filter.Limit))
	}
	if filter.Offset > 0 {
		opts.SetSkip(int64(filter.Offset))
	}

	cursor, err := s.col.Find(ctx, q, opts)
	if err != nil {
		return nil, fmt.Errorf("list dead letter records: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*deadletter.Record, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode dead letter records: %w", err)
	}
	return out, nil
}

func (s *DeadLetterStore) MarkRetried(ctx context.Context, id, retryQueue string, at time.Time) (*deadletter.Record, error) {
	var rec deadletter.Record
	err := s.col.FindOneAndUpdate(ctx,
		bson.M{"_id": id, "retried": false},
		bson.M{
			"$set":   bson.M{"retried": true, "retried_at": at, "retry_queue": retryQueue},
			"$unset": bson.M{"expires_at": ""},
		},
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&rec)
	if err == nil {
		return &rec, nil
	}
	if !isNoDocuments(err) {
		return nil, fmt.Errorf("mark dead letter record retried: %w", err)
	}

	ok, err := exists(ctx, s.col, id)
	switch {
	case err != nil:
		return nil, fmt.Errorf("mark dead letter record retried: %w", err)
	case !ok:
		return nil, deadletter.ErrRecordNotFound
	default:
		return nil, deadletter.ErrAlreadyRetried
	}
}

func (s *DeadLetterStore) SetRetryJob(ctx context.Context, id, jobID string) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{"$set": bson.M{"retry_job_id": jobID}})
	if err != nil {
		return fmt.Errorf("set dead letter retry job: %w", err)
	}
	if res.MatchedCount == 0 {
		return deadletter.ErrRecordNotFound
	}
	return nil
}

func (s *DeadLetterStore) UnmarkRetried(ctx context.Context, id string, expiresAt time.Time) error {
	res, err := s.col.UpdateOne(ctx, bson.M{"_id": id}, bson.M{
		"$set":   bson.M{"retried": false, "expires_at": expiresAt},
		"$unset": bson.M{"retried_at": "", "retry_queue": "", "retry_job_id": ""},
	})
	if err != nil {
		return fmt.Errorf("unmark dead letter record: %w", err)
	}
	if res.MatchedCount == 0 {
		return deadletter.ErrRecordNotFound
	}
	return nil
}

func (s *DeadLetterStore) DeleteNeverRetriedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{"retried": false, "moved_at": bson.M{"$lt": cutoff}})
	if err != nil {
		return 0, fmt.Errorf("delete old dead letter records: %w", err)
	}
	return res.DeletedCount, nil
}

func (s *DeadLetterStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, fmt.Errorf("delete expired dead letter records: %w", err)
	}
	return res.DeletedCount, nil
}
