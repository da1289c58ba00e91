package mongostore

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
)

// Collection names.
const (
	CollectionDeadLetter   = "dead_letter_jobs"
	CollectionDependencies = "job_dependencies"
	CollectionMetrics      = "job_metrics"
)

// IndexDeadLetterPending is the partial unique index over never-retried
// records of a job. Databases migrated before it existed still carry an
// unconditional unique index on the same keys, which must be dropped.
const IndexDeadLetterPending = "original_job_pending"

// Migrate creates the indexes of every collection. It is idempotent.
func Migrate(ctx context.Context, db *mongo.Database) error {
	for col, models := range indexes() {
		if _, err := db.Collection(col).Indexes().CreateMany(ctx, models); err != nil {
			return fmt.Errorf("migrate %s indexes: %w", col, err)
		}
	}
	return nil
}

func indexes() map[string][]mongo.IndexModel {
	ttl := func() *options.IndexOptionsBuilder {
		return options.Index().SetExpireAfterSeconds(0)
	}

	return map[string][]mongo.IndexModel{
		CollectionDeadLetter: {
			// at most one never-retried record per job; retried ones are history
			{
				Keys: bson.D{{Key: "original_queue", Value: 1}, {Key: "original_job_id", Value: 1}},
				Options: options.Index().
					SetName(IndexDeadLetterPending).
					SetUnique(true).
					SetPartialFilterExpression(bson.M{"retried": false}),
			},
			{Keys: bson.D{{Key: "original_queue", Value: 1}, {Key: "moved_at", Value: -1}}},
			{Keys: bson.D{{Key: "retried", Value: 1}, {Key: "moved_at", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl()},
		},
		CollectionDependencies: {
			{Keys: bson.D{
				{Key: "parent_queue", Value: 1},
				{Key: "parent_job_id", Value: 1},
				{Key: "status", Value: 1},
			}},
			{Keys: bson.D{{Key: "dependent_job_id", Value: 1}, {Key: "status", Value: 1}}},
			{Keys: bson.D{{Key: "status", Value: 1}, {Key: "created_at", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl()},
		},
		CollectionMetrics: {
			{Keys: bson.D{{Key: "queue", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "user_id", Value: 1}, {Key: "timestamp", Value: 1}}},
			{Keys: bson.D{{Key: "expires_at", Value: 1}}, Options: ttl()},
		},
	}
}

func isNoDocuments(err error) bool {
	return errors.Is(err, mongo.ErrNoDocuments)
}

// exists reports whether a document with the id is present.
func exists(ctx context.Context, col *mongo.Collection, id string) (bool, error) {
	n, err := col.CountDocuments(ctx, bson.M{"_id": id}, options.Count().SetLimit(1))
	if err != nil {
		return false, err
	}
	return n > 0, nil
}
