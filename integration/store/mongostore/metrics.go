package mongostore

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/conveyor/core/metrics"
)

// MetricsStore implements metrics.Store.
type MetricsStore struct {
	col *mongo.Collection
}

var _ metrics.Store = (*MetricsStore)(nil)

// NewMetricsStore returns a store over the metrics collection of db.
func NewMetricsStore(db *mongo.Database) *MetricsStore {
	return &MetricsStore{col: db.Collection(CollectionMetrics)}
}

func (s *MetricsStore) Insert(ctx context.Context, rec *metrics.Record) error {
	if _, err := s.col.InsertOne(ctx, rec); err != nil {
		return fmt.Errorf("insert job metric: %w", err)
	}
	return nil
}

func (s *MetricsStore) Find(ctx context.Context, filter metrics.Filter) ([]*metrics.Record, error) {
	cursor, err := s.col.Find(ctx, findFilter(filter),
		options.Find().SetSort(bson.D{{Key: "timestamp", Value: 1}}))
	if err != nil {
		return nil, fmt.Errorf("find job metrics: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*metrics.Record, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode job metrics: %w", err)
	}
	return out, nil
}

func findFilter(f metrics.Filter) bson.M {
	q := bson.M{}
	if f.Queue != "" {
		q["queue"] = f.Queue
	}
	if f.UserID != "" {
		q["user_id"] = f.UserID
	}

	ts := bson.M{}
	if !f.Range.From.IsZero() {
		ts["$gte"] = f.Range.From
	}
	if !f.Range.To.IsZero() {
		ts["$lte"] = f.Range.To
	}
	if len(ts) > 0 {
		q["timestamp"] = ts
	}
	return q
}
