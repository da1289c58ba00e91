package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dmitrymomot/conveyor/core/dependency"
)

// DependencyStore implements dependency.Store.
type DependencyStore struct {
	col *mongo.Collection
}

var _ dependency.Store = (*DependencyStore)(nil)

// NewDependencyStore returns a store over the dependency collection of db.
func NewDependencyStore(db *mongo.Database) *DependencyStore {
	return &DependencyStore{col: db.Collection(CollectionDependencies)}
}

func (s *DependencyStore) Insert(ctx context.Context, dep *dependency.Dependency) error {
	if _, err := s.col.InsertOne(ctx, dep); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return dependency.ErrDuplicateDependency
		}
		return fmt.Errorf("insert dependency: %w", err)
	}
	return nil
}

func (s *DependencyStore) Get(ctx context.Context, id string) (*dependency.Dependency, error) {
	var dep dependency.Dependency
	if err := s.col.FindOne(ctx, bson.M{"_id": id}).Decode(&dep); err != nil {
		if isNoDocuments(err) {
			return nil, dependency.ErrDependencyNotFound
		}
		return nil, fmt.Errorf("get dependency: %w", err)
	}
	return &dep, nil
}

func (s *DependencyStore) ListPending(ctx context.Context, parentQueue, parentJobID string) ([]*dependency.Dependency, error) {
	cursor, err := s.col.Find(ctx,
		bson.M{"parent_queue": parentQueue, "parent_job_id": parentJobID, "status": dependency.StatusPending},
		options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}),
	)
	if err != nil {
		return nil, fmt.Errorf("list pending dependencies: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*dependency.Dependency, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	return out, nil
}

func (s *DependencyStore) ListPendingBefore(ctx context.Context, cutoff time.Time, limit int) ([]*dependency.Dependency, error) {
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.col.Find(ctx,
		bson.M{"status": dependency.StatusPending, "created_at": bson.M{"$lt": cutoff}},
		opts,
	)
	if err != nil {
		return nil, fmt.Errorf("list stale dependencies: %w", err)
	}
	defer cursor.Close(ctx)

	out := make([]*dependency.Dependency, 0)
	if err := cursor.All(ctx, &out); err != nil {
		return nil, fmt.Errorf("decode dependencies: %w", err)
	}
	return out, nil
}

func (s *DependencyStore) IsPendingDependent(ctx context.Context, queue, jobID string) (bool, error) {
	n, err := s.col.CountDocuments(ctx,
		bson.M{"dependent.queue": queue, "dependent_job_id": jobID, "status": dependency.StatusPending},
		options.Count().SetLimit(1),
	)
	if err != nil {
		return false, fmt.Errorf("look up dependent job: %w", err)
	}
	return n > 0, nil
}

// Transition only matches pending documents, so concurrent resolvers race on
// the filter and exactly one wins.
func (s *DependencyStore) Transition(ctx context.Context, id string, t dependency.Transition) (bool, error) {
	res, err := s.col.UpdateOne(ctx,
		bson.M{"_id": id, "status": dependency.StatusPending},
		bson.M{"$set": bson.M{
			"status":       t.To,
			"error":        t.Error,
			"completed_at": t.CompletedAt,
			"expires_at":   t.ExpiresAt,
		}},
	)
	if err != nil {
		return false, fmt.Errorf("transition dependency: %w", err)
	}
	if res.MatchedCount > 0 {
		return true, nil
	}

	ok, err := exists(ctx, s.col, id)
	if err != nil {
		return false, fmt.Errorf("transition dependency: %w", err)
	}
	if !ok {
		return false, dependency.ErrDependencyNotFound
	}
	return false, nil
}

func (s *DependencyStore) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.col.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, fmt.Errorf("delete expired dependencies: %w", err)
	}
	return res.DeletedCount, nil
}
