package database

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/gatekeeper/internal/model"
)

// LockRepository handles named leases shared by all gatekeeper instances
type LockRepository struct {
	collection *mongo.Collection
}

// NewLockRepository creates a new lock repository
func NewLockRepository(db *MongoDB) *LockRepository {
	return &LockRepository{
		collection: db.GetCollection(CollectionReaperLocks),
	}
}

// AcquireLock attempts to acquire the named lease.
// Returns true if the lease was acquired or renewed by owner, false if another
// instance holds an unexpired lease.
// Uses FindOneAndUpdate with upsert for atomic acquisition; a racing upsert
// surfaces as a duplicate key error and is treated as a lost race.
func (r *LockRepository) AcquireLock(ctx context.Context, name, owner string, ttl time.Duration) (bool, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	now := time.Now().UTC()
	expiresAt := now.Add(ttl)

	// Filter: the lease is free, expired, or already ours
	filter := bson.M{
		"_id": name,
		"$or": []bson.M{
			{"expires_at": bson.M{"$lt": now}},
			{"expires_at": bson.M{"$exists": false}},
			{"locked_by": owner},
		},
	}

	update := bson.M{
		"$set": bson.M{
			"locked_by":  owner,
			"locked_at":  now,
			"expires_at": expiresAt,
		},
	}

	opts := options.FindOneAndUpdate().
		SetUpsert(true).
		SetReturnDocument(options.After)

	var result model.Lease
	err := r.collection.FindOneAndUpdate(ctxTimeout, filter, update, opts).Decode(&result)
	if err != nil {
		if err == mongo.ErrNoDocuments || mongo.IsDuplicateKeyError(err) {
			return false, nil
		}
		return false, unavailable("acquire lock", err)
	}

	if result.LockedBy != owner {
		return false, nil
	}

	slog.Debug("Successfully acquired lock",
		"lock", name,
		"pod_id", owner,
		"expires_at", expiresAt,
	)

	return true, nil
}

// ReleaseLock releases the lease, but only if it's owned by the specified instance.
func (r *LockRepository) ReleaseLock(ctx context.Context, name, owner string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	filter := bson.M{
		"_id":       name,
		"locked_by": owner,
	}

	result, err := r.collection.DeleteOne(ctxTimeout, filter)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}

	if result.DeletedCount > 0 {
		slog.Debug("Successfully released lock",
			"lock", name,
			"pod_id", owner,
		)
	}

	return nil
}
