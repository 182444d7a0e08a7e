package database

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// RunStateRepository stores run states in MongoDB. Updates are optimistic:
// the replace is conditioned on the version that was read, and a lost race is
// retried with a fresh read.
type RunStateRepository struct {
	collection *mongo.Collection
	maxRetries int
}

// NewRunStateRepository creates a new run state repository
func NewRunStateRepository(db *MongoDB, maxRetries int) *RunStateRepository {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &RunStateRepository{
		collection: db.GetCollection(CollectionRunStates),
		maxRetries: maxRetries,
	}
}

func (r *RunStateRepository) find(ctx context.Context, runID string) (*model.RunState, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var state model.RunState
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": runID}).Decode(&state)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		return nil, unavailable("get run state", err)
	}
	return &state, nil
}

// Get retrieves a live run state by run ID
func (r *RunStateRepository) Get(ctx context.Context, runID string) (*model.RunState, error) {
	state, err := r.find(ctx, runID)
	if err != nil {
		return nil, err
	}
	if state == nil || state.IsClosed() {
		return nil, store.ErrNotFound
	}
	return state, nil
}

// Put replaces the run state unconditionally
func (r *RunStateRepository) Put(ctx context.Context, state *model.RunState) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctxTimeout, bson.M{"_id": state.RunID}, state, opts); err != nil {
		return unavailable("put run state", err)
	}
	return nil
}

// Delete removes the run state and any tombstone
func (r *RunStateRepository) Delete(ctx context.Context, runID string) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	result, err := r.collection.DeleteOne(ctxTimeout, bson.M{"_id": runID})
	if err != nil {
		return unavailable("delete run state", err)
	}
	if result.DeletedCount == 0 {
		return store.ErrNotFound
	}
	return nil
}

// Update applies fn to the current run state and writes the result back
// conditioned on the version read. Conflicts are retried up to maxRetries.
func (r *RunStateRepository) Update(ctx context.Context, runID string, fn store.UpdateFunc) (*model.RunState, error) {
	for attempt := 1; attempt <= r.maxRetries; attempt++ {
		cur, err := r.find(ctx, runID)
		if err != nil {
			return nil, err
		}
		if cur != nil && cur.IsClosed() {
			return cur, store.ErrRunClosed
		}

		next, err := store.Apply(cur, fn)
		if err != nil {
			return nil, err
		}
		if next == nil {
			return cur, nil
		}
		next.RunID = runID

		err = r.write(ctx, cur, next)
		if err == nil {
			return next, nil
		}
		if !errors.Is(err, store.ErrConflict) {
			return nil, err
		}

		slog.Debug("Run state write conflict, retrying",
			"run_id", runID,
			"attempt", attempt,
		)
	}

	return nil, fmt.Errorf("%w: run %s: %w after %d attempts", store.ErrUnavailable, runID, store.ErrConflict, r.maxRetries)
}

func (r *RunStateRepository) write(ctx context.Context, cur, next *model.RunState) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if cur == nil {
		_, err := r.collection.InsertOne(ctxTimeout, next)
		if mongo.IsDuplicateKeyError(err) {
			return store.ErrConflict
		}
		if err != nil {
			return unavailable("insert run state", err)
		}
		return nil
	}

	filter := bson.M{"_id": next.RunID, "version": cur.Version}
	result, err := r.collection.ReplaceOne(ctxTimeout, filter, next)
	if err != nil {
		return unavailable("replace run state", err)
	}
	if result.MatchedCount == 0 {
		return store.ErrConflict
	}
	return nil
}

// ListExpired returns open pending runs created before the cutoff, oldest first
func (r *RunStateRepository) ListExpired(ctx context.Context, createdBefore time.Time, limit int) ([]*model.RunState, error) {
	filter := bson.M{
		"status":     model.StatusPending,
		"closed_at":  bson.M{"$exists": false},
		"created_at": bson.M{"$lt": createdBefore},
	}
	return r.list(ctx, filter, limit)
}

// ListUndelivered returns open completed runs whose delivery lease is absent or expired
func (r *RunStateRepository) ListUndelivered(ctx context.Context, now time.Time, limit int) ([]*model.RunState, error) {
	filter := bson.M{
		"status":    model.StatusCompleted,
		"closed_at": bson.M{"$exists": false},
		"$or": []bson.M{
			{"delivery_lease_until": bson.M{"$exists": false}},
			{"delivery_lease_until": bson.M{"$lte": now}},
		},
	}
	return r.list(ctx, filter, limit)
}

func (r *RunStateRepository) list(ctx context.Context, filter bson.M, limit int) ([]*model.RunState, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}

	cursor, err := r.collection.Find(ctxTimeout, filter, opts)
	if err != nil {
		return nil, unavailable("list run states", err)
	}
	defer cursor.Close(ctxTimeout)

	var states []*model.RunState
	if err := cursor.All(ctxTimeout, &states); err != nil {
		return nil, unavailable("decode run states", err)
	}
	return states, nil
}

// PurgeTombstones removes closed runs past their retention. The TTL index on
// purge_at does the same in the background; this makes it deterministic.
func (r *RunStateRepository) PurgeTombstones(ctx context.Context, now time.Time) (int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	result, err := r.collection.DeleteMany(ctxTimeout, bson.M{"purge_at": bson.M{"$lt": now}})
	if err != nil {
		return 0, unavailable("purge tombstones", err)
	}
	return result.DeletedCount, nil
}

// Ping checks the collection's database is reachable
func (r *RunStateRepository) Ping(ctx context.Context) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := r.collection.Database().Client().Ping(ctxTimeout, nil); err != nil {
		return unavailable("ping MongoDB", err)
	}
	return nil
}
