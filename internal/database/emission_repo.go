package database

import (
	"context"
	"errors"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/dandantas/gatekeeper/internal/model"
	"github.com/dandantas/gatekeeper/internal/store"
)

// EmissionRepository handles coverage_ratio delivery logs
type EmissionRepository struct {
	collection *mongo.Collection
}

// NewEmissionRepository creates a new emission repository
func NewEmissionRepository(db *MongoDB) *EmissionRepository {
	return &EmissionRepository{
		collection: db.GetCollection(CollectionEmissionLogs),
	}
}

// Save upserts the delivery log keyed by its idempotency key
func (r *EmissionRepository) Save(ctx context.Context, log *model.EmissionLog) error {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctxTimeout, bson.M{"_id": log.IdempotencyKey}, log, opts)
	if err != nil {
		return unavailable("save emission log", err)
	}

	return nil
}

// GetByIdempotencyKey retrieves a delivery log by idempotency key
func (r *EmissionRepository) GetByIdempotencyKey(ctx context.Context, key string) (*model.EmissionLog, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var log model.EmissionLog
	err := r.collection.FindOne(ctxTimeout, bson.M{"_id": key}).Decode(&log)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return nil, store.ErrNotFound
		}
		return nil, unavailable("get emission log", err)
	}

	return &log, nil
}

// List retrieves delivery logs with filtering and pagination
func (r *EmissionRepository) List(ctx context.Context, filter model.EmissionFilter, page, limit int) ([]model.EmissionLog, int64, error) {
	ctxTimeout, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	query := bson.M{}
	if filter.RunID != "" {
		query["run_id"] = filter.RunID
	}
	if filter.FinalStatus != "" {
		query["final_status"] = filter.FinalStatus
	}

	total, err := r.collection.CountDocuments(ctxTimeout, query)
	if err != nil {
		return nil, 0, unavailable("count emission logs", err)
	}

	skip := (page - 1) * limit
	opts := options.Find().
		SetSkip(int64(skip)).
		SetLimit(int64(limit)).
		SetSort(bson.D{{Key: "created_at", Value: -1}})

	cursor, err := r.collection.Find(ctxTimeout, query, opts)
	if err != nil {
		return nil, 0, unavailable("list emission logs", err)
	}
	defer cursor.Close(ctxTimeout)

	logs := []model.EmissionLog{}
	if err := cursor.All(ctxTimeout, &logs); err != nil {
		return nil, 0, unavailable("decode emission logs", err)
	}

	return logs, total, nil
}
