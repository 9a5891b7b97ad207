package failure

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"onboarding/internal/constants"
	"onboarding/pkg/metrics"
)

type MongoRepository struct {
	collection  *mongo.Collection
	serviceName string
}

func NewMongoRepository(db *mongo.Database, serviceName string) *MongoRepository {
	return &MongoRepository{
		collection:  db.Collection(constants.FailureRecordsCollection),
		serviceName: serviceName,
	}
}

func (r *MongoRepository) Insert(ctx context.Context, record *Record) error {
	record.prepare()

	start := time.Now()
	_, err := r.collection.InsertOne(ctx, record)
	r.observe("insert", start, err)
	if err != nil {
		return fmt.Errorf("failed to insert failure record: %w", err)
	}

	return nil
}

func (r *MongoRepository) ListByRequestID(ctx context.Context, requestID string) ([]Record, error) {
	opts := options.Find().SetSort(bson.D{{Key: "failed_at", Value: 1}})

	start := time.Now()
	cursor, err := r.collection.Find(ctx, bson.M{"request_id": requestID}, opts)
	r.observe("list", start, err)
	if err != nil {
		return nil, fmt.Errorf("failed to list failure records: %w", err)
	}
	defer cursor.Close(ctx)

	var records []Record
	if err := cursor.All(ctx, &records); err != nil {
		return nil, fmt.Errorf("failed to decode failure records: %w", err)
	}

	return records, nil
}

func (r *MongoRepository) observe(operation string, start time.Time, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.IncDatabaseQuery(r.serviceName, "mongodb", operation, status)
	metrics.ObserveDatabaseQueryDuration(r.serviceName, "mongodb", operation, time.Since(start))
}
