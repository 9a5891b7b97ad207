package migrations

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"onboarding/internal/constants"
)

// EnsureFailureIndexes creates the indexes the failure store queries rely on.
// The collection itself is created on first insert.
func EnsureFailureIndexes(ctx context.Context, db *mongo.Database) error {
	collection := db.Collection(constants.FailureRecordsCollection)

	indexes := []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "request_id", Value: 1}, {Key: "failed_at", Value: 1}},
			Options: options.Index().SetName("idx_failure_records_request_id_failed_at"),
		},
		{
			Keys:    bson.D{{Key: "stage", Value: 1}, {Key: "failed_at", Value: -1}},
			Options: options.Index().SetName("idx_failure_records_stage_failed_at"),
		},
	}

	_, err := collection.Indexes().CreateMany(ctx, indexes)
	if err != nil {
		if !strings.Contains(err.Error(), "already exists") {
			return fmt.Errorf("failed to create indexes: %w", err)
		}
	}

	return nil
}
